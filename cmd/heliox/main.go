package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/heliox/pkg/abuse"
	"github.com/cuemby/heliox/pkg/bloom"
	"github.com/cuemby/heliox/pkg/cache"
	"github.com/cuemby/heliox/pkg/config"
	"github.com/cuemby/heliox/pkg/configcache"
	"github.com/cuemby/heliox/pkg/gateway"
	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/log"
	"github.com/cuemby/heliox/pkg/metrics"
	"github.com/cuemby/heliox/pkg/quota"
	"github.com/cuemby/heliox/pkg/ratelimit"
	"github.com/cuemby/heliox/pkg/storage"
	"github.com/cuemby/heliox/pkg/upstream"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "heliox",
	Short: "Heliox - Multi-tenant caching API gateway",
	Long: `Heliox proxies authenticated tenant traffic to upstream services with
per-key rate limits, quotas, abuse detection, and a shared TTL+SWR
response cache, delivered as a single binary.

Configuration comes from environment variables; the flags on serve
override the common ones.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Heliox version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Heliox version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway: open the config store, connect the shared KV
backend (falling back to the in-process store when it is unreachable),
and serve proxy traffic until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides LISTEN_ADDR)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides DATA_DIR)")
	serveCmd.Flags().String("redis-url", "", "Redis URL (overrides REDIS_URL)")
	serveCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error (overrides LOG_LEVEL)")
	serveCmd.Flags().Bool("demo", false, "Run without Redis on the in-process KV store")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	log.Init(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("serve")
	logger.Info().Str("version", Version).Str("mode", cfg.DeploymentMode).Msg("starting heliox")

	metrics.SetVersion(Version)

	db, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening config store in %s: %w", cfg.DataDir, err)
	}
	defer db.Close()
	metrics.SetComponent(metrics.ComponentDB, metrics.StateOK)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := kv.Open(ctx, kv.Options{
		URL:           cfg.RedisURL,
		OpTimeout:     time.Duration(cfg.KVOpTimeoutMS) * time.Millisecond,
		ForceFallback: cfg.DemoMode(),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	shared := store.Name() == kv.NameRedis
	if shared {
		metrics.SetComponent(metrics.ComponentKV, metrics.StateOK)
	} else {
		// On the in-process fallback the instance serves alone:
		// limits, blocks, and cached entries stop being shared.
		metrics.SetComponent(metrics.ComponentKV, metrics.StateDegraded)
	}

	// The negative-cache filter lives in shared bits; without the shared
	// backend it stays off rather than diverging per instance.
	var negatives *bloom.Filter
	if shared {
		negatives = bloom.New(store, bloom.DefaultKey, cfg.BloomExpectedItems, cfg.BloomFalsePositiveRate)
		metrics.SetComponent(metrics.ComponentBloom, metrics.StateOK)
	} else {
		metrics.SetComponent(metrics.ComponentBloom, metrics.StateDisabled)
	}

	responses := cache.New(store, cache.Options{})
	reval := cache.NewRevalidator(responses, cfg.RevalidateWorkers, metrics.ObserveRevalidationDropped)
	detector := abuse.New(store, db, abuse.Config{
		Alpha:         cfg.AbuseEWMAAlpha,
		ZThreshold:    cfg.AbuseZScoreThreshold,
		BlockDuration: time.Duration(cfg.AbuseBlockDurationSeconds) * time.Second,
	})

	view := configcache.New(db, store, configcache.Options{
		RefreshInterval: time.Duration(cfg.ConfigRefreshSeconds) * time.Second,
		Purger:          responses,
		Unblocker:       detector,
	})
	if err := view.Start(ctx); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	defer view.Stop()

	var collectorStore kv.Store
	if shared {
		collectorStore = store
	}
	collector := metrics.NewCollector(view, collectorStore)
	collector.Start()
	defer collector.Stop()

	logs := gateway.NewLogWriter(db, cfg.LogQueueSize)
	logs.Start()

	gw := gateway.New(gateway.Options{
		View:    view,
		DB:      db,
		Cache:   responses,
		Reval:   reval,
		Limiter: ratelimit.New(store),
		Quota:   quota.New(store),
		Abuse:   detector,
		Bloom:   negatives,
		Upstream: upstream.New(upstream.Options{
			DefaultTimeout: time.Duration(cfg.UpstreamDefaultTimeoutMS) * time.Millisecond,
			MaxBodyBytes:   cfg.MaxCacheBodyBytes,
		}),
		Logs:          logs,
		DefaultRPS:    cfg.DefaultRateLimitRPS,
		DefaultBurst:  cfg.DefaultRateLimitBurst,
		ClientIPRPS:   cfg.ClientIPRPS,
		ClientIPBurst: cfg.ClientIPBurst,
		Origin:        hostname(),
	})

	srv := gateway.NewServer(cfg.ListenAddr, gw)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	// In-flight requests get a grace period, then the background workers
	// drain so their last writes land before the stores close.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}
	reval.Drain()
	logs.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}

// applyServeFlags lets explicit flags win over the environment.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("redis-url") {
		cfg.RedisURL, _ = cmd.Flags().GetString("redis-url")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if demo, _ := cmd.Flags().GetBool("demo"); demo {
		cfg.DeploymentMode = config.ModeDemo
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "heliox"
}
