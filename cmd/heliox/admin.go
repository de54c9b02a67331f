package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/heliox/pkg/abuse"
	"github.com/cuemby/heliox/pkg/cache"
	"github.com/cuemby/heliox/pkg/config"
	"github.com/cuemby/heliox/pkg/configcache"
	"github.com/cuemby/heliox/pkg/kv"
	"github.com/cuemby/heliox/pkg/log"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysUnblockCmd = &cobra.Command{
	Use:   "unblock API-KEY-ID",
	Short: "Lift an abuse block from an API key",
	Long: `Clear the shared block entry for the key so its requests are
admitted again, and notify running gateways to deactivate the block's
audit records.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysUnblock,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the response cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop cached responses matching a glob",
	Long: `Ask running gateways to purge entries matching the pattern, or
purge the shared backend directly with --local. Cache keys are opaque
digests, so patterns other than the default '*' are for surgical
removal of a known key.

Examples:
  # Everything
  heliox cache purge

  # One known entry, without going through a gateway
  heliox cache purge --pattern 8c0f51f7* --local`,
	RunE: runCachePurge,
}

func init() {
	keysCmd.AddCommand(keysUnblockCmd)
	keysUnblockCmd.Flags().String("redis-url", "", "Redis URL (overrides REDIS_URL)")

	cacheCmd.AddCommand(cachePurgeCmd)
	cachePurgeCmd.Flags().String("pattern", "*", "Cache key glob to purge")
	cachePurgeCmd.Flags().Bool("local", false, "Purge the KV backend directly instead of notifying gateways")
	cachePurgeCmd.Flags().String("redis-url", "", "Redis URL (overrides REDIS_URL)")

	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(cacheCmd)
}

// adminStore connects the shared KV backend for a one-shot admin
// command. The fallback store is useless here: it is private to this
// process, so nothing a gateway serves from would change.
func adminStore(cmd *cobra.Command) (kv.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("redis-url") {
		cfg.RedisURL, _ = cmd.Flags().GetString("redis-url")
	}
	log.Init(log.Config{Level: log.WarnLevel, JSONOutput: false})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := kv.Open(ctx, kv.Options{
		URL:       cfg.RedisURL,
		OpTimeout: time.Duration(cfg.KVOpTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	if store.Name() != kv.NameRedis {
		_ = store.Close()
		return nil, fmt.Errorf("shared backend unreachable at %s; this command needs the Redis the gateways use", cfg.RedisURL)
	}
	return store, nil
}

func runKeysUnblock(cmd *cobra.Command, args []string) error {
	apiKeyID := args[0]

	store, err := adminStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The audit records live in each gateway's own store; the published
	// change makes them deactivate theirs.
	detector := abuse.New(store, nil, abuse.Config{})
	if err := detector.Unblock(ctx, apiKeyID); err != nil {
		return fmt.Errorf("failed to clear block: %w", err)
	}
	if err := configcache.PublishChange(ctx, store, configcache.Change{
		Entity: configcache.EntityUnblock,
		ID:     apiKeyID,
	}); err != nil {
		return fmt.Errorf("block cleared, but notifying gateways failed: %w", err)
	}

	fmt.Printf("✓ API key unblocked: %s\n", apiKeyID)
	return nil
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	pattern, _ := cmd.Flags().GetString("pattern")
	local, _ := cmd.Flags().GetBool("local")

	store, err := adminStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if local {
		n, err := cache.New(store, cache.Options{}).Purge(ctx, pattern)
		if err != nil {
			return fmt.Errorf("purge failed after removing %d entries: %w", n, err)
		}
		fmt.Printf("✓ Purged %d cached responses matching %q\n", n, pattern)
		return nil
	}

	if err := configcache.PublishChange(ctx, store, configcache.Change{
		Entity: configcache.EntityCachePurge,
		ID:     pattern,
	}); err != nil {
		return fmt.Errorf("failed to request purge: %w", err)
	}
	fmt.Printf("✓ Purge requested for pattern %q\n", pattern)
	return nil
}
