/*
Package config loads gateway settings from environment variables.

Every knob has a default, so a bare "heliox serve" starts a working
demo-mode gateway. Parse or validation failures are returned from Load
and treated as fatal by the caller; a misconfigured gateway must not
start.

Recognized variables (defaults in parentheses):

	LISTEN_ADDR                  (:8080)
	DATA_DIR                     (/var/lib/heliox)
	LOG_LEVEL                    (info)
	LOG_JSON                     (true)
	REDIS_URL                    (redis://localhost:6379/0)
	DEPLOYMENT_MODE              (normal)  normal|demo
	KV_OP_TIMEOUT_MS             (250)
	DEFAULT_RATE_LIMIT_RPS       (100)
	DEFAULT_RATE_LIMIT_BURST     (200)
	ABUSE_EWMA_ALPHA             (0.3)
	ABUSE_ZSCORE_THRESHOLD       (3.0)
	ABUSE_BLOCK_DURATION_SECONDS (300)
	BLOOM_EXPECTED_ITEMS         (10000)
	BLOOM_FALSE_POSITIVE_RATE    (0.01)
	UPSTREAM_DEFAULT_TIMEOUT_MS  (30000)
	MAX_CACHE_BODY_BYTES         (10485760)
	CONFIG_REFRESH_SECONDS       (30)
	REVALIDATE_WORKERS           (4)
	LOG_QUEUE_SIZE               (1024)
	CLIENT_IP_RPS                (0, disabled)
	CLIENT_IP_BURST              (0)

DEPLOYMENT_MODE=demo (or an empty REDIS_URL) forces the in-process KV
fallback; see pkg/kv.
*/
package config
