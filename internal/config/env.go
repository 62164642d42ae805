package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays TRACKER_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("TRACKER_DATA_DIR", &cfg.DataDir)
	str("TRACKER_HTTP_ADDR", &cfg.HTTPAddr)
	str("TRACKER_GRPC_ADDR", &cfg.GRPCAddr)
	str("TRACKER_BACKEND", &cfg.Backend)
	str("TRACKER_DATABASE_URL", &cfg.DatabaseURL)
	str("TRACKER_BATCH_DIR", &cfg.BatchDir)

	dur("TRACKER_LEASE_TIMEOUT", &cfg.Lease.Timeout)
	dur("TRACKER_REAP_INTERVAL", &cfg.Lease.ReapInterval)
	if v := os.Getenv("TRACKER_REAP_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lease.ReapBatch = n
		}
	}
	if v := os.Getenv("TRACKER_REQUEUE_PENALTY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Lease.RequeuePenalty = int32(n)
		}
	}

	if v := os.Getenv("TRACKER_ITEM_PRIORITY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Items.Priority = int32(n)
		}
	}
	dur("TRACKER_ITEM_EXPECTED_DURATION", &cfg.Items.ExpectedDuration)

	dur("TRACKER_LEDGER_SAVE_INTERVAL", &cfg.Ledger.SaveInterval)
	dur("TRACKER_LEADERBOARD_TTL", &cfg.Ledger.LeaderboardTTL)

	str("TRACKER_LOG_LEVEL", &cfg.Log.Level)
	str("TRACKER_LOG_FORMAT", &cfg.Log.Format)
}
