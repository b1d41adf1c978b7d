package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config is read once from the environment at boot. Zero values fall
// back to development defaults; an empty DATABASE_URL selects the
// in-memory store.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	ListenAddr  string
	NodeID      string

	MigrateOnBoot bool

	WorkerCount        int
	TickInterval       time.Duration
	PollInterval       time.Duration
	MaxResponseCapture int
	SSRFAllowlist      []string

	FreeConcurrency int
	ProConcurrency  int
	FreeQuota       int64
	ProQuota        int64

	NotifyWebhookTimeout time.Duration
	IdempotencyWait      time.Duration
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envMS(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func LoadConfig() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "tickloom"
	}
	cfg := Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		ListenAddr:           envStr("LISTEN_ADDR", ":8080"),
		NodeID:               hostname + "-" + uuid.NewString()[:8],
		MigrateOnBoot:        os.Getenv("MIGRATE_ON_BOOT") != "false",
		WorkerCount:          envInt("WORKER_COUNT", 8),
		TickInterval:         envMS("TICK_INTERVAL_MS", 5*time.Second),
		PollInterval:         envMS("POLL_INTERVAL_MS", time.Second),
		MaxResponseCapture:   envInt("MAX_RESPONSE_CAPTURE", 64<<10),
		FreeConcurrency:      envInt("ORG_CONCURRENCY_FREE", 4),
		ProConcurrency:       envInt("ORG_CONCURRENCY_PRO", 32),
		FreeQuota:            int64(envInt("MONTHLY_QUOTA_FREE", 1000)),
		ProQuota:             int64(envInt("MONTHLY_QUOTA_PRO", 100000)),
		NotifyWebhookTimeout: envMS("NOTIFY_WEBHOOK_TIMEOUT_MS", 10*time.Second),
		IdempotencyWait:      envMS("IDEMPOTENCY_WAIT_MS", 5*time.Second),
	}
	if v := os.Getenv("SSRF_ALLOWLIST"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				cfg.SSRFAllowlist = append(cfg.SSRFAllowlist, p)
			}
		}
	}
	return cfg
}
