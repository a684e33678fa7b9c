package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Migrate  bool
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	MaxRetries  int
	DialTimeout int
	Timeout     int
	PoolSize    int
	Prefix      string
}

type S3Config struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	Prefix          string
	URLExpiry       time.Duration
}

type LockConfig struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

type LedgerConfig struct {
	// RepairImbalance lets payments go through on legacy installments whose
	// stored amounts do not add up; the remaining amount is recomputed.
	RepairImbalance bool
	StrictAmounts   bool
	PlanCacheTTL    time.Duration
}

type SchedulerConfig struct {
	OverdueCron string
}

type AppConfig struct {
	Port              string
	LogLevel          string
	ExportDir         string
	FilesPublicPrefix string
	ExternalURL       string
	// APITokens maps a bearer token to the operator id it authenticates.
	APITokens map[string]string

	Postgres  PostgresConfig
	Redis     RedisConfig
	S3        S3Config
	Lock      LockConfig
	Ledger    LedgerConfig
	Scheduler SchedulerConfig
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustAtoi(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		logrus.Fatalf("invalid int value %q: %v", s, err)
	}
	return i
}

func mustBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		logrus.Fatalf("invalid bool value %q: %v", s, err)
	}
	return b
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		logrus.Fatalf("invalid duration value %q: %v", s, err)
	}
	return d
}

// parseTokens reads "token:operator,token2:operator2". A token without an
// operator authenticates as itself.
func parseTokens(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, operator, found := strings.Cut(pair, ":")
		if !found || operator == "" {
			operator = token
		}
		out[strings.TrimSpace(token)] = strings.TrimSpace(operator)
	}
	return out
}

func Load() AppConfig {
	return AppConfig{
		Port:              getenv("APP_PORT", "8010"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		ExportDir:         getenv("EXPORT_DIR", "./exports"),
		FilesPublicPrefix: getenv("FILES_PUBLIC_PREFIX", "/files"),
		ExternalURL:       getenv("EXTERNAL_URL", ""),
		APITokens:         parseTokens(getenv("API_TOKENS", "")),
		Postgres: PostgresConfig{
			Host:     getenv("PG_HOST", "127.0.0.1"),
			Port:     mustAtoi(getenv("PG_PORT", "5432")),
			User:     getenv("PG_USER", "root"),
			Password: getenv("PG_PASSWORD", "hello-world"),
			DBName:   getenv("PG_DB", "fee_ledger"),
			SSLMode:  getenv("PG_SSLMODE", "disable"),
			Migrate:  mustBool(getenv("PG_MIGRATE", "true")),
		},
		Redis: RedisConfig{
			Addr:        getenv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    getenv("REDIS_PASSWORD", ""),
			DB:          mustAtoi(getenv("REDIS_DB", "0")),
			MaxRetries:  mustAtoi(getenv("REDIS_MAX_RETRIES", "5")),
			DialTimeout: mustAtoi(getenv("REDIS_DIAL_TIMEOUT", "10")),
			Timeout:     mustAtoi(getenv("REDIS_TIMEOUT", "5")),
			PoolSize:    mustAtoi(getenv("REDIS_POOL_SIZE", "10")),
			Prefix:      getenv("REDIS_PREFIX", "fee_ledger:"),
		},
		S3: S3Config{
			Enabled:         mustBool(getenv("S3_ENABLED", "false")),
			Endpoint:        getenv("S3_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getenv("S3_ACCESS_KEY", "minio"),
			SecretAccessKey: getenv("S3_SECRET_KEY", "minio123"),
			Bucket:          getenv("S3_BUCKET", "statements"),
			Region:          getenv("S3_REGION", "us-east-1"),
			UseSSL:          mustBool(getenv("S3_USE_SSL", "false")),
			Prefix:          getenv("S3_PREFIX", ""),
			URLExpiry:       mustDuration(getenv("S3_URL_EXPIRY", "1h")),
		},
		Lock: LockConfig{
			Expiry:     mustDuration(getenv("LOCK_EXPIRY", "10s")),
			Tries:      mustAtoi(getenv("LOCK_TRIES", "32")),
			RetryDelay: mustDuration(getenv("LOCK_RETRY_DELAY", "100ms")),
		},
		Ledger: LedgerConfig{
			RepairImbalance: mustBool(getenv("LEDGER_REPAIR_IMBALANCE", "false")),
			StrictAmounts:   mustBool(getenv("LEDGER_STRICT_AMOUNTS", "false")),
			PlanCacheTTL:    mustDuration(getenv("LEDGER_PLAN_CACHE_TTL", "5m")),
		},
		Scheduler: SchedulerConfig{
			OverdueCron: getenv("SCHEDULER_OVERDUE_CRON", "@hourly"),
		},
	}
}
