// Package config loads the service's runtime configuration from the
// environment, the way every teacher service in this repo's lineage does
// (os.Getenv with typed helpers and sensible defaults).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the enumerated configuration surface of spec §6.
type Config struct {
	Addr                    string
	DBConnectionString      string // operational DB
	DBConnectionStringResults string // results DB
	ClickhouseConnectionString string // analytics store

	MQConnectionString string
	ExchangeExecute     string
	PublishExchange     string
	PublishRequestQueue string
	PublishResultQueue  string

	EncryptionKey  string // 32-byte hex AEAD key
	ThreadPoolSize int

	StagingDir        string // scratch directory for the intermediate columnar staging files
	AuthSecret        string // HMAC secret for bearer JWT verification
	AnalyticsDatabase string // ClickHouse database publish targets are created under
}

const (
	defaultAddr                = ":8090"
	defaultExchangeExecute      = "sdwh.execute"
	defaultPublishExchange      = "sdwh.publish"
	defaultPublishRequestQueue  = "publish_request_queue"
	defaultPublishResultQueue   = "publish_result_queue"
	defaultThreadPoolSize       = 8
	defaultStagingDir           = "/var/lib/sdwh/staging"
	defaultAnalyticsDatabase    = "analytics"
)

// Load reads environment variables and returns a Config, failing fast on
// missing required values (mirrors eval-engine/internal/config.LoadIngestion
// and reasoning-graph/internal/config.Load).
func Load() (Config, error) {
	cfg := Config{
		Addr:                        getEnv("SDWH_ADDR", defaultAddr),
		DBConnectionString:          firstNonEmpty(os.Getenv("SDWH_DB_CONNECTION_STRING"), os.Getenv("DATABASE_URL")),
		DBConnectionStringResults:   os.Getenv("SDWH_DB_CONNECTION_STRING_RESULTS"),
		ClickhouseConnectionString:  os.Getenv("SDWH_CLICKHOUSE_CONNECTION_STRING"),
		MQConnectionString:          os.Getenv("SDWH_MQ_CONNECTION_STRING"),
		ExchangeExecute:             getEnv("SDWH_EXCHANGE_EXECUTE", defaultExchangeExecute),
		PublishExchange:             getEnv("SDWH_PUBLISH_EXCHANGE", defaultPublishExchange),
		PublishRequestQueue:         getEnv("SDWH_PUBLISH_REQUEST_QUEUE", defaultPublishRequestQueue),
		PublishResultQueue:          getEnv("SDWH_PUBLISH_RESULT_QUEUE", defaultPublishResultQueue),
		EncryptionKey:               os.Getenv("SDWH_ENCRYPTION_KEY"),
		ThreadPoolSize:              getInt("SDWH_THREAD_POOL_SIZE", defaultThreadPoolSize),
		StagingDir:                  getEnv("SDWH_STAGING_DIR", defaultStagingDir),
		AuthSecret:                  os.Getenv("SDWH_AUTH_SECRET"),
		AnalyticsDatabase:           getEnv("SDWH_ANALYTICS_DATABASE", defaultAnalyticsDatabase),
	}
	if cfg.DBConnectionString == "" {
		return Config{}, fmt.Errorf("SDWH_DB_CONNECTION_STRING or DATABASE_URL required")
	}
	if cfg.DBConnectionStringResults == "" {
		return Config{}, fmt.Errorf("SDWH_DB_CONNECTION_STRING_RESULTS required")
	}
	if cfg.EncryptionKey == "" {
		return Config{}, fmt.Errorf("SDWH_ENCRYPTION_KEY required")
	}
	if cfg.AuthSecret == "" {
		return Config{}, fmt.Errorf("SDWH_AUTH_SECRET required")
	}
	return cfg, nil
}

// Brokers splits MQConnectionString on commas into a kafka-go broker list.
func (c Config) Brokers() []string {
	if c.MQConnectionString == "" {
		return nil
	}
	return strings.Split(c.MQConnectionString, ",")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}
