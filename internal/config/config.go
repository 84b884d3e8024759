package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBConnStr string
	HTTPAddr  string

	LogLevel  string
	LogFormat string

	JWTSecret string

	KafkaBrokers       []string
	KafkaBetTopic      string
	KafkaDepositTopic  string
	KafkaConsumerGroup string

	ExpirySweepInterval time.Duration
	ExpirySweepBatch    int
	AdvanceMaxRetries   int

	WalletCurrency string
}

// Load reads configuration from the environment, after loading an optional .env file.
func Load() (*Config, error) {
	// .env is optional; real deployments inject the environment directly
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		DBConnStr:          getenv("DB_CONN_STR"),
		HTTPAddr:           withDefault(getenv("HTTP_ADDR"), ":8080"),
		LogLevel:           withDefault(getenv("LOG_LEVEL"), "info"),
		LogFormat:          withDefault(getenv("LOG_FORMAT"), "json"),
		JWTSecret:          getenv("JWT_SECRET"),
		KafkaBrokers:       splitList(getenv("KAFKA_BROKERS")),
		KafkaBetTopic:      withDefault(getenv("KAFKA_BET_TOPIC"), "game.bets.settled"),
		KafkaDepositTopic:  withDefault(getenv("KAFKA_DEPOSIT_TOPIC"), "payments.deposits"),
		KafkaConsumerGroup: withDefault(getenv("KAFKA_CONSUMER_GROUP"), "bonus-ledger"),
		WalletCurrency:     strings.ToUpper(withDefault(getenv("WALLET_CURRENCY"), "USD")),
	}

	var err error
	if cfg.ExpirySweepInterval, err = parseDuration(getenv("EXPIRY_SWEEP_INTERVAL"), time.Minute); err != nil {
		return nil, fmt.Errorf("EXPIRY_SWEEP_INTERVAL: %w", err)
	}
	if cfg.ExpirySweepBatch, err = parseInt(getenv("EXPIRY_SWEEP_BATCH"), 100); err != nil {
		return nil, fmt.Errorf("EXPIRY_SWEEP_BATCH: %w", err)
	}
	if cfg.AdvanceMaxRetries, err = parseInt(getenv("ADVANCE_MAX_RETRIES"), 3); err != nil {
		return nil, fmt.Errorf("ADVANCE_MAX_RETRIES: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DBConnStr == "" {
		return errors.New("DB_CONN_STR is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.ExpirySweepInterval <= 0 {
		return errors.New("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	if c.ExpirySweepBatch <= 0 {
		return errors.New("EXPIRY_SWEEP_BATCH must be positive")
	}
	if c.AdvanceMaxRetries < 1 {
		return errors.New("ADVANCE_MAX_RETRIES must be at least 1")
	}
	return nil
}

// KafkaEnabled reports whether the event consumers should run.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func parseInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
