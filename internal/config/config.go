package config

import (
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds the full service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Gateway  GatewayConfig
	Ledger   LedgerConfig
	LogLevel string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // seconds
}

// RedisConfig holds the optional account-snapshot cache configuration.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// KafkaConfig holds the settled-entry event stream configuration.
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// GatewayConfig holds the payment gateway (Paystack) verification client
// configuration.
type GatewayConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// LedgerConfig holds the money-movement policy knobs. Fee rates are
// fractions (0.03 = 3%); amounts are USD with two decimal places.
type LedgerConfig struct {
	DepositFeeRate    decimal.Decimal
	WithdrawalFeeRate decimal.Decimal
	MinDeposit        decimal.Decimal
	MaxCommitRetries  int
	PayoutWindow      time.Duration
}

// LoadConfig loads configuration from environment variables, with an
// optional config file for local development.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults mirror the product policy: 3% deposit fee, 35% withdrawal
	// fee on the requested amount, $3.00 minimum deposit, 24h payout window.
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("DB_MAX_OPEN_CONNS", 50)
	v.SetDefault("DB_MAX_IDLE_CONNS", 10)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 3600)
	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_TTL", "5s")
	v.SetDefault("KAFKA_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", []string{"localhost:9092"})
	v.SetDefault("KAFKA_TOPIC", "ledger.entry.settled")
	v.SetDefault("PAYSTACK_BASE_URL", "https://api.paystack.co")
	v.SetDefault("PAYSTACK_TIMEOUT", "10s")
	v.SetDefault("DEPOSIT_FEE_RATE", "0.03")
	v.SetDefault("WITHDRAWAL_FEE_RATE", "0.35")
	v.SetDefault("MIN_DEPOSIT", "3.00")
	v.SetDefault("MAX_COMMIT_RETRIES", 3)
	v.SetDefault("PAYOUT_WINDOW", "24h")
	v.SetDefault("LOG_LEVEL", "info")

	if err := v.ReadInConfig(); err != nil {
		// .env is optional; environment variables alone are fine
		log.Printf("No config file found: %v", err)
	}

	depositFee, err := decimal.NewFromString(v.GetString("DEPOSIT_FEE_RATE"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEPOSIT_FEE_RATE: %w", err)
	}
	withdrawalFee, err := decimal.NewFromString(v.GetString("WITHDRAWAL_FEE_RATE"))
	if err != nil {
		return nil, fmt.Errorf("invalid WITHDRAWAL_FEE_RATE: %w", err)
	}
	minDeposit, err := decimal.NewFromString(v.GetString("MIN_DEPOSIT"))
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_DEPOSIT: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetInt("SERVER_PORT"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetInt("DB_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("REDIS_ENABLED"),
			Address:  v.GetString("REDIS_ADDRESS"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			TTL:      v.GetDuration("REDIS_TTL"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("KAFKA_ENABLED"),
			Brokers: v.GetStringSlice("KAFKA_BROKERS"),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		Gateway: GatewayConfig{
			BaseURL:   v.GetString("PAYSTACK_BASE_URL"),
			SecretKey: v.GetString("PAYSTACK_SECRET_KEY"),
			Timeout:   v.GetDuration("PAYSTACK_TIMEOUT"),
		},
		Ledger: LedgerConfig{
			DepositFeeRate:    depositFee,
			WithdrawalFeeRate: withdrawalFee,
			MinDeposit:        minDeposit,
			MaxCommitRetries:  v.GetInt("MAX_COMMIT_RETRIES"),
			PayoutWindow:      v.GetDuration("PAYOUT_WINDOW"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("DB_DSN is required")
	}

	return cfg, nil
}
