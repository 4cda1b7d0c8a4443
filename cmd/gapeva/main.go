package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gapeva/gapeva-core/api"
	"github.com/gapeva/gapeva-core/internal/config"
	"github.com/gapeva/gapeva-core/internal/database"
	"github.com/gapeva/gapeva-core/internal/fees"
	"github.com/gapeva/gapeva-core/internal/ledger"
	"github.com/gapeva/gapeva-core/internal/messaging"
	"github.com/gapeva/gapeva-core/internal/reconciler"
	"github.com/gapeva/gapeva-core/internal/transfer"
	"github.com/gapeva/gapeva-core/internal/wallet"
	"github.com/gapeva/gapeva-core/pkg/logger"
	"github.com/gapeva/gapeva-core/pkg/metrics"
)

func main() {
	// Load environment variables for local development
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	store := ledger.NewStore(db, zapLogger, cfg.Ledger.MaxCommitRetries)
	if err := store.AutoMigrate(); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	policy := fees.Policy{
		DepositRate:    cfg.Ledger.DepositFeeRate,
		WithdrawalRate: cfg.Ledger.WithdrawalFeeRate,
		MinDeposit:     cfg.Ledger.MinDeposit,
	}

	gateway := reconciler.NewPaystackClient(
		cfg.Gateway.BaseURL,
		cfg.Gateway.SecretKey,
		cfg.Gateway.Timeout,
		zapLogger,
	)

	reconcilerSvc := reconciler.NewService(store, gateway, policy, zapLogger)
	transferSvc := transfer.NewService(store, policy, zapLogger)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = database.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zapLogger.Fatal("Failed to connect to redis", zap.Error(err))
		}
	}

	var publisher messaging.Publisher
	if cfg.Kafka.Enabled {
		publisher = messaging.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
	}

	walletSvc, err := wallet.NewService(
		zapLogger,
		store,
		reconcilerSvc,
		transferSvc,
		redisClient,
		cfg.Redis.TTL,
		publisher,
		cfg.Ledger.PayoutWindow,
	)
	if err != nil {
		zapLogger.Fatal("Failed to create wallet service", zap.Error(err))
	}
	if err := walletSvc.Start(); err != nil {
		zapLogger.Fatal("Failed to start wallet service", zap.Error(err))
	}

	server := api.NewServer(zapLogger, walletSvc, api.UpstreamAuthenticator{})

	// Export DB pool stats
	go poolStatsLoop(db, zapLogger)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := server.Start(addr); err != nil {
			zapLogger.Fatal("API server stopped", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down")
	if err := walletSvc.Stop(); err != nil {
		zapLogger.Error("Failed to stop wallet service", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	zapLogger.Info("Shutdown complete")
}

// poolStatsLoop exports DB pool stats to Prometheus every 15 seconds.
func poolStatsLoop(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Warn("Failed to access DB pool for stats", zap.Error(err))
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats := sqlDB.Stats()
		metrics.DBOpenConns.WithLabelValues("postgres").Set(float64(stats.OpenConnections))
		metrics.DBIdleConns.WithLabelValues("postgres").Set(float64(stats.Idle))
		metrics.DBInUseConns.WithLabelValues("postgres").Set(float64(stats.InUse))
	}
}
