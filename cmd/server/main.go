package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/wallet-bridge/internal/config"
	"github.com/richardliu001/wallet-bridge/internal/directory"
	"github.com/richardliu001/wallet-bridge/internal/gateway"
	"github.com/richardliu001/wallet-bridge/internal/logger"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/richardliu001/wallet-bridge/internal/monitor"
	"github.com/richardliu001/wallet-bridge/internal/oauthstate"
	"github.com/richardliu001/wallet-bridge/internal/repo"
	"github.com/richardliu001/wallet-bridge/internal/service"
	"github.com/richardliu001/wallet-bridge/internal/settlement"
	httptransport "github.com/richardliu001/wallet-bridge/internal/transport/http"
	"github.com/richardliu001/wallet-bridge/internal/webhook"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(model.AllModels()...); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo, providers & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	registry := gateway.NewRegistry(cfg.Gateways)
	if cfg.Gateways.Sandbox {
		log.Warn("gateways in sandbox mode: provider calls are simulated")
	}
	bridge := settlement.NewBridge(settlement.NewRapydClient(cfg.Intermediary), repository,
		cfg.Intermediary.AdminFeeAmount(), cfg.Intermediary.PlatformAccount, log)
	dir := directory.New(repository, log)

	transfers := service.NewTransferService(repository, dir, registry, bridge, cfg.Transfer.MaxAmountValue(), log)
	wallets := service.NewWalletService(repository, dir, registry, oauthstate.NewStore(rdb, cfg.OAuth.StateTTL), log)
	webhooks := webhook.New(repository, cfg.Webhooks, log)

	// 7. connection monitor
	if err := monitor.New(repository, registry.BalanceReaders(), cfg.Monitor, log).Start(ctx); err != nil {
		log.Fatalf("start monitor: %v", err)
	}

	// 8. gin router
	h := httptransport.NewHandler(transfers, wallets, webhooks, log)
	router := httptransport.NewRouter(h, cfg.RateLimit, cfg.Auth, rdb, cfg.IdempotencyLockTTL(), log)

	// 9. serve
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()
	log.Infof("wallet-bridge listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen: %v", err)
	}
}
