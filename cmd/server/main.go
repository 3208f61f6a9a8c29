package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/api"
	"fundingarb/internal/api/handlers"
	"fundingarb/internal/board"
	"fundingarb/internal/config"
	"fundingarb/internal/exchange"
	"fundingarb/internal/execution"
	"fundingarb/internal/market"
	"fundingarb/internal/repository"
	"fundingarb/internal/vault"
	"fundingarb/pkg/logger"

	_ "github.com/lib/pq"
)

// Коды выхода процесса: 2 - ошибка конфигурации, 3 - недоступна база данных.
const (
	exitConfig   = 2
	exitDatabase = 3
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitConfig)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitConfig)
	}
	defer log.Sync() //nolint:errcheck

	// Инициализация базы данных
	db, err := openDatabase(cfg)
	if err != nil {
		log.Error("failed to connect to database",
			zap.String("url", cfg.Database.RedactedURL()),
			zap.Error(err),
		)
		os.Exit(exitDatabase)
	}
	defer db.Close()

	log.Info("connected to database", zap.String("url", cfg.Database.RedactedURL()))

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repository.Migrate(migrateCtx, db); err != nil {
		cancelMigrate()
		log.Error("failed to run migrations", zap.Error(err))
		os.Exit(exitDatabase)
	}
	cancelMigrate()

	// Инициализация репозиториев
	positionRepo := repository.NewPositionRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	riskRepo := repository.NewRiskEventRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)

	// Хранилище ключей: ошибка здесь означает непригодный мастер-ключ
	credentialVault, err := vault.New(credentialRepo, cfg.Vault.EncryptionKey, log)
	if err != nil {
		log.Error("failed to initialize credential vault", zap.Error(err))
		os.Exit(exitConfig)
	}

	// Публичные адаптеры бирж для сбора фандинга. Ключи им не нужны,
	// торговые адаптеры координатор собирает сам под каждый запрос.
	adapterOpts := exchange.Options{
		LeverageCacheTTL: cfg.Market.LeverageCacheTTL,
		DisableLeverage:  !cfg.Market.EnableCCXTLeverage,
	}
	fetchers := make([]market.SnapshotFetcher, 0, len(exchange.SupportedExchanges))
	for _, name := range exchange.SupportedExchanges {
		adapter, err := exchange.NewAdapter(name, adapterOpts)
		if err != nil {
			log.Error("failed to build exchange adapter", zap.String("exchange", name), zap.Error(err))
			os.Exit(exitConfig)
		}
		fetchers = append(fetchers, adapter)
	}

	// Redis не обязателен: без него провайдер живет на локальном кэше
	redisTier, err := market.NewRedisTier(cfg.Redis.URL, cfg.Market.CacheTTL, cfg.Market.StaleMaxAge, log)
	if err != nil {
		log.Error("failed to parse redis url", zap.Error(err))
		os.Exit(exitConfig)
	}
	if redisTier != nil {
		defer redisTier.Close() //nolint:errcheck
		log.Info("redis snapshot tier enabled")
	}

	provider := market.NewProvider(fetchers, redisTier, market.Config{
		CacheTTL:    cfg.Market.CacheTTL,
		StaleMaxAge: cfg.Market.StaleMaxAge,
		VenueBudget: cfg.Market.VenueFetchBudget,
		TotalBudget: cfg.Market.TotalFetchBudget,
	}, log)

	engine := board.NewEngine(log)

	coordinator := execution.NewCoordinator(execution.Deps{
		Vault:     credentialVault,
		Positions: positionRepo,
		Orders:    orderRepo,
		Risks:     riskRepo,
		Market:    provider,
		Scanner:   engine,
		Adapters:  exchange.NewAdapter,
	}, execution.Config{
		OrderTimeout: cfg.Execution.OrderTimeout,
		DataTimeout:  cfg.Market.DataTimeout,
	}, log)

	router := api.SetupRoutes(&api.Dependencies{
		Market:        handlers.NewMarketHandler(provider, engine, log),
		Opportunities: handlers.NewOpportunitiesHandler(provider, engine, log),
		Execution:     handlers.NewExecutionHandler(coordinator, log),
		Credentials:   handlers.NewCredentialHandler(credentialVault, log),
		Records:       handlers.NewRecordHandler(positionRepo, orderRepo, log),
		Risk:          handlers.NewRiskHandler(riskRepo, log),
		Templates:     handlers.NewTemplateHandler(templateRepo, log),
		Logger:        log,
		CORSOrigins:   cfg.Server.CORSOrigins,
	})

	// WriteTimeout выше общего бюджета опроса бирж, иначе force_refresh
	// обрывается раньше, чем провайдер успевает собрать снимки
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Market.TotalFetchBudget + 20*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server",
			zap.String("addr", server.Addr),
			zap.Bool("credential_writes_enabled", cfg.CredentialWriteEnabled()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	exchange.CloseGlobalClient()

	log.Info("server exited")
}

// openDatabase создает подключение к базе данных и проверяет его
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
