package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/iliyamo/cylinder-booking/internal/config"
	"github.com/iliyamo/cylinder-booking/internal/database"
	"github.com/iliyamo/cylinder-booking/internal/handler"
	"github.com/iliyamo/cylinder-booking/internal/middleware"
	"github.com/iliyamo/cylinder-booking/internal/payment"
	"github.com/iliyamo/cylinder-booking/internal/queue"
	"github.com/iliyamo/cylinder-booking/internal/repository"
	"github.com/iliyamo/cylinder-booking/internal/repository/memory"
	"github.com/iliyamo/cylinder-booking/internal/router"
	"github.com/iliyamo/cylinder-booking/internal/service"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  service.Store
		users  handler.UserStore
		tokens handler.TokenStore
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		mem := memory.New()
		store, users, tokens = mem, mem.Users(), mem.Tokens()
		logger.Warn("using in-memory store; data is lost on restart")
	default:
		db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		defer db.Close()
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = database.Migrate(mctx, db)
		cancel()
		if err != nil {
			logger.Fatal("migrate database", zap.Error(err))
		}
		store = repository.NewStore(db)
		users, tokens = repository.NewUserRepo(db), repository.NewRefreshTokenRepo(db)
	}

	opts := []service.Option{}
	if cfg.Queue.Enabled {
		opts = append(opts, service.WithNotifier(queue.NewPublisher(cfg.Queue.URL, cfg.Queue.Queue, logger)))
		consumer := &queue.Consumer{
			URL:     cfg.Queue.URL,
			Queue:   cfg.Queue.Queue,
			LogPath: cfg.Queue.LogPath,
			Logger:  logger,
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("notification consumer stopped", zap.Error(err))
			}
		}()
	}
	if cfg.Payment.Enabled() {
		gw, err := payment.NewOmiseGateway(cfg.Payment.OmisePublicKey, cfg.Payment.OmiseSecretKey)
		if err != nil {
			logger.Fatal("payment gateway", zap.Error(err))
		}
		opts = append(opts, service.WithGateway(gw, service.CheckoutConfig{
			PricePerCylinder: cfg.Payment.PricePerCylinder,
			Currency:         cfg.Payment.Currency,
			Timeout:          cfg.Payment.Timeout,
		}))
	} else {
		logger.Info("OMISE_SECRET_KEY not set; gateway checkout disabled")
	}
	ledgerSvc := service.NewLedger(store, cfg.Policy.Ledger(), logger.Named("ledger"), opts...)

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		logger.Warn("redis unavailable; rate limiting disabled", zap.String("addr", cfg.Redis.Addr))
	} else {
		defer rdb.Close()
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))

	router.RegisterRoutes(e)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, users, tokens, ledgerSvc, logger), cfg.JWTSecret)
	router.RegisterCustomer(e, handler.NewBookingHandler(ledgerSvc, logger), cfg.JWTSecret,
		middleware.NewTokenBucket(cfg.RateLimit, rdb, logger))
	router.RegisterAdmin(e, handler.NewAdminHandler(ledgerSvc, logger), cfg.JWTSecret)
	router.RegisterWebhook(e, handler.NewWebhookHandler(ledgerSvc, logger))

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("store", cfg.StoreDriver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	switch env {
	case "prod", "production":
		logger, err = zap.NewProduction()
	default:
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
