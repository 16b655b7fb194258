package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"mealledger.org/internal/audit"
	"mealledger.org/internal/auth"
	"mealledger.org/internal/config"
	"mealledger.org/internal/events"
	"mealledger.org/internal/httpapi"
	"mealledger.org/internal/ledger"
	"mealledger.org/internal/menu"
	"mealledger.org/internal/obs"
	"mealledger.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	obs.SetLogger(logger)
	obs.Init()
	build := obs.InitBuildInfo(version, commit)

	var (
		store   ledger.Store
		catalog menu.Catalog
		probe   httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			logger.Fatal("open db", zap.Error(err))
		}
		defer pgStore.Close()
		store, catalog = pgStore, pgStore.Catalog()
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		static, err := loadMenus(cfg.MenuFile)
		if err != nil {
			logger.Fatal("menu catalog", zap.String("file", cfg.MenuFile), zap.Error(err))
		}
		if cfg.MenuFile == "" {
			logger.Warn("MEAL_PG_DSN and MEAL_MENU_FILE not set, using in-memory ledger with an empty menu catalog")
		} else {
			logger.Warn("MEAL_PG_DSN not set, using in-memory ledger", zap.String("menu_file", cfg.MenuFile))
		}
		store, catalog = ledger.NewMemory(), static
	}

	stream := events.NewStream()
	sinks := []ledger.EventSink{stream, audit.Sink{}}
	var kafkaSink *events.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink = events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, events.WithKafkaLogger(logger))
		sinks = append(sinks, kafkaSink)
	}

	svc := ledger.NewService(store, catalog,
		ledger.WithLeadDays(cfg.LeadDays),
		ledger.WithLogger(logger),
		ledger.WithEventSink(events.Multi(sinks...)),
		ledger.WithObserver(obs.LedgerObserver{}),
	)

	secret := cfg.AuthSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn("MEAL_AUTH_SECRET not set, issued tokens will not survive a restart")
	}
	tokens, err := auth.NewTokens(secret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("auth", zap.Error(err))
	}

	api := httpapi.New(probe, version, svc,
		httpapi.WithStream(stream),
		httpapi.WithTokens(tokens),
		httpapi.WithAdminKey(cfg.AdminKey),
		httpapi.WithLogger(logger),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE responses on /v1/admin/stream stay open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCServer(probe)
	health.Register(grpcSrv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go health.Run(ctx, 5*time.Second)

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Error("grpc listen", zap.Error(err))
			return
		}
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("starting mealledger-api",
			zap.String("version", build.Version),
			zap.String("commit", build.Commit),
			zap.String("addr", srv.Addr),
			zap.Int("reservation_lead_days", svc.LeadDays()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if kafkaSink != nil {
		if err := kafkaSink.Close(shutdownCtx); err != nil {
			logger.Warn("kafka sink close", zap.Error(err))
		}
	}
	logger.Info("stopped")
}

// loadMenus reads the JSON menu catalog used in memory mode. Without a file
// the catalog is empty and every order fails with a not-found menu.
func loadMenus(path string) (*menu.Static, error) {
	if path == "" {
		return menu.NewStatic(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return menu.LoadStatic(f)
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("generate secret: %v", err)
	}
	return hex.EncodeToString(buf)
}
