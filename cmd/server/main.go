package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/HanTheDev/tutor-chat-gateway/internal/admin"
	"github.com/HanTheDev/tutor-chat-gateway/internal/auth"
	"github.com/HanTheDev/tutor-chat-gateway/internal/chat"
	"github.com/HanTheDev/tutor-chat-gateway/internal/config"
	"github.com/HanTheDev/tutor-chat-gateway/internal/db"
	"github.com/HanTheDev/tutor-chat-gateway/internal/effectiveness"
	"github.com/HanTheDev/tutor-chat-gateway/internal/keyring"
	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
	"github.com/HanTheDev/tutor-chat-gateway/internal/modelconfig"
	"github.com/HanTheDev/tutor-chat-gateway/internal/pipeline"
	"github.com/HanTheDev/tutor-chat-gateway/internal/proxy"
	"github.com/HanTheDev/tutor-chat-gateway/internal/ratelimit"
	"github.com/HanTheDev/tutor-chat-gateway/internal/safety"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.EnsureSchema(ctx); err != nil {
		return err
	}

	keys, err := keyring.NewEnvKeyProvider(cfg.CredentialSecret, cfg.CredentialSecretPrevious)
	if err != nil {
		return err
	}
	resolver := modelconfig.NewResolver(database, keyring.NewCipher(keys), modelconfig.Options{Logger: logger})

	g, gctx := errgroup.WithContext(ctx)

	var counters ratelimit.CounterStore
	if cfg.RedisURL != "" {
		store, err := ratelimit.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer store.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			logger.Warn("redis not reachable at startup", slog.String("error", err.Error()))
		}
		cancel()
		counters = store
	} else {
		logger.Warn("REDIS_URL not set, quota counters are local to this process")
		store := ratelimit.NewMemoryStore(nil)
		g.Go(func() error {
			store.RunSweeper(gctx, time.Minute)
			return nil
		})
		counters = store
	}
	guard := ratelimit.NewGuard(counters, ratelimit.Options{
		FailOpen:     cfg.QuotaFailOpen,
		DefaultLimit: cfg.DefaultRequestsPerMinute,
		Logger:       logger,
	})

	policy, err := safety.ParsePolicy(cfg.SafetyPolicy)
	if err != nil {
		return err
	}
	screener := safety.NewScreener(database, safety.Options{
		Policy:       policy,
		MatchTimeout: cfg.SafetyMatchTimeout,
		Logger:       logger,
	})

	classifier := effectiveness.NewClassifier(database, database, logger)
	worker := effectiveness.NewWorker(classifier, cfg.EvalWorkers, cfg.EvalQueueSize, logger)
	g.Go(func() error { return worker.Run(gctx) })

	turns := pipeline.New(resolver, guard, screener, proxy.NewClient(proxy.Options{Logger: logger}),
		database, worker, pipeline.Options{HistoryLimit: cfg.HistoryLimit, Logger: logger})

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler).Methods("GET")

	authMiddleware := auth.NewMiddleware(cfg.JWTSecret, logger)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware.Authenticate)
	chat.NewHandler(turns, guard, resolver, logger).RegisterRoutes(api)

	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(authMiddleware.Authenticate, authMiddleware.RequireRole(auth.RoleAdmin))
	admin.NewAdminHandler(resolver, database, logger).RegisterRoutes(adminRouter)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "2.0.0",
	})
}
