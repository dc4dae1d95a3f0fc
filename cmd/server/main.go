package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenlabs/claude-nexus/internal/analysis"
	"github.com/lumenlabs/claude-nexus/internal/config"
	"github.com/lumenlabs/claude-nexus/internal/credentials"
	"github.com/lumenlabs/claude-nexus/internal/logger"
	"github.com/lumenlabs/claude-nexus/internal/notifications"
	"github.com/lumenlabs/claude-nexus/internal/proxy"
	"github.com/lumenlabs/claude-nexus/internal/storage"
	"github.com/lumenlabs/claude-nexus/internal/storage/pg"
	"github.com/lumenlabs/claude-nexus/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Storage is optional; without it the proxy still forwards traffic and
	// tracks usage in memory.
	var db *sqlx.DB
	var store *storage.Adapter
	if cfg.StorageEnabled {
		db, err = pg.InitDatabase(cfg.DatabaseURL, pg.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxIdleTime: cfg.DBConnMaxIdle,
			ConnMaxLifetime: cfg.DBConnLifetime,
		})
		if err != nil {
			log.Error("failed to initialize database", "error", err)
			os.Exit(1)
		}
		store = storage.NewAdapter(db, storage.AdapterConfig{
			CompactMarkerPrefix: cfg.CompactMarkerPrefix,
			DebugSQL:            cfg.DebugSQL,
			SlowQueryThreshold:  time.Duration(cfg.SlowQueryMs) * time.Millisecond,
			CleanupInterval:     cfg.CleanupInterval,
			RetentionWindow:     cfg.RetentionWindow,
		}, log)
		log.Info("storage enabled", "cleanup_interval", cfg.CleanupInterval)
	} else {
		log.Warn("storage disabled, requests will not be persisted")
	}

	creds := credentials.NewManager(cfg.CredentialsDir, log)
	tracker := usage.NewTracker()
	notifier := notifications.NewNotifier(cfg.ErrorWebhookURL, log)

	// A nil *Adapter must stay a nil interface inside the proxy.
	var proxyStore proxy.Store
	if store != nil {
		proxyStore = store
	}
	handler, err := proxy.New(cfg, log, creds, proxyStore, tracker, notifier)
	if err != nil {
		log.Error("failed to initialize proxy", "error", err)
		os.Exit(1)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", handler.Health())
	router.GET("/token-stats", handler.TokenStats())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/v1/messages", creds.ClientAuthMiddleware(cfg.EnableClientAuth), handler.Messages())

	// Dashboard surface. Without an API key it is read-only.
	dashboard := router.Group("/api", credentials.DashboardAuth(cfg.DashboardAPIKey))
	dashboard.GET("/requests/:id", handler.GetRequest())

	var worker *analysis.Worker
	if cfg.StorageEnabled {
		analysisStore := analysis.NewStore(db)
		analysisAPI := analysis.NewAPI(analysisStore, log, cfg.AnalysisCreateLimit, cfg.AnalysisRetrievalLimit)
		analysisAPI.Register(dashboard)

		if cfg.AIWorkerEnabled {
			worker, err = startWorker(cfg, log, analysisStore)
			if err != nil {
				log.Error("failed to start analysis worker", "error", err)
				os.Exit(1)
			}
		}
	}

	srv := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Long enough for the slowest allowed upstream exchange.
		WriteTimeout: cfg.ProxyServerTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		log.Info("proxy listening",
			"addr", srv.Addr,
			"upstream", cfg.ClaudeAPIURL,
			"storage", cfg.StorageEnabled,
			"ai_worker", cfg.AIWorkerEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	// Drain in dependency order: stop accepting traffic, then the worker,
	// then storage.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "error", err)
	}

	if worker != nil {
		worker.Stop()
	}
	if store != nil {
		store.Close()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}

	log.Info("shutdown complete")
}

func startWorker(cfg *config.Config, log *logger.Logger, store *analysis.Store) (*analysis.Worker, error) {
	trunc, err := analysis.NewTruncator(cfg.AIMaxPromptTokens, cfg.AIHeadMessages, cfg.AITailMessages)
	if err != nil {
		return nil, err
	}

	analyzer, err := analysis.NewAnalyzer(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModelName, cfg.GeminiRequestTimeout)
	if err != nil {
		return nil, err
	}

	worker := analysis.NewWorker(store, analyzer, trunc, log, analysis.WorkerConfig{
		PollInterval:  cfg.AIWorkerPollInterval,
		MaxConcurrent: cfg.AIWorkerMaxConcurrent,
		JobTimeout:    cfg.AIWorkerJobTimeout,
		MaxRetries:    cfg.AIAnalysisMaxRetries,
		Prompt:        analysis.PromptConfig{InstructionsOverride: cfg.AnalysisPromptOverride},
	})
	worker.Start()
	return worker, nil
}
