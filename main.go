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
	"github.com/sirupsen/logrus"

	"movieanalyzer/internal/api"
	"movieanalyzer/internal/auth"
	"movieanalyzer/internal/config"
	"movieanalyzer/internal/logging"
	"movieanalyzer/internal/metrics"
	"movieanalyzer/internal/moviedb"
	"movieanalyzer/internal/redis"
	"movieanalyzer/internal/report"
	"movieanalyzer/internal/service/analyzer"
	"movieanalyzer/internal/service/rag"
	"movieanalyzer/internal/storage"
	"movieanalyzer/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("MOVIEANALYZER_CONFIG"))
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logging.Setup(cfg.BasicConfig.LogLevel)
	metrics.Init()

	dbType := os.Getenv("MOVIEANALYZER_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logrus.WithField("db_type", dbType).Info("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logrus.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: visitors, visitor_tokens, sessions, messages
	if err := storage.Migrate(db); err != nil {
		logrus.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			logrus.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	var movies moviedb.Source = moviedb.NewClient(cfg.MovieDB)
	if rdb != nil {
		movies = moviedb.NewCachedClient(movies, rdb, cfg.MovieDB.CacheExpiry())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs, err := rag.NewDocumentBuilder(ctx, cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		logrus.Fatalf("init document builder: %v", err)
	}
	analyzerService := analyzer.NewService(db, movies, report.NewWriter(cfg.Report.Path), docs)
	authService := auth.NewService(db, rdb, cfg.BasicConfig.TokenTTL())

	manager := worker.NewManager(analyzerService, worker.DispatcherConfig{
		MinWorkers:      cfg.BasicConfig.MinWorkers,
		MaxWorkers:      cfg.BasicConfig.MaxWorkers,
		QueueSize:       cfg.BasicConfig.QueueSize,
		IdleTimeout:     cfg.BasicConfig.WorkerIdle(),
		DefaultProvider: cfg.BasicConfig.DefaultProvider,
	}, worker.NewRAGChainFactory(cfg))
	defer manager.Close()
	if rdb != nil {
		manager.UseRedis(ctx, rdb)
	}

	analyzerService.StartSessionCleaner(ctx, cfg.BasicConfig.Retention(), cfg.BasicConfig.CleanEvery(), manager.Purge)

	router := gin.New()
	router.Use(logging.Middleware(), gin.Recovery())
	api.NewHandler(analyzerService, authService, manager).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("graceful shutdown failed")
	}
}
