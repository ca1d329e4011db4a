package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/natefinch/lumberjack.v2"

	"readlater_sync/internal/config"
	"readlater_sync/internal/publisher"
	"readlater_sync/internal/remote"
	"readlater_sync/internal/service"
	"readlater_sync/internal/storage/sqlstore"
)

// app is the wired composition root shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sqlx.DB
	articles *sqlstore.ArticleStore
	engine   *service.Engine
	library  *service.Library
	closers  []io.Closer
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	logger := setupLogger(config.LogConfig{Level: "info"})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return nil, err
	}

	logger = setupLogger(cfg.Log)

	db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		return nil, err
	}
	logger.Info("connected to database", "driver", cfg.Database.Driver)

	a := &app{cfg: cfg, logger: logger, db: db}
	a.closers = append(a.closers, db)

	observers := service.MultiObserver{service.NewLogObserver(logger)}
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
			StoreID:    cfg.Sync.StoreID,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rabbitMQ)
		observers = append(observers, rabbitMQ)
	}

	a.articles = sqlstore.NewArticleStore(db)
	syncStateStore := sqlstore.NewSyncStateStore(db)
	txManager := sqlstore.NewTransactionManager(db)

	client := remote.New(remote.Config{
		BaseURL:        cfg.Remote.BaseURL,
		Token:          cfg.Remote.Token,
		PageSize:       cfg.Remote.PageSize,
		Timeout:        cfg.Remote.Timeout,
		MaxAttempts:    cfg.Remote.Retry.MaxAttempts,
		InitialBackoff: cfg.Remote.Retry.InitialBackoff,
		MaxBackoff:     cfg.Remote.Retry.MaxBackoff,
	}, logger)

	a.engine = service.NewEngine(
		cfg.Sync.StoreID,
		a.articles,
		syncStateStore,
		txManager,
		client,
		observers,
		logger,
		cfg.Sync.Engine(),
	)
	a.library = service.NewLibrary(a.articles, logger)

	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var logLevel slog.Level
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(out, opts)
	return slog.New(handler)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
