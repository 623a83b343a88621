// Package app assembles the download stack from configuration. It is shared
// by the HTTP server and the command line client.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"batchdl/internal/config"
	"batchdl/internal/engine"
	"batchdl/internal/progress"
	"batchdl/internal/repository"
	"batchdl/internal/repository/memory"
	"batchdl/internal/repository/sqlite"
	"batchdl/internal/service"
	"batchdl/internal/storage"
)

// NewLogger returns a logger at the configured level.
func NewLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// App is the assembled stack. Close releases everything in reverse order.
type App struct {
	Config   config.Config
	Logger   *logrus.Logger
	Sessions repository.SessionRepository
	Items    repository.ItemRepository
	Tracker  *progress.Tracker
	Service  service.DownloadSessionService
	// Archiver is nil when no storage bucket is configured.
	Archiver *storage.Archiver

	db      *sql.DB
	torrent *engine.TorrentEngine
}

// New builds repositories, engines, the progress tracker and the session
// service. The tracker is started with ctx.
func New(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.Database.Driver {
	case "memory":
		a.Sessions = memory.NewSessionRepository()
		a.Items = memory.NewItemRepository()
	default:
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		repos, err := sqlite.NewRepositories(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.db = db
		a.Sessions = repos.Sessions
		a.Items = repos.Items
	}

	router := engine.NewRouter()
	router.Handle(engine.NewHTTPEngine(engine.HTTPConfig{
		Timeout:   cfg.HTTP.Timeout,
		UserAgent: cfg.HTTP.UserAgent,
		Retry:     cfg.RetryPolicy(),
		Logger:    logger,
	}), "http", "https")

	a.torrent = engine.NewTorrentEngine(engine.TorrentConfig{
		DataDir:  filepath.Join(cfg.Download.DataDir, ".torrent"),
		Trackers: cfg.Download.Trackers,
		Logger:   logger,
	})
	router.Handle(a.torrent, "magnet")

	if cfg.Storage.Bucket != "" {
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		router.Handle(engine.NewS3Engine(engine.S3Config{Client: client, Logger: logger}), "s3")
		a.Archiver = storage.NewArchiver(storage.NewS3Service(client), storage.ArchiveConfig{
			Bucket:      cfg.Storage.Bucket,
			KeyPrefix:   cfg.Storage.KeyPrefix,
			RemoveLocal: cfg.Storage.RemoveLocal,
			Logger:      logger,
		})
		logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	}

	if err := os.MkdirAll(cfg.Download.DataDir, 0o755); err != nil {
		a.Close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a.Tracker = progress.NewTracker(progress.Config{
		FlushInterval: cfg.Progress.FlushInterval,
		BatchSize:     cfg.Progress.BatchSize,
		Logger:        logger,
	})
	a.Tracker.Start(ctx)

	a.Service = service.NewDownloadSessionService(a.Sessions, a.Items, router, a.Tracker, service.Config{
		DataDir:            cfg.Download.DataDir,
		DefaultConcurrency: cfg.Download.Concurrency,
		CancelGrace:        cfg.Download.CancelGrace,
		Logger:             logger,
	})
	return a, nil
}

// Shutdown stops all sessions, then releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Service != nil {
		err = a.Service.Shutdown(ctx)
	}
	a.Close()
	return err
}

// Close releases the tracker, the torrent client and the database.
func (a *App) Close() {
	if a.Tracker != nil {
		a.Tracker.Close()
	}
	if a.torrent != nil {
		a.torrent.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Warnf("close database: %v", err)
		}
	}
}

// NewS3Client builds an S3 client from the storage and aws sections. Static
// keys take precedence over the shared profile.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.Storage.AccessKey != "" && cfg.Storage.SecretKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
		))
	} else if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
