package main

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/config"
	"github.com/MarcoPoloResearchLab/quill/internal/counters"
	"github.com/MarcoPoloResearchLab/quill/internal/database"
	"github.com/MarcoPoloResearchLab/quill/internal/posts"
	"github.com/MarcoPoloResearchLab/quill/internal/scheduler"
	"github.com/MarcoPoloResearchLab/quill/internal/server"
	"github.com/MarcoPoloResearchLab/quill/internal/views"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	taskReconcileViews   = "reconcile-views"
	taskPublishScheduled = "publish-scheduled"

	reconcileConcurrency = 1
	publishConcurrency   = 2
)

// application holds the long-lived collaborators shared by the server and one-shot sweeps.
type application struct {
	db       *gorm.DB
	counters *counters.Store
	tracker  *views.Tracker
	runner   *scheduler.Runner
	logger   *zap.Logger
}

func newApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	app := &application{db: db, logger: logger}

	store, err := counters.Open(ctx, appConfig.RedisURL, counters.Options{})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.counters = store

	tracker, err := views.NewTracker(views.TrackerConfig{
		Database:      db,
		Buffer:        store,
		IDProvider:    posts.NewUUIDProvider(),
		Clock:         time.Now,
		Pepper:        []byte(appConfig.Views.Pepper),
		BufferTimeout: appConfig.Views.BufferTimeout,
		DedupTTL:      appConfig.Views.DedupTTL,
		PendingTTL:    appConfig.Views.PendingTTL,
		Logger:        logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.tracker = tracker

	reconciler, err := views.NewReconciler(views.ReconcilerConfig{
		Database:          db,
		Counters:          store,
		Clock:             time.Now,
		BatchSize:         appConfig.Sweeps.ReconcileBatchSize,
		ScanCount:         appConfig.Sweeps.ScanCount,
		StalePendingAfter: appConfig.Sweeps.StalePendingAfter,
		Logger:            logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	publisher, err := posts.NewPublisher(posts.PublisherConfig{
		Database:  db,
		Clock:     time.Now,
		BatchSize: appConfig.Sweeps.PublishBatchSize,
		Hooks:     []posts.PublishHook{posts.NewLogHook(logger)},
		Logger:    logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	runner := scheduler.NewRunner(logger)
	tasks := []scheduler.Task{
		{
			Name:           taskReconcileViews,
			Interval:       appConfig.Sweeps.ReconcileInterval,
			MaxConcurrency: reconcileConcurrency,
			Run: func(ctx context.Context) error {
				_, err := reconciler.Run(ctx)
				return err
			},
		},
		{
			Name:           taskPublishScheduled,
			Interval:       appConfig.Sweeps.PublishInterval,
			MaxConcurrency: publishConcurrency,
			RunOnStart:     true,
			Run: func(ctx context.Context) error {
				report, err := publisher.Run(ctx)
				if err == nil && report.Published > 0 {
					logger.Info("publish sweep finished",
						zap.Int("published", report.Published),
						zap.Int("skipped", report.Skipped),
						zap.Int("failed", report.Failed),
						zap.Int("hook_failures", report.HookFailures))
				}
				return err
			},
		},
	}
	for _, task := range tasks {
		if err := runner.Register(task); err != nil {
			app.Close()
			return nil, err
		}
	}
	app.runner = runner

	return app, nil
}

func (a *application) healthChecks() []server.HealthCheck {
	return []server.HealthCheck{
		{Name: "database", Ping: func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		{Name: "counters", Ping: a.counters.Ping},
	}
}

func (a *application) Close() {
	if a.counters != nil {
		if err := a.counters.Close(); err != nil {
			a.logger.Warn("failed to close counter store", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.logger.Warn("failed to close database", zap.Error(err))
			}
		}
	}
}
