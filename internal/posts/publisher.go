package posts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPublishBatchSize = 100
	opPublishScheduled      = "posts.publish_scheduled"
	queryDueScheduled       = "status = ? AND scheduled_for <= ?"
	queryDueScheduledByID   = "id = ? AND status = ? AND scheduled_for <= ?"
	queryExcludeIDs         = "id NOT IN ?"
	orderScheduledForAsc    = "scheduled_for ASC"
	orderCreatedAtAsc       = "created_at ASC"
	fieldPostID             = "post_id"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// PublishHook runs after a post has been transitioned to PUBLISHED by this process.
// Failures are logged and never roll back the transition.
type PublishHook func(ctx context.Context, post Post) error

// PublisherConfig describes the dependencies of the scheduled publish sweep.
type PublisherConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	BatchSize int
	Hooks     []PublishHook
	Logger    *zap.Logger
}

// Publisher promotes due scheduled posts to published. Runs may overlap: every
// transition is a conditional update and only the invocation that changed the row
// runs the hooks.
type Publisher struct {
	db        *gorm.DB
	clock     func() time.Time
	batchSize int
	hooks     []PublishHook
	logger    *zap.Logger
}

// PublishReport summarises a single sweep.
type PublishReport struct {
	Published    int
	Skipped      int
	Failed       int
	HookFailures int
}

// NewPublisher validates the configuration and constructs a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s: %w", opPublishScheduled, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultPublishBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Publisher{
		db:        cfg.Database,
		clock:     clock,
		batchSize: batchSize,
		hooks:     append([]PublishHook(nil), cfg.Hooks...),
		logger:    logger,
	}, nil
}

// Run publishes every post whose scheduled time has passed, batch by batch.
// Per-post failures are counted and logged; only a failing discovery query aborts the run.
// Posts attempted earlier in the run are excluded from discovery so failing rows at the
// head of the queue cannot hide later due posts.
func (p *Publisher) Run(ctx context.Context) (PublishReport, error) {
	var report PublishReport
	now := p.clock().UTC()
	attempted := make(map[string]struct{})
	attemptedIDs := make([]string, 0)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		candidates, err := p.dueCandidates(ctx, now, attemptedIDs)
		if err != nil {
			p.logger.Error("scheduled publish discovery failed",
				zap.String("operation", opPublishScheduled),
				zap.Error(err))
			return report, fmt.Errorf("%s: discovery: %w", opPublishScheduled, err)
		}

		for _, candidate := range candidates {
			if _, seen := attempted[candidate.ID]; seen {
				continue
			}
			attempted[candidate.ID] = struct{}{}
			attemptedIDs = append(attemptedIDs, candidate.ID)

			won, err := p.transition(ctx, candidate.ID, now)
			if err != nil {
				report.Failed++
				p.logger.Warn("scheduled publish transition failed",
					zap.String("operation", opPublishScheduled),
					zap.String(fieldPostID, candidate.ID),
					zap.Error(err))
				continue
			}
			if !won {
				report.Skipped++
				p.logger.Debug("scheduled post already transitioned",
					zap.String(fieldPostID, candidate.ID))
				continue
			}

			report.Published++
			published := candidate
			published.Status = StatusPublished
			published.PublishedAt = &now
			published.ScheduledFor = nil
			p.logger.Info("scheduled post published",
				zap.String(fieldPostID, published.ID),
				zap.String("slug", published.Slug),
				zap.Time("published_at", now))
			report.HookFailures += p.runHooks(ctx, published)
		}

		if len(candidates) < p.batchSize {
			break
		}
	}

	return report, nil
}

func (p *Publisher) dueCandidates(ctx context.Context, now time.Time, excluded []string) ([]Post, error) {
	var candidates []Post
	query := p.db.WithContext(ctx).Where(queryDueScheduled, StatusScheduled, now)
	if len(excluded) > 0 {
		query = query.Where(queryExcludeIDs, excluded)
	}
	err := query.
		Order(orderScheduledForAsc).
		Order(orderCreatedAtAsc).
		Limit(p.batchSize).
		Find(&candidates).Error
	return candidates, err
}

// transition reports true when this call changed the row. A false result with a nil
// error means another sweep or an editor got there first.
func (p *Publisher) transition(ctx context.Context, postID string, now time.Time) (bool, error) {
	result := p.db.WithContext(ctx).
		Model(&Post{}).
		Where(queryDueScheduledByID, postID, StatusScheduled, now).
		Updates(map[string]any{
			"status":        StatusPublished,
			"published_at":  now,
			"scheduled_for": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (p *Publisher) runHooks(ctx context.Context, post Post) int {
	failures := 0
	for index, hook := range p.hooks {
		if err := invokeHook(ctx, hook, post); err != nil {
			failures++
			p.logger.Warn("publish hook failed",
				zap.String("operation", opPublishScheduled),
				zap.String(fieldPostID, post.ID),
				zap.Int("hook", index),
				zap.Error(err))
		}
	}
	return failures
}

func invokeHook(ctx context.Context, hook PublishHook, post Post) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("publish hook panic: %v", recovered)
		}
	}()
	return hook(ctx, post)
}

// NewLogHook returns a hook that records the publish event for downstream log shippers.
func NewLogHook(logger *zap.Logger) PublishHook {
	if logger == nil {
		logger = noOpLogger
	}
	return func(_ context.Context, post Post) error {
		logger.Info("post went live",
			zap.String(fieldPostID, post.ID),
			zap.String("slug", post.Slug),
			zap.String("visibility", string(post.Visibility)))
		return nil
	}
}
