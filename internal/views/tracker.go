package views

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/posts"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultBufferTimeout bounds every counter store call made while serving a view.
	DefaultBufferTimeout = 250 * time.Millisecond
	// DefaultDedupTTL keeps a daily visitor set long enough to cover timezone skew and sweep delay.
	DefaultDedupTTL = 48 * time.Hour
	// DefaultPendingTTL is the safety net for counters no sweep ever drains.
	DefaultPendingTTL = 7 * 24 * time.Hour

	fieldPostID   = "post_id"
	fieldViewID   = "view_id"
	queryViewID   = "id = ?"
	reasonDiscard = "view_discard_failed"
)

// TrackOutcome describes what happened to a tracking call. It is never shown to clients.
type TrackOutcome string

const (
	OutcomeIgnored      TrackOutcome = "ignored"
	OutcomeBot          TrackOutcome = "bot"
	OutcomeDuplicate    TrackOutcome = "duplicate"
	OutcomeCounted      TrackOutcome = "counted"
	OutcomeBufferFailed TrackOutcome = "buffer_failed"
)

// VisitorBuffer is the subset of the fast counter store used by ingestion.
type VisitorBuffer interface {
	AddMember(ctx context.Context, key, member string, ttl time.Duration) (bool, error)
	IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}

// TrackRequest is one page view as received from a client.
type TrackRequest struct {
	PostRef     string
	Fingerprint string
	Path        string
	Meta        RequestMeta
}

// TrackerConfig describes the dependencies of view ingestion.
type TrackerConfig struct {
	Database      *gorm.DB
	Buffer        VisitorBuffer
	IDProvider    posts.IDProvider
	Clock         func() time.Time
	Pepper        []byte
	BufferTimeout time.Duration
	DedupTTL      time.Duration
	PendingTTL    time.Duration
	Logger        *zap.Logger
}

// Tracker accepts view events, deduplicates them per visitor per day and buffers
// countable views in the fast counter store.
type Tracker struct {
	db            *gorm.DB
	counters      VisitorBuffer
	idProvider    posts.IDProvider
	clock         func() time.Time
	pepper        []byte
	bufferTimeout time.Duration
	dedupTTL      time.Duration
	pendingTTL    time.Duration
	logger        *zap.Logger
}

// NewTracker validates the configuration and constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opTrackerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Buffer == nil {
		return nil, newServiceError(opTrackerNew, "missing_buffer", errMissingBuffer)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opTrackerNew, "missing_id_provider", errMissingIDProvider)
	}
	if len(cfg.Pepper) == 0 {
		return nil, newServiceError(opTrackerNew, "missing_pepper", errMissingPepper)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Tracker{
		db:            cfg.Database,
		counters:      cfg.Buffer,
		idProvider:    cfg.IDProvider,
		clock:         clock,
		pepper:        append([]byte(nil), cfg.Pepper...),
		bufferTimeout: durationOrDefault(cfg.BufferTimeout, DefaultBufferTimeout),
		dedupTTL:      durationOrDefault(cfg.DedupTTL, DefaultDedupTTL),
		pendingTTL:    durationOrDefault(cfg.PendingTTL, DefaultPendingTTL),
		logger:        logger,
	}, nil
}

// Track records one view attempt. Unknown, unpublished and non-public posts, bots,
// repeat visitors and counter store failures all resolve without an error; only a
// failing durable store is reported, and callers still must not surface it.
func (t *Tracker) Track(ctx context.Context, request TrackRequest) (TrackOutcome, error) {
	ref, err := posts.NewReference(request.PostRef)
	if err != nil {
		return OutcomeIgnored, nil
	}

	post, found, err := posts.Lookup(ctx, t.db, ref)
	if err != nil {
		logServiceError(t.logger, opTrack, "post_lookup_failed", err, zap.String("post_ref", ref.String()))
		return OutcomeIgnored, newServiceError(opTrack, "post_lookup_failed", err)
	}
	if !found || !post.Countable() {
		return OutcomeIgnored, nil
	}

	now := t.clock().UTC()
	day := DayBucketOf(now)
	classification := Classify(request.Meta.UserAgent)

	viewID, err := t.idProvider.NewID()
	if err != nil {
		logServiceError(t.logger, opTrack, "id_generation_failed", err, zap.String(fieldPostID, post.ID))
		return OutcomeIgnored, newServiceError(opTrack, "id_generation_failed", err)
	}

	member := VisitorKey(request.Fingerprint, request.Meta.ClientIP, day, t.pepper)
	record := ViewRecord{
		ID:          viewID,
		PostID:      post.ID,
		Status:      StatusPending,
		Day:         day.String(),
		VisitorHash: HashVisitor(request.Meta.ClientIP, day, t.pepper),
		Fingerprint: member,
		UserAgent:   truncate(request.Meta.UserAgent, maxUserAgentLength),
		Referrer:    truncate(request.Meta.Referrer, maxReferrerLength),
		Path:        truncate(request.Path, maxPathLength),
		IsBot:       classification.IsBot,
		Country:     request.Meta.Country,
		Device:      classification.Device,
		Browser:     classification.Browser,
		OS:          classification.OS,
		CreatedAt:   now,
	}
	if err := t.db.WithContext(ctx).Omit(clause.Associations).Create(&record).Error; err != nil {
		logServiceError(t.logger, opTrack, "view_insert_failed", err, zap.String(fieldPostID, post.ID))
		return OutcomeIgnored, newServiceError(opTrack, "view_insert_failed", err)
	}

	if classification.IsBot {
		t.discard(ctx, record)
		return OutcomeBot, nil
	}

	counted, err := t.bufferView(ctx, post.ID, day, member)
	if err != nil {
		t.logger.Warn("view buffer unavailable, dropping view",
			zap.String(fieldPostID, post.ID),
			zap.String(fieldViewID, record.ID),
			zap.Error(err))
		t.discard(ctx, record)
		return OutcomeBufferFailed, nil
	}
	if !counted {
		t.discard(ctx, record)
		return OutcomeDuplicate, nil
	}
	return OutcomeCounted, nil
}

// bufferView reports true when the visitor is new for the post and day and the pending
// counter was incremented.
func (t *Tracker) bufferView(ctx context.Context, postID string, day DayBucket, member string) (bool, error) {
	bufferCtx, cancel := context.WithTimeout(ctx, t.bufferTimeout)
	defer cancel()

	added, err := t.counters.AddMember(bufferCtx, DailySetKey(postID, day), member, t.dedupTTL)
	if err != nil {
		return false, err
	}
	if !added {
		return false, nil
	}
	if _, err := t.counters.IncrementBy(bufferCtx, PendingKey(postID), 1, t.pendingTTL); err != nil {
		return false, err
	}
	return true, nil
}

// discard removes an uncounted PENDING row. It runs detached from the request deadline
// so a timed-out buffer call cannot also cancel the cleanup.
func (t *Tracker) discard(ctx context.Context, record ViewRecord) {
	cleanupCtx := context.WithoutCancel(ctx)
	err := t.db.WithContext(cleanupCtx).
		Where(queryViewID, record.ID).
		Delete(&ViewRecord{}).Error
	if err != nil {
		logServiceError(t.logger, opTrack, reasonDiscard, err,
			zap.String(fieldPostID, record.PostID),
			zap.String(fieldViewID, record.ID))
	}
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
