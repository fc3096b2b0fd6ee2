package views

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/posts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultReconcileBatchSize bounds the number of posts applied per transaction.
	DefaultReconcileBatchSize = 100
	// DefaultScanCount is the SCAN COUNT hint used during key discovery.
	DefaultScanCount int64 = 500

	columnID              = "id"
	columnViews           = "views"
	expressionAddViews    = "views + ?"
	queryPostID           = "id = ?"
	queryPendingForPost   = "post_id = ? AND status = ? AND is_bot = ?"
	queryPendingForPosts  = "post_id IN ? AND status = ?"
	queryStalePending     = "status = ? AND is_bot = ? AND created_at < ?"
	queryStaleForPost     = "post_id = ? AND status = ? AND is_bot = ? AND created_at < ?"
	queryIDInPending      = "id IN (?) AND status = ?"
	orderCreatedAtAsc     = "created_at ASC"
	orderIDAsc            = "id ASC"
	selectStaleGroups     = "post_id, COUNT(*) AS stale_rows"
	groupByPostID         = "post_id"
	reasonScanFailed      = "scan_failed"
	reasonReadFailed      = "read_failed"
	reasonExistenceFailed = "existence_check_failed"
	reasonBatchFailed     = "batch_failed"
	reasonDrainFailed     = "drain_failed"
	reasonOrphanFailed    = "orphan_cleanup_failed"
	reasonStaleFailed     = "stale_recovery_failed"
)

var errPostVanished = errors.New("post disappeared during reconciliation")

// CounterSource is the subset of the fast counter store used by the reconciliation sweep.
type CounterSource interface {
	ScanKeys(ctx context.Context, pattern string, count int64) ([]string, error)
	GetMany(ctx context.Context, keys []string) ([]string, error)
	Drain(ctx context.Context, key string, applied int64) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

// ReconcilerConfig describes the dependencies of the reconciliation sweep.
type ReconcilerConfig struct {
	Database          *gorm.DB
	Counters          CounterSource
	Clock             func() time.Time
	BatchSize         int
	ScanCount         int64
	StalePendingAfter time.Duration
	Logger            *zap.Logger
}

// Reconciler folds buffered view counters into Post.views and resolves PENDING rows.
// It expects to be the only reconciliation run in flight; draining counters by the
// applied amount keeps an accidental overlap from erasing fresh increments.
type Reconciler struct {
	db         *gorm.DB
	counters   CounterSource
	clock      func() time.Time
	batchSize  int
	scanCount  int64
	staleAfter time.Duration
	logger     *zap.Logger
}

// ReconcileReport summarises a single sweep.
type ReconcileReport struct {
	KeysScanned        int
	InvalidValues      int
	OrphanPosts        int
	DiscardedRows      int64
	BatchesApplied     int
	BatchesFailed      int
	ViewsApplied       int64
	RowsApplied        int64
	RowShortfall       int64
	StaleRowsRecovered int64
}

type pendingCount struct {
	postID string
	key    string
	count  int64
}

type staleGroup struct {
	PostID    string
	StaleRows int64
}

// NewReconciler validates the configuration and constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opReconcilerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Counters == nil {
		return nil, newServiceError(opReconcilerNew, "missing_counters", errMissingBuffer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultReconcileBatchSize
	}
	scanCount := cfg.ScanCount
	if scanCount <= 0 {
		scanCount = DefaultScanCount
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		db:         cfg.Database,
		counters:   cfg.Counters,
		clock:      clock,
		batchSize:  batchSize,
		scanCount:  scanCount,
		staleAfter: cfg.StalePendingAfter,
		logger:     logger,
	}, nil
}

// Run performs one reconciliation sweep. Failed batches keep their counters for the
// next run and are reported rather than returned; an error means discovery failed and
// nothing was applied.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := r.clock().UTC()

	keys, err := r.counters.ScanKeys(ctx, pendingKeyPattern, r.scanCount)
	if err != nil {
		logServiceError(r.logger, opReconcile, reasonScanFailed, err)
		return report, newServiceError(opReconcile, reasonScanFailed, err)
	}
	report.KeysScanned = len(keys)

	pending, err := r.readPending(ctx, keys, &report)
	if err != nil {
		logServiceError(r.logger, opReconcile, reasonReadFailed, err)
		return report, newServiceError(opReconcile, reasonReadFailed, err)
	}

	buffered := make(map[string]struct{}, len(pending))
	for _, entry := range pending {
		buffered[entry.postID] = struct{}{}
	}

	applicable, err := r.dropOrphans(ctx, pending, now, &report)
	if err != nil {
		logServiceError(r.logger, opReconcile, reasonExistenceFailed, err)
		return report, newServiceError(opReconcile, reasonExistenceFailed, err)
	}

	for start := 0; start < len(applicable); start += r.batchSize {
		end := min(start+r.batchSize, len(applicable))
		r.applyBatch(ctx, applicable[start:end], now, &report)
	}

	if r.staleAfter > 0 {
		if err := r.recoverStale(ctx, now, buffered, &report); err != nil {
			logServiceError(r.logger, opReconcile, reasonStaleFailed, err)
		}
	}

	r.logger.Info("view reconciliation finished",
		zap.Int("keys_scanned", report.KeysScanned),
		zap.Int("invalid_values", report.InvalidValues),
		zap.Int("orphan_posts", report.OrphanPosts),
		zap.Int("batches_applied", report.BatchesApplied),
		zap.Int("batches_failed", report.BatchesFailed),
		zap.Int64("views_applied", report.ViewsApplied),
		zap.Int64("rows_applied", report.RowsApplied),
		zap.Int64("row_shortfall", report.RowShortfall),
		zap.Int64("stale_rows_recovered", report.StaleRowsRecovered))
	return report, nil
}

// readPending parses the scanned counters, skipping malformed keys, expired keys and
// non-positive values. The result is sorted by post id.
func (r *Reconciler) readPending(ctx context.Context, keys []string, report *ReconcileReport) ([]pendingCount, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := r.counters.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	pending := make([]pendingCount, 0, len(keys))
	for index, key := range keys {
		postID, parseErr := ParsePendingKey(key)
		if parseErr != nil {
			report.InvalidValues++
			r.logger.Warn("skipping malformed pending key", zap.String("key", key), zap.Error(parseErr))
			continue
		}
		if index >= len(values) || values[index] == "" {
			continue
		}
		count, convErr := strconv.ParseInt(values[index], 10, 64)
		if convErr != nil || count <= 0 {
			report.InvalidValues++
			r.logger.Warn("skipping invalid pending counter",
				zap.String("key", key),
				zap.String("value", values[index]))
			continue
		}
		pending = append(pending, pendingCount{postID: postID, key: key, count: count})
	}

	slices.SortFunc(pending, func(a, b pendingCount) int {
		switch {
		case a.postID < b.postID:
			return -1
		case a.postID > b.postID:
			return 1
		default:
			return 0
		}
	})
	return pending, nil
}

// dropOrphans removes counters of posts that no longer exist, discards their PENDING
// rows and returns the counters that are still applicable.
func (r *Reconciler) dropOrphans(ctx context.Context, pending []pendingCount, now time.Time, report *ReconcileReport) ([]pendingCount, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(pending))
	for _, entry := range pending {
		ids = append(ids, entry.postID)
	}
	existing, err := posts.ExistingIDs(ctx, r.db, ids, r.batchSize)
	if err != nil {
		return nil, err
	}

	applicable := make([]pendingCount, 0, len(pending))
	orphanKeys := make([]string, 0)
	orphanIDs := make([]string, 0)
	for _, entry := range pending {
		if _, ok := existing[entry.postID]; ok {
			applicable = append(applicable, entry)
			continue
		}
		orphanKeys = append(orphanKeys, entry.key)
		orphanIDs = append(orphanIDs, entry.postID)
	}
	if len(orphanIDs) == 0 {
		return applicable, nil
	}

	report.OrphanPosts += len(orphanIDs)
	if err := r.counters.Delete(ctx, orphanKeys...); err != nil {
		logServiceError(r.logger, opReconcile, reasonOrphanFailed, err, zap.Strings("keys", orphanKeys))
	}
	discarded, err := r.discardPending(ctx, orphanIDs, now)
	report.DiscardedRows += discarded
	if err != nil {
		logServiceError(r.logger, opReconcile, reasonOrphanFailed, err, zap.Strings("post_ids", orphanIDs))
	}
	r.logger.Info("discarded views of deleted posts",
		zap.Strings("post_ids", orphanIDs),
		zap.Int64("discarded_rows", discarded))
	return applicable, nil
}

func (r *Reconciler) discardPending(ctx context.Context, postIDs []string, now time.Time) (int64, error) {
	var discarded int64
	for start := 0; start < len(postIDs); start += r.batchSize {
		end := min(start+r.batchSize, len(postIDs))
		result := r.db.WithContext(ctx).
			Model(&ViewRecord{}).
			Where(queryPendingForPosts, postIDs[start:end], StatusPending).
			Updates(map[string]any{"status": StatusDiscarded, "processed_at": now})
		if result.Error != nil {
			return discarded, result.Error
		}
		discarded += result.RowsAffected
	}
	return discarded, nil
}

// applyBatch folds one batch of counters into durable storage in a single transaction
// and drains the counters only after the commit.
func (r *Reconciler) applyBatch(ctx context.Context, batch []pendingCount, now time.Time, report *ReconcileReport) {
	var views, rows, shortfall int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range batch {
			applied, err := applyPending(tx, entry.postID, entry.count, now)
			if err != nil {
				return err
			}
			views += entry.count
			rows += applied
			if applied < entry.count {
				shortfall += entry.count - applied
				r.logger.Warn("fewer pending views than buffered count",
					zap.String(fieldPostID, entry.postID),
					zap.Int64("buffered", entry.count),
					zap.Int64("pending_rows", applied))
			}
		}
		return nil
	})
	if err != nil {
		report.BatchesFailed++
		postIDs := make([]string, 0, len(batch))
		for _, entry := range batch {
			postIDs = append(postIDs, entry.postID)
		}
		logServiceError(r.logger, opReconcile, reasonBatchFailed, err, zap.Strings("post_ids", postIDs))
		return
	}

	report.BatchesApplied++
	report.ViewsApplied += views
	report.RowsApplied += rows
	report.RowShortfall += shortfall

	for _, entry := range batch {
		remaining, drainErr := r.counters.Drain(ctx, entry.key, entry.count)
		if drainErr != nil {
			logServiceError(r.logger, opReconcile, reasonDrainFailed, drainErr,
				zap.String("key", entry.key),
				zap.Int64("applied", entry.count))
			continue
		}
		if remaining > 0 {
			r.logger.Debug("views buffered during sweep left for next run",
				zap.String("key", entry.key),
				zap.Int64("remaining", remaining))
		}
	}
}

// applyPending adds count to the post's views and flips up to count of its oldest
// PENDING rows to APPLIED, returning how many rows changed.
func applyPending(tx *gorm.DB, postID string, count int64, now time.Time) (int64, error) {
	updated := tx.Model(&posts.Post{}).
		Where(queryPostID, postID).
		UpdateColumn(columnViews, gorm.Expr(expressionAddViews, count))
	if updated.Error != nil {
		return 0, updated.Error
	}
	if updated.RowsAffected == 0 {
		return 0, errPostVanished
	}

	oldest := tx.Model(&ViewRecord{}).
		Select(columnID).
		Where(queryPendingForPost, postID, StatusPending, false).
		Order(orderCreatedAtAsc).
		Order(orderIDAsc).
		Limit(int(count))
	applied := tx.Model(&ViewRecord{}).
		Where(queryIDInPending, oldest, StatusPending).
		Updates(map[string]any{"status": StatusApplied, "processed_at": now})
	if applied.Error != nil {
		return 0, applied.Error
	}
	return applied.RowsAffected, nil
}

// recoverStale applies PENDING rows older than the stale threshold for posts that have
// no buffered counter, covering counters that expired or were lost before any sweep.
// Stale bot rows left behind by a failed ingestion cleanup are discarded, never applied.
func (r *Reconciler) recoverStale(ctx context.Context, now time.Time, buffered map[string]struct{}, report *ReconcileReport) error {
	cutoff := now.Add(-r.staleAfter)
	bots := r.db.WithContext(ctx).
		Model(&ViewRecord{}).
		Where(queryStalePending, StatusPending, true, cutoff).
		Updates(map[string]any{"status": StatusDiscarded, "processed_at": now})
	if bots.Error != nil {
		return bots.Error
	}
	report.DiscardedRows += bots.RowsAffected

	var groups []staleGroup
	if err := r.db.WithContext(ctx).
		Model(&ViewRecord{}).
		Select(selectStaleGroups).
		Where(queryStalePending, StatusPending, false, cutoff).
		Group(groupByPostID).
		Order(groupByPostID).
		Scan(&groups).Error; err != nil {
		return err
	}

	candidates := make([]string, 0, len(groups))
	for _, group := range groups {
		if _, ok := buffered[group.PostID]; ok {
			continue
		}
		candidates = append(candidates, group.PostID)
	}
	if len(candidates) == 0 {
		return nil
	}

	existing, err := posts.ExistingIDs(ctx, r.db, candidates, r.batchSize)
	if err != nil {
		return err
	}
	live := make([]string, 0, len(candidates))
	gone := make([]string, 0)
	for _, postID := range candidates {
		if _, ok := existing[postID]; ok {
			live = append(live, postID)
		} else {
			gone = append(gone, postID)
		}
	}
	if len(gone) > 0 {
		discarded, discardErr := r.discardPending(ctx, gone, now)
		report.DiscardedRows += discarded
		if discardErr != nil {
			return discardErr
		}
	}

	for start := 0; start < len(live); start += r.batchSize {
		end := min(start+r.batchSize, len(live))
		var recovered int64
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, postID := range live[start:end] {
				rows, err := applyStale(tx, postID, cutoff, now)
				if err != nil {
					return err
				}
				recovered += rows
			}
			return nil
		})
		if err != nil {
			logServiceError(r.logger, opReconcile, reasonStaleFailed, err, zap.Strings("post_ids", live[start:end]))
			continue
		}
		report.StaleRowsRecovered += recovered
		report.ViewsApplied += recovered
		report.RowsApplied += recovered
	}
	if report.StaleRowsRecovered > 0 {
		r.logger.Warn("recovered stale pending views without buffered counters",
			zap.Int64("rows", report.StaleRowsRecovered))
	}
	return nil
}

func applyStale(tx *gorm.DB, postID string, cutoff, now time.Time) (int64, error) {
	flipped := tx.Model(&ViewRecord{}).
		Where(queryStaleForPost, postID, StatusPending, false, cutoff).
		Updates(map[string]any{"status": StatusApplied, "processed_at": now})
	if flipped.Error != nil {
		return 0, flipped.Error
	}
	if flipped.RowsAffected == 0 {
		return 0, nil
	}
	updated := tx.Model(&posts.Post{}).
		Where(queryPostID, postID).
		UpdateColumn(columnViews, gorm.Expr(expressionAddViews, flipped.RowsAffected))
	if updated.Error != nil {
		return 0, updated.Error
	}
	return flipped.RowsAffected, nil
}
