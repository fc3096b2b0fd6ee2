package views

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/counters"
	"github.com/MarcoPoloResearchLab/quill/internal/posts"
	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testStart = time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testStart}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:views_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&posts.Post{}, &ViewRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestCounters(t *testing.T) (*counters.Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := counters.Open(context.Background(), "redis://"+server.Addr()+"/0", counters.Options{})
	if err != nil {
		t.Fatalf("failed to open counter store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

func mustCreatePost(t *testing.T, db *gorm.DB, id, slug string, status posts.Status, visibility posts.Visibility) posts.Post {
	t.Helper()
	post := posts.Post{
		ID:         id,
		Slug:       slug,
		Title:      "Title of " + slug,
		Status:     status,
		Visibility: visibility,
	}
	if status == posts.StatusPublished {
		publishedAt := testStart.Add(-time.Hour)
		post.PublishedAt = &publishedAt
	}
	if err := db.Create(&post).Error; err != nil {
		t.Fatalf("failed to create post %s: %v", id, err)
	}
	return post
}

func mustLoadPost(t *testing.T, db *gorm.DB, id string) posts.Post {
	t.Helper()
	var post posts.Post
	if err := db.Where("id = ?", id).Take(&post).Error; err != nil {
		t.Fatalf("failed to load post %s: %v", id, err)
	}
	return post
}

func countViewRows(t *testing.T, db *gorm.DB, postID string, status Status) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&ViewRecord{}).Where("post_id = ? AND status = ?", postID, status).Count(&count).Error; err != nil {
		t.Fatalf("failed to count view rows: %v", err)
	}
	return count
}

func newTestTracker(t *testing.T, db *gorm.DB, buffer VisitorBuffer, clock *testClock) *Tracker {
	t.Helper()
	tracker, err := NewTracker(TrackerConfig{
		Database:   db,
		Buffer:     buffer,
		IDProvider: posts.NewUUIDProvider(),
		Clock:      clock.Now,
		Pepper:     testPepper,
	})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	return tracker
}

func newTestReconciler(t *testing.T, db *gorm.DB, source CounterSource, clock *testClock, batchSize int) *Reconciler {
	t.Helper()
	reconciler, err := NewReconciler(ReconcilerConfig{
		Database:          db,
		Counters:          source,
		Clock:             clock.Now,
		BatchSize:         batchSize,
		StalePendingAfter: 192 * time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	return reconciler
}

func browserRequest(postRef, fingerprint, clientIP string) TrackRequest {
	return TrackRequest{
		PostRef:     postRef,
		Fingerprint: fingerprint,
		Path:        "/posts/" + postRef,
		Meta: RequestMeta{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Referrer:  "https://news.example.com/",
			ClientIP:  clientIP,
			Country:   "DE",
		},
	}
}

func mustTrack(t *testing.T, tracker *Tracker, request TrackRequest, expected TrackOutcome) {
	t.Helper()
	outcome, err := tracker.Track(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected track error: %v", err)
	}
	if outcome != expected {
		t.Fatalf("expected outcome %s, got %s", expected, outcome)
	}
}
