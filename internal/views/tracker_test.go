package views

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/posts"
	"golang.org/x/sync/errgroup"
)

const (
	testPostID        = "0192f4c5-0000-7000-8000-000000000001"
	testFingerprintA  = "fp-aaaaaaaaaaaaaaaa"
	testFingerprintB  = "fp-bbbbbbbbbbbbbbbb"
	testClientAddress = "203.0.113.77"
)

func TestTrackDeduplicatesVisitorsPerDay(t *testing.T) {
	db := newTestDatabase(t)
	store, server := newTestCounters(t)
	clock := newTestClock()
	mustCreatePost(t, db, testPostID, "hello-world", posts.StatusPublished, posts.VisibilityPublic)
	tracker := newTestTracker(t, db, store, clock)

	mustTrack(t, tracker, browserRequest(testPostID, testFingerprintA, testClientAddress), OutcomeCounted)
	clock.Advance(time.Minute)
	mustTrack(t, tracker, browserRequest(testPostID, testFingerprintA, testClientAddress), OutcomeDuplicate)
	clock.Advance(time.Minute)
	mustTrack(t, tracker, browserRequest("hello-world", testFingerprintB, testClientAddress), OutcomeCounted)

	value, err := server.Get(PendingKey(testPostID))
	if err != nil {
		t.Fatalf("expected pending counter: %v", err)
	}
	if value != "2" {
		t.Fatalf("expected pending counter 2, got %s", value)
	}
	if pending := countViewRows(t, db, testPostID, StatusPending); pending != 2 {
		t.Fatalf("expected 2 pending rows, got %d", pending)
	}
	members, err := server.Members(DailySetKey(testPostID, "20261015"))
	if err != nil {
		t.Fatalf("expected daily visitor set: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 distinct visitors, got %v", members)
	}
	if ttl := server.TTL(DailySetKey(testPostID, "20261015")); ttl != DefaultDedupTTL {
		t.Fatalf("expected dedup ttl %v, got %v", DefaultDedupTTL, ttl)
	}
	if post := mustLoadPost(t, db, testPostID); post.Views != 0 {
		t.Fatalf("ingestion must not touch post views, got %d", post.Views)
	}
}

func TestTrackCountsSameVisitorOnNextDay(t *testing.T) {
	db := newTestDatabase(t)
	store, server := newTestCounters(t)
	clock := newTestClock()
	mustCreatePost(t, db, testPostID, "hello-world", posts.StatusPublished, posts.VisibilityPublic)
	tracker := newTestTracker(t, db, store, clock)

	mustTrack(t, tracker, browserRequest(testPostID, testFingerprintA, testClientAddress), OutcomeCounted)
	clock.Advance(24 * time.Hour)
	mustTrack(t, tracker, browserRequest(testPostID, testFingerprintA, testClientAddress), OutcomeCounted)

	if value, _ := server.Get(PendingKey(testPostID)); value != "2" {
		t.Fatalf("expected pending counter 2, got %q", value)
	}
	for _, day := range []DayBucket{"20261015", "20261016"} {
		if !server.Exists(DailySetKey(testPostID, day)) {
			t.Fatalf("expected visitor set for %s", day)
		}
	}
}

func TestTrackFallsBackToAddressWithoutFingerprint(t *testing.T) {
	db := newTestDatabase(t)
	store, server := newTestCounters(t)
	clock := newTestClock()
	mustCreatePost(t, db, testPostID, "hello-world", posts.StatusPublished, posts.VisibilityPublic)
	tracker := newTestTracker(t, db, store, clock)

	mustTrack(t, tracker, browserRequest(testPostID, "", testClientAddress), OutcomeCounted)
	mustTrack(t, tracker, browserRequest(testPostID, "short", testClientAddress), OutcomeDuplicate)
	mustTrack(t, tracker, browserRequest(testPostID, "", "198.51.100.20"), OutcomeCounted)

	if value, _ := server.Get(PendingKey(testPostID)); value != "2" {
		t.Fatalf("expected pending counter 2, got %q", value)
	}

	var records []ViewRecord
	if err := db.Where("post_id = ?", testPostID).Order("created_at ASC").Find(&records).Error; err != nil {
		t.Fatalf("failed to load view rows: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 stored views, got %d", len(records))
	}
	for _, record := range records {
		if strings.Contains(record.VisitorHash, "203.0.113") || strings.Contains(record.Fingerprint, "203.0.113.77") {
			t.Fatalf("stored view leaks the client address: %+v", record)
		}
		if !strings.HasPrefix(record.Fingerprint, "anon:") {
			t.Fatalf("expected fallback fingerprint, got %q", record.Fingerprint)
		}
		if record.Device != DeviceDesktop || record.Browser != "chrome" || record.OS != "windows" || record.Country != "DE" {
			t.Fatalf("unexpected classification on stored view: %+v", record)
		}
		if record.Day != "20261015" || record.Status != StatusPending || record.ProcessedAt != nil {
			t.Fatalf("unexpected lifecycle fields on stored view: %+v", record)
		}
	}
}

func TestTrackIgnoresBots(t *testing.T) {
	db := newTestDatabase(t)
	store, server := newTestCounters(t)
	clock := newTestClock()
	mustCreatePost(t, db, testPostID, "hello-world", posts.StatusPublished, posts.VisibilityPublic)
	tracker := newTestTracker(t, db, store, clock)

	for _, userAgent := range []string{"", "curl/8.4.0", "Mozilla/5.0 (compatible; Googlebot/2.1)"} {
		request := browserRequest(testPostID, testFingerprintA, testClientAddress)
		request.Meta.UserAgent = userAgent
		mustTrack(t, tracker, request, OutcomeBot)
	}

	if server.Exists(PendingKey(testPostID)) {
		t.Fatalf("bots must not increment the pending counter")
	}
	if server.Exists(DailySetKey(testPostID, "20261015")) {
		t.Fatalf("bots must not join the visitor set")
	}
	var total int64
	db.Model(&ViewRecord{}).Count(&total)
	if total != 0 {
		t.Fatalf("expected bot views to leave no rows, got %d", total)
	}
}

func TestTrackIgnoresUncountablePosts(t *testing.T) {
	db := newTestDatabase(t)
	store, server := newTestCounters(t)
	clock := newTestClock()
	mustCreatePost(t, db, "draft-id", "draft", posts.StatusDraft, posts.VisibilityPublic)
	mustCreatePost(t, db, "scheduled-id", "scheduled", posts.StatusScheduled, posts.VisibilityPublic)
	mustCreatePost(t, db, "private-id", "private", posts.StatusPublished, posts.VisibilityPrivate)
	mustCreatePost(t, db, "unlisted-id", "unlisted", posts.StatusPublished, posts.VisibilityUnlisted)
	tracker := newTestTracker(t, db, store, clock)

	for _, ref := range []string{"draft-id", "scheduled", "private-id", "unlisted", "missing", "", strings.Repeat("x", 300)} {
		mustTrack(t, tracker, browserRequest(ref, testFingerprintA, testClientAddress), OutcomeIgnored)
	}

	if keys := server.Keys(); len(keys) != 0 {
		t.Fatalf("expected no counter keys, got %v", keys)
	}
	var total int64
	db.Model(&ViewRecord{}).Count(&total)
	if total != 0 {
		t.Fatalf("expected no view rows, got %d", total)
	}
}

func TestTrackBufferFailureDropsView(t *testing.T) {
	db := newTestDatabase(t)
	store, server := newTestCounters(t)
	clock := newTestClock()
	mustCreatePost(t, db, testPostID, "hello-world", posts.StatusPublished, posts.VisibilityPublic)
	tracker := newTestTracker(t, db, store, clock)

	server.SetError("counter store unavailable")
	outcome, err := tracker.Track(context.Background(), browserRequest(testPostID, testFingerprintA, testClientAddress))
	server.SetError("")
	if err != nil {
		t.Fatalf("buffer failures must not surface, got %v", err)
	}
	if outcome != OutcomeBufferFailed {
		t.Fatalf("expected buffer failure outcome, got %s", outcome)
	}
	var total int64
	db.Model(&ViewRecord{}).Count(&total)
	if total != 0 {
		t.Fatalf("expected dropped view to leave no rows, got %d", total)
	}

	mustTrack(t, tracker, browserRequest(testPostID, testFingerprintA, testClientAddress), OutcomeCounted)
}

func TestTrackConcurrentRepeatsCountOnce(t *testing.T) {
	db := newTestDatabase(t)
	store, server := newTestCounters(t)
	clock := newTestClock()
	mustCreatePost(t, db, testPostID, "hello-world", posts.StatusPublished, posts.VisibilityPublic)
	tracker := newTestTracker(t, db, store, clock)

	var counted atomic.Int64
	var group errgroup.Group
	for i := 0; i < 16; i++ {
		group.Go(func() error {
			outcome, err := tracker.Track(context.Background(), browserRequest(testPostID, testFingerprintA, testClientAddress))
			if err != nil {
				return err
			}
			if outcome == OutcomeCounted {
				counted.Add(1)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("unexpected track error: %v", err)
	}
	if counted.Load() != 1 {
		t.Fatalf("expected exactly one counted view, got %d", counted.Load())
	}
	if value, _ := server.Get(PendingKey(testPostID)); value != "1" {
		t.Fatalf("expected pending counter 1, got %q", value)
	}
	if pending := countViewRows(t, db, testPostID, StatusPending); pending != 1 {
		t.Fatalf("expected a single pending row, got %d", pending)
	}
}

func TestNewTrackerValidatesConfig(t *testing.T) {
	db := newTestDatabase(t)
	store, _ := newTestCounters(t)
	testCases := []struct {
		name   string
		config TrackerConfig
		code   string
	}{
		{name: "database", config: TrackerConfig{Buffer: store, IDProvider: posts.NewUUIDProvider(), Pepper: testPepper}, code: "views.tracker.new.missing_database"},
		{name: "buffer", config: TrackerConfig{Database: db, IDProvider: posts.NewUUIDProvider(), Pepper: testPepper}, code: "views.tracker.new.missing_buffer"},
		{name: "id provider", config: TrackerConfig{Database: db, Buffer: store, Pepper: testPepper}, code: "views.tracker.new.missing_id_provider"},
		{name: "pepper", config: TrackerConfig{Database: db, Buffer: store, IDProvider: posts.NewUUIDProvider()}, code: "views.tracker.new.missing_pepper"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewTracker(testCase.config)
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) {
				t.Fatalf("expected service error, got %v", err)
			}
			if serviceErr.Code() != testCase.code {
				t.Fatalf("expected code %s, got %s", testCase.code, serviceErr.Code())
			}
		})
	}
}
