package posts

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, time.October, 15, 9, 0, 0, 0, time.UTC)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:posts_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(&Post{}); err != nil {
		t.Fatalf("failed to migrate posts: %v", err)
	}
	return db
}

func mustCreateScheduled(t *testing.T, db *gorm.DB, id string, scheduledFor time.Time) Post {
	t.Helper()
	scheduled := scheduledFor.UTC()
	post := Post{
		ID:           id,
		Slug:         "slug-" + id,
		Title:        "Post " + id,
		Status:       StatusScheduled,
		Visibility:   VisibilityPublic,
		ScheduledFor: &scheduled,
	}
	if err := db.Create(&post).Error; err != nil {
		t.Fatalf("failed to create post %s: %v", id, err)
	}
	return post
}

func mustLoad(t *testing.T, db *gorm.DB, id string) Post {
	t.Helper()
	var post Post
	if err := db.Where("id = ?", id).Take(&post).Error; err != nil {
		t.Fatalf("failed to load post %s: %v", id, err)
	}
	return post
}

func fixedClock(instant time.Time) func() time.Time {
	return func() time.Time { return instant }
}
