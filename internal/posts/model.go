package posts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the publication lifecycle of a post.
type Status string

const (
	// StatusDraft marks a post that is not yet visible or scheduled.
	StatusDraft Status = "DRAFT"
	// StatusScheduled marks a post waiting for its scheduled_for instant.
	StatusScheduled Status = "SCHEDULED"
	// StatusPublished marks a live post.
	StatusPublished Status = "PUBLISHED"
)

// Visibility controls who may read a published post.
type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityUnlisted Visibility = "UNLISTED"
	VisibilityPrivate  Visibility = "PRIVATE"
)

const maxReferenceLength = 190

// ErrInvalidReference indicates that a post id or slug is empty or exceeds storage bounds.
var ErrInvalidReference = errors.New("posts: invalid post reference")

// Post is the durable post entity. Views is only ever mutated by the view reconciliation sweep.
type Post struct {
	ID           string     `gorm:"column:id;primaryKey;size:36;not null"`
	Slug         string     `gorm:"column:slug;size:190;not null;uniqueIndex"`
	Title        string     `gorm:"column:title;size:320;not null;default:''"`
	Status       Status     `gorm:"column:status;size:16;not null;default:DRAFT;index:idx_posts_schedule,priority:1"`
	Visibility   Visibility `gorm:"column:visibility;size:16;not null;default:PUBLIC"`
	ScheduledFor *time.Time `gorm:"column:scheduled_for;index:idx_posts_schedule,priority:2"`
	PublishedAt  *time.Time `gorm:"column:published_at"`
	Views        int64      `gorm:"column:views;not null;default:0"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Countable reports whether views of the post may be counted.
func (p Post) Countable() bool {
	return p.Status == StatusPublished && p.Visibility == VisibilityPublic
}

// Reference is a validated post id or slug as received from a client.
type Reference string

// NewReference trims and validates a raw post id or slug.
func NewReference(rawInput string) (Reference, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidReference)
	}
	if len(trimmed) > maxReferenceLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidReference, maxReferenceLength)
	}
	return Reference(trimmed), nil
}

// String returns the underlying reference.
func (r Reference) String() string {
	return string(r)
}
