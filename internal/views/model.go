package views

import (
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/posts"
)

// Status is the lifecycle state of a ViewRecord.
type Status string

const (
	// StatusPending marks a view that is buffered but not yet folded into Post.views.
	StatusPending Status = "PENDING"
	// StatusApplied marks a view counted into Post.views by a reconciliation sweep.
	StatusApplied Status = "APPLIED"
	// StatusDiscarded marks a pending view whose post disappeared before it was applied.
	StatusDiscarded Status = "DISCARDED"
)

// ViewRecord is the durable trace of one accepted, countable view.
type ViewRecord struct {
	ID          string      `gorm:"column:id;primaryKey;size:36;not null"`
	PostID      string      `gorm:"column:post_id;size:36;not null;index:idx_post_views_pending,priority:1"`
	Post        *posts.Post `gorm:"foreignKey:PostID;references:ID;constraint:OnDelete:CASCADE"`
	Status      Status      `gorm:"column:status;size:16;not null;index:idx_post_views_pending,priority:2"`
	Day         string      `gorm:"column:day;size:8;not null;index"`
	VisitorHash string      `gorm:"column:visitor_hash;size:64;not null;default:''"`
	Fingerprint string      `gorm:"column:fingerprint;size:128;not null;default:''"`
	UserAgent   string      `gorm:"column:user_agent;size:512;not null;default:''"`
	Referrer    string      `gorm:"column:referrer;size:512;not null;default:''"`
	Path        string      `gorm:"column:path;size:512;not null;default:''"`
	IsBot       bool        `gorm:"column:is_bot;not null;default:false"`
	Country     string      `gorm:"column:country;size:2;not null;default:''"`
	Device      string      `gorm:"column:device;size:16;not null;default:''"`
	Browser     string      `gorm:"column:browser;size:32;not null;default:''"`
	OS          string      `gorm:"column:os;size:32;not null;default:''"`
	CreatedAt   time.Time   `gorm:"column:created_at;not null;index:idx_post_views_pending,priority:3"`
	ProcessedAt *time.Time  `gorm:"column:processed_at"`
}

// TableName provides the explicit table binding for GORM.
func (ViewRecord) TableName() string {
	return "post_views"
}
