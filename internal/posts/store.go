package posts

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

const (
	columnID      = "id"
	queryIDOrSlug = "id = ? OR slug = ?"
	queryIDIn     = "id IN ?"
)

// Lookup resolves a post by id or slug. The boolean is false when no post matches.
func Lookup(ctx context.Context, db *gorm.DB, ref Reference) (Post, bool, error) {
	var post Post
	err := db.WithContext(ctx).
		Where(queryIDOrSlug, ref.String(), ref.String()).
		Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, false, nil
	}
	if err != nil {
		return Post{}, false, err
	}
	return post, true, nil
}

// ExistingIDs returns the subset of ids that still exist, querying in chunks of chunkSize.
func ExistingIDs(ctx context.Context, db *gorm.DB, ids []string, chunkSize int) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))
	if chunkSize <= 0 {
		chunkSize = len(ids)
	}
	for start := 0; start < len(ids); start += chunkSize {
		end := min(start+chunkSize, len(ids))
		var found []string
		if err := db.WithContext(ctx).
			Model(&Post{}).
			Where(queryIDIn, ids[start:end]).
			Pluck(columnID, &found).Error; err != nil {
			return nil, err
		}
		for _, id := range found {
			existing[id] = struct{}{}
		}
	}
	return existing, nil
}
