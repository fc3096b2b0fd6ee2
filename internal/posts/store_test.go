package posts

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewReference(t *testing.T) {
	ref, err := NewReference("  hello-world ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.String() != "hello-world" {
		t.Fatalf("expected trimmed reference, got %q", ref)
	}
	for _, raw := range []string{"", "   ", strings.Repeat("a", maxReferenceLength+1)} {
		if _, err := NewReference(raw); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("expected ErrInvalidReference for %q, got %v", raw, err)
		}
	}
}

func TestLookupResolvesIDAndSlug(t *testing.T) {
	db := newTestDatabase(t)
	created := mustCreateScheduled(t, db, "post-1", testNow)

	for _, raw := range []string{"post-1", "slug-post-1"} {
		post, found, err := Lookup(context.Background(), db, Reference(raw))
		if err != nil {
			t.Fatalf("unexpected lookup error: %v", err)
		}
		if !found || post.ID != created.ID {
			t.Fatalf("expected %q to resolve to %s, got found=%v post=%+v", raw, created.ID, found, post)
		}
	}

	_, found, err := Lookup(context.Background(), db, Reference("missing"))
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if found {
		t.Fatalf("expected missing reference to be reported as not found")
	}
}

func TestExistingIDsChunks(t *testing.T) {
	db := newTestDatabase(t)
	for _, id := range []string{"a", "b", "c"} {
		mustCreateScheduled(t, db, id, testNow)
	}
	existing, err := ExistingIDs(context.Background(), db, []string{"a", "x", "b", "y", "c"}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(existing) != 3 {
		t.Fatalf("expected 3 existing ids, got %v", existing)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := existing[id]; !ok {
			t.Fatalf("expected %s to exist", id)
		}
	}
}

func TestCountable(t *testing.T) {
	testCases := []struct {
		post     Post
		expected bool
	}{
		{post: Post{Status: StatusPublished, Visibility: VisibilityPublic}, expected: true},
		{post: Post{Status: StatusPublished, Visibility: VisibilityUnlisted}, expected: false},
		{post: Post{Status: StatusPublished, Visibility: VisibilityPrivate}, expected: false},
		{post: Post{Status: StatusScheduled, Visibility: VisibilityPublic}, expected: false},
		{post: Post{Status: StatusDraft, Visibility: VisibilityPublic}, expected: false},
	}
	for _, testCase := range testCases {
		if actual := testCase.post.Countable(); actual != testCase.expected {
			t.Fatalf("Countable(%s, %s) = %v", testCase.post.Status, testCase.post.Visibility, actual)
		}
	}
}
