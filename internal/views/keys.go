package views

import (
	"errors"
	"fmt"
	"strings"
)

const (
	keyNamespace      = "pv"
	pendingSegment    = "pending"
	dailySetSegment   = "u"
	keySeparator      = ":"
	pendingKeyPrefix  = keyNamespace + keySeparator + pendingSegment + keySeparator
	dailySetKeyPrefix = keyNamespace + keySeparator + dailySetSegment + keySeparator
	pendingKeyPattern = pendingKeyPrefix + "*"
	dayBucketLayout   = "20060102"
	dayBucketLength   = len(dayBucketLayout)
)

// ErrMalformedKey indicates a counter store key that does not follow the pv: naming scheme.
var ErrMalformedKey = errors.New("views: malformed counter key")

// PendingKey names the buffered view counter of a post: pv:pending:<postId>.
func PendingKey(postID string) string {
	return pendingKeyPrefix + postID
}

// DailySetKey names the per-day visitor set of a post: pv:u:<postId>:<yyyymmdd>.
func DailySetKey(postID string, day DayBucket) string {
	return dailySetKeyPrefix + postID + keySeparator + day.String()
}

// ParsePendingKey extracts the post id from a pending counter key.
func ParsePendingKey(key string) (string, error) {
	postID, found := strings.CutPrefix(key, pendingKeyPrefix)
	if !found {
		return "", fmt.Errorf("%w: %q lacks prefix %s", ErrMalformedKey, key, pendingKeyPrefix)
	}
	if postID == "" || strings.Contains(postID, keySeparator) {
		return "", fmt.Errorf("%w: %q has an invalid post id", ErrMalformedKey, key)
	}
	return postID, nil
}

// ParseDailySetKey extracts the post id and day from a daily visitor set key.
func ParseDailySetKey(key string) (string, DayBucket, error) {
	rest, found := strings.CutPrefix(key, dailySetKeyPrefix)
	if !found {
		return "", "", fmt.Errorf("%w: %q lacks prefix %s", ErrMalformedKey, key, dailySetKeyPrefix)
	}
	postID, rawDay, found := strings.Cut(rest, keySeparator)
	if !found || postID == "" {
		return "", "", fmt.Errorf("%w: %q has no post id", ErrMalformedKey, key)
	}
	day, err := ParseDayBucket(rawDay)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrMalformedKey, key, err)
	}
	return postID, day, nil
}
