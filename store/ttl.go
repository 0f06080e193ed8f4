package store

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Expiry is a document lifetime. The zero value means the document never expires.
type Expiry struct {
	after time.Duration
	at    time.Time
}

// ExpireAfter returns an expiry d after the write. d <= 0 means no expiry.
func ExpireAfter(d time.Duration) Expiry {
	if d <= 0 {
		return Expiry{}
	}
	return Expiry{after: d}
}

// ExpireAt returns an expiry at an absolute instant.
func ExpireAt(t time.Time) Expiry {
	return Expiry{at: t}
}

// IsZero reports whether e means "never expires".
func (e Expiry) IsZero() bool {
	return e.after <= 0 && e.at.IsZero()
}

// Deadline resolves e against the time of the write. The ttl attribute holds
// whole seconds, so the deadline is rounded up to the next second.
func (e Expiry) Deadline(now time.Time) time.Time {
	if !e.at.IsZero() {
		return ceilSecond(e.at)
	}
	if e.after > 0 {
		return ceilSecond(now.Add(e.after))
	}
	return time.Time{}
}

func ceilSecond(t time.Time) time.Time {
	if floor := t.Truncate(time.Second); !floor.Equal(t) {
		return floor.Add(time.Second)
	}
	return t
}

// IsExpired reports whether an item carries a ttl at or before now.
// Expired items are treated as absent until DynamoDB sweeps them.
func IsExpired(item map[string]types.AttributeValue, now time.Time) bool {
	ttl, ok := ttlOf(item)
	if !ok {
		return false
	}
	return ttl <= now.Unix()
}

func ttlOf(item map[string]types.AttributeValue) (int64, bool) {
	ttlAttr, exists := item[attrTTL]
	if !exists {
		return 0, false
	}
	ttlNum, ok := ttlAttr.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return ttl, true
}

// LiveFilterExpr returns a filter expression that excludes expired items.
// Use it with LiveFilterNames and LiveFilterValues when building custom queries.
func LiveFilterExpr() string {
	return "attribute_not_exists(#ttl) OR #ttl > :now"
}

// LiveFilterNames returns expression attribute names for LiveFilterExpr.
func LiveFilterNames() map[string]string {
	return map[string]string{"#ttl": attrTTL}
}

// LiveFilterValues returns expression attribute values for LiveFilterExpr.
func LiveFilterValues(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{":now": unixValue(now)}
}

func unixValue(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}
