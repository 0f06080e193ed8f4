package store

import (
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// --- Expression Builder Tests ---

func TestExpr_Update(t *testing.T) {
	e := newExpr()
	e.setAttr(attrDoc, "doc", &types.AttributeValueMemberS{Value: "x"})
	e.setIfMissing(attrTTL, "ttl", &types.AttributeValueMemberN{Value: "5"})
	e.removeAttr(attrKey)

	want := "SET #doc = :doc, #ttl = if_not_exists(#ttl, :ttl) REMOVE #key"
	if got := e.update(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if len(e.attributeNames()) != 3 {
		t.Errorf("expected 3 names, got %v", e.attributeNames())
	}
	if len(e.attributeValues()) != 2 {
		t.Errorf("expected 2 values, got %v", e.attributeValues())
	}
}

func TestExpr_LiveAt(t *testing.T) {
	now := time.Unix(1000, 0)

	e := newExpr()
	if got := e.liveAt(now, 0); got != "attribute_exists(#pk) AND (attribute_not_exists(#ttl) OR #ttl > :now)" {
		t.Errorf("unexpected condition without cas: %q", got)
	}
	if _, ok := e.attributeNames()["#cas"]; ok {
		t.Error("unset cas must not add a cas placeholder")
	}

	e = newExpr()
	got := e.liveAt(now, 7)
	want := "(attribute_exists(#pk) AND (attribute_not_exists(#ttl) OR #ttl > :now)) AND #cas = :expected"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if v := e.attributeValues()[":expected"].(*types.AttributeValueMemberN).Value; v != "7" {
		t.Errorf("expected cas value 7, got %q", v)
	}
}

func TestExpr_Empty(t *testing.T) {
	e := newExpr()
	if e.attributeNames() != nil || e.attributeValues() != nil {
		t.Error("expected nil maps for an empty expression")
	}
}

// --- Item Tests ---

func TestIsExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name string
		item map[string]types.AttributeValue
		want bool
	}{
		{"no ttl", map[string]types.AttributeValue{}, false},
		{"future", map[string]types.AttributeValue{attrTTL: &types.AttributeValueMemberN{Value: "1001"}}, false},
		{"now", map[string]types.AttributeValue{attrTTL: &types.AttributeValueMemberN{Value: "1000"}}, true},
		{"past", map[string]types.AttributeValue{attrTTL: &types.AttributeValueMemberN{Value: "999"}}, true},
		{"wrong type", map[string]types.AttributeValue{attrTTL: &types.AttributeValueMemberS{Value: "1"}}, false},
		{"garbage", map[string]types.AttributeValue{attrTTL: &types.AttributeValueMemberN{Value: "x"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.item, now); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	if !(Expiry{}).IsZero() || !ExpireAfter(0).IsZero() {
		t.Error("expected zero expiries")
	}
	if got := ExpireAfter(time.Minute).Deadline(now); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("unexpected deadline %v", got)
	}
	at := time.Unix(5000, 0)
	if got := ExpireAt(at).Deadline(now); !got.Equal(at) {
		t.Errorf("unexpected deadline %v", got)
	}

	tests := []struct {
		name   string
		expiry Expiry
		now    time.Time
		want   int64
	}{
		{"sub-second after", ExpireAfter(500 * time.Millisecond), time.Unix(1000, 300e6), 1001},
		{"crosses a second", ExpireAfter(800 * time.Millisecond), time.Unix(1000, 300e6), 1002},
		{"whole seconds", ExpireAfter(2 * time.Second), time.Unix(1000, 0), 1002},
		{"fractional at", ExpireAt(time.Unix(1500, 1)), now, 1501},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.expiry.Deadline(tt.now)
			if got.Unix() != tt.want || got.Nanosecond() != 0 {
				t.Errorf("expected %d, got %v", tt.want, got)
			}
			if IsExpired(map[string]types.AttributeValue{attrTTL: unixValue(got)}, tt.now) {
				t.Error("document expired at the instant it was written")
			}
		})
	}
}

func TestDecodeResult(t *testing.T) {
	res := decodeResult(map[string]types.AttributeValue{
		attrCas: &types.AttributeValueMemberN{Value: "18446744073709551615"},
		attrTTL: &types.AttributeValueMemberN{Value: "1000"},
	})
	if res.Cas != Cas(18446744073709551615) {
		t.Errorf("unexpected cas %v", res.Cas)
	}
	if res.ExpiresAt.Unix() != 1000 {
		t.Errorf("unexpected expiry %v", res.ExpiresAt)
	}
	if _, ok := res.Content.(*types.AttributeValueMemberNULL); !ok {
		t.Errorf("expected NULL content for a missing document attribute, got %T", res.Content)
	}
}

func TestParseCas(t *testing.T) {
	c, err := ParseCas(Cas(42).String())
	if err != nil || c != 42 {
		t.Errorf("expected 42, got %v (%v)", c, err)
	}
	if _, err := ParseCas("nope"); err == nil {
		t.Error("expected error")
	}
}

func TestNextCasIsMonotonic(t *testing.T) {
	fixed := time.Unix(1000, 0)
	c := New(nil, Config{Clock: func() time.Time { return fixed }})
	a, b := c.nextCas(), c.nextCas()
	if b <= a {
		t.Errorf("expected %v > %v", b, a)
	}
}

// --- Error Tests ---

func TestError_Format(t *testing.T) {
	cause := errors.New("boom")
	err := newError(ErrCasMismatch, OpReplace, "u1", cause)
	if got := err.Error(); got != "espalier: cas mismatch (replace u1): boom" {
		t.Errorf("unexpected message %q", got)
	}
	if !errors.Is(err, ErrCasMismatch) || !errors.Is(err, cause) {
		t.Error("expected both the kind and the cause to match")
	}

	bare := newError(ErrDocumentNotFound, "", "", nil)
	if got := bare.Error(); got != "espalier: document not found" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"condition failed", &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")}, {Code: aws.String("ConditionalCheckFailed")},
		}}, true},
		{"conflict", &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
			{Code: aws.String("TransactionConflict")},
		}}, true},
		{"throughput", &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ProvisionedThroughputExceeded")},
		}}, false},
		{"conflict exception", &types.TransactionConflictException{}, true},
		{"other", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestUnspecified(t *testing.T) {
	plain := errors.New("x")
	if unspecified(OpGet, "k", plain) != plain {
		t.Error("expected non-service errors to pass through")
	}
	if !errors.Is(unspecified(OpGet, "k", &types.InternalServerError{}), ErrUnspecified) {
		t.Error("expected service errors to be classified")
	}
}
