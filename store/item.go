package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item attributes. Every document is one item keyed by pk, which is
// "<scope>/<collection>/<key>".
const (
	attrPK         = "pk"
	attrScope      = "scope"
	attrCollection = "collection"
	attrKey        = "key"
	attrDoc        = "doc"
	attrCas        = "cas"
	attrTTL        = "ttl"
)

// Cas is an opaque version token. Every mutation of a document produces a new one.
// The zero value means "unset".
type Cas uint64

func (c Cas) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseCas parses the decimal form produced by Cas.String.
func ParseCas(s string) (Cas, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("espalier: invalid cas %q: %w", s, err)
	}
	return Cas(v), nil
}

func (c Cas) attributeValue() *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: c.String()}
}

// Keyspace names a collection: bucket (the DynamoDB table), scope and collection.
type Keyspace struct {
	Bucket     string
	Scope      string
	Collection string
}

func (k Keyspace) String() string {
	return k.Bucket + "." + k.Scope + "." + k.Collection
}

// GetResult is a fetched document.
type GetResult struct {
	Content types.AttributeValue
	Cas     Cas

	// ExpiresAt is zero when the document has no expiry.
	ExpiresAt time.Time
}

// MutationResult carries the CAS produced by a write.
type MutationResult struct {
	Cas Cas

	// ExpiresAt is the expiry the write set. It is zero when the write
	// cleared the expiry or preserved whatever the document had.
	ExpiresAt time.Time
}

// InsertOptions configures Collection.Insert.
type InsertOptions struct {
	Expiry Expiry
}

// UpsertOptions configures Collection.Upsert.
type UpsertOptions struct {
	Expiry Expiry

	// PreserveExpiry keeps an existing document's expiry. Expiry then only
	// applies when the upsert creates the document.
	PreserveExpiry bool
}

// ReplaceOptions configures Collection.Replace.
type ReplaceOptions struct {
	Expiry Expiry

	// PreserveExpiry keeps the document's expiry and ignores Expiry.
	PreserveExpiry bool

	// Cas, when set, makes the replace fail with ErrCasMismatch if the
	// document changed since it was read.
	Cas Cas
}

// RemoveOptions configures Collection.Remove.
type RemoveOptions struct {
	Cas Cas
}

// ListOptions configures Collection.List.
type ListOptions struct {
	// Limit caps the number of documents returned. Zero returns all of them.
	Limit int
}

// ListEntry is one document returned by Collection.List.
type ListEntry struct {
	Key string
	GetResult
}

// QueryOptions configures Cluster.Query and AttemptContext.Query.
type QueryOptions struct {
	// Parameters bind the statement's positional ? placeholders in order.
	// Each is marshalled with attributevalue.Marshal.
	Parameters []any
}

// QueryResult holds every row a statement produced.
type QueryResult struct {
	Rows []map[string]types.AttributeValue
}

// Documents returns the content of each row that selected the document attribute.
func (r *QueryResult) Documents() []types.AttributeValue {
	docs := make([]types.AttributeValue, 0, len(r.Rows))
	for _, row := range r.Rows {
		if doc, ok := row[attrDoc]; ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

func decodeResult(item map[string]types.AttributeValue) *GetResult {
	res := &GetResult{Content: item[attrDoc]}
	if n, ok := item[attrCas].(*types.AttributeValueMemberN); ok {
		if v, err := strconv.ParseUint(n.Value, 10, 64); err == nil {
			res.Cas = Cas(v)
		}
	}
	if ttl, ok := ttlOf(item); ok {
		res.ExpiresAt = time.Unix(ttl, 0)
	}
	if res.Content == nil {
		res.Content = &types.AttributeValueMemberNULL{Value: true}
	}
	return res
}

// orNull stores a nil document as NULL; DynamoDB has no absent value.
func orNull(doc types.AttributeValue) types.AttributeValue {
	if doc == nil {
		return &types.AttributeValueMemberNULL{Value: true}
	}
	return doc
}

// expr accumulates an expression's placeholders. Only placeholders that are
// actually referenced get registered, since DynamoDB rejects unused ones.
type expr struct {
	names  map[string]string
	values map[string]types.AttributeValue
	set    []string
	remove []string
}

func newExpr() *expr {
	return &expr{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

func (e *expr) name(attr string) string {
	placeholder := "#" + attr
	e.names[placeholder] = attr
	return placeholder
}

func (e *expr) value(placeholder string, v types.AttributeValue) string {
	placeholder = ":" + placeholder
	e.values[placeholder] = v
	return placeholder
}

func (e *expr) setAttr(attr, placeholder string, v types.AttributeValue) {
	e.set = append(e.set, e.name(attr)+" = "+e.value(placeholder, v))
}

func (e *expr) setIfMissing(attr, placeholder string, v types.AttributeValue) {
	n := e.name(attr)
	e.set = append(e.set, n+" = if_not_exists("+n+", "+e.value(placeholder, v)+")")
}

func (e *expr) removeAttr(attr string) {
	e.remove = append(e.remove, e.name(attr))
}

// live is the condition "the item exists and has not expired".
func (e *expr) live(now time.Time) string {
	ttl := e.name(attrTTL)
	return "attribute_exists(" + e.name(attrPK) + ") AND (attribute_not_exists(" + ttl + ") OR " +
		ttl + " > " + e.value("now", unixValue(now)) + ")"
}

// absent is the condition "no item, or only an expired one".
func (e *expr) absent(now time.Time) string {
	return "attribute_not_exists(" + e.name(attrPK) + ") OR " + e.name(attrTTL) + " <= " +
		e.value("now", unixValue(now))
}

// liveAt additionally requires the item's cas to equal cas, unless cas is unset.
func (e *expr) liveAt(now time.Time, cas Cas) string {
	cond := e.live(now)
	if cas != 0 {
		cond = "(" + cond + ") AND " + e.name(attrCas) + " = " + e.value("expected", cas.attributeValue())
	}
	return cond
}

func (e *expr) update() string {
	var b strings.Builder
	if len(e.set) > 0 {
		b.WriteString("SET ")
		b.WriteString(strings.Join(e.set, ", "))
	}
	if len(e.remove) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("REMOVE ")
		b.WriteString(strings.Join(e.remove, ", "))
	}
	return b.String()
}

func (e *expr) attributeNames() map[string]string {
	if len(e.names) == 0 {
		return nil
	}
	return e.names
}

func (e *expr) attributeValues() map[string]types.AttributeValue {
	if len(e.values) == 0 {
		return nil
	}
	return e.values
}
