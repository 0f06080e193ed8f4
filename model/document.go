package model

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/store"
)

// Kind tells how a handle was obtained, or how it was last written.
type Kind int

const (
	KindFetched Kind = iota
	KindMutated
	KindTxFetched
	KindTxMutated
)

func (k Kind) String() string {
	switch k {
	case KindFetched:
		return "fetched"
	case KindMutated:
		return "mutated"
	case KindTxFetched:
		return "transaction_fetched"
	case KindTxMutated:
		return "transaction_mutated"
	}
	return "unknown"
}

// State is the lifecycle state of a handle.
type State int

const (
	// StateFresh means the content has not been parsed since it was last read or written.
	StateFresh State = iota
	// StateParsed means the bookkeeping fields of the content are known.
	StateParsed
	// StateRemoved means the handle removed its document. It accepts no further writes.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateParsed:
		return "parsed"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// ReplaceOptions configures a replace through a handle.
type ReplaceOptions struct {
	// UpdatedAt overrides the updatedAt field. It is marshalled with attributevalue.
	UpdatedAt any

	// PreserveUpdatedAt keeps the updatedAt value the document had when parsed.
	// Setting it at all, even to false, requires an updatedAt field.
	PreserveUpdatedAt *bool

	// Expiry and PreserveExpiry are passed to the store. Transactional
	// replaces leave the expiry untouched and ignore them.
	Expiry         store.Expiry
	PreserveExpiry bool
}

// Preserve returns a pointer to v, for ReplaceOptions.PreserveUpdatedAt.
func Preserve(v bool) *bool { return &v }

// handle is the state shared by both document variants.
type handle[T any, ID any] struct {
	config   *Config[T, ID]
	id       ID
	key      string
	content  types.AttributeValue
	cas      store.Cas
	kind     Kind
	snapshot *Snapshot
	removed  bool
}

// ID returns the document ID.
func (h *handle[T, ID]) ID() ID { return h.id }

// Key returns the document key.
func (h *handle[T, ID]) Key() string { return h.key }

// Cas returns the CAS the handle will write with.
func (h *handle[T, ID]) Cas() store.Cas { return h.cas }

// Content returns the raw content as last read or written.
func (h *handle[T, ID]) Content() types.AttributeValue { return h.content }

// Kind returns how the handle was obtained or last written.
func (h *handle[T, ID]) Kind() Kind { return h.kind }

// State returns the handle's lifecycle state.
func (h *handle[T, ID]) State() State {
	switch {
	case h.removed:
		return StateRemoved
	case h.snapshot != nil:
		return StateParsed
	default:
		return StateFresh
	}
}

// Parse validates the content with the model's schema. On success the
// bookkeeping fields are cached for later replaces.
func (h *handle[T, ID]) Parse() (T, error) {
	v, snap, err := h.config.extract(h.content)
	if err != nil {
		return v, err
	}
	h.snapshot = snap
	return v, nil
}

// MustParse is like Parse but panics on error.
func (h *handle[T, ID]) MustParse() T {
	v, err := h.Parse()
	if err != nil {
		panic(err)
	}
	return v
}

// Fields returns the bookkeeping fields of the content, parsing it if needed.
func (h *handle[T, ID]) Fields() (Snapshot, error) {
	if h.snapshot == nil {
		if _, err := h.Parse(); err != nil {
			return Snapshot{}, err
		}
	}
	return *h.snapshot, nil
}

// prepareReplace checks options and builds the content to write. The cached
// snapshot is consumed; restore puts the handle back as it was.
func (h *handle[T, ID]) prepareReplace(ctx context.Context, value T, opts *ReplaceOptions) (content types.AttributeValue, restore func(), err error) {
	if h.removed {
		return nil, nil, ErrDocumentRemoved
	}
	if err := h.config.checkReplaceOptions(opts); err != nil {
		return nil, nil, err
	}

	prev := h.snapshot
	restore = func() { h.snapshot = prev }

	raw, err := h.config.encode(value)
	if err != nil {
		return nil, nil, err
	}
	snap := h.snapshot
	if _, isMap := raw.(*types.AttributeValueMemberM); isMap && snap == nil {
		if _, err := h.Parse(); err != nil {
			restore()
			return nil, nil, err
		}
		snap = h.snapshot
	}
	if snap == nil {
		snap = &Snapshot{}
	}

	stamped, err := h.config.stampFromSnapshot(ctx, snap, raw, opts)
	if err != nil {
		restore()
		return nil, nil, err
	}
	content, err = h.config.conform(stamped)
	if err != nil {
		restore()
		return nil, nil, err
	}
	h.snapshot = nil
	return content, restore, nil
}

// Document is a handle on one stored document and the CAS it was read or
// written with. Replace and Remove write with that CAS and fail with
// store.ErrCasMismatch when the document changed in between.
//
// A Document is not safe for concurrent use.
type Document[T any, ID any] struct {
	handle[T, ID]
	coll      *store.Collection
	expiresAt time.Time
}

// ExpiresAt returns the document's expiry as last read or written through
// this handle. It is zero for documents without expiry, and for handles
// created by an upsert that preserved an expiry it never saw.
func (d *Document[T, ID]) ExpiresAt() time.Time { return d.expiresAt }

// Replace writes value over the document. id, type and createdAt are carried
// over from the stored content; updatedAt is set per opts. On failure the
// handle is unchanged.
func (d *Document[T, ID]) Replace(ctx context.Context, value T, opts *ReplaceOptions) error {
	if opts == nil {
		opts = &ReplaceOptions{}
	}
	content, restore, err := d.prepareReplace(ctx, value, opts)
	if err != nil {
		return err
	}

	res, err := d.coll.Replace(ctx, d.key, content, &store.ReplaceOptions{
		Expiry:         opts.Expiry,
		PreserveExpiry: opts.PreserveExpiry,
		Cas:            d.cas,
	})
	if err != nil {
		restore()
		return err
	}

	d.content = content
	d.cas = res.Cas
	d.kind = KindMutated
	if !opts.PreserveExpiry {
		d.expiresAt = res.ExpiresAt
	}
	return nil
}

// Remove deletes the document. Afterwards the handle is in StateRemoved and
// rejects further writes with ErrDocumentRemoved.
func (d *Document[T, ID]) Remove(ctx context.Context) error {
	if d.removed {
		return ErrDocumentRemoved
	}
	prev := d.snapshot
	d.snapshot = nil

	res, err := d.coll.Remove(ctx, d.key, &store.RemoveOptions{Cas: d.cas})
	if err != nil {
		d.snapshot = prev
		return err
	}

	d.cas = res.Cas
	d.kind = KindMutated
	d.removed = true
	return nil
}

// TxDocument is a handle on a document within a transaction attempt.
// Writes are staged in the attempt and take effect when it commits.
type TxDocument[T any, ID any] struct {
	handle[T, ID]
	attempt *store.AttemptContext
	result  *store.TransactionGetResult
}

// Replace stages value over the document, stamped like Document.Replace.
// On failure the handle is unchanged.
func (d *TxDocument[T, ID]) Replace(ctx context.Context, value T, opts *ReplaceOptions) error {
	if opts == nil {
		opts = &ReplaceOptions{}
	}
	content, restore, err := d.prepareReplace(ctx, value, opts)
	if err != nil {
		return err
	}

	res, err := d.attempt.Replace(ctx, d.result, content)
	if err != nil {
		restore()
		return err
	}

	d.result = res
	d.content = res.Content()
	d.cas = res.Cas()
	d.kind = KindTxMutated
	return nil
}

// Remove stages the removal of the document. Afterwards the handle is in
// StateRemoved and rejects further writes with ErrDocumentRemoved.
func (d *TxDocument[T, ID]) Remove(ctx context.Context) error {
	if d.removed {
		return ErrDocumentRemoved
	}
	prev := d.snapshot
	d.snapshot = nil

	if err := d.attempt.Remove(ctx, d.result); err != nil {
		d.snapshot = prev
		return err
	}

	d.kind = KindTxMutated
	d.removed = true
	return nil
}
