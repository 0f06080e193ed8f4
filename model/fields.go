package model

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// FieldValue is the raw value of a bookkeeping field. Present is false when
// the document has no such attribute; an attribute holding NULL is present.
type FieldValue struct {
	Value   types.AttributeValue
	Present bool
}

// Snapshot holds the bookkeeping fields of a validated document.
type Snapshot struct {
	ID        FieldValue
	Type      FieldValue
	CreatedAt FieldValue
	UpdatedAt FieldValue
}

// stamper builds a fresh map document from raw with bookkeeping attributes
// added or overwritten. Non-map documents are returned untouched.
type stamper struct {
	in  map[string]types.AttributeValue
	out map[string]types.AttributeValue
}

func newStamper(raw types.AttributeValue) (*stamper, bool) {
	m, ok := raw.(*types.AttributeValueMemberM)
	if !ok {
		return nil, false
	}
	out := make(map[string]types.AttributeValue, len(m.Value)+4)
	for k, v := range m.Value {
		out[k] = v
	}
	return &stamper{in: m.Value, out: out}, true
}

// has reports whether the incoming document carries a usable value for f.
func (s *stamper) has(f *Field) bool {
	v, ok := s.in[f.Name]
	if !ok || v == nil {
		return false
	}
	_, null := v.(*types.AttributeValueMemberNULL)
	return !null
}

func (s *stamper) set(f *Field, v types.AttributeValue) {
	s.out[f.Name] = v
}

func (s *stamper) doc() types.AttributeValue {
	return &types.AttributeValueMemberM{Value: s.out}
}

func (c *Config[T, ID]) timestamp(ctx context.Context) (types.AttributeValue, error) {
	now, err := c.now(ctx)
	if err != nil {
		return nil, err
	}
	return marshalField("timestamp", now)
}

func marshalField(what string, v any) (types.AttributeValue, error) {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("espalier: marshal %s: %w", what, err)
	}
	return av, nil
}

// stampIdentity writes the id and type fields.
func (c *Config[T, ID]) stampIdentity(s *stamper, id ID) error {
	if f := c.fields.ID; f != nil {
		v, err := marshalField("id", id)
		if err != nil {
			return err
		}
		s.set(f, v)
	}
	if f := c.fields.Type; f != nil {
		s.set(f, &types.AttributeValueMemberS{Value: c.typ})
	}
	return nil
}

// stampCreate stamps a document being created. createdAt and updatedAt keep
// caller-supplied values; otherwise both get the same fresh timestamp.
func (c *Config[T, ID]) stampCreate(ctx context.Context, id ID, raw types.AttributeValue) (types.AttributeValue, error) {
	s, ok := newStamper(raw)
	if !ok {
		return raw, nil
	}
	if err := c.stampIdentity(s, id); err != nil {
		return nil, err
	}

	var created types.AttributeValue
	if f := c.fields.CreatedAt; f != nil && !s.has(f) {
		v, err := c.timestamp(ctx)
		if err != nil {
			return nil, err
		}
		s.set(f, v)
		created = v
	}
	if f := c.fields.UpdatedAt; f != nil && !s.has(f) {
		v := created
		if v == nil {
			var err error
			if v, err = c.timestamp(ctx); err != nil {
				return nil, err
			}
		}
		s.set(f, v)
	}
	return s.doc(), nil
}

// stampReplace stamps a document replaced by id. createdAt is left alone.
func (c *Config[T, ID]) stampReplace(ctx context.Context, id ID, raw types.AttributeValue) (types.AttributeValue, error) {
	s, ok := newStamper(raw)
	if !ok {
		return raw, nil
	}
	if err := c.stampIdentity(s, id); err != nil {
		return nil, err
	}
	if f := c.fields.UpdatedAt; f != nil && !s.has(f) {
		v, err := c.timestamp(ctx)
		if err != nil {
			return nil, err
		}
		s.set(f, v)
	}
	return s.doc(), nil
}

// stampFromSnapshot stamps a document replaced through a handle. id, type
// and createdAt are carried over from the snapshot when it has them.
func (c *Config[T, ID]) stampFromSnapshot(ctx context.Context, snap *Snapshot, raw types.AttributeValue, opts *ReplaceOptions) (types.AttributeValue, error) {
	s, ok := newStamper(raw)
	if !ok {
		return raw, nil
	}
	carry := func(f *Field, fv FieldValue) {
		if f != nil && fv.Present {
			s.set(f, fv.Value)
		}
	}
	carry(c.fields.ID, snap.ID)
	carry(c.fields.Type, snap.Type)
	carry(c.fields.CreatedAt, snap.CreatedAt)

	f := c.fields.UpdatedAt
	if f == nil {
		return s.doc(), nil
	}
	switch {
	case opts.UpdatedAt != nil:
		v, err := marshalField("updatedAt", opts.UpdatedAt)
		if err != nil {
			return nil, err
		}
		s.set(f, v)
	case opts.PreserveUpdatedAt != nil && *opts.PreserveUpdatedAt:
		carry(f, snap.UpdatedAt)
	default:
		v, err := c.timestamp(ctx)
		if err != nil {
			return nil, err
		}
		s.set(f, v)
	}
	return s.doc(), nil
}

// checkReplaceOptions rejects option combinations before anything is written.
func (c *Config[T, ID]) checkReplaceOptions(opts *ReplaceOptions) error {
	if c.fields.UpdatedAt == nil && (opts.UpdatedAt != nil || opts.PreserveUpdatedAt != nil) {
		return ErrUpdatedAtNotConfigured
	}
	if opts.UpdatedAt != nil && opts.PreserveUpdatedAt != nil && *opts.PreserveUpdatedAt {
		return ErrConflictingUpdatedAt
	}
	return nil
}

// validate parses raw with the schema.
func (c *Config[T, ID]) validate(raw types.AttributeValue) (T, error) {
	v, err := c.schema.Validate(raw)
	if err != nil {
		var zero T
		return zero, &ValidationError{Type: c.typ, Err: err}
	}
	return v, nil
}

// encode turns a value into its raw form.
func (c *Config[T, ID]) encode(value T) (types.AttributeValue, error) {
	raw, err := c.schema.Encode(value)
	if err != nil {
		return nil, &ValidationError{Type: c.typ, Err: err}
	}
	return raw, nil
}

// conform validates a stamped document and encodes the result, so only what
// the schema accepts is written.
func (c *Config[T, ID]) conform(raw types.AttributeValue) (types.AttributeValue, error) {
	v, err := c.validate(raw)
	if err != nil {
		return nil, err
	}
	return c.encode(v)
}

// extract validates raw and records the bookkeeping fields of the validated document.
func (c *Config[T, ID]) extract(raw types.AttributeValue) (T, *Snapshot, error) {
	v, err := c.validate(raw)
	if err != nil {
		return v, nil, err
	}
	encoded, err := c.encode(v)
	if err != nil {
		return v, nil, err
	}

	snap := &Snapshot{}
	m, ok := encoded.(*types.AttributeValueMemberM)
	if !ok {
		return v, snap, nil
	}
	read := func(f *Field) FieldValue {
		if f == nil {
			return FieldValue{}
		}
		val, present := m.Value[f.Name]
		return FieldValue{Value: val, Present: present}
	}
	snap.ID = read(c.fields.ID)
	snap.Type = read(c.fields.Type)
	snap.CreatedAt = read(c.fields.CreatedAt)
	snap.UpdatedAt = read(c.fields.UpdatedAt)
	return v, snap, nil
}

// prepareCreate encodes, stamps and conforms a value being created.
func (c *Config[T, ID]) prepareCreate(ctx context.Context, id ID, value T) (types.AttributeValue, error) {
	raw, err := c.encode(value)
	if err != nil {
		return nil, err
	}
	stamped, err := c.stampCreate(ctx, id, raw)
	if err != nil {
		return nil, err
	}
	return c.conform(stamped)
}
