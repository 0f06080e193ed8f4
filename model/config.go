package model

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Default bookkeeping field names.
const (
	DefaultIDField        = "id"
	DefaultTypeField      = "_type"
	DefaultCreatedAtField = "createdAt"
	DefaultUpdatedAtField = "updatedAt"
)

// TimestampLayout is the layout of timestamps produced by the default clock.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Schema validates raw documents into T and encodes T back into raw form.
// schema.Of provides one for any type attributevalue can marshal.
type Schema[T any] interface {
	Validate(raw types.AttributeValue) (T, error)
	Encode(value T) (types.AttributeValue, error)
}

// Field names a managed bookkeeping attribute.
type Field struct {
	Name string
}

// Named returns a Field stored under name.
func Named(name string) *Field {
	return &Field{Name: name}
}

// Fields selects which bookkeeping attributes a model manages. A nil slot is
// not managed.
type Fields struct {
	ID        *Field
	Type      *Field
	CreatedAt *Field
	UpdatedAt *Field
}

// DefaultFields manages all four fields under their default names.
func DefaultFields() Fields {
	return Fields{
		ID:        Named(DefaultIDField),
		Type:      Named(DefaultTypeField),
		CreatedAt: Named(DefaultCreatedAtField),
		UpdatedAt: Named(DefaultUpdatedAtField),
	}
}

// NoFields manages no bookkeeping fields.
func NoFields() Fields {
	return Fields{}
}

// Options configures NewConfig.
type Options[T any, ID any] struct {
	// Schema is required.
	Schema Schema[T]

	// Type tags every document of the model. Required.
	Type string

	// Now returns the timestamp stamped into createdAt and updatedAt. The
	// value is marshalled with attributevalue.
	// Default: the current UTC time formatted with TimestampLayout
	Now func(ctx context.Context) (any, error)

	// Key maps an ID to a document key.
	// Default: "<type>::<id>"
	Key func(ctx context.Context, id ID) (string, error)

	// Fields selects the managed bookkeeping fields.
	// Default: DefaultFields()
	Fields *Fields
}

// Config is the immutable configuration of one document type.
// It is safe for concurrent use.
type Config[T any, ID any] struct {
	schema Schema[T]
	typ    string
	now    func(ctx context.Context) (any, error)
	key    func(ctx context.Context, id ID) (string, error)
	fields Fields
}

// NewConfig validates opts and returns the resulting Config.
func NewConfig[T any, ID any](opts Options[T, ID]) (*Config[T, ID], error) {
	if opts.Schema == nil {
		return nil, fmt.Errorf("%w: schema is required", ErrInvalidConfig)
	}
	if opts.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidConfig)
	}

	fields := DefaultFields()
	if opts.Fields != nil {
		fields = *opts.Fields
	}
	seen := make(map[string]string)
	for _, f := range []struct {
		slot  string
		field *Field
	}{
		{"id", fields.ID},
		{"type", fields.Type},
		{"createdAt", fields.CreatedAt},
		{"updatedAt", fields.UpdatedAt},
	} {
		if f.field == nil {
			continue
		}
		if f.field.Name == "" {
			return nil, fmt.Errorf("%w: %s field has an empty name", ErrInvalidConfig, f.slot)
		}
		if other, ok := seen[f.field.Name]; ok {
			return nil, fmt.Errorf("%w: %s and %s fields share the name %q", ErrInvalidConfig, other, f.slot, f.field.Name)
		}
		seen[f.field.Name] = f.slot
	}
	// Copy the slots so later changes by the caller don't leak in.
	fields = Fields{
		ID:        cloneField(fields.ID),
		Type:      cloneField(fields.Type),
		CreatedAt: cloneField(fields.CreatedAt),
		UpdatedAt: cloneField(fields.UpdatedAt),
	}

	c := &Config[T, ID]{
		schema: opts.Schema,
		typ:    opts.Type,
		now:    opts.Now,
		key:    opts.Key,
		fields: fields,
	}
	if c.now == nil {
		c.now = defaultNow
	}
	if c.key == nil {
		typ := opts.Type
		c.key = func(_ context.Context, id ID) (string, error) {
			return fmt.Sprintf("%s::%v", typ, id), nil
		}
	}
	return c, nil
}

// MustConfig is like NewConfig but panics on error. It simplifies
// package-level model declarations.
func MustConfig[T any, ID any](opts Options[T, ID]) *Config[T, ID] {
	c, err := NewConfig(opts)
	if err != nil {
		panic(err)
	}
	return c
}

func defaultNow(context.Context) (any, error) {
	return time.Now().UTC().Format(TimestampLayout), nil
}

func cloneField(f *Field) *Field {
	if f == nil {
		return nil
	}
	return &Field{Name: f.Name}
}

// Type returns the type tag.
func (c *Config[T, ID]) Type() string { return c.typ }

// Fields returns the managed fields.
func (c *Config[T, ID]) Fields() Fields {
	return Fields{
		ID:        cloneField(c.fields.ID),
		Type:      cloneField(c.fields.Type),
		CreatedAt: cloneField(c.fields.CreatedAt),
		UpdatedAt: cloneField(c.fields.UpdatedAt),
	}
}

// Key returns the document key for id.
func (c *Config[T, ID]) Key(ctx context.Context, id ID) (string, error) {
	return c.key(ctx, id)
}
