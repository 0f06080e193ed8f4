// Package schema provides model schemas backed by attributevalue and validator.
package schema

import (
	"fmt"
	"reflect"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-playground/validator/v10"
)

// Codec converts between raw documents and T with attributevalue and checks
// struct values against their `validate` tags.
type Codec[T any] struct {
	validate *validator.Validate
	isStruct bool
}

// Option configures a Codec.
type Option func(*codecOptions)

type codecOptions struct {
	validate *validator.Validate
}

// WithValidator uses v instead of a default validator, for custom validations.
func WithValidator(v *validator.Validate) Option {
	return func(o *codecOptions) { o.validate = v }
}

// Of returns a Codec for T. T uses `dynamodbav` tags for attribute names,
// and `omitempty` on bookkeeping fields so unset values get stamped.
func Of[T any](opts ...Option) *Codec[T] {
	o := codecOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.validate == nil {
		o.validate = validator.New(validator.WithRequiredStructEnabled())
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return &Codec[T]{validate: o.validate, isStruct: t.Kind() == reflect.Struct}
}

// Validate decodes raw into T and validates the result.
func (c *Codec[T]) Validate(raw types.AttributeValue) (T, error) {
	var v T
	if raw == nil {
		return v, fmt.Errorf("schema: no document")
	}
	if err := attributevalue.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("schema: decode: %w", err)
	}
	if c.isStruct {
		if err := c.validate.Struct(v); err != nil {
			return v, err
		}
	}
	return v, nil
}

// Encode marshals v.
func (c *Codec[T]) Encode(v T) (types.AttributeValue, error) {
	raw, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schema: encode: %w", err)
	}
	return raw, nil
}

// Func adapts a pair of functions to a model schema.
type Func[T any] struct {
	ValidateFunc func(raw types.AttributeValue) (T, error)
	EncodeFunc   func(v T) (types.AttributeValue, error)
}

// Validate calls ValidateFunc.
func (f Func[T]) Validate(raw types.AttributeValue) (T, error) { return f.ValidateFunc(raw) }

// Encode calls EncodeFunc.
func (f Func[T]) Encode(v T) (types.AttributeValue, error) { return f.EncodeFunc(v) }

// Raw passes documents through unchanged. It accepts anything.
func Raw() Func[types.AttributeValue] {
	return Func[types.AttributeValue]{
		ValidateFunc: func(raw types.AttributeValue) (types.AttributeValue, error) { return raw, nil },
		EncodeFunc:   func(v types.AttributeValue) (types.AttributeValue, error) { return v, nil },
	}
}
