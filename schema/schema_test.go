package schema_test

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/espalier/schema"
)

type product struct {
	SKU   string  `dynamodbav:"sku" validate:"required"`
	Price float64 `dynamodbav:"price" validate:"gte=0"`
	Note  string  `dynamodbav:"note,omitempty"`
}

func TestCodec_RoundTrip(t *testing.T) {
	c := schema.Of[product]()

	raw, err := c.Encode(product{SKU: "A-1", Price: 9.5})
	require.NoError(t, err)

	m, ok := raw.(*types.AttributeValueMemberM)
	require.True(t, ok)
	assert.NotContains(t, m.Value, "note")

	got, err := c.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, product{SKU: "A-1", Price: 9.5}, got)
}

func TestCodec_ValidationFailure(t *testing.T) {
	c := schema.Of[product]()

	_, err := c.Validate(&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"price": &types.AttributeValueMemberN{Value: "-1"},
	}})
	require.Error(t, err)

	var verrs validator.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := []string{}
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	assert.ElementsMatch(t, []string{"SKU", "Price"}, fields)
}

func TestCodec_DecodeFailure(t *testing.T) {
	c := schema.Of[product]()

	_, err := c.Validate(&types.AttributeValueMemberS{Value: "not a map"})
	assert.Error(t, err)

	_, err = c.Validate(nil)
	assert.Error(t, err)
}

func TestCodec_NonStruct(t *testing.T) {
	c := schema.Of[[]string]()

	raw, err := c.Encode([]string{"a", "b"})
	require.NoError(t, err)
	_, ok := raw.(*types.AttributeValueMemberL)
	assert.True(t, ok)

	got, err := c.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestCodec_Map(t *testing.T) {
	c := schema.Of[map[string]any]()

	got, err := c.Validate(&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: "Ada"},
		"age":  &types.AttributeValueMemberN{Value: "36"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["name"])
	assert.Equal(t, float64(36), got["age"])
}

func TestCodec_PointerStruct(t *testing.T) {
	c := schema.Of[*product]()

	_, err := c.Validate(&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}})
	assert.Error(t, err, "required tags apply through pointers")
}

func TestWithValidator(t *testing.T) {
	v := validator.New()
	require.NoError(t, v.RegisterValidation("sku", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) == 3
	}))

	type tagged struct {
		SKU string `dynamodbav:"sku" validate:"sku"`
	}
	c := schema.Of[tagged](schema.WithValidator(v))

	_, err := c.Validate(&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"sku": &types.AttributeValueMemberS{Value: "ABCD"},
	}})
	assert.Error(t, err)

	_, err = c.Validate(&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"sku": &types.AttributeValueMemberS{Value: "ABC"},
	}})
	assert.NoError(t, err)
}

func TestRaw(t *testing.T) {
	r := schema.Raw()
	in := &types.AttributeValueMemberS{Value: "x"}

	out, err := r.Validate(in)
	require.NoError(t, err)
	assert.Same(t, in, out)

	enc, err := r.Encode(in)
	require.NoError(t, err)
	assert.Same(t, in, enc)
}
