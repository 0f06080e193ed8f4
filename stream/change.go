package stream

import (
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/internal/keyspace"
	"github.com/jacentio/espalier/store"
)

// Kind is the kind of a document change.
type Kind int

const (
	KindInserted Kind = iota + 1
	KindModified
	KindRemoved
	// KindExpired is a removal made by the DynamoDB TTL process.
	KindExpired
)

func (k Kind) String() string {
	switch k {
	case KindInserted:
		return "inserted"
	case KindModified:
		return "modified"
	case KindRemoved:
		return "removed"
	case KindExpired:
		return "expired"
	}
	return "unknown"
}

// ttlPrincipal is the identity DynamoDB stamps on records of TTL deletions.
const ttlPrincipal = "dynamodb.amazonaws.com"

// Change is one document change decoded from a stream record.
type Change struct {
	EventID  string
	Kind     Kind
	Keyspace store.Keyspace
	Key      string

	// Cas and Content are those of the new image, or of the old image for
	// removals. Either is zero when the stream view type omits that image.
	Cas     store.Cas
	Content types.AttributeValue

	// Previous is the content before the change, when the stream carries old images.
	Previous types.AttributeValue
}

// Decode unmarshals the change content into out.
func (c Change) Decode(out any) error {
	if c.Content == nil {
		return fmt.Errorf("espalier: %s change of %q carries no content", c.Kind, c.Key)
	}
	return attributevalue.Unmarshal(c.Content, out)
}

// DecodeRecord turns a stream record into a Change. ok is false for records
// that are not espalier documents.
func DecodeRecord(record events.DynamoDBEventRecord) (change Change, ok bool, err error) {
	pkAttr, found := record.Change.Keys["pk"]
	if !found || pkAttr.DataType() != events.DataTypeString {
		return Change{}, false, nil
	}
	scope, collection, key, found := keyspace.Split(pkAttr.String())
	if !found {
		return Change{}, false, nil
	}

	change = Change{
		EventID: record.EventID,
		Keyspace: store.Keyspace{
			Bucket:     tableFromARN(record.EventSourceArn),
			Scope:      scope,
			Collection: collection,
		},
		Key: key,
	}

	image := record.Change.NewImage
	switch record.EventName {
	case "INSERT":
		change.Kind = KindInserted
	case "MODIFY":
		change.Kind = KindModified
	case "REMOVE":
		change.Kind = KindRemoved
		if id := record.UserIdentity; id != nil && id.Type == "Service" && id.PrincipalID == ttlPrincipal {
			change.Kind = KindExpired
		}
		image = record.Change.OldImage
	default:
		return Change{}, false, fmt.Errorf("espalier: unknown stream event %q", record.EventName)
	}

	if change.Content, err = imageAttr(image, "doc"); err != nil {
		return Change{}, false, err
	}
	if change.Kind == KindModified {
		if change.Previous, err = imageAttr(record.Change.OldImage, "doc"); err != nil {
			return Change{}, false, err
		}
	}
	if v, found := image["cas"]; found && v.DataType() == events.DataTypeNumber {
		if change.Cas, err = store.ParseCas(v.Number()); err != nil {
			return Change{}, false, err
		}
	}
	return change, true, nil
}

func imageAttr(image map[string]events.DynamoDBAttributeValue, name string) (types.AttributeValue, error) {
	v, ok := image[name]
	if !ok {
		return nil, nil
	}
	return ConvertValue(v)
}

// tableFromARN extracts the table name from a stream ARN of the form
// arn:aws:dynamodb:region:account:table/NAME/stream/LABEL.
func tableFromARN(arn string) string {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}

// ConvertImage converts a stream image to SDK attribute values.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		av, err := ConvertValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

// ConvertValue converts one stream attribute value to its SDK counterpart.
func ConvertValue(v events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}, nil
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, len(list))
		for i, item := range list {
			av, err := ConvertValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = av
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case events.DataTypeMap:
		m, err := ConvertImage(v.Map())
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	}
	return nil, fmt.Errorf("espalier: unsupported stream attribute type %d", v.DataType())
}
