package store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/internal/keyspace"
)

// Collection holds documents addressed by key.
type Collection struct {
	cluster *Cluster
	table   string
	scope   string
	name    string
	err     error
}

// Keyspace returns the bucket, scope and collection names.
func (c *Collection) Keyspace() Keyspace {
	return Keyspace{Bucket: c.table, Scope: c.scope, Collection: c.name}
}

// Get fetches a document with a strongly consistent read.
func (c *Collection) Get(ctx context.Context, key string) (res *GetResult, err error) {
	defer c.cluster.observe(OpGet, time.Now(), &err)

	pk, err := c.partitionKey(key)
	if err != nil {
		return nil, err
	}

	out, err := c.cluster.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            itemKey(pk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unspecified(OpGet, key, err)
	}
	if out.Item == nil || IsExpired(out.Item, c.cluster.config.Clock()) {
		return nil, newError(ErrDocumentNotFound, OpGet, key, nil)
	}
	return decodeResult(out.Item), nil
}

// Insert creates a document. It fails with ErrDocumentExists when the key is taken.
func (c *Collection) Insert(ctx context.Context, key string, doc types.AttributeValue, opts *InsertOptions) (res *MutationResult, err error) {
	defer c.cluster.observe(OpInsert, time.Now(), &err)

	pk, err := c.partitionKey(key)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &InsertOptions{}
	}

	now := c.cluster.config.Clock()
	cas := c.cluster.nextCas()
	item := c.newItem(pk, key, doc, cas)
	res = &MutationResult{Cas: cas}
	if !opts.Expiry.IsZero() {
		res.ExpiresAt = opts.Expiry.Deadline(now)
		item[attrTTL] = unixValue(res.ExpiresAt)
	}

	e := newExpr()
	cond := e.absent(now)
	_, err = c.cluster.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(c.table),
		Item:                      item,
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: e.attributeValues(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, newError(ErrDocumentExists, OpInsert, key, err)
		}
		return nil, unspecified(OpInsert, key, err)
	}
	return res, nil
}

// Upsert writes a document whether or not it exists.
func (c *Collection) Upsert(ctx context.Context, key string, doc types.AttributeValue, opts *UpsertOptions) (res *MutationResult, err error) {
	defer c.cluster.observe(OpUpsert, time.Now(), &err)

	pk, err := c.partitionKey(key)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &UpsertOptions{}
	}

	now := c.cluster.config.Clock()
	cas := c.cluster.nextCas()
	e := c.writeExpr(key, doc, cas)
	res = &MutationResult{Cas: cas}
	switch {
	case opts.PreserveExpiry && !opts.Expiry.IsZero():
		e.setIfMissing(attrTTL, "ttl", unixValue(opts.Expiry.Deadline(now)))
	case opts.PreserveExpiry:
	case !opts.Expiry.IsZero():
		res.ExpiresAt = opts.Expiry.Deadline(now)
		e.setAttr(attrTTL, "ttl", unixValue(res.ExpiresAt))
	default:
		e.removeAttr(attrTTL)
	}

	_, err = c.cluster.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.table),
		Key:                       itemKey(pk),
		UpdateExpression:          aws.String(e.update()),
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: e.attributeValues(),
	})
	if err != nil {
		return nil, unspecified(OpUpsert, key, err)
	}
	return res, nil
}

// Replace overwrites an existing document. With opts.Cas set, it fails with
// ErrCasMismatch when the document changed since that CAS was read.
func (c *Collection) Replace(ctx context.Context, key string, doc types.AttributeValue, opts *ReplaceOptions) (res *MutationResult, err error) {
	defer c.cluster.observe(OpReplace, time.Now(), &err)

	pk, err := c.partitionKey(key)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ReplaceOptions{}
	}

	now := c.cluster.config.Clock()
	cas := c.cluster.nextCas()
	e := c.writeExpr(key, doc, cas)
	res = &MutationResult{Cas: cas}
	switch {
	case opts.PreserveExpiry:
	case !opts.Expiry.IsZero():
		res.ExpiresAt = opts.Expiry.Deadline(now)
		e.setAttr(attrTTL, "ttl", unixValue(res.ExpiresAt))
	default:
		e.removeAttr(attrTTL)
	}
	cond := e.liveAt(now, opts.Cas)

	_, err = c.cluster.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(c.table),
		Key:                                 itemKey(pk),
		UpdateExpression:                    aws.String(e.update()),
		ConditionExpression:                 aws.String(cond),
		ExpressionAttributeNames:            e.attributeNames(),
		ExpressionAttributeValues:           e.attributeValues(),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return nil, c.classifyConditional(OpReplace, key, now, err)
	}
	return res, nil
}

// Remove deletes a document. With opts.Cas set, it fails with ErrCasMismatch
// when the document changed since that CAS was read.
func (c *Collection) Remove(ctx context.Context, key string, opts *RemoveOptions) (res *MutationResult, err error) {
	defer c.cluster.observe(OpRemove, time.Now(), &err)

	pk, err := c.partitionKey(key)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &RemoveOptions{}
	}

	now := c.cluster.config.Clock()
	e := newExpr()
	cond := e.liveAt(now, opts.Cas)

	_, err = c.cluster.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                           aws.String(c.table),
		Key:                                 itemKey(pk),
		ConditionExpression:                 aws.String(cond),
		ExpressionAttributeNames:            e.attributeNames(),
		ExpressionAttributeValues:           e.attributeValues(),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return nil, c.classifyConditional(OpRemove, key, now, err)
	}
	return &MutationResult{Cas: c.cluster.nextCas()}, nil
}

// GetAndTouch fetches a document and sets its expiry. A zero expiry clears it.
func (c *Collection) GetAndTouch(ctx context.Context, key string, expiry Expiry) (res *GetResult, err error) {
	defer c.cluster.observe(OpGetAndTouch, time.Now(), &err)

	out, _, err := c.touch(ctx, OpGetAndTouch, key, expiry, types.ReturnValueAllNew)
	if err != nil {
		return nil, err
	}
	return decodeResult(out.Attributes), nil
}

// Touch sets a document's expiry. A zero expiry clears it.
func (c *Collection) Touch(ctx context.Context, key string, expiry Expiry) (res *MutationResult, err error) {
	defer c.cluster.observe(OpTouch, time.Now(), &err)

	_, cas, err := c.touch(ctx, OpTouch, key, expiry, types.ReturnValueNone)
	if err != nil {
		return nil, err
	}
	res = &MutationResult{Cas: cas}
	if !expiry.IsZero() {
		res.ExpiresAt = expiry.Deadline(c.cluster.config.Clock())
	}
	return res, nil
}

func (c *Collection) touch(ctx context.Context, op, key string, expiry Expiry, rv types.ReturnValue) (*dynamodb.UpdateItemOutput, Cas, error) {
	pk, err := c.partitionKey(key)
	if err != nil {
		return nil, 0, err
	}

	now := c.cluster.config.Clock()
	cas := c.cluster.nextCas()
	e := newExpr()
	e.setAttr(attrCas, "cas", cas.attributeValue())
	if expiry.IsZero() {
		e.removeAttr(attrTTL)
	} else {
		e.setAttr(attrTTL, "ttl", unixValue(expiry.Deadline(now)))
	}
	cond := e.live(now)

	out, err := c.cluster.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.table),
		Key:                       itemKey(pk),
		UpdateExpression:          aws.String(e.update()),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: e.attributeValues(),
		ReturnValues:              rv,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, 0, newError(ErrDocumentNotFound, op, key, err)
		}
		return nil, 0, unspecified(op, key, err)
	}
	return out, cas, nil
}

// List returns the live documents of the collection in no particular order.
// It scans the whole bucket table and filters on the collection's key prefix,
// so its cost follows the size of the table.
func (c *Collection) List(ctx context.Context, opts *ListOptions) (entries []ListEntry, err error) {
	defer c.cluster.observe(OpList, time.Now(), &err)

	if c.err != nil {
		return nil, c.err
	}
	limit := 0
	if opts != nil {
		limit = opts.Limit
	}

	names := LiveFilterNames()
	names["#pk"] = attrPK
	values := LiveFilterValues(c.cluster.config.Clock())
	values[":prefix"] = &types.AttributeValueMemberS{Value: keyspace.Prefix(c.scope, c.name)}
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(c.table),
		FilterExpression:          aws.String("begins_with(#pk, :prefix) AND (" + LiveFilterExpr() + ")"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}

	for {
		out, err := c.cluster.client.Scan(ctx, input)
		if err != nil {
			return nil, unspecified(OpList, "", err)
		}
		for _, item := range out.Items {
			key, _ := item[attrKey].(*types.AttributeValueMemberS)
			if key == nil {
				continue
			}
			entries = append(entries, ListEntry{Key: key.Value, GetResult: *decodeResult(item)})
			if limit > 0 && len(entries) == limit {
				return entries, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return entries, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// classifyConditional tells a missing document from a stale CAS using the
// old item DynamoDB returns with the failed condition.
func (c *Collection) classifyConditional(op, key string, now time.Time, err error) error {
	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return unspecified(op, key, err)
	}
	if condErr.Item == nil || IsExpired(condErr.Item, now) {
		return newError(ErrDocumentNotFound, op, key, err)
	}
	return newError(ErrCasMismatch, op, key, err)
}

func (c *Collection) partitionKey(key string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	if err := keyspace.ValidateKey(key); err != nil {
		return "", err
	}
	return keyspace.PartitionKey(c.scope, c.name, key), nil
}

func (c *Collection) newItem(pk, key string, doc types.AttributeValue, cas Cas) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK:         &types.AttributeValueMemberS{Value: pk},
		attrScope:      &types.AttributeValueMemberS{Value: c.scope},
		attrCollection: &types.AttributeValueMemberS{Value: c.name},
		attrKey:        &types.AttributeValueMemberS{Value: key},
		attrDoc:        orNull(doc),
		attrCas:        cas.attributeValue(),
	}
}

// writeExpr sets every attribute of the item except pk and ttl.
func (c *Collection) writeExpr(key string, doc types.AttributeValue, cas Cas) *expr {
	e := newExpr()
	e.setAttr(attrScope, "scope", &types.AttributeValueMemberS{Value: c.scope})
	e.setAttr(attrCollection, "collection", &types.AttributeValueMemberS{Value: c.name})
	e.setAttr(attrKey, "key", &types.AttributeValueMemberS{Value: key})
	e.setAttr(attrDoc, "doc", orNull(doc))
	e.setAttr(attrCas, "cas", cas.attributeValue())
	return e
}

func itemKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
	}
}
