package model

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/store"
)

// CollectionModel reads and writes documents of one type in one collection.
type CollectionModel[T any, ID any] struct {
	inst   *Instance
	config *Config[T, ID]
	coll   *store.Collection
}

// New binds config to the collection named by ks.
func New[T any, ID any](inst *Instance, config *Config[T, ID], ks store.Keyspace) *CollectionModel[T, ID] {
	return &CollectionModel[T, ID]{
		inst:   inst,
		config: config,
		coll:   inst.cluster.Collection(ks),
	}
}

// Config returns the model's configuration.
func (m *CollectionModel[T, ID]) Config() *Config[T, ID] { return m.config }

// Keyspace returns the collection the model is bound to.
func (m *CollectionModel[T, ID]) Keyspace() store.Keyspace { return m.coll.Keyspace() }

// Collection returns the underlying store collection.
func (m *CollectionModel[T, ID]) Collection() *store.Collection { return m.coll }

// Get fetches the document with the given ID.
func (m *CollectionModel[T, ID]) Get(ctx context.Context, id ID) (*Document[T, ID], error) {
	key, err := m.config.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := m.coll.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return m.fetched(id, key, res), nil
}

// Insert creates a document with bookkeeping fields stamped. It fails with
// store.ErrDocumentExists when the ID is taken.
func (m *CollectionModel[T, ID]) Insert(ctx context.Context, id ID, value T, opts *store.InsertOptions) (*Document[T, ID], error) {
	key, err := m.config.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := m.config.prepareCreate(ctx, id, value)
	if err != nil {
		return nil, err
	}
	res, err := m.coll.Insert(ctx, key, content, opts)
	if err != nil {
		return nil, err
	}
	return m.mutated(id, key, content, res), nil
}

// Upsert writes a document whether or not it exists, stamped like Insert.
// Caller-supplied createdAt and updatedAt values are kept.
func (m *CollectionModel[T, ID]) Upsert(ctx context.Context, id ID, value T, opts *store.UpsertOptions) (*Document[T, ID], error) {
	key, err := m.config.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := m.config.prepareCreate(ctx, id, value)
	if err != nil {
		return nil, err
	}
	res, err := m.coll.Upsert(ctx, key, content, opts)
	if err != nil {
		return nil, err
	}
	return m.mutated(id, key, content, res), nil
}

// Replace overwrites the document with the given ID. Only id, type and
// updatedAt are stamped; createdAt is whatever value carries. Set opts.Cas to
// guard against concurrent writers.
func (m *CollectionModel[T, ID]) Replace(ctx context.Context, id ID, value T, opts *store.ReplaceOptions) (*Document[T, ID], error) {
	key, err := m.config.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := m.config.encode(value)
	if err != nil {
		return nil, err
	}
	stamped, err := m.config.stampReplace(ctx, id, raw)
	if err != nil {
		return nil, err
	}
	content, err := m.config.conform(stamped)
	if err != nil {
		return nil, err
	}
	res, err := m.coll.Replace(ctx, key, content, opts)
	if err != nil {
		return nil, err
	}
	return m.mutated(id, key, content, res), nil
}

// Remove deletes the document with the given ID.
func (m *CollectionModel[T, ID]) Remove(ctx context.Context, id ID, opts *store.RemoveOptions) (*store.MutationResult, error) {
	key, err := m.config.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.coll.Remove(ctx, key, opts)
}

// Touch sets the expiry of the document with the given ID.
func (m *CollectionModel[T, ID]) Touch(ctx context.Context, id ID, expiry store.Expiry) (*store.MutationResult, error) {
	key, err := m.config.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.coll.Touch(ctx, key, expiry)
}

// GetAndTouch fetches the document with the given ID and sets its expiry.
func (m *CollectionModel[T, ID]) GetAndTouch(ctx context.Context, id ID, expiry store.Expiry) (*Document[T, ID], error) {
	key, err := m.config.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := m.coll.GetAndTouch(ctx, key, expiry)
	if err != nil {
		return nil, err
	}
	return m.fetched(id, key, res), nil
}

// In binds the model to a transaction attempt.
func (m *CollectionModel[T, ID]) In(tx *Tx) *TransactionModel[T, ID] {
	return &TransactionModel[T, ID]{tx: tx, config: m.config, coll: m.coll}
}

func (m *CollectionModel[T, ID]) bind(tx *Tx) any {
	return m.In(tx)
}

func (m *CollectionModel[T, ID]) fetched(id ID, key string, res *store.GetResult) *Document[T, ID] {
	return &Document[T, ID]{
		handle: handle[T, ID]{
			config:  m.config,
			id:      id,
			key:     key,
			content: res.Content,
			cas:     res.Cas,
			kind:    KindFetched,
		},
		coll:      m.coll,
		expiresAt: res.ExpiresAt,
	}
}

func (m *CollectionModel[T, ID]) mutated(id ID, key string, content types.AttributeValue, res *store.MutationResult) *Document[T, ID] {
	return &Document[T, ID]{
		handle: handle[T, ID]{
			config:  m.config,
			id:      id,
			key:     key,
			content: content,
			cas:     res.Cas,
			kind:    KindMutated,
		},
		coll:      m.coll,
		expiresAt: res.ExpiresAt,
	}
}
