package model

import (
	"context"
	"fmt"

	"github.com/jacentio/espalier/store"
)

// Binder is a model that can take part in a transaction.
// *CollectionModel implements it.
type Binder interface {
	bind(tx *Tx) any
}

// Tx is one attempt of a transaction run by Transact.
type Tx struct {
	attempt *store.AttemptContext
	models  map[string]any
}

// Attempt returns the underlying store attempt, for raw document access.
func (tx *Tx) Attempt() *store.AttemptContext { return tx.attempt }

// Query runs a PartiQL statement within the attempt. Rows reflect the store,
// not the attempt's staged writes.
func (tx *Tx) Query(ctx context.Context, statement string, opts *store.QueryOptions) (*store.QueryResult, error) {
	return tx.attempt.Query(ctx, statement, opts)
}

// TxModel returns the transactional model bound under name.
func TxModel[T any, ID any](tx *Tx, name string) (*TransactionModel[T, ID], error) {
	bound, ok := tx.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	m, ok := bound.(*TransactionModel[T, ID])
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %T", ErrUnknownModel, name, bound)
	}
	return m, nil
}

// Transact runs body in a transaction until an attempt commits. Each attempt
// gets a Tx holding a transactional model for every entry of models, under
// the same name.
//
// An error returned by body aborts the transaction, nothing it staged is
// written, and Transact returns that error as is. Failures to commit are
// reported as store.ErrTransactionFailed.
func Transact[V any](ctx context.Context, inst *Instance, models map[string]Binder, body func(ctx context.Context, tx *Tx) (V, error)) (*store.TransactionResult[V], error) {
	return store.Run(ctx, inst.cluster.Transactions(), func(ctx context.Context, attempt *store.AttemptContext) (V, error) {
		tx := &Tx{attempt: attempt, models: make(map[string]any, len(models))}
		for name, m := range models {
			tx.models[name] = m.bind(tx)
		}
		return body(ctx, tx)
	})
}

// TransactionModel reads and inserts documents of one type within a
// transaction attempt. Other writes go through the TxDocument handles it returns.
type TransactionModel[T any, ID any] struct {
	tx     *Tx
	config *Config[T, ID]
	coll   *store.Collection
}

// Get reads the document with the given ID as the attempt sees it.
func (m *TransactionModel[T, ID]) Get(ctx context.Context, id ID) (*TxDocument[T, ID], error) {
	key, err := m.config.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := m.tx.attempt.Get(ctx, m.coll, key)
	if err != nil {
		return nil, err
	}
	return m.handle(id, key, res, KindTxFetched), nil
}

// Insert stages the creation of a document, stamped like CollectionModel.Insert.
func (m *TransactionModel[T, ID]) Insert(ctx context.Context, id ID, value T) (*TxDocument[T, ID], error) {
	key, err := m.config.Key(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := m.config.prepareCreate(ctx, id, value)
	if err != nil {
		return nil, err
	}
	res, err := m.tx.attempt.Insert(ctx, m.coll, key, content)
	if err != nil {
		return nil, err
	}
	return m.handle(id, key, res, KindTxMutated), nil
}

func (m *TransactionModel[T, ID]) handle(id ID, key string, res *store.TransactionGetResult, kind Kind) *TxDocument[T, ID] {
	return &TxDocument[T, ID]{
		handle: handle[T, ID]{
			config:  m.config,
			id:      id,
			key:     key,
			content: res.Content(),
			cas:     res.Cas(),
			kind:    kind,
		},
		attempt: m.tx.attempt,
		result:  res,
	}
}
