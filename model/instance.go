package model

import (
	"context"

	"github.com/jacentio/espalier/store"
)

// Instance is the entry point of the model layer: it owns the cluster that
// models, queries and transactions run against.
type Instance struct {
	cluster *store.Cluster
}

// Connect opens a cluster and wraps it in an Instance. Connection errors are
// returned unmodified.
func Connect(ctx context.Context, connStr string, opts store.ConnectOptions) (*Instance, error) {
	cluster, err := store.Connect(ctx, connStr, opts)
	if err != nil {
		return nil, err
	}
	return NewInstance(cluster), nil
}

// NewInstance wraps an existing cluster.
func NewInstance(cluster *store.Cluster) *Instance {
	return &Instance{cluster: cluster}
}

// Cluster returns the underlying cluster.
func (i *Instance) Cluster() *store.Cluster { return i.cluster }

// Query runs a PartiQL statement.
func (i *Instance) Query(ctx context.Context, statement string, opts *store.QueryOptions) (*store.QueryResult, error) {
	return i.cluster.Query(ctx, statement, opts)
}
