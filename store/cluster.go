package store

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/internal/keyspace"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
// *dynamodb.Client satisfies it.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	ExecuteStatement(ctx context.Context, params *dynamodb.ExecuteStatementInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExecuteStatementOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Cluster is a connection to DynamoDB. Buckets map onto tables.
type Cluster struct {
	client  DynamoAPI
	config  Config
	lastCas atomic.Uint64
}

// New creates a Cluster over an existing client.
func New(client DynamoAPI, config Config) *Cluster {
	config.validate()
	return &Cluster{client: client, config: config}
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	// Username and Password are used as a static access key pair when either
	// is set. Otherwise the default credential chain applies.
	Username string
	Password string

	// Region is used when the connection string has no region parameter.
	Region string

	Config Config
}

// Connect opens a Cluster from a connection string of the form
//
//	dynamodb://host:port?region=eu-west-1&tls=false
//
// An empty host uses the regional AWS endpoint. Errors from loading the AWS
// configuration are returned unmodified.
func Connect(ctx context.Context, connStr string, opts ConnectOptions) (*Cluster, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "dynamodb" {
		return nil, fmt.Errorf("espalier: unsupported connection scheme %q", u.Scheme)
	}

	region := opts.Region
	if r := u.Query().Get("region"); r != "" {
		region = r
	}

	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	if opts.Username != "" || opts.Password != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.Username, opts.Password, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	var clientOpts []func(*dynamodb.Options)
	if u.Host != "" {
		scheme := "https"
		if u.Query().Get("tls") == "false" {
			scheme = "http"
		}
		endpoint := scheme + "://" + u.Host
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return New(dynamodb.NewFromConfig(cfg, clientOpts...), opts.Config), nil
}

// Config returns the effective configuration.
func (c *Cluster) Config() Config {
	return c.config
}

// Bucket returns a handle on the bucket (table) name.
func (c *Cluster) Bucket(name string) *Bucket {
	return &Bucket{cluster: c, name: name}
}

// Collection returns a handle on the collection named by ks.
func (c *Cluster) Collection(ks Keyspace) *Collection {
	return c.Bucket(ks.Bucket).Scope(ks.Scope).Collection(ks.Collection)
}

// Transactions returns the cluster's transaction runner.
func (c *Cluster) Transactions() *Transactions {
	return &Transactions{cluster: c}
}

// Query runs a PartiQL statement and collects every page of results.
func (c *Cluster) Query(ctx context.Context, statement string, opts *QueryOptions) (result *QueryResult, err error) {
	defer c.observe(OpQuery, time.Now(), &err)
	return c.execute(ctx, OpQuery, statement, opts)
}

func (c *Cluster) execute(ctx context.Context, op, statement string, opts *QueryOptions) (*QueryResult, error) {
	input := &dynamodb.ExecuteStatementInput{Statement: aws.String(statement)}
	if opts != nil && len(opts.Parameters) > 0 {
		params := make([]types.AttributeValue, 0, len(opts.Parameters))
		for i, p := range opts.Parameters {
			av, err := attributevalue.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("espalier: marshal query parameter %d: %w", i, err)
			}
			params = append(params, av)
		}
		input.Parameters = params
	}

	result := &QueryResult{}
	for {
		out, err := c.client.ExecuteStatement(ctx, input)
		if err != nil {
			return nil, unspecified(op, "", err)
		}
		result.Rows = append(result.Rows, out.Items...)
		if out.NextToken == nil {
			return result, nil
		}
		input.NextToken = out.NextToken
	}
}

// nextCas returns a CAS derived from the clock that is strictly greater than
// any this cluster handed out before.
func (c *Cluster) nextCas() Cas {
	now := uint64(c.config.Clock().UnixNano())
	for {
		last := c.lastCas.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if c.lastCas.CompareAndSwap(last, next) {
			return Cas(next)
		}
	}
}

func (c *Cluster) observe(op string, start time.Time, err *error) {
	c.config.Observer.ObserveOperation(op, time.Since(start), *err)
}

// Bucket is a table handle.
type Bucket struct {
	cluster *Cluster
	name    string
}

// Name returns the table name.
func (b *Bucket) Name() string { return b.name }

// Scope returns a handle on a scope of the bucket.
func (b *Bucket) Scope(name string) *Scope {
	return &Scope{bucket: b, name: name}
}

// DefaultScope returns the _default scope.
func (b *Bucket) DefaultScope() *Scope {
	return b.Scope(keyspace.DefaultName)
}

// DefaultCollection returns the _default collection of the _default scope.
func (b *Bucket) DefaultCollection() *Collection {
	return b.DefaultScope().DefaultCollection()
}

// Scope groups collections within a bucket.
type Scope struct {
	bucket *Bucket
	name   string
}

// Name returns the scope name.
func (s *Scope) Name() string { return s.name }

// Collection returns a handle on a collection of the scope.
// Invalid names are reported by the first operation on the collection.
func (s *Scope) Collection(name string) *Collection {
	coll := &Collection{
		cluster: s.bucket.cluster,
		table:   s.bucket.name,
		scope:   s.name,
		name:    name,
	}
	switch {
	case s.bucket.name == "":
		coll.err = fmt.Errorf("%w: empty bucket name", keyspace.ErrInvalidName)
	default:
		if err := keyspace.ValidateName(s.name); err != nil {
			coll.err = err
		} else if err := keyspace.ValidateName(name); err != nil {
			coll.err = err
		}
	}
	return coll
}

// DefaultCollection returns the _default collection.
func (s *Scope) DefaultCollection() *Collection {
	return s.Collection(keyspace.DefaultName)
}
