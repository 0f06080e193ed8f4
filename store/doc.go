// Package store provides a document store with CAS semantics on top of DynamoDB.
//
// A bucket is a DynamoDB table. Scopes and collections partition the table by
// key prefix, so a document with key "k" in scope "s" and collection "c" lives
// in the item whose partition key is "s/c/k". The table needs a single string
// partition key named "pk" and, for expiry, TTL enabled on the "ttl" attribute.
//
// # Key Features
//
//   - Get, Insert, Upsert, Replace, Remove, Touch and GetAndTouch per document
//   - Optimistic locking with an opaque CAS token on every write
//   - Expiry via DynamoDB TTL; expired items read as absent before they are swept
//   - Multi-document transactions committed with TransactWriteItems and retried on conflict
//   - PartiQL queries with positional parameters
//
// # Transactions
//
// [Run] executes a body until an attempt commits:
//
//	res, err := store.Run(ctx, cluster.Transactions(), func(ctx context.Context, tx *store.AttemptContext) (int, error) {
//	    doc, err := tx.Get(ctx, coll, "counter")
//	    if err != nil {
//	        return 0, err
//	    }
//	    ...
//	})
//
// An error returned by the body aborts the transaction and is returned as is.
//
// # Errors
//
// Service failures are reported as [*Error] values whose Kind is one of:
//
//   - [ErrCasMismatch] - the document changed since the CAS was read
//   - [ErrDocumentNotFound] - the document doesn't exist or has expired
//   - [ErrDocumentExists] - insert over an existing document
//   - [ErrTransactionFailed] - a transaction could not commit
//   - [ErrUnspecified] - any other DynamoDB service error
//
// Errors that did not come from DynamoDB, such as a cancelled context, are
// returned unmodified.
package store
