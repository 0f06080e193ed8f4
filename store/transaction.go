package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// maxTransactItems is DynamoDB's limit on actions in one TransactWriteItems call.
const maxTransactItems = 100

// errAborted is handed to the attempt loop when the body fails. The body's own
// error is carried separately and never inferred from this value.
var errAborted = errors.New("espalier: transaction body failed")

// Transactions runs multi-document transactions against a cluster.
//
// Each attempt runs the body against an AttemptContext. Reads go straight to
// DynamoDB; writes are staged and committed together in a single
// TransactWriteItems call, conditioned on the CAS of every document the attempt
// read. A commit cancelled by a conflicting write starts a new attempt.
type Transactions struct {
	cluster *Cluster
}

// TransactionResult is the outcome of a committed transaction.
type TransactionResult[V any] struct {
	Value         V
	TransactionID string
	Attempts      int
}

type outcome[V any] struct {
	value V
	err   error
}

// Run executes body until an attempt commits. An error returned by body
// aborts the transaction and is returned as is. Any other failure to commit is
// an ErrTransactionFailed.
func Run[V any](ctx context.Context, txs *Transactions, body func(ctx context.Context, attempt *AttemptContext) (V, error)) (*TransactionResult[V], error) {
	var slot *outcome[V]
	id, attempts, err := txs.run(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		value, bodyErr := body(ctx, attempt)
		slot = &outcome[V]{value: value, err: bodyErr}
		if bodyErr != nil {
			return errAborted
		}
		return nil
	})

	if slot != nil && slot.err != nil {
		return nil, slot.err
	}
	if err != nil {
		return nil, err
	}
	if slot == nil {
		panic("espalier: transaction committed without running its body")
	}
	return &TransactionResult[V]{Value: slot.value, TransactionID: id, Attempts: attempts}, nil
}

func (t *Transactions) run(ctx context.Context, logic func(context.Context, *AttemptContext) error) (id string, attempts int, err error) {
	defer t.cluster.observe(OpTransaction, time.Now(), &err)

	cfg := t.cluster.config
	id = uuid.NewString()
	deadline := cfg.Clock().Add(cfg.TransactionTimeout)
	logger := cfg.Logger.With("transactionID", id)

	var lastErr error
	for n := 1; n <= cfg.TransactionAttempts; n++ {
		if n > 1 && !cfg.Clock().Before(deadline) {
			logger.Warn("transaction timed out", "attempts", n-1)
			break
		}

		attempt := newAttempt(t.cluster, id, n)
		if err := logic(ctx, attempt); err != nil {
			logger.Debug("transaction attempt aborted", "attempt", n, "error", err)
			return id, n, err
		}

		err := attempt.commit(ctx)
		if err == nil {
			logger.Debug("transaction committed", "attempt", n, "writes", len(attempt.order))
			return id, n, nil
		}
		if !isAPIError(err) && !errors.Is(err, errTooManyWrites) {
			return id, n, err
		}
		if !isRetryable(err) {
			return id, n, newError(ErrTransactionFailed, OpTransaction, "", err)
		}

		lastErr = err
		logger.Debug("transaction attempt conflicted", "attempt", n, "error", err)
		attempts = n
		if n == cfg.TransactionAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return id, n, ctx.Err()
		case <-time.After(backoff(n)):
		}
	}

	logger.Warn("transaction failed", "attempts", attempts, "error", lastErr)
	return id, attempts, newError(ErrTransactionFailed, OpTransaction, "", lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 5 * time.Millisecond
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// isRetryable reports whether a commit was cancelled by a concurrent write.
func isRetryable(err error) bool {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		var conflict *types.TransactionConflictException
		return errors.As(err, &conflict)
	}
	for _, reason := range txErr.CancellationReasons {
		if reason.Code == nil {
			continue
		}
		switch *reason.Code {
		case "ConditionalCheckFailed", "TransactionConflict":
			return true
		}
	}
	return false
}

var errTooManyWrites = fmt.Errorf("espalier: transaction touches more than %d documents", maxTransactItems)

type stagedOp int

const (
	stageInsert stagedOp = iota
	stageReplace
	stageRemove
)

// docRef identifies one document within an attempt.
type docRef struct {
	table string
	pk    string
}

// observed is what the attempt saw of a document in the store.
type observed struct {
	coll    *Collection
	key     string
	present bool
	cas     Cas
	content types.AttributeValue
}

type staged struct {
	coll    *Collection
	key     string
	op      stagedOp
	content types.AttributeValue

	// readCas is the CAS the document had in the store; the commit is
	// conditioned on it. Zero for documents the attempt creates.
	readCas Cas

	// cas is the document's CAS once the attempt commits.
	cas Cas
}

// AttemptContext is one attempt of a transaction body.
// It is not safe for concurrent use.
type AttemptContext struct {
	cluster *Cluster
	id      string
	attempt int

	reads  map[docRef]*observed
	writes map[docRef]*staged
	order  []docRef
}

func newAttempt(cluster *Cluster, id string, n int) *AttemptContext {
	return &AttemptContext{
		cluster: cluster,
		id:      id,
		attempt: n,
		reads:   make(map[docRef]*observed),
		writes:  make(map[docRef]*staged),
	}
}

// TransactionID identifies the transaction across attempts.
func (a *AttemptContext) TransactionID() string { return a.id }

// Attempt returns the 1-based attempt number.
func (a *AttemptContext) Attempt() int { return a.attempt }

// TransactionGetResult is a document as seen by an attempt.
type TransactionGetResult struct {
	attempt *AttemptContext
	coll    *Collection
	key     string
	ref     docRef
	content types.AttributeValue
	cas     Cas
}

// Key returns the document key.
func (r *TransactionGetResult) Key() string { return r.key }

// Content returns the document as the attempt sees it.
func (r *TransactionGetResult) Content() types.AttributeValue { return r.content }

// Cas returns the document's CAS as the attempt sees it.
func (r *TransactionGetResult) Cas() Cas { return r.cas }

// Get reads a document, including the attempt's own staged writes.
func (a *AttemptContext) Get(ctx context.Context, coll *Collection, key string) (*TransactionGetResult, error) {
	ref, err := a.ref(coll, key)
	if err != nil {
		return nil, err
	}

	if w, ok := a.writes[ref]; ok {
		if w.op == stageRemove {
			return nil, newError(ErrDocumentNotFound, OpTxGet, key, nil)
		}
		return a.result(coll, key, ref, w.content, w.cas), nil
	}

	obs, err := a.observe(ctx, OpTxGet, coll, key, ref)
	if err != nil {
		return nil, err
	}
	if !obs.present {
		return nil, newError(ErrDocumentNotFound, OpTxGet, key, nil)
	}
	return a.result(coll, key, ref, obs.content, obs.cas), nil
}

// Query runs a PartiQL statement from within the attempt. Rows are read
// directly from the store: they do not include the attempt's staged writes
// and are not checked again at commit.
func (a *AttemptContext) Query(ctx context.Context, statement string, opts *QueryOptions) (*QueryResult, error) {
	return a.cluster.execute(ctx, OpTxQuery, statement, opts)
}

// Insert stages the creation of a document. It fails with ErrDocumentExists
// when the document exists, either in the store or among the attempt's writes.
func (a *AttemptContext) Insert(ctx context.Context, coll *Collection, key string, content types.AttributeValue) (*TransactionGetResult, error) {
	ref, err := a.ref(coll, key)
	if err != nil {
		return nil, err
	}
	content = orNull(content)

	if w, ok := a.writes[ref]; ok {
		if w.op != stageRemove {
			return nil, newError(ErrDocumentExists, OpTxInsert, key, nil)
		}
		// Recreating a document removed earlier in this attempt.
		if w.readCas != 0 {
			w.op = stageReplace
		} else {
			w.op = stageInsert
		}
		w.content = content
		w.cas = a.cluster.nextCas()
		return a.result(coll, key, ref, w.content, w.cas), nil
	}

	obs, err := a.observe(ctx, OpTxInsert, coll, key, ref)
	if err != nil {
		return nil, err
	}
	if obs.present {
		return nil, newError(ErrDocumentExists, OpTxInsert, key, nil)
	}

	w := a.stage(ref, &staged{coll: coll, key: key, op: stageInsert, content: content})
	return a.result(coll, key, ref, w.content, w.cas), nil
}

// Replace stages new content for a document the attempt has read.
func (a *AttemptContext) Replace(ctx context.Context, doc *TransactionGetResult, content types.AttributeValue) (*TransactionGetResult, error) {
	w, err := a.writable(OpTxReplace, doc)
	if err != nil {
		return nil, err
	}
	content = orNull(content)

	if w == nil {
		w = a.stage(doc.ref, &staged{
			coll:    doc.coll,
			key:     doc.key,
			op:      stageReplace,
			content: content,
			readCas: doc.cas,
		})
	} else {
		w.content = content
		w.cas = a.cluster.nextCas()
	}
	return a.result(doc.coll, doc.key, doc.ref, w.content, w.cas), nil
}

// Remove stages the deletion of a document the attempt has read.
func (a *AttemptContext) Remove(ctx context.Context, doc *TransactionGetResult) error {
	w, err := a.writable(OpTxRemove, doc)
	if err != nil {
		return err
	}

	switch {
	case w == nil:
		a.stage(doc.ref, &staged{
			coll:    doc.coll,
			key:     doc.key,
			op:      stageRemove,
			readCas: doc.cas,
		})
	case w.op == stageInsert:
		// Nothing to write; the document must still be absent at commit.
		delete(a.writes, doc.ref)
		a.reads[doc.ref] = &observed{coll: doc.coll, key: doc.key}
	default:
		w.op = stageRemove
		w.content = nil
	}
	return nil
}

// writable checks that doc is current within the attempt and returns its
// staged write, if any.
func (a *AttemptContext) writable(op string, doc *TransactionGetResult) (*staged, error) {
	if doc.attempt != a {
		return nil, fmt.Errorf("espalier: document %q was not read by this transaction attempt", doc.key)
	}
	if w, ok := a.writes[doc.ref]; ok {
		if w.op == stageRemove {
			return nil, newError(ErrDocumentNotFound, op, doc.key, nil)
		}
		if w.cas != doc.cas {
			return nil, newError(ErrCasMismatch, op, doc.key, nil)
		}
		return w, nil
	}
	obs, ok := a.reads[doc.ref]
	if !ok || !obs.present {
		return nil, newError(ErrDocumentNotFound, op, doc.key, nil)
	}
	if obs.cas != doc.cas {
		return nil, newError(ErrCasMismatch, op, doc.key, nil)
	}
	return nil, nil
}

// observe reads a document from the store once per attempt. Later reads are
// served from what was seen first; the commit checks it has not changed since.
func (a *AttemptContext) observe(ctx context.Context, op string, coll *Collection, key string, ref docRef) (*observed, error) {
	if obs, ok := a.reads[ref]; ok {
		return obs, nil
	}

	out, err := a.cluster.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(ref.table),
		Key:            itemKey(ref.pk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unspecified(op, key, err)
	}

	obs := &observed{coll: coll, key: key}
	if out.Item != nil && !IsExpired(out.Item, a.cluster.config.Clock()) {
		res := decodeResult(out.Item)
		obs.present = true
		obs.cas = res.Cas
		obs.content = res.Content
	}
	a.reads[ref] = obs
	return obs, nil
}

func (a *AttemptContext) stage(ref docRef, w *staged) *staged {
	w.cas = a.cluster.nextCas()
	a.writes[ref] = w
	a.order = append(a.order, ref)
	return w
}

func (a *AttemptContext) ref(coll *Collection, key string) (docRef, error) {
	pk, err := coll.partitionKey(key)
	if err != nil {
		return docRef{}, err
	}
	return docRef{table: coll.table, pk: pk}, nil
}

func (a *AttemptContext) result(coll *Collection, key string, ref docRef, content types.AttributeValue, cas Cas) *TransactionGetResult {
	return &TransactionGetResult{attempt: a, coll: coll, key: key, ref: ref, content: content, cas: cas}
}

// commit writes every staged change in one TransactWriteItems call, checking
// that every document read but not written is unchanged.
func (a *AttemptContext) commit(ctx context.Context) error {
	if len(a.writes) == 0 {
		return nil
	}

	now := a.cluster.config.Clock()
	items := make([]types.TransactWriteItem, 0, len(a.writes)+len(a.reads))
	seen := make(map[docRef]bool, len(a.order))
	for _, ref := range a.order {
		w, ok := a.writes[ref]
		if !ok || seen[ref] {
			continue
		}
		seen[ref] = true
		items = append(items, w.writeItem(ref, now))
	}
	for ref, obs := range a.reads {
		if _, written := a.writes[ref]; written {
			continue
		}
		items = append(items, obs.checkItem(ref, now))
	}
	if len(items) > maxTransactItems {
		return errTooManyWrites
	}

	_, err := a.cluster.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	return err
}

func (w *staged) writeItem(ref docRef, now time.Time) types.TransactWriteItem {
	e := newExpr()
	switch w.op {
	case stageInsert:
		cond := e.absent(now)
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                 aws.String(ref.table),
			Item:                      w.coll.newItem(ref.pk, w.key, w.content, w.cas),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  e.attributeNames(),
			ExpressionAttributeValues: e.attributeValues(),
		}}
	case stageRemove:
		cond := e.liveAt(now, w.readCas)
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 aws.String(ref.table),
			Key:                       itemKey(ref.pk),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  e.attributeNames(),
			ExpressionAttributeValues: e.attributeValues(),
		}}
	default:
		e.setAttr(attrDoc, "doc", w.content)
		e.setAttr(attrCas, "cas", w.cas.attributeValue())
		cond := e.liveAt(now, w.readCas)
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(ref.table),
			Key:                       itemKey(ref.pk),
			UpdateExpression:          aws.String(e.update()),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  e.attributeNames(),
			ExpressionAttributeValues: e.attributeValues(),
		}}
	}
}

func (o *observed) checkItem(ref docRef, now time.Time) types.TransactWriteItem {
	e := newExpr()
	var cond string
	if o.present {
		cond = e.liveAt(now, o.cas)
	} else {
		cond = e.absent(now)
	}
	return types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
		TableName:                 aws.String(ref.table),
		Key:                       itemKey(ref.pk),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  e.attributeNames(),
		ExpressionAttributeValues: e.attributeValues(),
	}}
}
