// Package ddbtest provides an in-memory stand-in for the DynamoDB operations
// the store uses. Conditions and updates are evaluated the way DynamoDB does
// for the expression subset the store emits, and failures carry the same
// exception types.
package ddbtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// KeyAttribute is the partition key attribute of every table.
const KeyAttribute = "pk"

// Operation names accepted by FailNext and Calls.
const (
	OpGetItem            = "GetItem"
	OpPutItem            = "PutItem"
	OpUpdateItem         = "UpdateItem"
	OpDeleteItem         = "DeleteItem"
	OpTransactWriteItems = "TransactWriteItems"
	OpExecuteStatement   = "ExecuteStatement"
	OpScan               = "Scan"
)

type table map[string]map[string]types.AttributeValue

// Client is an in-memory DynamoDB. The zero value is not usable; call New.
type Client struct {
	mu       sync.Mutex
	tables   map[string]table
	calls    map[string]int
	failNext map[string][]error

	// PageSize limits the rows per ExecuteStatement page and the items
	// evaluated per Scan page. Zero returns everything at once.
	PageSize int

	// BeforeTransact, when set, runs before each TransactWriteItems call is
	// applied. Tests use it to interleave a conflicting write.
	BeforeTransact func()

	// BeforeCall, when set, runs before every API call with the operation name.
	BeforeCall func(op string)
}

// New returns an empty Client.
func New() *Client {
	return &Client{
		tables:   make(map[string]table),
		calls:    make(map[string]int),
		failNext: make(map[string][]error),
	}
}

// FailNext makes the next call of op return err instead of running.
func (c *Client) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[op] = append(c.failNext[op], err)
}

// Calls returns how many times op was called.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (c *Client) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

// ResetCalls zeroes the call counters.
func (c *Client) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string]int)
}

// Item returns a copy of the item stored under pk, or nil.
func (c *Client) Item(tableName, pk string) map[string]types.AttributeValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyItem(c.table(tableName)[pk])
}

// Len returns the number of items in a table, expired or not.
func (c *Client) Len(tableName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tables[tableName])
}

// Seed stores item as is, bypassing conditions.
func (c *Client) Seed(tableName string, item map[string]types.AttributeValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pk, err := keyOf(item)
	if err != nil {
		panic(err)
	}
	c.table(tableName)[pk] = copyItem(item)
}

// Mutate applies fn to the stored item under pk, bypassing conditions.
// Tests use it to simulate a concurrent writer.
func (c *Client) Mutate(tableName, pk string, fn func(item map[string]types.AttributeValue)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.table(tableName)[pk]; ok {
		fn(item)
	}
}

func (c *Client) table(name string) table {
	t, ok := c.tables[name]
	if !ok {
		t = make(table)
		c.tables[name] = t
	}
	return t
}

// begin locks the client and counts the call. It returns an injected failure, if any.
func (c *Client) begin(op string) error {
	if hook := c.BeforeCall; hook != nil {
		hook(op)
	}
	c.mu.Lock()
	c.calls[op]++
	if errs := c.failNext[op]; len(errs) > 0 {
		c.failNext[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (c *Client) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	defer c.mu.Unlock()
	if err := c.begin(OpGetItem); err != nil {
		return nil, err
	}
	pk, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: copyItem(c.table(aws.ToString(params.TableName))[pk])}, nil
}

func (c *Client) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	defer c.mu.Unlock()
	if err := c.begin(OpPutItem); err != nil {
		return nil, err
	}
	pk, err := keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	t := c.table(aws.ToString(params.TableName))
	old := t[pk]

	ev := newEvaluator(params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err := checkCondition(ev, params.ConditionExpression, old, params.ReturnValuesOnConditionCheckFailure); err != nil {
		return nil, err
	}
	if err := ev.unused(); err != nil {
		return nil, validation(err)
	}

	t[pk] = copyItem(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (c *Client) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	defer c.mu.Unlock()
	if err := c.begin(OpUpdateItem); err != nil {
		return nil, err
	}
	pk, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	t := c.table(aws.ToString(params.TableName))
	old := t[pk]

	ev := newEvaluator(params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err := checkCondition(ev, params.ConditionExpression, old, params.ReturnValuesOnConditionCheckFailure); err != nil {
		return nil, err
	}
	updated, err := applyUpdate(ev, aws.ToString(params.UpdateExpression), params.Key, old)
	if err != nil {
		return nil, err
	}
	if err := ev.unused(); err != nil {
		return nil, validation(err)
	}
	t[pk] = updated

	out := &dynamodb.UpdateItemOutput{}
	switch params.ReturnValues {
	case types.ReturnValueAllNew:
		out.Attributes = copyItem(updated)
	case types.ReturnValueAllOld:
		out.Attributes = copyItem(old)
	case types.ReturnValueUpdatedNew:
		out.Attributes = changed(old, updated)
	}
	return out, nil
}

func (c *Client) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	defer c.mu.Unlock()
	if err := c.begin(OpDeleteItem); err != nil {
		return nil, err
	}
	pk, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	t := c.table(aws.ToString(params.TableName))
	old := t[pk]

	ev := newEvaluator(params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err := checkCondition(ev, params.ConditionExpression, old, params.ReturnValuesOnConditionCheckFailure); err != nil {
		return nil, err
	}
	if err := ev.unused(); err != nil {
		return nil, validation(err)
	}

	delete(t, pk)
	out := &dynamodb.DeleteItemOutput{}
	if params.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = copyItem(old)
	}
	return out, nil
}

func (c *Client) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if hook := c.BeforeTransact; hook != nil {
		hook()
	}

	defer c.mu.Unlock()
	if err := c.begin(OpTransactWriteItems); err != nil {
		return nil, err
	}
	if len(params.TransactItems) > 100 {
		return nil, validation(fmt.Errorf("Member must have length less than or equal to 100"))
	}

	type write struct {
		table string
		pk    string
		item  map[string]types.AttributeValue
	}
	var writes []write
	seen := make(map[string]bool)
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	cancelled := false

	for i, ti := range params.TransactItems {
		var (
			tableName, cond, update string
			key, put                map[string]types.AttributeValue
			names                   map[string]string
			values                  map[string]types.AttributeValue
			del                     bool
		)
		switch {
		case ti.Put != nil:
			tableName, cond, names, values = aws.ToString(ti.Put.TableName), aws.ToString(ti.Put.ConditionExpression), ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
			key, put = ti.Put.Item, ti.Put.Item
		case ti.Update != nil:
			tableName, cond, names, values = aws.ToString(ti.Update.TableName), aws.ToString(ti.Update.ConditionExpression), ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
			key, update = ti.Update.Key, aws.ToString(ti.Update.UpdateExpression)
		case ti.Delete != nil:
			tableName, cond, names, values = aws.ToString(ti.Delete.TableName), aws.ToString(ti.Delete.ConditionExpression), ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
			key, del = ti.Delete.Key, true
		case ti.ConditionCheck != nil:
			tableName, cond, names, values = aws.ToString(ti.ConditionCheck.TableName), aws.ToString(ti.ConditionCheck.ConditionExpression), ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
			key = ti.ConditionCheck.Key
			if cond == "" {
				return nil, validation(fmt.Errorf("ConditionCheck requires a ConditionExpression"))
			}
		default:
			return nil, validation(fmt.Errorf("TransactItems[%d] has no action", i))
		}

		pk, err := keyOf(key)
		if err != nil {
			return nil, err
		}
		ref := tableName + "\x00" + pk
		if seen[ref] {
			return nil, validation(fmt.Errorf("Transaction request cannot include multiple operations on one item"))
		}
		seen[ref] = true

		old := c.table(tableName)[pk]
		ev := newEvaluator(names, values)
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if cond != "" {
			ok, err := ev.condition(cond, old)
			if err != nil {
				return nil, validation(err)
			}
			if !ok {
				reasons[i] = types.CancellationReason{
					Code:    aws.String("ConditionalCheckFailed"),
					Message: aws.String("The conditional request failed"),
				}
				cancelled = true
			}
		}

		var next map[string]types.AttributeValue
		switch {
		case put != nil:
			next = copyItem(put)
		case update != "":
			if next, err = applyUpdate(ev, update, key, old); err != nil {
				return nil, err
			}
		}
		if err := ev.unused(); err != nil {
			return nil, validation(err)
		}
		if put != nil || update != "" || del {
			writes = append(writes, write{table: tableName, pk: pk, item: next})
		}
	}

	if cancelled {
		codes := make([]string, len(reasons))
		for i, r := range reasons {
			codes[i] = aws.ToString(r.Code)
		}
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons [" + strings.Join(codes, ", ") + "]"),
			CancellationReasons: reasons,
		}
	}

	for _, w := range writes {
		if w.item == nil {
			delete(c.table(w.table), w.pk)
			continue
		}
		c.table(w.table)[w.pk] = w.item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// ExecuteStatement supports SELECT statements of the form
//
//	SELECT * | attr[, attr...] FROM "table" [WHERE condition]
//
// where the condition uses the same grammar as condition expressions with
// positional ? parameters.
func (c *Client) ExecuteStatement(ctx context.Context, params *dynamodb.ExecuteStatementInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExecuteStatementOutput, error) {
	defer c.mu.Unlock()
	if err := c.begin(OpExecuteStatement); err != nil {
		return nil, err
	}

	stmt, err := parseSelect(aws.ToString(params.Statement))
	if err != nil {
		return nil, validation(err)
	}

	t := c.tables[stmt.table]
	if t == nil {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	pks := make([]string, 0, len(t))
	for pk := range t {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	var rows []map[string]types.AttributeValue
	for _, pk := range pks {
		item := t[pk]
		if stmt.where != "" {
			ev := newEvaluator(nil, nil)
			ev.params = params.Parameters
			ok, err := ev.condition(stmt.where, item)
			if err != nil {
				return nil, validation(err)
			}
			if !ok {
				continue
			}
		}
		rows = append(rows, project(item, stmt.columns))
	}

	start := 0
	if tok := aws.ToString(params.NextToken); tok != "" {
		if start, err = strconv.Atoi(tok); err != nil || start > len(rows) {
			return nil, validation(fmt.Errorf("invalid NextToken %q", tok))
		}
	}
	end := len(rows)
	out := &dynamodb.ExecuteStatementOutput{}
	if c.PageSize > 0 && start+c.PageSize < end {
		end = start + c.PageSize
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	out.Items = rows[start:end]
	return out, nil
}

// Scan walks a table in key order. A page evaluates at most Limit (or
// PageSize) items; the filter is applied to those items afterwards, so a page
// may come back short or empty while LastEvaluatedKey is still set.
func (c *Client) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	defer c.mu.Unlock()
	if err := c.begin(OpScan); err != nil {
		return nil, err
	}

	t := c.tables[aws.ToString(params.TableName)]
	if t == nil {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}

	filter := aws.ToString(params.FilterExpression)
	ev := newEvaluator(params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if filter != "" {
		if _, err := ev.condition(filter, nil); err != nil {
			return nil, validation(err)
		}
	}
	if err := ev.unused(); err != nil {
		return nil, validation(err)
	}

	pks := make([]string, 0, len(t))
	for pk := range t {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	start := 0
	if params.ExclusiveStartKey != nil {
		after, err := keyOf(params.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		start = sort.SearchStrings(pks, after)
		if start < len(pks) && pks[start] == after {
			start++
		}
	}

	limit := c.PageSize
	if params.Limit != nil && (limit == 0 || int(*params.Limit) < limit) {
		limit = int(*params.Limit)
	}
	end := len(pks)
	out := &dynamodb.ScanOutput{}
	if limit > 0 && start+limit < end {
		end = start + limit
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			KeyAttribute: &types.AttributeValueMemberS{Value: pks[end-1]},
		}
	}

	for _, pk := range pks[start:end] {
		item := t[pk]
		if filter != "" {
			ok, err := ev.condition(filter, item)
			if err != nil {
				return nil, validation(err)
			}
			if !ok {
				continue
			}
		}
		out.Items = append(out.Items, copyItem(item))
	}
	out.Count = int32(len(out.Items))
	out.ScannedCount = int32(end - start)
	return out, nil
}

type selectStmt struct {
	columns []string
	table   string
	where   string
}

func parseSelect(s string) (selectStmt, error) {
	var stmt selectStmt
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(strings.TrimSpace(upper), "SELECT ") {
		return stmt, fmt.Errorf("only SELECT statements are supported")
	}
	from := strings.Index(upper, " FROM ")
	if from < 0 {
		return stmt, fmt.Errorf("statement has no FROM clause")
	}
	for _, col := range strings.Split(strings.TrimSpace(s[strings.Index(upper, "SELECT ")+7:from]), ",") {
		col = strings.Trim(strings.TrimSpace(col), `"`)
		if col != "*" {
			stmt.columns = append(stmt.columns, col)
		}
	}
	rest := strings.TrimSpace(s[from+6:])
	if where := strings.Index(strings.ToUpper(rest), " WHERE "); where >= 0 {
		stmt.where = strings.TrimSpace(rest[where+7:])
		rest = rest[:where]
	}
	stmt.table = strings.Trim(strings.TrimSpace(rest), `"`)
	if stmt.table == "" {
		return stmt, fmt.Errorf("statement has no table")
	}
	return stmt, nil
}

func project(item map[string]types.AttributeValue, columns []string) map[string]types.AttributeValue {
	if len(columns) == 0 {
		return copyItem(item)
	}
	row := make(map[string]types.AttributeValue, len(columns))
	for _, col := range columns {
		if v, ok := item[col]; ok {
			row[col] = copyValue(v)
		}
	}
	return row
}

func checkCondition(ev *evaluator, cond *string, old map[string]types.AttributeValue, rv types.ReturnValuesOnConditionCheckFailure) error {
	if aws.ToString(cond) == "" {
		return nil
	}
	ok, err := ev.condition(aws.ToString(cond), old)
	if err != nil {
		return validation(err)
	}
	if ok {
		return nil
	}
	condErr := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if rv == types.ReturnValuesOnConditionCheckFailureAllOld {
		condErr.Item = copyItem(old)
	}
	return condErr
}

func applyUpdate(ev *evaluator, update string, key, old map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	next := copyItem(old)
	if next == nil {
		next = copyItem(key)
	}
	if update == "" {
		return next, nil
	}
	if err := ev.update(update, old, next); err != nil {
		return nil, validation(err)
	}
	if _, ok := next[KeyAttribute]; !ok {
		return nil, validation(fmt.Errorf("Cannot update attribute %s. This attribute is part of the key", KeyAttribute))
	}
	return next, nil
}

func changed(old, updated map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue)
	for k, v := range updated {
		if prev, ok := old[k]; !ok || !compare(prev, "=", v) {
			out[k] = copyValue(v)
		}
	}
	return out
}

func keyOf(key map[string]types.AttributeValue) (string, error) {
	s, ok := key[KeyAttribute].(*types.AttributeValueMemberS)
	if !ok || s.Value == "" {
		return "", validation(fmt.Errorf("The provided key element does not match the schema"))
	}
	return s.Value, nil
}

func validation(err error) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: err.Error()}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v types.AttributeValue) types.AttributeValue {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: tv.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: tv.Value}
	case *types.AttributeValueMemberB:
		return &types.AttributeValueMemberB{Value: append([]byte(nil), tv.Value...)}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: tv.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: tv.Value}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), tv.Value...)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: append([]string(nil), tv.Value...)}
	case *types.AttributeValueMemberBS:
		bs := make([][]byte, len(tv.Value))
		for i, b := range tv.Value {
			bs[i] = append([]byte(nil), b...)
		}
		return &types.AttributeValueMemberBS{Value: bs}
	case *types.AttributeValueMemberL:
		l := make([]types.AttributeValue, len(tv.Value))
		for i, e := range tv.Value {
			l[i] = copyValue(e)
		}
		return &types.AttributeValueMemberL{Value: l}
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: copyItem(tv.Value)}
	default:
		return v
	}
}
