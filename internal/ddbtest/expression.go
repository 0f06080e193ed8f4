package ddbtest

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokName
	tokValue
	tokParam
	tokPunct
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		ch := s[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n':
			i++
		case ch == '(' || ch == ')' || ch == ',':
			toks = append(toks, token{tokPunct, string(ch)})
			i++
		case ch == '?':
			toks = append(toks, token{tokParam, "?"})
			i++
		case ch == '=':
			toks = append(toks, token{tokOp, "="})
			i++
		case ch == '<' || ch == '>':
			op := string(ch)
			if i+1 < len(s) && (s[i+1] == '=' || (ch == '<' && s[i+1] == '>')) {
				op += string(s[i+1])
			}
			toks = append(toks, token{tokOp, op})
			i += len(op)
		case ch == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated identifier at %d", i)
			}
			toks = append(toks, token{tokIdent, s[i+1 : i+1+end]})
			i += end + 2
		case isIdentChar(ch):
			j := i
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			text := s[i:j]
			kind := tokIdent
			switch text[0] {
			case '#':
				kind = tokName
			case ':':
				kind = tokValue
			}
			toks = append(toks, token{kind, text})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", ch, i)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

func isIdentChar(ch byte) bool {
	return ch == '_' || ch == '#' || ch == ':' || ch == '.' || ch == '*' ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

// evaluator interprets the subset of DynamoDB condition and update
// expressions the store emits. It tracks which placeholders were referenced so
// unused ones can be rejected the way DynamoDB does.
type evaluator struct {
	names  map[string]string
	values map[string]types.AttributeValue
	params []types.AttributeValue

	usedNames  map[string]bool
	usedValues map[string]bool

	toks      []token
	pos       int
	nextParam int
}

func newEvaluator(names map[string]string, values map[string]types.AttributeValue) *evaluator {
	return &evaluator{
		names:      names,
		values:     values,
		usedNames:  make(map[string]bool),
		usedValues: make(map[string]bool),
	}
}

func (e *evaluator) load(expr string) error {
	toks, err := tokenize(expr)
	if err != nil {
		return err
	}
	e.toks, e.pos = toks, 0
	return nil
}

func (e *evaluator) peek() token { return e.toks[e.pos] }

func (e *evaluator) next() token {
	t := e.toks[e.pos]
	if t.kind != tokEOF {
		e.pos++
	}
	return t
}

func (e *evaluator) expect(text string) error {
	if t := e.next(); t.text != text {
		return fmt.Errorf("expected %q, got %q", text, t.text)
	}
	return nil
}

func (e *evaluator) keyword(word string) bool {
	t := e.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

// unused returns an error naming placeholders never referenced.
func (e *evaluator) unused() error {
	for k := range e.names {
		if !e.usedNames[k] {
			return fmt.Errorf("Value provided in ExpressionAttributeNames unused in expressions: keys: {%s}", k)
		}
	}
	for k := range e.values {
		if !e.usedValues[k] {
			return fmt.Errorf("Value provided in ExpressionAttributeValues unused in expressions: keys: {%s}", k)
		}
	}
	return nil
}

// condition evaluates expr against item, which is nil when absent.
func (e *evaluator) condition(expr string, item map[string]types.AttributeValue) (bool, error) {
	if err := e.load(expr); err != nil {
		return false, err
	}
	ok, err := e.or(item)
	if err != nil {
		return false, err
	}
	if t := e.peek(); t.kind != tokEOF {
		return false, fmt.Errorf("unexpected token %q", t.text)
	}
	return ok, nil
}

func (e *evaluator) or(item map[string]types.AttributeValue) (bool, error) {
	l, err := e.and(item)
	if err != nil {
		return false, err
	}
	for e.keyword("OR") {
		e.next()
		r, err := e.and(item)
		if err != nil {
			return false, err
		}
		l = l || r
	}
	return l, nil
}

func (e *evaluator) and(item map[string]types.AttributeValue) (bool, error) {
	l, err := e.unary(item)
	if err != nil {
		return false, err
	}
	for e.keyword("AND") {
		e.next()
		r, err := e.unary(item)
		if err != nil {
			return false, err
		}
		l = l && r
	}
	return l, nil
}

func (e *evaluator) unary(item map[string]types.AttributeValue) (bool, error) {
	if e.keyword("NOT") {
		e.next()
		v, err := e.unary(item)
		return !v, err
	}
	return e.primary(item)
}

func (e *evaluator) primary(item map[string]types.AttributeValue) (bool, error) {
	t := e.peek()
	if t.kind == tokPunct && t.text == "(" {
		e.next()
		v, err := e.or(item)
		if err != nil {
			return false, err
		}
		return v, e.expect(")")
	}

	if t.kind == tokIdent {
		switch strings.ToLower(t.text) {
		case "attribute_exists", "attribute_not_exists":
			e.next()
			if err := e.expect("("); err != nil {
				return false, err
			}
			attr, err := e.path()
			if err != nil {
				return false, err
			}
			if err := e.expect(")"); err != nil {
				return false, err
			}
			_, exists := item[attr]
			return exists == (strings.ToLower(t.text) == "attribute_exists"), nil
		case "begins_with":
			e.next()
			if err := e.expect("("); err != nil {
				return false, err
			}
			a, err := e.operand(item)
			if err != nil {
				return false, err
			}
			if err := e.expect(","); err != nil {
				return false, err
			}
			b, err := e.operand(item)
			if err != nil {
				return false, err
			}
			if err := e.expect(")"); err != nil {
				return false, err
			}
			as, aok := a.(*types.AttributeValueMemberS)
			bs, bok := b.(*types.AttributeValueMemberS)
			return aok && bok && strings.HasPrefix(as.Value, bs.Value), nil
		}
	}

	left, err := e.operand(item)
	if err != nil {
		return false, err
	}
	op := e.next()
	if op.kind != tokOp {
		return false, fmt.Errorf("expected comparator, got %q", op.text)
	}
	right, err := e.operand(item)
	if err != nil {
		return false, err
	}
	return compare(left, op.text, right), nil
}

func (e *evaluator) path() (string, error) {
	t := e.next()
	switch t.kind {
	case tokName:
		attr, ok := e.names[t.text]
		if !ok {
			return "", fmt.Errorf("An expression attribute name used in the document path is not defined; attribute name: %s", t.text)
		}
		e.usedNames[t.text] = true
		return attr, nil
	case tokIdent:
		return t.text, nil
	default:
		return "", fmt.Errorf("expected attribute path, got %q", t.text)
	}
}

// operand resolves a value placeholder, a positional parameter or an
// attribute of item. Missing attributes resolve to nil.
func (e *evaluator) operand(item map[string]types.AttributeValue) (types.AttributeValue, error) {
	t := e.peek()
	switch t.kind {
	case tokValue:
		e.next()
		v, ok := e.values[t.text]
		if !ok {
			return nil, fmt.Errorf("An expression attribute value used in expression is not defined; attribute value: %s", t.text)
		}
		e.usedValues[t.text] = true
		return v, nil
	case tokParam:
		e.next()
		if e.nextParam >= len(e.params) {
			return nil, fmt.Errorf("number of parameters in request and statement don't match")
		}
		v := e.params[e.nextParam]
		e.nextParam++
		return v, nil
	default:
		attr, err := e.path()
		if err != nil {
			return nil, err
		}
		return item[attr], nil
	}
}

// update applies a SET/REMOVE update expression to dst. Operands read from old.
func (e *evaluator) update(expr string, old, dst map[string]types.AttributeValue) error {
	if err := e.load(expr); err != nil {
		return err
	}
	mode := ""
	for e.peek().kind != tokEOF {
		switch {
		case e.keyword("SET"), e.keyword("REMOVE"):
			mode = strings.ToUpper(e.next().text)
			continue
		case mode == "SET":
			attr, err := e.path()
			if err != nil {
				return err
			}
			if err := e.expect("="); err != nil {
				return err
			}
			val, err := e.setValue(old)
			if err != nil {
				return err
			}
			if val == nil {
				return fmt.Errorf("The provided expression refers to an attribute that does not exist in the item")
			}
			dst[attr] = copyValue(val)
		case mode == "REMOVE":
			attr, err := e.path()
			if err != nil {
				return err
			}
			delete(dst, attr)
		default:
			return fmt.Errorf("unsupported update expression %q", expr)
		}
		if t := e.peek(); t.kind == tokPunct && t.text == "," {
			e.next()
		}
	}
	return nil
}

func (e *evaluator) setValue(old map[string]types.AttributeValue) (types.AttributeValue, error) {
	if !e.keyword("if_not_exists") {
		return e.operand(old)
	}
	e.next()
	if err := e.expect("("); err != nil {
		return nil, err
	}
	attr, err := e.path()
	if err != nil {
		return nil, err
	}
	if err := e.expect(","); err != nil {
		return nil, err
	}
	fallback, err := e.operand(old)
	if err != nil {
		return nil, err
	}
	if err := e.expect(")"); err != nil {
		return nil, err
	}
	if existing, ok := old[attr]; ok {
		return existing, nil
	}
	return fallback, nil
}

func compare(l types.AttributeValue, op string, r types.AttributeValue) bool {
	if l == nil || r == nil {
		return false
	}
	var c int
	switch lv := l.(type) {
	case *types.AttributeValueMemberN:
		rv, ok := r.(*types.AttributeValueMemberN)
		if !ok {
			return op == "<>"
		}
		a, okA := new(big.Rat).SetString(lv.Value)
		b, okB := new(big.Rat).SetString(rv.Value)
		if !okA || !okB {
			return false
		}
		c = a.Cmp(b)
	case *types.AttributeValueMemberS:
		rv, ok := r.(*types.AttributeValueMemberS)
		if !ok {
			return op == "<>"
		}
		c = strings.Compare(lv.Value, rv.Value)
	default:
		eq := reflect.DeepEqual(l, r)
		switch op {
		case "=":
			return eq
		case "<>":
			return !eq
		}
		return false
	}
	switch op {
	case "=":
		return c == 0
	case "<>":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}
