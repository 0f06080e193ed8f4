package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
)

func TestTableFromARN(t *testing.T) {
	tests := []struct {
		arn  string
		want string
	}{
		{"arn:aws:dynamodb:us-east-1:123456789012:table/app/stream/2024-01-01T00:00:00.000", "app"},
		{"arn:aws:dynamodb:eu-west-1:123456789012:table/my-table", "my-table"},
		{"arn:aws:sqs:us-east-1:123456789012:queue", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := tableFromARN(tt.arn); got != tt.want {
			t.Errorf("tableFromARN(%q) = %q, want %q", tt.arn, got, tt.want)
		}
	}
}

func TestSubscriptionMatches(t *testing.T) {
	tests := []struct {
		name       string
		sub        Subscription
		scope      string
		collection string
		want       bool
	}{
		{"exact", Subscription{Scope: "s", Collection: "c"}, "s", "c", true},
		{"other collection", Subscription{Scope: "s", Collection: "c"}, "s", "d", false},
		{"other scope", Subscription{Scope: "s", Collection: "c"}, "t", "c", false},
		{"whole scope", Subscription{Scope: "s"}, "s", "d", true},
		{"whole scope elsewhere", Subscription{Scope: "s"}, "t", "d", false},
		{"everything", Subscription{}, "t", "d", true},
		{"collection in any scope", Subscription{Collection: "c"}, "t", "c", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.matches(tt.scope, tt.collection); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcessRecord_SkipsForeignRecords(t *testing.T) {
	called := false
	r := NewRegistry()
	r.Listen("", "", func(context.Context, Change) error {
		called = true
		return nil
	})
	h := NewHandler(r, nil)

	tests := []struct {
		name string
		keys map[string]events.DynamoDBAttributeValue
	}{
		{"no pk", map[string]events.DynamoDBAttributeValue{"id": events.NewStringAttribute("x")}},
		{"numeric pk", map[string]events.DynamoDBAttributeValue{"pk": events.NewNumberAttribute("1")}},
		{"unsplittable pk", map[string]events.DynamoDBAttributeValue{"pk": events.NewStringAttribute("entity#1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &events.DynamoDBEventRecord{
				EventName: "INSERT",
				Change:    events.DynamoDBStreamRecord{Keys: tt.keys},
			}
			if err := h.processRecord(context.Background(), record); err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
	if called {
		t.Error("listener should not run for foreign records")
	}
}

func TestProcessRecord_NamesFailingListener(t *testing.T) {
	errBoom := errors.New("boom")
	r := NewRegistry()
	r.Register(Subscription{Name: "indexer", Scope: "s", Collection: "c", Listener: func(context.Context, Change) error {
		return errBoom
	}})
	h := NewHandler(r, nil)

	record := &events.DynamoDBEventRecord{
		EventName: "INSERT",
		Change: events.DynamoDBStreamRecord{Keys: map[string]events.DynamoDBAttributeValue{
			"pk": events.NewStringAttribute("s/c/k"),
		}},
	}
	err := h.processRecord(context.Background(), record)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if got := err.Error(); got != "listener indexer: boom" {
		t.Errorf("unexpected message %q", got)
	}
}

// --- Benchmark Tests ---

func BenchmarkConvertValue(b *testing.B) {
	v := events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
		"name": events.NewStringAttribute("Ada"),
		"age":  events.NewNumberAttribute("36"),
		"tags": events.NewListAttribute([]events.DynamoDBAttributeValue{
			events.NewStringAttribute("a"),
			events.NewStringAttribute("b"),
		}),
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ConvertValue(v)
	}
}
