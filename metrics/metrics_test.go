package metrics_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/espalier/internal/ddbtest"
	"github.com/jacentio/espalier/metrics"
	"github.com/jacentio/espalier/store"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, metrics.OutcomeOK},
		{store.ErrCasMismatch, metrics.OutcomeCasMismatch},
		{fmt.Errorf("wrapped: %w", store.ErrDocumentNotFound), metrics.OutcomeNotFound},
		{store.ErrDocumentExists, metrics.OutcomeExists},
		{store.ErrTransactionFailed, metrics.OutcomeTransactionFailed},
		{store.ErrUnspecified, metrics.OutcomeUnspecified},
		{context.Canceled, metrics.OutcomeCanceled},
		{context.DeadlineExceeded, metrics.OutcomeCanceled},
		{errors.New("domain"), metrics.OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, metrics.Outcome(tt.err), "%v", tt.err)
	}
}

func TestObserver_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := metrics.NewObserver(reg)

	o.ObserveOperation(store.OpGet, 3*time.Millisecond, nil)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.ElementsMatch(t, []string{
		"espalier_store_operations_total",
		"espalier_store_operation_duration_seconds",
	}, names)
}

func TestObserver_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewObserver(reg)
	assert.Panics(t, func() { metrics.NewObserver(reg) })
}

func TestObserver_WithStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := store.DefaultConfig()
	cfg.Observer = metrics.NewObserver(reg)
	cluster := store.New(ddbtest.New(), cfg)
	coll := cluster.Collection(store.Keyspace{Bucket: "app", Scope: "s", Collection: "c"})
	ctx := context.Background()

	doc := &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"name": &types.AttributeValueMemberS{Value: "Ada"},
	}}
	_, err := coll.Insert(ctx, "k", doc, nil)
	require.NoError(t, err)
	_, err = coll.Insert(ctx, "k", doc, nil)
	require.Error(t, err)
	_, err = coll.Get(ctx, "k")
	require.NoError(t, err)
	_, err = coll.Get(ctx, "missing")
	require.Error(t, err)

	expected := `
# HELP espalier_store_operations_total Total number of store operations by outcome
# TYPE espalier_store_operations_total counter
espalier_store_operations_total{operation="get",outcome="not_found"} 1
espalier_store_operations_total{operation="get",outcome="ok"} 1
espalier_store_operations_total{operation="insert",outcome="exists"} 1
espalier_store_operations_total{operation="insert",outcome="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "espalier_store_operations_total"))
	assert.Equal(t, 2, testutil.CollectAndCount(reg, "espalier_store_operation_duration_seconds"))
}

func TestObserver_Transactions(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := store.DefaultConfig()
	cfg.Observer = metrics.NewObserver(reg)
	cluster := store.New(ddbtest.New(), cfg)
	errAbort := errors.New("abort")

	_, err := store.Run(context.Background(), cluster.Transactions(), func(context.Context, *store.AttemptContext) (int, error) {
		return 0, errAbort
	})
	require.ErrorIs(t, err, errAbort)

	_, err = store.Run(context.Background(), cluster.Transactions(), func(context.Context, *store.AttemptContext) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "espalier_store_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			counts[labels["operation"]+"/"+labels["outcome"]] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, counts["transaction/error"])
	assert.Equal(t, 1.0, counts["transaction/ok"])
}
