package ksql_sink

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/etlgrid/internal/testutil"
	"github.com/vk/etlgrid/modules/ksql_cluster"
)

func TestOnRunKSQLSink_RequiresSource(t *testing.T) {
	t.Parallel()

	sc := &testutil.FakeStageContext{}

	_, err := OnRunKSQLSink(testutil.Context(), sc, &Input{Stream: "ORDERS"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "requires a source")
}

func TestOnRunKSQLSink_MissingConnectionFails(t *testing.T) {
	t.Parallel()

	sc := &testutil.FakeStageContext{Batch: testutil.SampleBatch()}

	_, err := OnRunKSQLSink(testutil.Context(), sc, &Input{Stream: "ORDERS"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "was not injected")
}

func TestOnRunKSQLSink_WrongConnectionTypeFails(t *testing.T) {
	t.Parallel()

	sc := &testutil.FakeStageContext{
		Batch:       testutil.SampleBatch(),
		Connections: map[string]any{"cluster": "not a cluster"},
	}

	_, err := OnRunKSQLSink(testutil.Context(), sc, &Input{Stream: "ORDERS"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "is not a ksql_cluster")
}

func TestOnRunKSQLSink_UnknownKeyColumnFails(t *testing.T) {
	t.Parallel()

	sc := &testutil.FakeStageContext{
		Batch:       testutil.SampleBatch(),
		Connections: map[string]any{"cluster": &ksql_cluster.Cluster{URL: "http://localhost:8088"}},
	}
	input := &Input{Stream: "ORDERS", KeyColumn: "order_uuid"}

	_, err := OnRunKSQLSink(testutil.Context(), sc, input)

	require.Error(t, err)
	require.Contains(t, err.Error(), `key_column "order_uuid" is missing`)
}
