package validate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/etlgrid/internal/dataset"
	"github.com/vk/etlgrid/internal/testutil"
	"github.com/zclconf/go-cty/cty"
)

func customerBatch() *dataset.Batch {
	batch := dataset.NewBatch([]string{"email", "age"})
	batch.Append(dataset.Record{
		"email": cty.StringVal("a@example.com"),
		"age":   cty.NumberIntVal(30),
	})
	batch.Append(dataset.Record{
		"email": cty.StringVal("not-an-email"),
		"age":   cty.NumberIntVal(25),
	})
	batch.Append(dataset.Record{
		"email": cty.StringVal("b@example.com"),
		"age":   cty.NumberIntVal(-4),
	})
	return batch
}

func TestOnRunValidate_RejectDropsViolatingRows(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	input := &Input{
		Rules:       map[string]string{"email": "required,email", "age": "gte=0"},
		OnViolation: "reject",
	}
	sc := &testutil.FakeStageContext{Batch: customerBatch()}

	// --- Act ---
	result, err := OnRunValidate(testutil.Context(), sc, input)

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, 1, result.Batch.Len())
	require.Equal(t, cty.StringVal("a@example.com"), result.Batch.Records[0]["email"])
	require.True(t, result.Outputs["accepted"].RawEquals(cty.NumberIntVal(1)))
	require.True(t, result.Outputs["rejected"].RawEquals(cty.NumberIntVal(2)))
}

func TestOnRunValidate_FailAbortsOnFirstViolation(t *testing.T) {
	t.Parallel()

	input := &Input{
		Rules:       map[string]string{"email": "required,email"},
		OnViolation: "fail",
	}
	sc := &testutil.FakeStageContext{Batch: customerBatch()}

	_, err := OnRunValidate(testutil.Context(), sc, input)

	require.Error(t, err)
	require.Contains(t, err.Error(), "row 2 violates rules")
	require.Contains(t, err.Error(), `column "email"`)
}

func TestOnRunValidate_MaxViolationsAborts(t *testing.T) {
	t.Parallel()

	input := &Input{
		Rules:         map[string]string{"email": "required,email", "age": "gte=0"},
		OnViolation:   "reject",
		MaxViolations: 1,
	}
	sc := &testutil.FakeStageContext{Batch: customerBatch()}

	_, err := OnRunValidate(testutil.Context(), sc, input)

	require.Error(t, err)
	require.Contains(t, err.Error(), "max_violations")
}

func TestOnRunValidate_MissingRequiredColumnFails(t *testing.T) {
	t.Parallel()

	input := &Input{
		RequiredColumns: []string{"region"},
		OnViolation:     "reject",
	}
	sc := &testutil.FakeStageContext{Batch: customerBatch()}

	_, err := OnRunValidate(testutil.Context(), sc, input)

	require.Error(t, err)
	require.Contains(t, err.Error(), `required column "region"`)
}

func TestOnRunValidate_UnknownViolationModeFails(t *testing.T) {
	t.Parallel()

	input := &Input{OnViolation: "explode"}
	sc := &testutil.FakeStageContext{Batch: customerBatch()}

	_, err := OnRunValidate(testutil.Context(), sc, input)

	require.Error(t, err)
	require.Contains(t, err.Error(), `unsupported on_violation "explode"`)
}

func TestOnRunValidate_RejectPathQuarantinesRows(t *testing.T) {
	t.Parallel()

	rejectPath := filepath.Join(t.TempDir(), "rejected.jsonl")
	input := &Input{
		Rules:       map[string]string{"email": "required,email", "age": "gte=0"},
		OnViolation: "reject",
		RejectPath:  rejectPath,
	}
	sc := &testutil.FakeStageContext{Batch: customerBatch()}

	result, err := OnRunValidate(testutil.Context(), sc, input)

	require.NoError(t, err)
	require.True(t, result.Outputs["rejected"].RawEquals(cty.NumberIntVal(2)))

	quarantine, err := dataset.ReadJSONL(rejectPath)
	require.NoError(t, err)
	require.Equal(t, 2, quarantine.Len())
	require.Equal(t, cty.StringVal("not-an-email"), quarantine.Records[0]["email"])
}

func TestOnRunValidate_UndefinedRuleFails(t *testing.T) {
	t.Parallel()

	input := &Input{
		Rules:       map[string]string{"email": "definitely_not_a_rule"},
		OnViolation: "reject",
	}
	sc := &testutil.FakeStageContext{Batch: customerBatch()}

	_, err := OnRunValidate(testutil.Context(), sc, input)

	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid rule")
}

func TestOnRunValidate_NullValueFailsRequired(t *testing.T) {
	t.Parallel()

	batch := dataset.NewBatch([]string{"email"})
	batch.Append(dataset.Record{"email": cty.NullVal(cty.String)})
	input := &Input{
		Rules:       map[string]string{"email": "required"},
		OnViolation: "reject",
	}
	sc := &testutil.FakeStageContext{Batch: batch}

	result, err := OnRunValidate(testutil.Context(), sc, input)

	require.NoError(t, err)
	require.Equal(t, 0, result.Batch.Len())
	require.True(t, result.Outputs["rejected"].RawEquals(cty.NumberIntVal(1)))
}
