package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestJSONLRoundTrip(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	batch := NewBatch([]string{"id", "amount", "active", "note"})
	batch.Source = "stage.csv_source.orders"
	batch.Append(Record{
		"id":     cty.StringVal("o-1"),
		"amount": cty.NumberFloatVal(12.5),
		"active": cty.True,
		"note":   cty.NullVal(cty.String),
	})
	batch.Append(Record{
		"id":     cty.StringVal("o-2"),
		"amount": cty.NumberFloatVal(0),
		"active": cty.False,
		"note":   cty.StringVal("rush"),
	})
	path := filepath.Join(t.TempDir(), "batch.jsonl")

	// --- Act ---
	sum, err := WriteJSONL(path, batch)
	require.NoError(t, err)
	restored, err := ReadJSONL(path)

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, batch.Columns, restored.Columns)
	require.Equal(t, batch.Source, restored.Source)
	require.Equal(t, batch.Len(), restored.Len())

	require.Equal(t, cty.StringVal("o-1"), restored.Records[0]["id"])
	require.True(t, restored.Records[0]["note"].IsNull())
	require.True(t, restored.Records[1]["active"].False())

	fileSum, err := FileSHA256(path)
	require.NoError(t, err)
	require.Equal(t, sum, fileSum)
}

func TestReadJSONL_EmptyFileFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := ReadJSONL(path)

	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")
}

func TestFileSHA256_DetectsTampering(t *testing.T) {
	t.Parallel()

	batch := NewBatch([]string{"id"})
	batch.Append(Record{"id": cty.StringVal("x")})
	path := filepath.Join(t.TempDir(), "batch.jsonl")

	sum, err := WriteJSONL(path, batch)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0644))

	newSum, err := FileSHA256(path)
	require.NoError(t, err)
	require.NotEqual(t, sum, newSum)
}
