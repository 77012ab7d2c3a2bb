package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestCoerceString(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		raw      string
		typeName string
		want     cty.Value
		wantErr  bool
	}{
		{name: "default type is string", raw: "hello", typeName: "", want: cty.StringVal("hello")},
		{name: "number", raw: "42.5", typeName: "number", want: cty.NumberFloatVal(42.5)},
		{name: "bool", raw: "true", typeName: "bool", want: cty.True},
		{name: "empty becomes typed null", raw: "", typeName: "number", want: cty.NullVal(cty.Number)},
		{name: "bad number", raw: "abc", typeName: "number", wantErr: true},
		{name: "unknown type", raw: "x", typeName: "decimal", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := CoerceString(tc.raw, tc.typeName)

			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, tc.want.RawEquals(got), "want %#v, got %#v", tc.want, got)
		})
	}
}

func TestRecordValue_MissingColumnIsNull(t *testing.T) {
	t.Parallel()

	record := Record{"a": cty.StringVal("x")}

	require.True(t, record.Value("missing").IsNull())
	require.Equal(t, cty.StringVal("x"), record.Value("a"))
}

func TestRecordObject(t *testing.T) {
	t.Parallel()

	record := Record{
		"id":     cty.StringVal("r-1"),
		"amount": cty.NumberIntVal(7),
	}

	obj := record.Object()

	require.True(t, obj.Type().IsObjectType())
	require.Equal(t, cty.StringVal("r-1"), obj.GetAttr("id"))
	require.Equal(t, cty.NumberIntVal(7), obj.GetAttr("amount"))

	require.Equal(t, cty.EmptyObjectVal, Record{}.Object())
}

func TestBatchClone_IsIndependent(t *testing.T) {
	t.Parallel()

	original := NewBatch([]string{"id"})
	original.Append(Record{"id": cty.StringVal("a")})

	clone := original.Clone()
	clone.Records[0]["id"] = cty.StringVal("mutated")
	clone.Columns[0] = "renamed"

	require.Equal(t, cty.StringVal("a"), original.Records[0]["id"])
	require.Equal(t, "id", original.Columns[0])
}

func TestBatchHasColumn(t *testing.T) {
	t.Parallel()

	batch := NewBatch([]string{"id", "amount"})

	require.True(t, batch.HasColumn("amount"))
	require.False(t, batch.HasColumn("region"))
}
