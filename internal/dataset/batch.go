// Package dataset defines the row model that flows between pipeline stages:
// batches of records whose values are cty values, so that transform and
// filter expressions can operate on them directly.
package dataset

import (
	"fmt"
	"slices"

	"github.com/zclconf/go-cty/cty"
)

// Record maps column names to values. Absent and null both mean "no value";
// stages that care distinguish via HasColumn on the batch schema.
type Record map[string]cty.Value

// Batch is an ordered collection of records sharing a column schema.
type Batch struct {
	Columns []string
	Records []Record
	// Source names the stage that produced the batch, for diagnostics.
	Source string
}

// NewBatch creates an empty batch with the given column schema.
func NewBatch(columns []string) *Batch {
	return &Batch{Columns: slices.Clone(columns)}
}

// Append adds a record to the batch.
func (b *Batch) Append(r Record) {
	b.Records = append(b.Records, r)
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Records)
}

// HasColumn reports whether the batch schema contains the named column.
func (b *Batch) HasColumn(name string) bool {
	return slices.Contains(b.Columns, name)
}

// Clone returns a deep copy of the batch. Record maps are copied; the cty
// values themselves are immutable and shared. Batches are never mutated in
// place between stages, so transforms always work on a clone.
func (b *Batch) Clone() *Batch {
	out := &Batch{
		Columns: slices.Clone(b.Columns),
		Records: make([]Record, 0, len(b.Records)),
		Source:  b.Source,
	}
	for _, r := range b.Records {
		nr := make(Record, len(r))
		for k, v := range r {
			nr[k] = v
		}
		out.Records = append(out.Records, nr)
	}
	return out
}

// Value returns the value of the named column in the record, or a null
// string value if the column is absent.
func (r Record) Value(column string) cty.Value {
	if v, ok := r[column]; ok {
		return v
	}
	return cty.NullVal(cty.String)
}

// Object converts the record into a cty object value for expression
// evaluation. Null values stay null so expressions can test them.
func (r Record) Object() cty.Value {
	if len(r) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(r))
	for k, v := range r {
		attrs[k] = v
	}
	return cty.ObjectVal(attrs)
}

// CoerceString converts a raw string cell into a typed cty value.
// Supported type names are "string", "number", and "bool". Empty cells
// become typed nulls.
func CoerceString(raw string, typeName string) (cty.Value, error) {
	target, err := typeByName(typeName)
	if err != nil {
		return cty.NilVal, err
	}
	if raw == "" {
		return cty.NullVal(target), nil
	}
	v, err := ctyConvert(cty.StringVal(raw), target)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot coerce %q to %s: %w", raw, typeName, err)
	}
	return v, nil
}

func typeByName(name string) (cty.Type, error) {
	switch name {
	case "", "string":
		return cty.String, nil
	case "number":
		return cty.Number, nil
	case "bool":
		return cty.Bool, nil
	default:
		return cty.NilType, fmt.Errorf("unknown column type %q (want string, number, or bool)", name)
	}
}
