package embedding

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	colIndex  = "index"
	colText   = "text"
	colVector = "vector"
)

// Schema is the Arrow schema of an embedding export with vectors of width
// dim.
func Schema(dim int, meta map[string]string) *arrow.Schema {
	var md *arrow.Metadata
	if len(meta) > 0 {
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		vals := make([]string, len(keys))
		for i, k := range keys {
			vals[i] = meta[k]
		}
		m := arrow.NewMetadata(keys, vals)
		md = &m
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: colIndex, Type: arrow.PrimitiveTypes.Int32},
		{Name: colText, Type: arrow.BinaryTypes.String},
		{Name: colVector, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, md)
}

// WriteArrow writes outputs as a single record batch in an Arrow IPC
// stream. All vectors must share one width.
func WriteArrow(w io.Writer, outputs []Output, meta map[string]string) error {
	if len(outputs) == 0 {
		return errors.New("arrow export: no embeddings")
	}
	dim := len(outputs[0].Vector)
	for _, o := range outputs {
		if len(o.Vector) != dim {
			return fmt.Errorf("arrow export: input %d has width %d, expected %d", o.Index, len(o.Vector), dim)
		}
	}

	mem := memory.NewGoAllocator()
	schema := Schema(dim, meta)
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	idx := rb.Field(0).(*array.Int32Builder)
	text := rb.Field(1).(*array.StringBuilder)
	vecs := rb.Field(2).(*array.FixedSizeListBuilder)
	vals := vecs.ValueBuilder().(*array.Float32Builder)
	for _, o := range outputs {
		idx.Append(int32(o.Index))
		text.Append(o.Text)
		vecs.Append(true)
		vals.AppendValues(o.Vector, nil)
	}

	rec := rb.NewRecord()
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		_ = wr.Close()
		return fmt.Errorf("arrow export: %w", err)
	}
	return wr.Close()
}

// ReadArrow reads every record batch of a stream written by WriteArrow.
func ReadArrow(r io.Reader) ([]Output, map[string]string, error) {
	rd, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, nil, fmt.Errorf("arrow import: %w", err)
	}
	defer rd.Release()

	schema := rd.Schema()
	if schema.NumFields() != 3 || schema.Field(2).Name != colVector {
		return nil, nil, fmt.Errorf("arrow import: unexpected schema %s", schema)
	}
	meta := schema.Metadata().ToMap()

	var out []Output
	for rd.Next() {
		rec := rd.Record()
		idx, ok1 := rec.Column(0).(*array.Int32)
		text, ok2 := rec.Column(1).(*array.String)
		vecs, ok3 := rec.Column(2).(*array.FixedSizeList)
		if !ok1 || !ok2 || !ok3 {
			return nil, nil, errors.New("arrow import: unexpected column types")
		}
		vals, ok := vecs.ListValues().(*array.Float32)
		if !ok {
			return nil, nil, errors.New("arrow import: vector values are not float32")
		}
		raw := vals.Float32Values()
		for i := range int(rec.NumRows()) {
			start, end := vecs.ValueOffsets(i)
			out = append(out, Output{
				Index:  int(idx.Value(i)),
				Text:   text.Value(i),
				Vector: slices.Clone(raw[start:end]),
			})
		}
	}
	if err := rd.Err(); err != nil {
		return nil, nil, fmt.Errorf("arrow import: %w", err)
	}
	return out, meta, nil
}
