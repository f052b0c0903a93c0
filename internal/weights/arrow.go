package weights

import (
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/born-ml/wgt/internal/tensor"
)

// archiveSchema is the schema of a weights archive: one row per tensor.
var archiveSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "batches", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "rows", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "cols", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// WriteArrow writes tensors as an Arrow IPC stream, sorted by name.
func WriteArrow(w io.Writer, tensors map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, archiveSchema)
	defer b.Release()

	nameB := b.Field(0).(*array.StringBuilder)
	batchesB := b.Field(1).(*array.Uint32Builder)
	rowsB := b.Field(2).(*array.Uint32Builder)
	colsB := b.Field(3).(*array.Uint32Builder)
	valuesB := b.Field(4).(*array.ListBuilder)
	floatB := valuesB.ValueBuilder().(*array.Float32Builder)

	for _, name := range names {
		t := tensors[name]
		shape := t.Shape()
		nameB.Append(name)
		batchesB.Append(shape.Batches)
		rowsB.Append(shape.Rows)
		colsB.Append(shape.Cols)
		valuesB.Append(true)
		floatB.AppendValues(t.Values(), nil)
	}

	rec := b.NewRecord()
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(archiveSchema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("writing weights archive: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("closing weights archive: %w", err)
	}
	return nil
}

// ReadArrow reads every tensor of an Arrow IPC stream into memory.
func ReadArrow(r io.Reader) (MapStore, error) {
	mem := memory.NewGoAllocator()
	ir, err := ipc.NewReader(r, ipc.WithAllocator(mem), ipc.WithSchema(archiveSchema))
	if err != nil {
		return nil, fmt.Errorf("opening weights archive: %w", err)
	}
	defer ir.Release()

	store := make(MapStore)
	for ir.Next() {
		if err := readRecord(ir.Record(), store); err != nil {
			return nil, err
		}
	}
	if err := ir.Err(); err != nil {
		return nil, fmt.Errorf("reading weights archive: %w", err)
	}
	return store, nil
}

func readRecord(rec arrow.Record, store MapStore) error {
	names, ok1 := rec.Column(0).(*array.String)
	batches, ok2 := rec.Column(1).(*array.Uint32)
	rows, ok3 := rec.Column(2).(*array.Uint32)
	cols, ok4 := rec.Column(3).(*array.Uint32)
	values, ok5 := rec.Column(4).(*array.List)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return fmt.Errorf("%w: unexpected weights archive schema %s", tensor.ErrMalformed, rec.Schema())
	}
	floats, ok := values.ListValues().(*array.Float32)
	if !ok {
		return fmt.Errorf("%w: weights archive values are not float32", tensor.ErrMalformed)
	}
	all := floats.Float32Values()

	for i := 0; i < int(rec.NumRows()); i++ {
		name := names.Value(i)
		shape := tensor.Shape{Batches: batches.Value(i), Rows: rows.Value(i), Cols: cols.Value(i)}
		start, end := values.ValueOffsets(i)

		t, err := tensor.FromValues(shape, all[start:end])
		if err != nil {
			return fmt.Errorf("weights archive tensor %q: %w", name, err)
		}
		store[name] = t
	}
	return nil
}
