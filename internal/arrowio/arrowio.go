// Package arrowio converts attention tensors to and from Arrow records so
// inputs and outputs interchange with the rest of the longbow toolchain.
//
// Layout: one record row per (batch, seq) position. Q/K/V rows are
// FixedSizeList<float32>[heads*headDim]; the mask is a boolean column. The
// four tensor dimensions ride on the schema metadata.
package arrowio

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

const (
	colQ    = "q"
	colK    = "k"
	colV    = "v"
	colMask = "mask"
	colOut  = "o"
)

func shapeMetadata(batch, seq, heads, headDim int) arrow.Metadata {
	return arrow.NewMetadata(
		[]string{"batch", "seq", "heads", "head_dim"},
		[]string{
			strconv.Itoa(batch), strconv.Itoa(seq),
			strconv.Itoa(heads), strconv.Itoa(headDim),
		},
	)
}

func shapeFromMetadata(md arrow.Metadata) (batch, seq, heads, headDim int, err error) {
	get := func(key string) (int, error) {
		idx := md.FindKey(key)
		if idx < 0 {
			return 0, fmt.Errorf("schema metadata missing %q", key)
		}
		return strconv.Atoi(md.Values()[idx])
	}
	if batch, err = get("batch"); err != nil {
		return
	}
	if seq, err = get("seq"); err != nil {
		return
	}
	if heads, err = get("heads"); err != nil {
		return
	}
	headDim, err = get("head_dim")
	return
}

// InputSchema describes one attention call: Q, K, V and the validity mask.
func InputSchema(batch, seq, heads, headDim int) *arrow.Schema {
	rowType := arrow.FixedSizeListOf(int32(heads*headDim), arrow.PrimitiveTypes.Float32)
	md := shapeMetadata(batch, seq, heads, headDim)
	return arrow.NewSchema([]arrow.Field{
		{Name: colQ, Type: rowType},
		{Name: colK, Type: rowType},
		{Name: colV, Type: rowType},
		{Name: colMask, Type: arrow.FixedWidthTypes.Boolean},
	}, &md)
}

// OutputSchema describes the attention output tensor.
func OutputSchema(batch, seq, heads, headDim int) *arrow.Schema {
	rowType := arrow.FixedSizeListOf(int32(heads*headDim), arrow.PrimitiveTypes.Float32)
	md := shapeMetadata(batch, seq, heads, headDim)
	return arrow.NewSchema([]arrow.Field{
		{Name: colOut, Type: rowType},
	}, &md)
}

func appendTensorColumn(fb *array.FixedSizeListBuilder, t *tensor.Tensor) {
	vb := fb.ValueBuilder().(*array.Float32Builder)
	batch, seq, heads, headDim := t.Dims()
	rowLen := heads * headDim
	data := t.Data()
	for row := 0; row < batch*seq; row++ {
		fb.Append(true)
		vb.AppendValues(data[row*rowLen:(row+1)*rowLen], nil)
	}
}

// BuildInputRecord packs Q/K/V/mask into one record. The caller releases it.
func BuildInputRecord(mem memory.Allocator, q, k, v *tensor.Tensor, mask *tensor.Mask) (arrow.Record, error) {
	if err := tensor.ValidateAttentionInputs(q, k, v, mask); err != nil {
		return nil, err
	}
	batch, seq, heads, headDim := q.Dims()
	b := array.NewRecordBuilder(mem, InputSchema(batch, seq, heads, headDim))
	defer b.Release()

	appendTensorColumn(b.Field(0).(*array.FixedSizeListBuilder), q)
	appendTensorColumn(b.Field(1).(*array.FixedSizeListBuilder), k)
	appendTensorColumn(b.Field(2).(*array.FixedSizeListBuilder), v)
	mb := b.Field(3).(*array.BooleanBuilder)
	mb.AppendValues(mask.Data(), nil)

	return b.NewRecord(), nil
}

// BuildOutputRecord packs the attention output tensor into one record.
func BuildOutputRecord(mem memory.Allocator, o *tensor.Tensor) arrow.Record {
	batch, seq, heads, headDim := o.Dims()
	b := array.NewRecordBuilder(mem, OutputSchema(batch, seq, heads, headDim))
	defer b.Release()
	appendTensorColumn(b.Field(0).(*array.FixedSizeListBuilder), o)
	return b.NewRecord()
}

func tensorFromColumn(col arrow.Array, batch, seq, heads, headDim int) (*tensor.Tensor, error) {
	list, ok := col.(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("unexpected column type %T (want fixed-size list)", col)
	}
	rowLen := heads * headDim
	if list.Len() != batch*seq {
		return nil, fmt.Errorf("column length mismatch: got %d rows, want %d", list.Len(), batch*seq)
	}
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("unexpected list value type %T (want float32)", list.ListValues())
	}
	flat := values.Float32Values()
	data := make([]float32, batch*seq*rowLen)
	start := list.Offset() * rowLen
	copy(data, flat[start:start+len(data)])
	return tensor.FromSlice(data, batch, seq, heads, headDim)
}

// InputsFromRecord unpacks Q/K/V/mask from a record built against InputSchema.
func InputsFromRecord(rec arrow.Record) (q, k, v *tensor.Tensor, mask *tensor.Mask, err error) {
	batch, seq, heads, headDim, err := shapeFromMetadata(rec.Schema().Metadata())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if rec.NumCols() != 4 {
		return nil, nil, nil, nil, fmt.Errorf("input record has %d columns, want 4", rec.NumCols())
	}
	if q, err = tensorFromColumn(rec.Column(0), batch, seq, heads, headDim); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("column %s: %w", colQ, err)
	}
	if k, err = tensorFromColumn(rec.Column(1), batch, seq, heads, headDim); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("column %s: %w", colK, err)
	}
	if v, err = tensorFromColumn(rec.Column(2), batch, seq, heads, headDim); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("column %s: %w", colV, err)
	}
	boolCol, ok := rec.Column(3).(*array.Boolean)
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("column %s: unexpected type %T", colMask, rec.Column(3))
	}
	if boolCol.Len() != batch*seq {
		return nil, nil, nil, nil, fmt.Errorf("column %s: length %d, want %d", colMask, boolCol.Len(), batch*seq)
	}
	bits := make([]bool, batch*seq)
	for i := range bits {
		bits[i] = boolCol.Value(i)
	}
	mask, err = tensor.MaskFromSlice(bits, batch, seq)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return q, k, v, mask, nil
}

// OutputFromRecord unpacks the output tensor from a record built against
// OutputSchema.
func OutputFromRecord(rec arrow.Record) (*tensor.Tensor, error) {
	batch, seq, heads, headDim, err := shapeFromMetadata(rec.Schema().Metadata())
	if err != nil {
		return nil, err
	}
	if rec.NumCols() != 1 {
		return nil, fmt.Errorf("output record has %d columns, want 1", rec.NumCols())
	}
	return tensorFromColumn(rec.Column(0), batch, seq, heads, headDim)
}

// WriteRecord writes one record in Arrow IPC stream format.
func WriteRecord(w io.Writer, rec arrow.Record, mem memory.Allocator) error {
	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("write arrow record: %w", err)
	}
	return wr.Close()
}

// ReadRecord reads the first record of an Arrow IPC stream. The caller
// releases the returned record.
func ReadRecord(r io.Reader, mem memory.Allocator) (arrow.Record, error) {
	rd, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("open arrow stream: %w", err)
	}
	defer rd.Release()
	if !rd.Next() {
		if err := rd.Err(); err != nil {
			return nil, fmt.Errorf("read arrow record: %w", err)
		}
		return nil, fmt.Errorf("arrow stream holds no records")
	}
	rec := rd.Record()
	rec.Retain()
	return rec, nil
}
