package tensor

import (
	"fmt"
)

// Tensor is a rank-4 float32 tensor with layout (batch, seq, heads, headDim),
// row-major over a single flat slice.
type Tensor struct {
	data    []float32
	batch   int
	seq     int
	heads   int
	headDim int
}

func New(batch, seq, heads, headDim int) (*Tensor, error) {
	if batch <= 0 || seq <= 0 || heads <= 0 || headDim <= 0 {
		return nil, fmt.Errorf("invalid tensor dims: (%d, %d, %d, %d) (all must be positive)",
			batch, seq, heads, headDim)
	}
	return &Tensor{
		data:    make([]float32, batch*seq*heads*headDim),
		batch:   batch,
		seq:     seq,
		heads:   heads,
		headDim: headDim,
	}, nil
}

// FromSlice wraps an existing flat slice. The slice is used directly, not copied.
func FromSlice(data []float32, batch, seq, heads, headDim int) (*Tensor, error) {
	if batch <= 0 || seq <= 0 || heads <= 0 || headDim <= 0 {
		return nil, fmt.Errorf("invalid tensor dims: (%d, %d, %d, %d) (all must be positive)",
			batch, seq, heads, headDim)
	}
	if len(data) != batch*seq*heads*headDim {
		return nil, fmt.Errorf("tensor data length mismatch: got %d, want %d",
			len(data), batch*seq*heads*headDim)
	}
	return &Tensor{data: data, batch: batch, seq: seq, heads: heads, headDim: headDim}, nil
}

func (t *Tensor) Dims() (batch, seq, heads, headDim int) {
	return t.batch, t.seq, t.heads, t.headDim
}

func (t *Tensor) Batch() int   { return t.batch }
func (t *Tensor) Seq() int     { return t.seq }
func (t *Tensor) Heads() int   { return t.heads }
func (t *Tensor) HeadDim() int { return t.headDim }

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) NumElements() int {
	return t.batch * t.seq * t.heads * t.headDim
}

func (t *Tensor) index(b, s, h, d int) int {
	return ((b*t.seq+s)*t.heads+h)*t.headDim + d
}

func (t *Tensor) At(b, s, h, d int) float32 {
	return t.data[t.index(b, s, h, d)]
}

func (t *Tensor) Set(b, s, h, d int, v float32) {
	t.data[t.index(b, s, h, d)] = v
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{data: data, batch: t.batch, seq: t.seq, heads: t.heads, headDim: t.headDim}
}

// SameShape reports whether two tensors agree in all four dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.batch == o.batch && t.seq == o.seq && t.heads == o.heads && t.headDim == o.headDim
}

// Mask is a rank-2 boolean validity mask with layout (batch, seq).
// A true entry marks the sequence position as valid for attention.
type Mask struct {
	data  []bool
	batch int
	seq   int
}

func NewMask(batch, seq int) (*Mask, error) {
	if batch <= 0 || seq <= 0 {
		return nil, fmt.Errorf("invalid mask dims: (%d, %d) (all must be positive)", batch, seq)
	}
	return &Mask{data: make([]bool, batch*seq), batch: batch, seq: seq}, nil
}

// MaskFromSlice wraps an existing flat slice. The slice is used directly, not copied.
func MaskFromSlice(data []bool, batch, seq int) (*Mask, error) {
	if batch <= 0 || seq <= 0 {
		return nil, fmt.Errorf("invalid mask dims: (%d, %d) (all must be positive)", batch, seq)
	}
	if len(data) != batch*seq {
		return nil, fmt.Errorf("mask data length mismatch: got %d, want %d", len(data), batch*seq)
	}
	return &Mask{data: data, batch: batch, seq: seq}, nil
}

func (m *Mask) Dims() (batch, seq int) {
	return m.batch, m.seq
}

func (m *Mask) Data() []bool {
	return m.data
}

func (m *Mask) At(b, s int) bool {
	return m.data[b*m.seq+s]
}

func (m *Mask) Set(b, s int, v bool) {
	m.data[b*m.seq+s] = v
}

// Row returns the mask row for batch element b. The returned slice aliases
// the mask's storage.
func (m *Mask) Row(b int) []bool {
	return m.data[b*m.seq : (b+1)*m.seq]
}
