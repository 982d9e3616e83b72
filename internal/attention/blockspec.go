package attention

import (
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Range is a contiguous index range of one tensor dimension.
type Range struct {
	Offset int
	Length int
}

func (r Range) End() int {
	return r.Offset + r.Length
}

// BlockSpec describes how a kernel instance indexes the sequence dimension of
// one global tensor. Partitioned specs (query, output) advance with the
// q-block grid coordinate; unpartitioned specs (key, value, mask) always see
// the full sequence. Batch and head are picked out directly by the grid
// coordinate, so a spec only has to describe the sequence slice.
type BlockSpec struct {
	blockLen    int
	partitioned bool
}

func querySpec(qBlockLen int) BlockSpec {
	return BlockSpec{blockLen: qBlockLen, partitioned: true}
}

func keyValueSpec(kvBlockLen int) BlockSpec {
	return BlockSpec{blockLen: kvBlockLen}
}

func maskSpec(seqLen int) BlockSpec {
	return BlockSpec{blockLen: seqLen}
}

// outputSpec partitions identically to the query spec, so output tiles cover
// the sequence disjointly and every element is written exactly once.
func outputSpec(qBlockLen int) BlockSpec {
	return BlockSpec{blockLen: qBlockLen, partitioned: true}
}

// SeqRange resolves the sequence slice seen by the instance at q-block index
// qBlock. Unpartitioned specs ignore the coordinate.
func (s BlockSpec) SeqRange(qBlock int) Range {
	if !s.partitioned {
		return Range{Offset: 0, Length: s.blockLen}
	}
	return Range{Offset: qBlock * s.blockLen, Length: s.blockLen}
}

// gatherTile materializes rows r of t for one (batch, head) pair into dst,
// laid out (r.Length, headDim) contiguously.
func gatherTile(t *tensor.Tensor, b, h int, r Range, dst []float32) {
	_, seq, heads, headDim := t.Dims()
	data := t.Data()
	rowStride := heads * headDim
	base := (b*seq+r.Offset)*rowStride + h*headDim
	for i := 0; i < r.Length; i++ {
		src := base + i*rowStride
		copy(dst[i*headDim:(i+1)*headDim], data[src:src+headDim])
	}
}

// scatterTile writes a contiguous (r.Length, headDim) tile back into rows r
// of t for one (batch, head) pair.
func scatterTile(t *tensor.Tensor, b, h int, r Range, src []float32) {
	_, seq, heads, headDim := t.Dims()
	data := t.Data()
	rowStride := heads * headDim
	base := (b*seq+r.Offset)*rowStride + h*headDim
	for i := 0; i < r.Length; i++ {
		dst := base + i*rowStride
		copy(data[dst:dst+headDim], src[i*headDim:(i+1)*headDim])
	}
}
