package attention

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// maskSentinel replaces disallowed attention scores. Large negative rather
// than -Inf so a fully masked row softmaxes to a finite uniform distribution
// instead of NaN.
const maskSentinel = float32(-1e20)

// blockSpecs bundles the tile descriptors of one tiled launch.
type blockSpecs struct {
	q    BlockSpec
	k    BlockSpec
	v    BlockSpec
	mask BlockSpec
	out  BlockSpec
}

func newBlockSpecs(qBlockLen, kvBlockLen, seqLen int) blockSpecs {
	return blockSpecs{
		q:    querySpec(qBlockLen),
		k:    keyValueSpec(kvBlockLen),
		v:    keyValueSpec(kvBlockLen),
		mask: maskSpec(seqLen),
		out:  outputSpec(qBlockLen),
	}
}

// tileScratch holds the per-worker buffers of one kernel instance. Workers
// own their scratch exclusively, so instances never share mutable state.
type tileScratch struct {
	q      []float32 // (qBlockLen, headDim)
	k      []float32 // (kvBlockLen, headDim)
	v      []float32 // (kvBlockLen, headDim)
	o      []float32 // (qBlockLen, headDim)
	scores []float32 // (qBlockLen, kvBlockLen)
}

func newTileScratch(qBlockLen, kvBlockLen, headDim int) *tileScratch {
	return &tileScratch{
		q:      make([]float32, qBlockLen*headDim),
		k:      make([]float32, kvBlockLen*headDim),
		v:      make([]float32, kvBlockLen*headDim),
		o:      make([]float32, qBlockLen*headDim),
		scores: make([]float32, qBlockLen*kvBlockLen),
	}
}

// runTile computes masked attention for one grid coordinate: one query tile
// of one (batch, head) pair against the full key/value sequence.
func runTile(q, k, v *tensor.Tensor, mask *tensor.Mask, out *tensor.Tensor, specs blockSpecs, c Coord, s *tileScratch) {
	_, _, _, headDim := q.Dims()

	qr := specs.q.SeqRange(c.QBlock)
	kvr := specs.k.SeqRange(c.QBlock)

	gatherTile(q, c.Batch, c.Head, qr, s.q)
	gatherTile(k, c.Batch, c.Head, kvr, s.k)
	gatherTile(v, c.Batch, c.Head, specs.v.SeqRange(c.QBlock), s.v)

	maskRow := mask.Row(c.Batch)
	mr := specs.mask.SeqRange(c.QBlock)
	kvMask := maskRow[mr.Offset:mr.End()]
	qMask := maskRow[qr.Offset:qr.End()]

	// Invalid rows are zeroed before the dot products so garbage in padded
	// positions cannot overflow the scores. The sentinel masking below
	// already excludes them; the zeroing keeps the arithmetic tame.
	zeroMaskedRows(s.q, qMask, headDim)
	zeroMaskedRows(s.k, kvMask, headDim)
	zeroMaskedRows(s.v, kvMask, headDim)

	// scores = q . k^T, sentinel where either side is masked
	qLen, kvLen := qr.Length, kvr.Length
	for i := 0; i < qLen; i++ {
		row := s.scores[i*kvLen : (i+1)*kvLen]
		if !qMask[i] {
			for j := range row {
				row[j] = maskSentinel
			}
			continue
		}
		qRow := s.q[i*headDim : (i+1)*headDim]
		for j := 0; j < kvLen; j++ {
			if !kvMask[j] {
				row[j] = maskSentinel
				continue
			}
			kRow := s.k[j*headDim : (j+1)*headDim]
			var sum float32
			for d := 0; d < headDim; d++ {
				sum += qRow[d] * kRow[d]
			}
			row[j] = sum
		}
	}

	for i := 0; i < qLen; i++ {
		softmaxRow(s.scores[i*kvLen : (i+1)*kvLen])
	}

	// o = p . v
	for i := 0; i < qLen; i++ {
		oRow := s.o[i*headDim : (i+1)*headDim]
		for d := range oRow {
			oRow[d] = 0
		}
		pRow := s.scores[i*kvLen : (i+1)*kvLen]
		for j := 0; j < kvLen; j++ {
			w := pRow[j]
			if w == 0 {
				continue
			}
			vRow := s.v[j*headDim : (j+1)*headDim]
			for d := 0; d < headDim; d++ {
				oRow[d] += w * vRow[d]
			}
		}
	}

	scatterTile(out, c.Batch, c.Head, specs.out.SeqRange(c.QBlock), s.o)
}

func zeroMaskedRows(tile []float32, mask []bool, headDim int) {
	for i, valid := range mask {
		if valid {
			continue
		}
		row := tile[i*headDim : (i+1)*headDim]
		for d := range row {
			row[d] = 0
		}
	}
}

// softmaxRow applies a max-subtraction stable softmax in place.
func softmaxRow(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}
