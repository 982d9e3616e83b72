package attention

import (
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Reference computes masked attention densely over the whole tensors in one
// pass, without tiling. It is the ground truth the tiled backend is checked
// against, and the fallback execution path.
func Reference(q, k, v *tensor.Tensor, mask *tensor.Mask) *tensor.Tensor {
	batch, seq, heads, headDim := q.Dims()
	out, _ := tensor.New(batch, seq, heads, headDim)

	qData := q.Data()
	kData := k.Data()
	vData := v.Data()
	oData := out.Data()
	rowStride := heads * headDim

	scores := make([]float32, seq)
	for b := 0; b < batch; b++ {
		maskRow := mask.Row(b)
		for h := 0; h < heads; h++ {
			base := b*seq*rowStride + h*headDim
			for i := 0; i < seq; i++ {
				qRow := qData[base+i*rowStride : base+i*rowStride+headDim]
				// square mask: (i, j) attends only when both ends are valid
				for j := 0; j < seq; j++ {
					if !maskRow[i] || !maskRow[j] {
						scores[j] = maskSentinel
						continue
					}
					kRow := kData[base+j*rowStride : base+j*rowStride+headDim]
					var sum float32
					for d := 0; d < headDim; d++ {
						sum += qRow[d] * kRow[d]
					}
					scores[j] = sum
				}
				softmaxRow(scores)
				oRow := oData[base+i*rowStride : base+i*rowStride+headDim]
				for j := 0; j < seq; j++ {
					w := scores[j]
					if w == 0 {
						continue
					}
					vRow := vData[base+j*rowStride : base+j*rowStride+headDim]
					for d := 0; d < headDim; d++ {
						oRow[d] += w * vRow[d]
					}
				}
			}
		}
	}
	return out
}
