package attention

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// MHA computes masked multi-head attention over (batch, seq, heads, headDim)
// tensors. A position pair (i, j) is attended only when both ends are valid
// in mask. No score scaling is applied; fold 1/sqrt(headDim) into q or k
// beforehand if wanted.
//
// inputMask is accepted for signature stability with derivative-propagating
// callers and is ignored here.
//
// Inputs are never mutated. The output tensor matches q in shape and dtype.
func MHA(q, k, v *tensor.Tensor, mask, inputMask *tensor.Mask, cfg config.Config) (*tensor.Tensor, error) {
	_ = inputMask

	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("mha", "config")
		return nil, err
	}
	if err := tensor.ValidateAttentionInputs(q, k, v, mask); err != nil {
		metrics.RecordValidationError("mha", "shape")
		return nil, err
	}

	backend := cfg.BackendName()
	start := time.Now()
	switch backend {
	case config.BackendReference:
		out := Reference(q, k, v, mask)
		metrics.RecordLaunch(backend, 1, q.Seq(), time.Since(start))
		return out, nil
	case config.BackendTiled:
		out, err := tiled(q, k, v, mask, cfg)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		// unreachable after cfg.Validate
		return nil, fmt.Errorf("unknown attention backend: %q", cfg.Backend)
	}
}

func tiled(q, k, v *tensor.Tensor, mask *tensor.Mask, cfg config.Config) (*tensor.Tensor, error) {
	batch, seq, heads, headDim := q.Dims()

	qBlockLen, kvBlockLen, err := computeBlockLens(seq, cfg.QBlockLen)
	if err != nil {
		metrics.RecordValidationError("mha", "block_len")
		return nil, err
	}
	grid := createGrid(batch, seq, heads, qBlockLen)
	specs := newBlockSpecs(qBlockLen, kvBlockLen, seq)

	out, err := tensor.New(batch, seq, heads, headDim)
	if err != nil {
		return nil, err
	}

	log := logger.Log.WithKernel(config.BackendTiled)
	log.Debug("launching attention grid",
		"batch", grid.Batch, "heads", grid.Heads, "q_blocks", grid.QBlocks,
		"q_block_len", qBlockLen, "interpret", cfg.Interpret)

	start := time.Now()
	newScratch := func() *tileScratch {
		return newTileScratch(qBlockLen, kvBlockLen, headDim)
	}
	if cfg.Interpret {
		runInterpreted(q, k, v, mask, out, specs, grid, newScratch())
	} else {
		launchGrid(grid, cfg.NumWorkers, cfg.NumStages, newScratch, func(c Coord, s *tileScratch) {
			runTile(q, k, v, mask, out, specs, c, s)
		})
	}
	metrics.RecordLaunch(config.BackendTiled, grid.NumInstances(), seq, time.Since(start))
	return out, nil
}

// runInterpreted walks the grid serially and checks every tile as it lands:
// tile bounds, finiteness of the written values, fully masked-out query rows.
// Values are identical to the pooled path; only speed differs.
func runInterpreted(q, k, v *tensor.Tensor, mask *tensor.Mask, out *tensor.Tensor, specs blockSpecs, grid Grid, s *tileScratch) {
	_, seq, _, _ := q.Dims()
	for b := 0; b < grid.Batch; b++ {
		maskedRows := 0
		maskRow := mask.Row(b)
		for _, valid := range maskRow {
			if !valid {
				maskedRows++
			}
		}
		metrics.RecordMaskedRows(maskedRows)

		for h := 0; h < grid.Heads; h++ {
			for qb := 0; qb < grid.QBlocks; qb++ {
				c := Coord{Batch: b, Head: h, QBlock: qb}
				qr := specs.q.SeqRange(qb)
				if qr.End() > seq {
					logger.Log.Error("query tile out of bounds",
						"batch", b, "head", h, "q_block", qb, "end", qr.End(), "seq", seq)
					continue
				}
				runTile(q, k, v, mask, out, specs, c, s)
				nan, inf := tensor.CountNonFinite(s.o)
				if nan > 0 || inf > 0 {
					metrics.RecordNumericalInstability("attention_output", nan, inf)
					logger.Log.Warn("non-finite values in attention tile",
						"batch", b, "head", h, "q_block", qb, "nan", nan, "inf", inf)
				}
			}
		}
	}
}
