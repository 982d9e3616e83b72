package attention

import (
	"fmt"
)

// Grid is the execution grid of the tiled backend. Each coordinate
// (batch, head, q-block) names one independent kernel instance; no instance
// depends on another's output.
type Grid struct {
	Batch   int
	Heads   int
	QBlocks int
}

func (g Grid) NumInstances() int {
	return g.Batch * g.Heads * g.QBlocks
}

// Coord identifies one kernel instance inside a Grid.
type Coord struct {
	Batch  int
	Head   int
	QBlock int
}

// computeBlockLens picks the query and key/value tile lengths. A zero
// qBlockLen means no partitioning (one query tile spanning the sequence).
// The key/value tile always spans the full sequence: every query tile
// attends to all keys in a single pass, no streaming softmax.
func computeBlockLens(seqLen, qBlockLen int) (int, int, error) {
	if qBlockLen <= 0 {
		qBlockLen = seqLen
	}
	if seqLen%qBlockLen != 0 {
		return 0, 0, fmt.Errorf("q_block_len %d does not evenly divide sequence length %d",
			qBlockLen, seqLen)
	}
	return qBlockLen, seqLen, nil
}

func createGrid(batch, seqLen, heads, qBlockLen int) Grid {
	return Grid{Batch: batch, Heads: heads, QBlocks: seqLen / qBlockLen}
}
