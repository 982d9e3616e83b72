package attention

import (
	"runtime"
	"sync"
)

// launchGrid runs fn once per grid coordinate on a pool of workers. Each
// worker owns one scratch allocation for its whole lifetime. Coordinates are
// independent, so neither the worker count nor the queue depth can change
// results; both are performance knobs only.
func launchGrid(grid Grid, workers, stages int, newScratch func() *tileScratch, fn func(Coord, *tileScratch)) {
	n := grid.NumInstances()
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	if stages <= 0 {
		stages = 2
	}

	coords := make(chan Coord, workers*stages)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scratch := newScratch()
			for c := range coords {
				fn(c, scratch)
			}
		}()
	}

	for b := 0; b < grid.Batch; b++ {
		for h := 0; h < grid.Heads; h++ {
			for qb := 0; qb < grid.QBlocks; qb++ {
				coords <- Coord{Batch: b, Head: h, QBlock: qb}
			}
		}
	}
	close(coords)
	wg.Wait()
}
