package config

import (
	"fmt"
	"strings"
)

// Backend names accepted by the dispatcher.
const (
	BackendTiled     = "tiled"
	BackendReference = "reference"
)

// Config holds the tuning surface of one attention call. Only Backend selects
// behavior; every other knob is performance-only and never changes results.
type Config struct {
	Backend string

	// QBlockLen overrides the query tile length for the tiled backend.
	// Zero means the planner default (no partitioning). Must evenly divide
	// the sequence length.
	QBlockLen int

	// NumWorkers caps the number of kernel instances executing concurrently.
	// Zero means one worker per CPU.
	NumWorkers int

	// NumStages sizes the dispatch pipeline between the grid walker and the
	// workers. Zero means the default depth.
	NumStages int

	// Interpret runs the tiled grid serially with per-tile shape and
	// finiteness checking. Slow; meant for test harnesses.
	Interpret bool
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case BackendTiled, BackendReference:
	case "":
		return fmt.Errorf("missing backend (want %q or %q)", BackendTiled, BackendReference)
	default:
		return fmt.Errorf("unknown attention backend: %q (want %q or %q)",
			c.Backend, BackendTiled, BackendReference)
	}
	if c.QBlockLen < 0 {
		return fmt.Errorf("invalid q_block_len: %d (must be non-negative)", c.QBlockLen)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("invalid num_workers: %d (must be non-negative)", c.NumWorkers)
	}
	if c.NumStages < 0 {
		return fmt.Errorf("invalid num_stages: %d (must be non-negative)", c.NumStages)
	}
	return nil
}

func (c *Config) BackendName() string {
	return strings.ToLower(c.Backend)
}

func Default() Config {
	return Config{
		Backend:   BackendTiled,
		NumStages: 2,
	}
}
