package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/arrowio"
	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/flightserve"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	inputPath  = flag.String("input", "", "Arrow IPC stream with q/k/v/mask columns (empty: synthetic random tensors)")
	outputPath = flag.String("output", "", "Write attention output as Arrow IPC stream to this path")
	backend    = flag.String("backend", config.BackendTiled, "Attention backend: tiled or reference")
	qBlockLen  = flag.Int("qblock", 0, "Query tile length override (0 = whole sequence)")
	numWorkers = flag.Int("workers", 0, "Concurrent kernel instances (0 = NumCPU)")
	numStages  = flag.Int("stages", 0, "Dispatch pipeline depth (0 = default)")
	interpret  = flag.Bool("interpret", false, "Serial execution with per-tile runtime checks")
	check      = flag.Bool("check", false, "Run both backends and report max abs difference")
	serve      = flag.Bool("serve", false, "Serve attention over Arrow Flight")
	serveAddr  = flag.String("addr", "localhost:3000", "Flight listen address (with -serve)")
	metricsOn  = flag.String("metrics", "", "Address to serve Prometheus metrics (empty: disabled)")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat  = flag.String("log-format", "console", "Log format: console or json")

	batch   = flag.Int("batch", 2, "Synthetic input: batch size")
	seqLen  = flag.Int("seq", 128, "Synthetic input: sequence length")
	heads   = flag.Int("heads", 4, "Synthetic input: attention heads")
	headDim = flag.Int("headdim", 64, "Synthetic input: head dimension")
	padTail = flag.Int("pad", 0, "Synthetic input: trailing positions masked out per batch element")
	seed    = flag.Int64("seed", 1, "Synthetic input: RNG seed")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	if *metricsOn != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics serving", "addr", *metricsOn+"/metrics")
			if err := http.ListenAndServe(*metricsOn, nil); err != nil {
				logger.Log.Error("metrics server error", "error", err)
			}
		}()
	}

	cfg := config.Config{
		Backend:    *backend,
		QBlockLen:  *qBlockLen,
		NumWorkers: *numWorkers,
		NumStages:  *numStages,
		Interpret:  *interpret,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	if *serve {
		runServe(cfg)
		return
	}

	q, k, v, mask, err := loadInputs()
	if err != nil {
		logger.Log.Error("failed to load inputs", "error", err)
		os.Exit(1)
	}

	if *check {
		runCheck(q, k, v, mask, cfg)
		return
	}

	start := time.Now()
	out, err := attention.MHA(q, k, v, mask, nil, cfg)
	if err != nil {
		logger.Log.Error("attention failed", "error", err)
		os.Exit(1)
	}
	b, s, h, d := out.Dims()
	logger.Log.Info("attention complete",
		"backend", cfg.BackendName(), "batch", b, "seq", s, "heads", h, "head_dim", d,
		"elapsed", time.Since(start).String())

	if *outputPath != "" {
		if err := writeOutput(*outputPath, out); err != nil {
			logger.Log.Error("failed to write output", "error", err)
			os.Exit(1)
		}
		logger.Log.Info("output written", "path", *outputPath)
	}
}

func runServe(cfg config.Config) {
	srv, err := flightserve.Serve(*serveAddr, cfg)
	if err != nil {
		logger.Log.Error("failed to start flight server", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Log.Info("shutting down")
	srv.Shutdown()
}

// runCheck runs the tiled and reference backends on the same inputs and
// reports the max abs difference over valid query rows.
func runCheck(q, k, v *tensor.Tensor, mask *tensor.Mask, cfg config.Config) {
	tiledCfg := cfg
	tiledCfg.Backend = config.BackendTiled
	refCfg := cfg
	refCfg.Backend = config.BackendReference

	got, err := attention.MHA(q, k, v, mask, nil, tiledCfg)
	if err != nil {
		logger.Log.Error("tiled backend failed", "error", err)
		os.Exit(1)
	}
	want, err := attention.MHA(q, k, v, mask, nil, refCfg)
	if err != nil {
		logger.Log.Error("reference backend failed", "error", err)
		os.Exit(1)
	}

	var maxDiff float64
	b, s, h, d := q.Dims()
	for bi := 0; bi < b; bi++ {
		for si := 0; si < s; si++ {
			if !mask.At(bi, si) {
				continue
			}
			for hi := 0; hi < h; hi++ {
				for di := 0; di < d; di++ {
					diff := math.Abs(float64(got.At(bi, si, hi, di) - want.At(bi, si, hi, di)))
					if diff > maxDiff {
						maxDiff = diff
					}
				}
			}
		}
	}
	logger.Log.Info("backend check complete", "max_abs_diff", maxDiff)
	if maxDiff > 1e-5 {
		logger.Log.Error("backends disagree beyond tolerance")
		os.Exit(1)
	}
}

func loadInputs() (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, *tensor.Mask, error) {
	if *inputPath == "" {
		return synthesize()
	}
	f, err := os.Open(*inputPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	defer f.Close()
	rec, err := arrowio.ReadRecord(f, memory.DefaultAllocator)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	defer rec.Release()
	return arrowio.InputsFromRecord(rec)
}

func synthesize() (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, *tensor.Mask, error) {
	rng := rand.New(rand.NewSource(*seed))
	mk := func() (*tensor.Tensor, error) {
		t, err := tensor.New(*batch, *seqLen, *heads, *headDim)
		if err != nil {
			return nil, err
		}
		data := t.Data()
		for i := range data {
			data[i] = rng.Float32()*2 - 1
		}
		return t, nil
	}
	q, err := mk()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	k, err := mk()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	v, err := mk()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	mask, err := tensor.NewMask(*batch, *seqLen)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	for bi := 0; bi < *batch; bi++ {
		for si := 0; si < *seqLen-*padTail; si++ {
			mask.Set(bi, si, true)
		}
	}
	return q, k, v, mask, nil
}

func writeOutput(path string, out *tensor.Tensor) error {
	rec := arrowio.BuildOutputRecord(memory.DefaultAllocator, out)
	defer rec.Release()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return arrowio.WriteRecord(f, rec, memory.DefaultAllocator)
}
