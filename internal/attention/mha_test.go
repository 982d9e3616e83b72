package attention

import (
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func randTensor(t *testing.T, rng *rand.Rand, batch, seq, heads, headDim int) *tensor.Tensor {
	t.Helper()
	ten, err := tensor.New(batch, seq, heads, headDim)
	if err != nil {
		t.Fatalf("tensor.New failed: %v", err)
	}
	data := ten.Data()
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return ten
}

// compareValidRows checks got against want on every query row the mask marks
// valid. Fully masked rows are unconstrained and skipped.
func compareValidRows(t *testing.T, got, want *tensor.Tensor, mask *tensor.Mask, tol float64) {
	t.Helper()
	batch, seq, heads, headDim := want.Dims()
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			if !mask.At(b, s) {
				continue
			}
			for h := 0; h < heads; h++ {
				for d := 0; d < headDim; d++ {
					diff := math.Abs(float64(got.At(b, s, h, d) - want.At(b, s, h, d)))
					if diff > tol {
						t.Fatalf("mismatch at (%d,%d,%d,%d): got %f, want %f (diff %g)",
							b, s, h, d, got.At(b, s, h, d), want.At(b, s, h, d), diff)
					}
				}
			}
		}
	}
}

func testMask(t *testing.T, batch, seq, padTail int) *tensor.Mask {
	t.Helper()
	mask, err := tensor.NewMask(batch, seq)
	if err != nil {
		t.Fatalf("tensor.NewMask failed: %v", err)
	}
	for b := 0; b < batch; b++ {
		// stagger the padding so batch elements differ
		pad := padTail + b
		if pad > seq {
			pad = seq
		}
		for s := 0; s < seq-pad; s++ {
			mask.Set(b, s, true)
		}
	}
	return mask
}

// The tiled backend must match the dense reference for every tile length that
// evenly divides the sequence, under padding masks, worker counts and
// interpret mode.
func TestTiledMatchesReference(t *testing.T) {
	const (
		batch   = 2
		seq     = 8
		heads   = 3
		headDim = 5
	)
	rng := rand.New(rand.NewSource(42))
	q := randTensor(t, rng, batch, seq, heads, headDim)
	k := randTensor(t, rng, batch, seq, heads, headDim)
	v := randTensor(t, rng, batch, seq, heads, headDim)
	mask := testMask(t, batch, seq, 2)

	want, err := MHA(q, k, v, mask, nil, config.Config{Backend: config.BackendReference})
	if err != nil {
		t.Fatalf("reference backend failed: %v", err)
	}

	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"default block", config.Config{Backend: config.BackendTiled}},
		{"block 1", config.Config{Backend: config.BackendTiled, QBlockLen: 1}},
		{"block 2", config.Config{Backend: config.BackendTiled, QBlockLen: 2}},
		{"block 4", config.Config{Backend: config.BackendTiled, QBlockLen: 4}},
		{"block equals seq", config.Config{Backend: config.BackendTiled, QBlockLen: seq}},
		{"single worker", config.Config{Backend: config.BackendTiled, QBlockLen: 2, NumWorkers: 1}},
		{"many workers deep pipeline", config.Config{Backend: config.BackendTiled, QBlockLen: 2, NumWorkers: 16, NumStages: 4}},
		{"interpret mode", config.Config{Backend: config.BackendTiled, QBlockLen: 2, Interpret: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MHA(q, k, v, mask, nil, tt.cfg)
			if err != nil {
				t.Fatalf("tiled backend failed: %v", err)
			}
			compareValidRows(t, got, want, mask, 1e-5)
		})
	}
}

// Masked key/value rows must not influence the output, whatever garbage they
// hold.
func TestMaskedKeysCannotLeak(t *testing.T) {
	const (
		batch   = 1
		seq     = 8
		heads   = 2
		headDim = 4
	)
	rng := rand.New(rand.NewSource(11))
	q := randTensor(t, rng, batch, seq, heads, headDim)
	k := randTensor(t, rng, batch, seq, heads, headDim)
	v := randTensor(t, rng, batch, seq, heads, headDim)
	mask, _ := tensor.NewMask(batch, seq)
	for s := 0; s < 5; s++ {
		mask.Set(0, s, true)
	}

	for _, backend := range []string{config.BackendTiled, config.BackendReference} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.Config{Backend: backend, QBlockLen: 2}
			if backend == config.BackendReference {
				cfg.QBlockLen = 0
			}
			baseline, err := MHA(q, k, v, mask, nil, cfg)
			if err != nil {
				t.Fatalf("baseline failed: %v", err)
			}

			// poison the masked tail of K and V
			kDirty := k.Clone()
			vDirty := v.Clone()
			for s := 5; s < seq; s++ {
				for h := 0; h < heads; h++ {
					for d := 0; d < headDim; d++ {
						kDirty.Set(0, s, h, d, 1e30)
						vDirty.Set(0, s, h, d, -1e30)
					}
				}
			}
			got, err := MHA(q, kDirty, vDirty, mask, nil, cfg)
			if err != nil {
				t.Fatalf("poisoned run failed: %v", err)
			}
			compareValidRows(t, got, baseline, mask, 0)
		})
	}
}

// Fully masked query rows must come out finite even though their values are
// unconstrained.
func TestFullyMaskedRowsAreFinite(t *testing.T) {
	const (
		batch   = 2
		seq     = 4
		heads   = 2
		headDim = 3
	)
	rng := rand.New(rand.NewSource(3))
	q := randTensor(t, rng, batch, seq, heads, headDim)
	k := randTensor(t, rng, batch, seq, heads, headDim)
	v := randTensor(t, rng, batch, seq, heads, headDim)
	mask, _ := tensor.NewMask(batch, seq) // everything masked out

	for _, backend := range []string{config.BackendTiled, config.BackendReference} {
		t.Run(backend, func(t *testing.T) {
			out, err := MHA(q, k, v, mask, nil, config.Config{Backend: backend})
			if err != nil {
				t.Fatalf("MHA failed: %v", err)
			}
			if !tensor.IsFinite(out.Data()) {
				t.Error("output contains NaN or Inf")
			}
		})
	}
}

// Fixed scenario: batch=1, seq=4, heads=1, headDim=2, mask [T,T,F,F].
// Rows 0-1 must be convex combinations of V rows 0-1 only.
func TestTwoValidKeysScenario(t *testing.T) {
	mk := func() *tensor.Tensor {
		ten, _ := tensor.New(1, 4, 1, 2)
		rows := [][2]float32{{1, 0}, {0, 1}, {1, 1}, {0.5, 0.5}}
		for s, row := range rows {
			ten.Set(0, s, 0, 0, row[0])
			ten.Set(0, s, 0, 1, row[1])
		}
		return ten
	}
	q, k, v := mk(), mk(), mk()
	mask, _ := tensor.NewMask(1, 4)
	mask.Set(0, 0, true)
	mask.Set(0, 1, true)

	// expected weights from a float64 softmax over the two valid keys
	expectRow := func(qRow [2]float64) [2]float64 {
		s0 := qRow[0]*1 + qRow[1]*0
		s1 := qRow[0]*0 + qRow[1]*1
		m := math.Max(s0, s1)
		e0, e1 := math.Exp(s0-m), math.Exp(s1-m)
		w0, w1 := e0/(e0+e1), e1/(e0+e1)
		return [2]float64{w0*1 + w1*0, w0*0 + w1*1}
	}
	want := [][2]float64{expectRow([2]float64{1, 0}), expectRow([2]float64{0, 1})}

	for _, backend := range []string{config.BackendTiled, config.BackendReference} {
		t.Run(backend, func(t *testing.T) {
			out, err := MHA(q, k, v, mask, nil, config.Config{Backend: backend, QBlockLen: 2})
			if err != nil {
				t.Fatalf("MHA failed: %v", err)
			}
			for s := 0; s < 2; s++ {
				for d := 0; d < 2; d++ {
					got := float64(out.At(0, s, 0, d))
					if math.Abs(got-want[s][d]) > 1e-5 {
						t.Errorf("row %d dim %d: got %f, want %f", s, d, got, want[s][d])
					}
				}
			}
			// rows 2-3 unconstrained but finite
			for s := 2; s < 4; s++ {
				for d := 0; d < 2; d++ {
					if math.IsNaN(float64(out.At(0, s, 0, d))) {
						t.Errorf("row %d dim %d is NaN", s, d)
					}
				}
			}
		})
	}
}

func TestOutputShapeMatchesQuery(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	shapes := [][4]int{
		{1, 1, 1, 1},
		{1, 4, 1, 2},
		{3, 6, 2, 4},
		{2, 16, 4, 8},
	}
	for _, sh := range shapes {
		q := randTensor(t, rng, sh[0], sh[1], sh[2], sh[3])
		k := randTensor(t, rng, sh[0], sh[1], sh[2], sh[3])
		v := randTensor(t, rng, sh[0], sh[1], sh[2], sh[3])
		mask := testMask(t, sh[0], sh[1], 0)
		out, err := MHA(q, k, v, mask, nil, config.Config{Backend: config.BackendTiled})
		if err != nil {
			t.Fatalf("shape %v: MHA failed: %v", sh, err)
		}
		if !out.SameShape(q) {
			t.Errorf("shape %v: output shape differs from query", sh)
		}
	}
}

func TestInputMaskIsIgnored(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	q := randTensor(t, rng, 1, 4, 1, 2)
	k := randTensor(t, rng, 1, 4, 1, 2)
	v := randTensor(t, rng, 1, 4, 1, 2)
	mask := testMask(t, 1, 4, 0)

	inputMask, _ := tensor.NewMask(1, 4)
	inputMask.Set(0, 2, true)

	cfg := config.Config{Backend: config.BackendTiled, QBlockLen: 2}
	withNil, err := MHA(q, k, v, mask, nil, cfg)
	if err != nil {
		t.Fatalf("MHA failed: %v", err)
	}
	withMask, err := MHA(q, k, v, mask, inputMask, cfg)
	if err != nil {
		t.Fatalf("MHA with input mask failed: %v", err)
	}
	for i, want := range withNil.Data() {
		if withMask.Data()[i] != want {
			t.Fatalf("input mask changed output at %d", i)
		}
	}
}

func TestInputsNotMutated(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	q := randTensor(t, rng, 2, 4, 2, 3)
	k := randTensor(t, rng, 2, 4, 2, 3)
	v := randTensor(t, rng, 2, 4, 2, 3)
	mask := testMask(t, 2, 4, 1)
	qOrig, kOrig, vOrig := q.Clone(), k.Clone(), v.Clone()

	if _, err := MHA(q, k, v, mask, nil, config.Config{Backend: config.BackendTiled, QBlockLen: 2}); err != nil {
		t.Fatalf("MHA failed: %v", err)
	}
	for i := range qOrig.Data() {
		if q.Data()[i] != qOrig.Data()[i] || k.Data()[i] != kOrig.Data()[i] || v.Data()[i] != vOrig.Data()[i] {
			t.Fatal("MHA mutated an input tensor")
		}
	}
}

func TestConfigurationErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	q := randTensor(t, rng, 1, 8, 1, 2)
	k := randTensor(t, rng, 1, 8, 1, 2)
	v := randTensor(t, rng, 1, 8, 1, 2)
	mask := testMask(t, 1, 8, 0)

	t.Run("unknown backend", func(t *testing.T) {
		if _, err := MHA(q, k, v, mask, nil, config.Config{Backend: "cuda"}); err == nil {
			t.Error("unknown backend accepted")
		}
	})
	t.Run("non-dividing block length", func(t *testing.T) {
		cfg := config.Config{Backend: config.BackendTiled, QBlockLen: 3}
		if _, err := MHA(q, k, v, mask, nil, cfg); err == nil {
			t.Error("non-dividing q block accepted")
		}
	})
	t.Run("shape mismatch", func(t *testing.T) {
		badK := randTensor(t, rng, 1, 8, 2, 2)
		if _, err := MHA(q, badK, v, mask, nil, config.Config{Backend: config.BackendTiled}); err == nil {
			t.Error("mismatched k accepted")
		}
	})
}
