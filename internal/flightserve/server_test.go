package flightserve

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func TestExchangeEndToEnd(t *testing.T) {
	srv, err := Serve("localhost:0", config.Config{Backend: config.BackendTiled, QBlockLen: 2})
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	defer srv.Shutdown()

	client, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	const (
		batch   = 2
		seq     = 8
		heads   = 2
		headDim = 4
	)
	rng := rand.New(rand.NewSource(31))
	mk := func() *tensor.Tensor {
		ten, _ := tensor.New(batch, seq, heads, headDim)
		data := ten.Data()
		for i := range data {
			data[i] = rng.Float32()*2 - 1
		}
		return ten
	}
	q, k, v := mk(), mk(), mk()
	mask, _ := tensor.NewMask(batch, seq)
	for b := 0; b < batch; b++ {
		for s := 0; s < seq-b; s++ {
			mask.Set(b, s, true)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := client.Attend(ctx, q, k, v, mask)
	if err != nil {
		t.Fatalf("Attend failed: %v", err)
	}

	want := attention.Reference(q, k, v, mask)
	if !got.SameShape(want) {
		t.Fatal("remote output shape mismatch")
	}
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			if !mask.At(b, s) {
				continue
			}
			for h := 0; h < heads; h++ {
				for d := 0; d < headDim; d++ {
					diff := math.Abs(float64(got.At(b, s, h, d) - want.At(b, s, h, d)))
					if diff > 1e-5 {
						t.Fatalf("remote mismatch at (%d,%d,%d,%d): diff %g", b, s, h, d, diff)
					}
				}
			}
		}
	}
}

func TestNewAttentionServerRejectsBadConfig(t *testing.T) {
	if _, err := NewAttentionServer(config.Config{Backend: "cuda"}); err == nil {
		t.Error("unknown backend accepted")
	}
}
