package tensor

import (
	"fmt"
	"math"
)

// ValidateAttentionInputs checks that Q, K, V and the mask agree on every
// shared dimension. Q, K and V must be identically shaped (self-attention
// layout); the mask must cover (batch, seq).
func ValidateAttentionInputs(q, k, v *Tensor, mask *Mask) error {
	if q == nil || k == nil || v == nil {
		return fmt.Errorf("attention inputs must not be nil")
	}
	if mask == nil {
		return fmt.Errorf("attention mask must not be nil")
	}
	if !q.SameShape(k) {
		return fmt.Errorf("q/k shape mismatch: (%d,%d,%d,%d) != (%d,%d,%d,%d)",
			q.batch, q.seq, q.heads, q.headDim, k.batch, k.seq, k.heads, k.headDim)
	}
	if !q.SameShape(v) {
		return fmt.Errorf("q/v shape mismatch: (%d,%d,%d,%d) != (%d,%d,%d,%d)",
			q.batch, q.seq, q.heads, q.headDim, v.batch, v.seq, v.heads, v.headDim)
	}
	mb, ms := mask.Dims()
	if mb != q.batch || ms != q.seq {
		return fmt.Errorf("mask shape mismatch: (%d,%d), want (%d,%d)", mb, ms, q.batch, q.seq)
	}
	return nil
}

func HasAnyNaN(data []float32) bool {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

func HasAnyInf(data []float32) bool {
	for _, v := range data {
		if math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}

func IsFinite(data []float32) bool {
	return !HasAnyNaN(data) && !HasAnyInf(data)
}

// CountNonFinite returns the NaN and Inf counts in one scan.
func CountNonFinite(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		}
		if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return
}
