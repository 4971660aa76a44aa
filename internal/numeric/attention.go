package numeric

import "github.com/chewxy/math32"

// HeadAttention computes one attention head's output (spec §4.A
// "Single-head attention kernel"):
//
//	xb[head_size] = softmax(q . k^T * scale) . v
//
// kCache and vCache are laid out as nTok contiguous rows of kvDim
// floats, starting at the caller-supplied offset for this head.
// softmax subtracts the row maximum before exponentiating, and the
// scale is applied inside the exponent (i.e. to the raw dot product
// before softmax), matching the reference implementation.
func HeadAttention(xb []float32, nTok int, att []float32, q []float32, kCache []float32, vCache []float32, kvDim int, headSize int, scale float32) {
	for t := 0; t < nTok; t++ {
		k := kCache[t*kvDim : t*kvDim+headSize]
		att[t] = dotF32(q, k) * scale
	}
	Softmax(att[:nTok])

	for j := range xb[:headSize] {
		xb[j] = 0
	}
	for t := 0; t < nTok; t++ {
		v := vCache[t*kvDim : t*kvDim+headSize]
		a := att[t]
		for j := 0; j < headSize; j++ {
			xb[j] += a * v[j]
		}
	}
}

// Softmax normalizes x in place, subtracting the row maximum first
// for numerical stability (shared by attention and the sampler).
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range x {
		e := math32.Exp(v - max)
		x[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / sum
	for i := range x {
		x[i] *= inv
	}
}
