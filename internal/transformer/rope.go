package transformer

import "github.com/chewxy/math32"

// InitRoPE fills freq[i] = theta^(-2i/headSize) for i in
// [0, headSize/2), grounded on init_RoPE.
func InitRoPE(freq []float32, theta float32, headSize int) {
	for i := 0; i < headSize; i += 2 {
		freq[i/2] = 1.0 / math32.Pow(theta, float32(i)/float32(headSize))
	}
}

// SetRoPEPos fills sinCos with sin/cos pairs of freq*pos for the
// given absolute position, grounded on set_RoPE_pos. pos may be
// negative (kv-cache compaction rotates trailing entries by -nDel).
func SetRoPEPos(sinCos []float32, pos int, freq []float32) {
	for i, f := range freq {
		a := f * float32(pos)
		sinCos[i*2] = math32.Sin(a)
		sinCos[i*2+1] = math32.Cos(a)
	}
}

// RoPE rotates a (query, length aDim) and, when bDim > 0, also b (key,
// length bDim <= aDim) in place using the same sin/cos table, two
// lanes at a time per head_size-sized group — grounded verbatim on
// RoPE's a/b dual-rotation loop.
func RoPE(a, b []float32, sinCos []float32, headSize, aDim, bDim int) {
	i := 0
	for i != aDim {
		for j := 0; j != headSize; j, i = j+2, i+2 {
			x, y := a[i], a[i+1]
			s, c := sinCos[j], sinCos[j+1]
			a[i] = x*c - y*s
			a[i+1] = x*s + y*c
			if i < bDim {
				x, y = b[i], b[i+1]
				b[i] = x*c - y*s
				b[i+1] = x*s + y*c
			}
		}
	}
}
