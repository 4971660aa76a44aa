package transformer

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/llamast/llamast/internal/numa"
	"github.com/llamast/llamast/internal/numeric"
	"github.com/stretchr/testify/require"
)

func syntheticTopology() *numa.Topology {
	return &numa.Topology{
		NumNodes:  1,
		NumProcs:  1,
		NodeProcs: []int{1},
		ProcList:  []int{0},
		ProcNode:  []int{0},
	}
}

// f32Row encodes vals as little-endian F32 bytes, the raw on-disk
// layout convertF32/matmulF32 read directly.
func f32Row(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// identityMat builds a wy-by-wx matrix's row-major bytes with a 1 on
// the diagonal and 0 elsewhere, wide or tall as needed (spec §8 "Tiny
// forward" describes W_q=W_k=W_v=W_o=I and lm_head=I; lm_head's I is
// necessarily non-square since vocab_size != dim, so it's read as
// "select the first vocab_size coordinates of x").
func identityMat(wy, wx int) []byte {
	buf := make([]byte, 0, wy*wx*4)
	row := make([]float32, wx)
	for i := 0; i < wy; i++ {
		for j := range row {
			row[j] = 0
		}
		if i < wx {
			row[i] = 1
		}
		buf = append(buf, f32Row(row)...)
	}
	return buf
}

func zeroMat(wy, wx int) []byte {
	return make([]byte, wy*wx*4)
}

func allocF32(t *testing.T, tm *numa.ThreadMap, nz, wy, wx int, mmSplit bool) *numa.WDat {
	t.Helper()
	wd, err := numa.AllocWDat(tm, 1, 0, nz, wy, wx, numeric.F32, mmSplit)
	require.NoError(t, err)
	return wd
}

// TestForwardTinyIdentityReproducesExpectedArgmax grounds spec §8's
// "Tiny forward" scenario: identity attention projections, a zeroed
// FFN, unit RMS weights, a one-hot embedding and a "select first
// vocab_size dims" classifier make a single decode step's output
// argmax land on the embedded token's own coordinate. Dimensions are
// scaled from the spec's dim=8 up to 32 (every weight tensor's input
// width must be a multiple of the SIMD lane count, spec §3) while
// preserving the same structure: one layer, identity Q/K/V/O, zero
// FFN, RoPE at position 0 (a no-op rotation), and a one-hot token
// embedding at the coordinate the classifier reads out.
func TestForwardTinyIdentityReproducesExpectedArgmax(t *testing.T) {
	topo := syntheticTopology()
	tm, err := numa.BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)

	const dim, hiddenDim, nHeads, nKVHeads, nLayers, seqLen, vocabSize = 32, 32, 2, 2, 1, 4, 4

	cfg := Config{
		Dim:        dim,
		HiddenDim:  hiddenDim,
		NLayers:    nLayers,
		NHeads:     nHeads,
		NKVHeads:   nKVHeads,
		SeqLen:     seqLen,
		RMSNormEps: 1e-5,
		RopeTheta:  10000,
		VocabSize:  vocabSize,
		EmType:     numeric.F32,
		LwType:     numeric.F32,
	}

	w := &Weights{}
	w.TokenEmb = allocF32(t, tm, 1, vocabSize, dim, false)
	onehot := make([]float32, dim)
	onehot[0] = 1 // token_emb[0] = e_1, the first standard basis vector
	emb := make([]byte, vocabSize*dim*4)
	copy(emb, f32Row(onehot))
	require.NoError(t, w.TokenEmb.LoadZ(0, emb))

	w.RMSAtt = allocF32(t, tm, nLayers, 1, dim, false)
	ones := make([]float32, dim)
	for i := range ones {
		ones[i] = 1
	}
	require.NoError(t, w.RMSAtt.LoadZ(0, f32Row(ones)))

	w.RMSFfn = allocF32(t, tm, nLayers, 1, dim, false)
	require.NoError(t, w.RMSFfn.LoadZ(0, f32Row(ones)))

	w.RMSFinal = allocF32(t, tm, 1, 1, dim, false)
	require.NoError(t, w.RMSFinal.LoadZ(0, f32Row(ones)))

	w.Wq = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.Wq.LoadZ(0, identityMat(dim, dim)))
	w.Wk = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.Wk.LoadZ(0, identityMat(dim, dim)))
	w.Wv = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.Wv.LoadZ(0, identityMat(dim, dim)))
	w.Wo = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.Wo.LoadZ(0, identityMat(dim, dim)))

	w.W1 = allocF32(t, tm, nLayers, hiddenDim, dim, true)
	require.NoError(t, w.W1.LoadZ(0, zeroMat(hiddenDim, dim)))
	w.W3 = allocF32(t, tm, nLayers, hiddenDim, dim, true)
	require.NoError(t, w.W3.LoadZ(0, zeroMat(hiddenDim, dim)))
	w.W2 = allocF32(t, tm, nLayers, dim, hiddenDim, true)
	require.NoError(t, w.W2.LoadZ(0, zeroMat(dim, hiddenDim)))

	w.WCls = allocF32(t, tm, 1, vocabSize, dim, true)
	require.NoError(t, w.WCls.LoadZ(0, identityMat(vocabSize, dim)))

	kernels := numeric.NewKernelSet(numeric.SIMDFPU)
	tr := New(cfg, w, kernels, nil)

	require.NoError(t, tr.Forward(0, true, true))

	logits := tr.State.Logits
	require.Len(t, logits, vocabSize)
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	require.Equal(t, 0, best, "logits=%v", logits)
}

// TestForwardCapacityErrorFallsBackToEOTLogits grounds spec §7's
// stated policy: with no Compactor wired, filling the cache never
// returns an error — it returns an EOT logits vector instead.
func TestForwardCapacityErrorFallsBackToEOTLogits(t *testing.T) {
	topo := syntheticTopology()
	tm, err := numa.BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)

	const dim, nLayers, seqLen, vocabSize = 32, 1, 1, 4
	cfg := Config{
		Dim: dim, HiddenDim: dim, NLayers: nLayers, NHeads: 2, NKVHeads: 2,
		SeqLen: seqLen, RMSNormEps: 1e-5, RopeTheta: 10000, VocabSize: vocabSize,
		EmType: numeric.F32, LwType: numeric.F32,
	}

	w := &Weights{}
	w.TokenEmb = allocF32(t, tm, 1, vocabSize, dim, false)
	require.NoError(t, w.TokenEmb.LoadZ(0, zeroMat(vocabSize, dim)))
	w.RMSAtt = allocF32(t, tm, nLayers, 1, dim, false)
	require.NoError(t, w.RMSAtt.LoadZ(0, zeroMat(1, dim)))
	w.RMSFfn = allocF32(t, tm, nLayers, 1, dim, false)
	require.NoError(t, w.RMSFfn.LoadZ(0, zeroMat(1, dim)))
	w.RMSFinal = allocF32(t, tm, 1, 1, dim, false)
	require.NoError(t, w.RMSFinal.LoadZ(0, zeroMat(1, dim)))
	w.Wq = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.Wq.LoadZ(0, zeroMat(dim, dim)))
	w.Wk = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.Wk.LoadZ(0, zeroMat(dim, dim)))
	w.Wv = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.Wv.LoadZ(0, zeroMat(dim, dim)))
	w.Wo = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.Wo.LoadZ(0, zeroMat(dim, dim)))
	w.W1 = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.W1.LoadZ(0, zeroMat(dim, dim)))
	w.W3 = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.W3.LoadZ(0, zeroMat(dim, dim)))
	w.W2 = allocF32(t, tm, nLayers, dim, dim, true)
	require.NoError(t, w.W2.LoadZ(0, zeroMat(dim, dim)))
	w.WCls = allocF32(t, tm, 1, vocabSize, dim, true)
	require.NoError(t, w.WCls.LoadZ(0, zeroMat(vocabSize, dim)))

	kernels := numeric.NewKernelSet(numeric.SIMDFPU)
	tr := New(cfg, w, kernels, nil)
	tr.EOTToken = 2

	require.NoError(t, tr.Forward(0, true, true)) // fills the one-slot cache
	require.NoError(t, tr.Forward(1, true, true)) // cache is now full, no Compactor

	want := make([]float32, vocabSize)
	want[tr.EOTToken] = 1.0
	require.Equal(t, want, tr.State.Logits)
}
