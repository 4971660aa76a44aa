package transformer

import (
	"context"
	"sort"

	"github.com/chewxy/math32"

	"github.com/llamast/llamast/internal/numa"
	"github.com/llamast/llamast/internal/numeric"
)

// Compactor forgets some of a full KV cache's oldest tokens and
// rotates the RoPE phase of whatever survives, implemented by
// internal/kvcache (kept as a separate package per the component
// table, reached here through an interface so this package doesn't
// need to import it back). chatMode selects kv_cache.c's "drop whole
// turns after the system prompt" strategy over generate mode's flat
// prefix drop. Returns how many tokens were forgotten.
type Compactor interface {
	Reserve(s *RunState, cfg *Config, chatMode bool, minTokenReserve int) (int, error)
}

// Transformer bundles the config, weights, activation state, and
// dispatch tables one forward pass needs, the Go analogue of
// transformer_t (spec §9 "Replaces global mutable engine state" — an
// owned instance instead of a process-wide singleton).
type Transformer struct {
	Config    Config
	Weights   *Weights
	State     *RunState
	Kernels   *numeric.KernelSet
	Pool      *numa.Pool // nil runs every matmul on the calling goroutine
	Compactor Compactor  // nil disables compaction: a full cache forces an EOT logits vector instead
	ChatMode  bool
	EOTToken  int
}

// New builds a Transformer with a freshly allocated RunState.
func New(cfg Config, w *Weights, kernels *numeric.KernelSet, pool *numa.Pool) *Transformer {
	cfg.Derive()
	return &Transformer{Config: cfg, Weights: w, State: NewRunState(&cfg), Kernels: kernels, Pool: pool}
}

// lwMatmul runs d[y] = vec . wd.rows[y] for every row of z-layer
// layerID, splitting the rows across the transformer's pool the same
// way the original's lw_matmul split work across numa_map.n_threads
// (ThreadRow silently contributes nothing for a tid whose block is
// empty, so this is safe to call regardless of how many pool workers
// exist relative to wd's own partition count).
func (t *Transformer) lwMatmul(dst, vec []float32, wd *numa.WDat, layerID int, mm numeric.MatmulFunc) error {
	run := func(tid int) error {
		row, dy := wd.ThreadRow(tid, layerID)
		if dy == 0 {
			return nil
		}
		y := tid * wd.Dy
		mm(dst[y:y+dy], vec, row, wd.Wx, dy)
		return nil
	}
	if t.Pool == nil {
		for tid := 0; tid < wd.NThreads(); tid++ {
			if err := run(tid); err != nil {
				return err
			}
		}
		return nil
	}
	return t.Pool.ParallelFor(context.Background(), run)
}

func vecAdd(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

func vecGetSqSum(a []float32) float32 {
	var sum float32
	for _, v := range a {
		sum += v * v
	}
	return sum
}

func vecAddGetSqSum(a, b []float32) float32 {
	var sum float32
	for i := range a {
		a[i] += b[i]
		sum += a[i] * a[i]
	}
	return sum
}

// normScale applies RMSNorm with precomputed sum-of-squares, grounded
// on norm_scale.
func normScale(dst, src []float32, sqSum float32, eps float32, weight []byte, kernels *numeric.KernelSet, dtype numeric.DType) {
	k := 1.0 / math32.Sqrt(sqSum/float32(len(src))+eps)
	w := make([]float32, len(src))
	kernels.Convert[dtype](w, weight, len(src))
	for i := range dst {
		dst[i] = src[i] * k * w[i]
	}
}

// swiglu is x * sigmoid(x), the SwiGLU gate's nonlinearity.
func swiglu(x float32) float32 {
	return x / (1.0 + math32.Exp(-x))
}

// embedRow decodes token's row of a (possibly node-sharded) embedding
// table to f32, grounded on forward's WDL_Y(token_emb, token) /
// split-node lookup branch.
func (t *Transformer) embedRow(dst []float32, wd *numa.WDat, token int) error {
	row, err := wd.Row(0, token)
	if err != nil {
		return err
	}
	t.Kernels.Convert[t.Config.EmType](dst, row, wd.Wx)
	return nil
}

// Forward runs one decode step for token at the cache's next
// position, updating the KV cache and, only when wantLogits is true,
// populating State.Logits (otherwise the last layer stores its K/V
// and returns early). isSampled records whether token was
// produced by the sampler or injected externally, feeding the
// repeat-penalty/eos_amp bookkeeping in State.Cache. Grounded
// line-for-line on forward() in transformer.c.
func (t *Transformer) Forward(token int, isSampled, wantLogits bool) error {
	cfg := &t.Config
	w := t.Weights
	s := t.State

	if s.Cache.NTokens == cfg.SeqLen {
		if t.Compactor == nil {
			// spec §7 policy: "CapacityError returns an EOT-logits vector
			// to the caller; no exception is raised."
			for i := range s.Logits {
				s.Logits[i] = 0
			}
			s.Logits[t.EOTToken] = 1.0
			return nil
		}
		if _, err := t.Compactor.Reserve(s, cfg, t.ChatMode, cfg.SeqLen/20); err != nil {
			return errTransformer("kv compaction failed: %v", err)
		}
	}

	pos := s.Cache.NTokens
	s.Cache.Tokens[pos] = Token{TokenID: token, Sampled: isSampled}
	s.Cache.NTokens++
	if isSampled {
		s.Cache.NTokensSamp++
	} else {
		s.Cache.NTokensSamp = 0
	}

	if cfg.RopeTheta != 0 {
		SetRoPEPos(s.RopeSinCos, pos, s.RopeFreq)
	}

	if err := t.embedRow(s.X, w.TokenEmb, token); err != nil {
		return err
	}
	sqSum := vecGetSqSum(s.X[:w.TokenEmb.Wx])

	idExit := cfg.NLayers
	if !wantLogits {
		idExit = cfg.NLayers - 1
	}

	for layerID := 0; layerID < cfg.NLayers; layerID++ {
		defQ := layerID != idExit

		rmsW, err := w.RMSAtt.Row(layerID, 0)
		if err != nil {
			return err
		}
		normScale(s.Xb, s.X, sqSum, cfg.RMSNormEps, rmsW, t.Kernels, w.RMSAtt.DType)

		kvOfs := layerID * cfg.SeqLen * cfg.KVDim
		k := s.KCache[kvOfs+pos*cfg.KVDim : kvOfs+pos*cfg.KVDim+cfg.KVDim]
		v := s.VCache[kvOfs+pos*cfg.KVDim : kvOfs+pos*cfg.KVDim+cfg.KVDim]

		mmLw := t.Kernels.Matmul[cfg.LwType]
		if err := t.lwMatmul(k, s.Xb, w.Wk, layerID, mmLw); err != nil {
			return err
		}
		if err := t.lwMatmul(v, s.Xb, w.Wv, layerID, mmLw); err != nil {
			return err
		}
		if defQ {
			if err := t.lwMatmul(s.Q, s.Xb, w.Wq, layerID, mmLw); err != nil {
				return err
			}
		}

		if w.HasBias() {
			if err := addBiasRow(k, w.Bk, layerID, t.Kernels); err != nil {
				return err
			}
			if err := addBiasRow(v, w.Bv, layerID, t.Kernels); err != nil {
				return err
			}
			if defQ {
				if err := addBiasRow(s.Q, w.Bq, layerID, t.Kernels); err != nil {
					return err
				}
			}
		}

		if cfg.RopeTheta == 0 {
			rif, err := w.RopeIf.Row(layerID, 0)
			if err != nil {
				return err
			}
			freq := make([]float32, cfg.HeadSize/2)
			t.Kernels.Convert[w.RopeIf.DType](freq, rif, cfg.HeadSize/2)
			SetRoPEPos(s.RopeSinCos, pos, freq)
		}

		if !defQ {
			RoPE(k, nil, s.RopeSinCos, cfg.HeadSize, cfg.KVDim, 0)
			return nil
		}

		RoPE(s.Q, k, s.RopeSinCos, cfg.HeadSize, cfg.Dim, cfg.KVDim)

		t.multiheadAttention(kvOfs)

		if err := t.lwMatmul(s.Xb2, s.Xb, w.Wo, layerID, mmLw); err != nil {
			return err
		}
		sqSum = vecAddGetSqSum(s.X, s.Xb2)

		rmsFfnW, err := w.RMSFfn.Row(layerID, 0)
		if err != nil {
			return err
		}
		normScale(s.Xb, s.X, sqSum, cfg.RMSNormEps, rmsFfnW, t.Kernels, w.RMSFfn.DType)

		if cfg.MoE.NumExperts == 0 {
			if err := t.denseFFN(layerID, mmLw); err != nil {
				return err
			}
			sqSum = vecAddGetSqSum(s.X, s.Xb)
		} else {
			var err error
			sqSum, err = t.moeFFN(layerID, mmLw)
			if err != nil {
				return err
			}
		}
	}

	rmsFinal, err := w.RMSFinal.Row(0, 0)
	if err != nil {
		return err
	}
	normScale(s.X, s.X, sqSum, cfg.RMSNormEps, rmsFinal, t.Kernels, w.RMSFinal.DType)

	return t.lwMatmul(s.Logits, s.X, w.WCls, 0, t.Kernels.Matmul[cfg.EmType])
}

func addBiasRow(dst []float32, wd *numa.WDat, layerID int, kernels *numeric.KernelSet) error {
	row, err := wd.Row(layerID, 0)
	if err != nil {
		return err
	}
	bias := make([]float32, wd.Wx)
	kernels.Convert[wd.DType](bias, row, wd.Wx)
	vecAdd(dst, bias)
	return nil
}

// multiheadAttention runs HeadAttention for every query head, writing
// each head's output slice of State.Xb, grounded on
// multihead_attention / head_attention. Heads are batched one pool
// region at a time so every head gets computed even when n_heads
// exceeds the worker count, mirroring the original's nt_mp-sized head
// batches.
func (t *Transformer) multiheadAttention(kvOfs int) {
	cfg := &t.Config
	s := t.State
	one := func(h int) {
		xb := s.Xb[h*cfg.HeadSize : (h+1)*cfg.HeadSize]
		att := s.Att[h*cfg.SeqLen : (h+1)*cfg.SeqLen]
		q := s.Q[h*cfg.HeadSize : (h+1)*cfg.HeadSize]
		hKvOfs := kvOfs + (h/cfg.KVMul)*cfg.HeadSize
		numeric.HeadAttention(xb, s.Cache.NTokens, att, q, s.KCache[hKvOfs:], s.VCache[hKvOfs:], cfg.KVDim, cfg.HeadSize, 1.0/cfg.SqrtHeadSize)
	}
	if t.Pool == nil {
		for h := 0; h < cfg.NHeads; h++ {
			one(h)
		}
		return
	}
	for base := 0; base < cfg.NHeads; base += t.Pool.NThreads() {
		base := base
		_ = t.Pool.ParallelFor(context.Background(), func(tid int) error {
			if h := base + tid; h < cfg.NHeads {
				one(h)
			}
			return nil
		})
	}
}

func (t *Transformer) denseFFN(layerID int, mm numeric.MatmulFunc) error {
	s := t.State
	w := t.Weights
	if err := t.lwMatmul(s.Hb, s.Xb, w.W1, layerID, mm); err != nil {
		return err
	}
	if err := t.lwMatmul(s.Hb2, s.Xb, w.W3, layerID, mm); err != nil {
		return err
	}
	for i := range s.Hb {
		s.Hb[i] = swiglu(s.Hb[i]) * s.Hb2[i]
	}
	return t.lwMatmul(s.Xb, s.Hb, w.W2, layerID, mm)
}

// moeFFN routes layerID's token through its top_k highest-probability
// experts and accumulates their weighted contribution into State.X,
// grounded verbatim on forward's MoE branch (gate matmul, softmax,
// qsort-by-probability, weighted residual sum).
func (t *Transformer) moeFFN(layerID int, mm numeric.MatmulFunc) (float32, error) {
	cfg := &t.Config
	s := t.State
	w := t.Weights
	n := cfg.MoE.NumExperts

	if err := t.lwMatmul(s.MoE.ExpLogits, s.Xb, w.MoEGate, layerID, mm); err != nil {
		return 0, err
	}
	numeric.Softmax(s.MoE.ExpLogits)
	for i := 0; i < n; i++ {
		s.MoE.ExpProbs[i] = ExpProb{ExpID: i, Prob: s.MoE.ExpLogits[i]}
	}
	sort.Slice(s.MoE.ExpProbs, func(i, j int) bool { return s.MoE.ExpProbs[i].Prob > s.MoE.ExpProbs[j].Prob })

	var sumProb float32
	for i := 0; i < cfg.MoE.TopK; i++ {
		sumProb += s.MoE.ExpProbs[i].Prob
	}

	for i := 0; i < cfg.MoE.TopK; i++ {
		index := layerID*n + s.MoE.ExpProbs[i].ExpID

		if err := t.lwMatmul(s.Hb, s.Xb, w.W1, index, mm); err != nil {
			return 0, err
		}
		if err := t.lwMatmul(s.Hb2, s.Xb, w.W3, index, mm); err != nil {
			return 0, err
		}
		for j := range s.Hb {
			s.Hb[j] = swiglu(s.Hb[j]) * s.Hb2[j]
		}
		if err := t.lwMatmul(s.Xb2, s.Hb, w.W2, index, mm); err != nil {
			return 0, err
		}

		k := s.MoE.ExpProbs[i].Prob / sumProb
		for j := 0; j < cfg.Dim; j++ {
			s.X[j] += s.Xb2[j] * k
		}
	}

	return vecGetSqSum(s.X), nil
}
