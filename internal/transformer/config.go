// Package transformer implements the decoder-only forward pass
// (RMSNorm, RoPE, grouped-query attention, dense/MoE FFN) described in
// spec §4.D, grounded on transformer.c/transformer.h.
package transformer

import (
	"github.com/chewxy/math32"

	"github.com/llamast/llamast/internal/numeric"
)

// MoEConfig holds the Mixtral-style sparse mixture-of-experts
// parameters, zero-valued (NumExperts == 0) for dense models.
type MoEConfig struct {
	NumExperts int // total experts per layer
	TopK       int // experts routed to per token
}

// Config is the Go analogue of transformer_config_t: hyperparameters
// read from the checkpoint's config.json plus values derived from
// them at build time.
type Config struct {
	Dim         int
	HiddenDim   int
	NLayers     int
	NHeads      int
	NKVHeads    int
	SeqLen      int
	RMSNormEps  float32
	RopeTheta   float32 // 0 if rope frequencies are carried per-layer in the checkpoint instead
	VocabSize   int

	// Derived.
	HeadSize      int
	KVDim         int
	KVMul         int
	SqrtHeadSize  float32

	// Resolved storage dtypes (spec §4.A "on-load dtype conversion"):
	// EmType covers the embedding table and classifier matmul, LwType
	// every other layer weight.
	EmType numeric.DType
	LwType numeric.DType

	MoE MoEConfig
}

// Derive fills in the fields computed from the loaded ones, mirroring
// build_transformer's post-load assignment of head_size/kv_dim/kv_mul.
func (c *Config) Derive() {
	c.HeadSize = c.Dim / c.NHeads
	c.KVDim = (c.Dim * c.NKVHeads) / c.NHeads
	c.KVMul = c.NHeads / c.NKVHeads
	c.SqrtHeadSize = math32.Sqrt(float32(c.HeadSize))
}
