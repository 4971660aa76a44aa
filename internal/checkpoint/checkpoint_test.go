package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llamast/llamast/internal/numa"
	"github.com/llamast/llamast/internal/numeric"
	"github.com/llamast/llamast/internal/transformer"
)

// f32Bytes little-endian encodes a row of float32 values, the raw
// on-disk layout a safetensors F32 tensor carries.
func f32Bytes(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// buildContainer assembles a safetensors-style byte buffer from a set
// of named rows, computing data_offsets from each row's position in
// the concatenated payload.
func buildContainer(t *testing.T, rows map[string]struct {
	DType string
	Shape []int
	Data  []byte
}) []byte {
	t.Helper()
	header := make(map[string]any, len(rows))
	var payload []byte
	for name, r := range rows {
		start := int64(len(payload))
		payload = append(payload, r.Data...)
		header[name] = map[string]any{
			"dtype":        r.DType,
			"shape":        r.Shape,
			"data_offsets": []int64{start, int64(len(payload))},
		}
	}
	hj, err := json.Marshal(header)
	require.NoError(t, err)

	buf := make([]byte, 8+len(hj)+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(len(hj)))
	copy(buf[8:], hj)
	copy(buf[8+len(hj):], payload)
	return buf
}

func TestParseContainerRoundTrip(t *testing.T) {
	data := buildContainer(t, map[string]struct {
		DType string
		Shape []int
		Data  []byte
	}{
		"model.norm.weight": {DType: "F32", Shape: []int{8}, Data: f32Bytes([]float32{1, 2, 3, 4, 5, 6, 7, 8})},
		"__metadata__":      {DType: "F32", Shape: []int{1}, Data: []byte{0, 0, 0, 0}},
	})

	c, err := ParseContainer(data)
	require.NoError(t, err)
	require.NotContains(t, c.Tensors, "__metadata__", "metadata entries are ignored, not loaded as tensors")

	ti, ok := c.Tensors["model.norm.weight"]
	require.True(t, ok)
	require.Equal(t, numeric.F32, ti.DType)
	require.Equal(t, 8, ti.Wx)
	require.Equal(t, 1, ti.Wy)
	require.Equal(t, f32Bytes([]float32{1, 2}), c.Payload[ti.DataOffsets[0]:ti.DataOffsets[1]][:8])
}

func TestParseContainer2DShapeSwap(t *testing.T) {
	// json shape [wy, wx] = [2, 4] must become internal Wx=4, Wy=2.
	data := buildContainer(t, map[string]struct {
		DType string
		Shape []int
		Data  []byte
	}{
		"w": {DType: "F32", Shape: []int{2, 4}, Data: f32Bytes(make([]float32, 8))},
	})
	c, err := ParseContainer(data)
	require.NoError(t, err)
	require.Equal(t, 4, c.Tensors["w"].Wx)
	require.Equal(t, 2, c.Tensors["w"].Wy)
}

func TestParseContainerRejectsBadHeaderSize(t *testing.T) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, 1<<30) // larger than the realism bound
	_, err := ParseContainer(buf)
	require.Error(t, err)
}

func TestResolveWeightDTypesPlainF16(t *testing.T) {
	em, lw, err := ResolveWeightDTypes(numeric.F16, CvtOptions{HasF16C: true})
	require.NoError(t, err)
	require.Equal(t, numeric.F16, em)
	require.Equal(t, numeric.F16, lw)
}

func TestResolveWeightDTypesForcesSF16WithoutF16C(t *testing.T) {
	em, lw, err := ResolveWeightDTypes(numeric.F16, CvtOptions{HasF16C: false})
	require.NoError(t, err)
	require.Equal(t, numeric.SF16, em)
	require.Equal(t, numeric.SF16, lw)
}

func TestResolveWeightDTypesSF16RequiresF16Torch(t *testing.T) {
	_, _, err := ResolveWeightDTypes(numeric.BF16, CvtOptions{CvtSF16: true, HasF16C: true})
	require.Error(t, err)
}

func TestResolveWeightDTypesF8TakesPriorityOverF12(t *testing.T) {
	em, lw, err := ResolveWeightDTypes(numeric.F16, CvtOptions{CvtSF16: true, CvtF12: true, CvtF8: true, HasF16C: true})
	require.NoError(t, err)
	require.Equal(t, numeric.SF16, em, "embeddings can stay sf16 while layer weights go to f8")
	require.Equal(t, numeric.F8, lw)
}

func TestInvReshapeTranspose(t *testing.T) {
	// n_heads=2, n=4 rows of 1-byte "chunks" 0..3: reshape(2, 1, 2, ...).transpose(1,2)
	// is being undone here; verify against a hand-computed permutation.
	src := []byte{0, 1, 2, 3}
	dst := make([]byte, 4)
	InvReshapeTranspose(dst, src, 1, 4, 2)
	// na=2, nb=1, nc=2: id = (a*2+c)*1+b for b in [0,1) -> a=0: c=0 id=0, c=1 id=1; a=1: c=0 id=2, c=1 id=3
	require.Equal(t, []byte{0, 1, 2, 3}, dst)
}

func TestLoadConfigLlama(t *testing.T) {
	raw := []byte(`{
		"architectures": ["LlamaForCausalLM"],
		"model_type": "llama",
		"hidden_act": "silu",
		"hidden_size": 32,
		"intermediate_size": 64,
		"num_hidden_layers": 2,
		"num_attention_heads": 4,
		"num_key_value_heads": 2,
		"max_position_embeddings": 128,
		"rms_norm_eps": 1e-5,
		"rope_theta": 10000.0,
		"vocab_size": 64,
		"torch_dtype": "float16"
	}`)
	cfg, torchType, err := LoadConfig(raw, Options{ModelID: ModelLlama})
	require.NoError(t, err)
	require.Equal(t, numeric.F16, torchType)
	require.Equal(t, 32, cfg.Dim)
	require.Equal(t, 2, cfg.NKVHeads)
	require.Equal(t, float32(10000.0), cfg.RopeTheta)
	require.Equal(t, 8, cfg.HeadSize) // 32/4
	require.Equal(t, 16, cfg.KVDim)   // 32*2/4
}

func TestLoadConfigMissingNumKVHeadsDefaultsToNHeads(t *testing.T) {
	raw := []byte(`{
		"architectures": ["LlamaForCausalLM"], "model_type": "llama", "hidden_act": "silu",
		"hidden_size": 32, "intermediate_size": 64, "num_hidden_layers": 1,
		"num_attention_heads": 4, "max_position_embeddings": 128,
		"rms_norm_eps": 1e-5, "rope_theta": 10000.0, "vocab_size": 64, "torch_dtype": "float32"
	}`)
	cfg, _, err := LoadConfig(raw, Options{ModelID: ModelLlama})
	require.NoError(t, err)
	require.Equal(t, 4, cfg.NKVHeads)
}

func TestLoadConfigRopeSetOverridesConfigJSON(t *testing.T) {
	raw := []byte(`{
		"architectures": ["LlamaForCausalLM"], "model_type": "llama", "hidden_act": "silu",
		"hidden_size": 32, "intermediate_size": 64, "num_hidden_layers": 1,
		"num_attention_heads": 4, "max_position_embeddings": 128,
		"rms_norm_eps": 1e-5, "rope_theta": 10000.0, "vocab_size": 64, "torch_dtype": "float32"
	}`)
	cfg, _, err := LoadConfig(raw, Options{ModelID: ModelLlama, RopeSet: 50000})
	require.NoError(t, err)
	require.Equal(t, float32(50000), cfg.RopeTheta)
}

func TestLoadConfigRejectsArchitectureMismatch(t *testing.T) {
	raw := []byte(`{
		"architectures": ["MistralForCausalLM"], "model_type": "mistral", "hidden_act": "silu",
		"hidden_size": 32, "intermediate_size": 64, "num_hidden_layers": 1,
		"num_attention_heads": 4, "max_position_embeddings": 128,
		"rms_norm_eps": 1e-5, "rope_theta": 10000.0, "vocab_size": 64, "torch_dtype": "float32"
	}`)
	_, _, err := LoadConfig(raw, Options{ModelID: ModelLlama})
	require.Error(t, err)
}

func TestLoadConfigMixtralReadsMoEFields(t *testing.T) {
	raw := []byte(`{
		"architectures": ["MixtralForCausalLM"], "model_type": "mixtral", "hidden_act": "silu",
		"hidden_size": 32, "intermediate_size": 64, "num_hidden_layers": 1,
		"num_attention_heads": 4, "max_position_embeddings": 128,
		"rms_norm_eps": 1e-5, "rope_theta": 10000.0, "vocab_size": 64, "torch_dtype": "float32",
		"num_local_experts": 8, "num_experts_per_tok": 2
	}`)
	cfg, _, err := LoadConfig(raw, Options{ModelID: ModelMixtral})
	require.NoError(t, err)
	require.Equal(t, 8, cfg.MoE.NumExperts)
	require.Equal(t, 2, cfg.MoE.TopK)
}

// buildSyntheticThreadMap mirrors the one-node/one-thread fixture
// internal/transformer's forward tests use.
func buildSyntheticThreadMap(t *testing.T) *numa.ThreadMap {
	t.Helper()
	topo := &numa.Topology{NumNodes: 1, NumProcs: 1, NodeProcs: []int{1}, ProcList: []int{0}, ProcNode: []int{0}}
	tm, err := numa.BuildThreadMap(topo, -1, -1)
	require.NoError(t, err)
	return tm
}

// TestLoadEndToEndNoConversionNoBiasNoTiedEmbeddings builds a tiny
// synthetic checkpoint (dense, no MoE, no qkv bias, separate lm_head,
// torch_type == storage type so no conversion needed) and checks
// every tensor lands in the right place.
func TestLoadEndToEndNoConversionNoBiasNoTiedEmbeddings(t *testing.T) {
	const dim, hiddenDim, nLayers, nHeads, nKVHeads, vocabSize, headSize = 32, 32, 1, 2, 2, 32, 16

	cfg := &transformer.Config{
		Dim: dim, HiddenDim: hiddenDim, NLayers: nLayers, NHeads: nHeads, NKVHeads: nKVHeads,
		SeqLen: 16, RMSNormEps: 1e-5, RopeTheta: 10000, VocabSize: vocabSize,
	}
	cfg.Derive()
	require.Equal(t, headSize, cfg.HeadSize)

	row := func(n int) []byte { return f32Bytes(make([]float32, n)) }
	tensors := map[string]struct {
		DType string
		Shape []int
		Data  []byte
	}{
		"model.embed_tokens.weight":              {DType: "F32", Shape: []int{vocabSize, dim}, Data: row(vocabSize * dim)},
		"lm_head.weight":                         {DType: "F32", Shape: []int{vocabSize, dim}, Data: row(vocabSize * dim)},
		"model.norm.weight":                      {DType: "F32", Shape: []int{dim}, Data: row(dim)},
		"model.layers.0.input_layernorm.weight":  {DType: "F32", Shape: []int{dim}, Data: row(dim)},
		"model.layers.0.self_attn.q_proj.weight": {DType: "F32", Shape: []int{nHeads * headSize, dim}, Data: row(nHeads * headSize * dim)},
		"model.layers.0.self_attn.k_proj.weight": {DType: "F32", Shape: []int{nKVHeads * headSize, dim}, Data: row(nKVHeads * headSize * dim)},
		"model.layers.0.self_attn.v_proj.weight": {DType: "F32", Shape: []int{nKVHeads * headSize, dim}, Data: row(nKVHeads * headSize * dim)},
		"model.layers.0.self_attn.o_proj.weight": {DType: "F32", Shape: []int{dim, nHeads * headSize}, Data: row(dim * nHeads * headSize)},
		"model.layers.0.post_attention_layernorm.weight": {DType: "F32", Shape: []int{dim}, Data: row(dim)},
		"model.layers.0.mlp.gate_proj.weight":            {DType: "F32", Shape: []int{hiddenDim, dim}, Data: row(hiddenDim * dim)},
		"model.layers.0.mlp.down_proj.weight":            {DType: "F32", Shape: []int{dim, hiddenDim}, Data: row(dim * hiddenDim)},
		"model.layers.0.mlp.up_proj.weight":              {DType: "F32", Shape: []int{hiddenDim, dim}, Data: row(hiddenDim * dim)},
	}
	data := buildContainer(t, tensors)

	tm := buildSyntheticThreadMap(t)
	read := func(name string) ([]byte, error) {
		require.Equal(t, "model.safetensors", name)
		return data, nil
	}

	w, err := Load(tm, 1, cfg, numeric.F32, numeric.F32, read, LoadOptions{NumSafetensorsFiles: 1})
	require.NoError(t, err)
	require.NotSame(t, w.WCls, w.TokenEmb, "a separate lm_head.weight must not be aliased away")
	require.Nil(t, w.Bq, "no qkv bias present: all three must be freed")
	require.Nil(t, w.Bk)
	require.Nil(t, w.Bv)
	require.Nil(t, w.RopeIf, "rope_theta is set in config: no rope_if tensor needed")
}

// TestLoadAliasesClassifierWhenLmHeadAbsent grounds the qwen2-style
// tied-embeddings rule: omitting lm_head.weight aliases wcls to the
// token embedding table instead of failing.
func TestLoadAliasesClassifierWhenLmHeadAbsent(t *testing.T) {
	const dim, hiddenDim, nHeads, nKVHeads, vocabSize, headSize = 32, 32, 2, 2, 32, 16
	cfg := &transformer.Config{
		Dim: dim, HiddenDim: hiddenDim, NLayers: 1, NHeads: nHeads, NKVHeads: nKVHeads,
		SeqLen: 16, RMSNormEps: 1e-5, RopeTheta: 10000, VocabSize: vocabSize,
	}
	cfg.Derive()

	row := func(n int) []byte { return f32Bytes(make([]float32, n)) }
	tensors := map[string]struct {
		DType string
		Shape []int
		Data  []byte
	}{
		"model.embed_tokens.weight":              {DType: "F32", Shape: []int{vocabSize, dim}, Data: row(vocabSize * dim)},
		"model.norm.weight":                      {DType: "F32", Shape: []int{dim}, Data: row(dim)},
		"model.layers.0.input_layernorm.weight":  {DType: "F32", Shape: []int{dim}, Data: row(dim)},
		"model.layers.0.self_attn.q_proj.weight": {DType: "F32", Shape: []int{nHeads * headSize, dim}, Data: row(nHeads * headSize * dim)},
		"model.layers.0.self_attn.k_proj.weight": {DType: "F32", Shape: []int{nKVHeads * headSize, dim}, Data: row(nKVHeads * headSize * dim)},
		"model.layers.0.self_attn.v_proj.weight": {DType: "F32", Shape: []int{nKVHeads * headSize, dim}, Data: row(nKVHeads * headSize * dim)},
		"model.layers.0.self_attn.o_proj.weight": {DType: "F32", Shape: []int{dim, nHeads * headSize}, Data: row(dim * nHeads * headSize)},
		"model.layers.0.post_attention_layernorm.weight": {DType: "F32", Shape: []int{dim}, Data: row(dim)},
		"model.layers.0.mlp.gate_proj.weight":            {DType: "F32", Shape: []int{hiddenDim, dim}, Data: row(hiddenDim * dim)},
		"model.layers.0.mlp.down_proj.weight":            {DType: "F32", Shape: []int{dim, hiddenDim}, Data: row(dim * hiddenDim)},
		"model.layers.0.mlp.up_proj.weight":              {DType: "F32", Shape: []int{hiddenDim, dim}, Data: row(hiddenDim * dim)},
	}
	data := buildContainer(t, tensors)

	tm := buildSyntheticThreadMap(t)
	read := func(string) ([]byte, error) { return data, nil }

	w, err := Load(tm, 1, cfg, numeric.F32, numeric.F32, read, LoadOptions{NumSafetensorsFiles: 1})
	require.NoError(t, err)
	require.Same(t, w.TokenEmb, w.WCls, "lm_head.weight absent: classifier must alias the embedding table")
}

// TestLoadRejectsPartialQKVBias grounds the optional-bias
// all-or-nothing rule.
func TestLoadRejectsPartialQKVBias(t *testing.T) {
	const dim, hiddenDim, nHeads, nKVHeads, vocabSize, headSize = 32, 32, 2, 2, 32, 16
	cfg := &transformer.Config{
		Dim: dim, HiddenDim: hiddenDim, NLayers: 1, NHeads: nHeads, NKVHeads: nKVHeads,
		SeqLen: 16, RMSNormEps: 1e-5, RopeTheta: 10000, VocabSize: vocabSize,
	}
	cfg.Derive()

	row := func(n int) []byte { return f32Bytes(make([]float32, n)) }
	tensors := map[string]struct {
		DType string
		Shape []int
		Data  []byte
	}{
		"model.embed_tokens.weight":              {DType: "F32", Shape: []int{vocabSize, dim}, Data: row(vocabSize * dim)},
		"lm_head.weight":                         {DType: "F32", Shape: []int{vocabSize, dim}, Data: row(vocabSize * dim)},
		"model.norm.weight":                      {DType: "F32", Shape: []int{dim}, Data: row(dim)},
		"model.layers.0.input_layernorm.weight":  {DType: "F32", Shape: []int{dim}, Data: row(dim)},
		"model.layers.0.self_attn.q_proj.weight": {DType: "F32", Shape: []int{nHeads * headSize, dim}, Data: row(nHeads * headSize * dim)},
		"model.layers.0.self_attn.q_proj.bias":   {DType: "F32", Shape: []int{nHeads * headSize}, Data: row(nHeads * headSize)},
		"model.layers.0.self_attn.k_proj.weight": {DType: "F32", Shape: []int{nKVHeads * headSize, dim}, Data: row(nKVHeads * headSize * dim)},
		"model.layers.0.self_attn.v_proj.weight": {DType: "F32", Shape: []int{nKVHeads * headSize, dim}, Data: row(nKVHeads * headSize * dim)},
		"model.layers.0.self_attn.o_proj.weight": {DType: "F32", Shape: []int{dim, nHeads * headSize}, Data: row(dim * nHeads * headSize)},
		"model.layers.0.post_attention_layernorm.weight": {DType: "F32", Shape: []int{dim}, Data: row(dim)},
		"model.layers.0.mlp.gate_proj.weight":            {DType: "F32", Shape: []int{hiddenDim, dim}, Data: row(hiddenDim * dim)},
		"model.layers.0.mlp.down_proj.weight":            {DType: "F32", Shape: []int{dim, hiddenDim}, Data: row(dim * hiddenDim)},
		"model.layers.0.mlp.up_proj.weight":              {DType: "F32", Shape: []int{hiddenDim, dim}, Data: row(hiddenDim * dim)},
	}
	data := buildContainer(t, tensors)

	tm := buildSyntheticThreadMap(t)
	read := func(string) ([]byte, error) { return data, nil }

	_, err := Load(tm, 1, cfg, numeric.F32, numeric.F32, read, LoadOptions{NumSafetensorsFiles: 1})
	require.Error(t, err, "q bias present without k/v bias must fail, not silently load partial bias")
}
