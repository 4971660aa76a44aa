package checkpoint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/llamast/llamast/internal/numa"
	"github.com/llamast/llamast/internal/numeric"
	"github.com/llamast/llamast/internal/transformer"
)

// LoadOptions bundles what Load needs beyond the already-parsed
// config: how many safetensors shard files make up the checkpoint
// (load_checkpoint_weights' "model.safetensors" vs.
// "model-NNNNN-of-NNNNN.safetensors" naming).
type LoadOptions struct {
	NumSafetensorsFiles int
}

// FileReader abstracts reading one checkpoint shard's full bytes —
// satisfied by os.ReadFile in production and an in-memory map in
// tests.
type FileReader func(name string) ([]byte, error)

// Load allocates a transformer.Weights sized per cfg, reads every
// safetensors shard opts/read name, and runs the post-load validation
// check_load performs, grounded on load_checkpoint_weights.
func Load(tm *numa.ThreadMap, nNodes int, cfg *transformer.Config, emType, lwType numeric.DType, read FileReader, opts LoadOptions) (*transformer.Weights, error) {
	w, err := allocWeights(tm, nNodes, cfg, emType, lwType)
	if err != nil {
		return nil, err
	}

	n := opts.NumSafetensorsFiles
	if n <= 0 {
		n = 1
	}
	for i := 1; i <= n; i++ {
		name := "model.safetensors"
		if n > 1 {
			name = fmt.Sprintf("model-%05d-of-%05d.safetensors", i, n)
		}
		data, err := read(name)
		if err != nil {
			return nil, wrapCk(err, "reading %s", name)
		}
		c, err := ParseContainer(data)
		if err != nil {
			return nil, wrapCk(err, "parsing %s", name)
		}
		if err := loadFile(c, w, cfg); err != nil {
			return nil, wrapCk(err, "loading %s", name)
		}
	}

	if err := checkLoad(w, cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// allocWeights sizes every weight tensor per cfg, grounded
// line-for-line on alloc_transformer. The optional Bq/Bk/Bv and WCls
// tensors are always allocated up front, the same
// speculative-allocate-then-maybe-free pattern the original uses —
// checkLoad decides whether they survive. RopeIf is allocated only
// when cfg.RopeTheta is 0, and MoEGate only for MoE configs.
func allocWeights(tm *numa.ThreadMap, nNodes int, cfg *transformer.Config, emType, lwType numeric.DType) (*transformer.Weights, error) {
	nl := cfg.NLayers
	nw := nl
	w := &transformer.Weights{}

	var err error
	alloc := func(dst **numa.WDat, nz, wy, wx int, dtype numeric.DType, mmSplit bool) {
		if err != nil {
			return
		}
		*dst, err = numa.AllocWDat(tm, nNodes, 0, nz, wy, wx, dtype, mmSplit)
	}

	if cfg.MoE.NumExperts > 0 {
		nw *= cfg.MoE.NumExperts
		alloc(&w.MoEGate, nl, cfg.MoE.NumExperts, cfg.Dim, lwType, true)
	}

	alloc(&w.TokenEmb, 1, cfg.VocabSize, cfg.Dim, emType, true)
	alloc(&w.RMSAtt, nl, 1, cfg.Dim, numeric.F32, false)
	alloc(&w.Wq, nl, cfg.NHeads*cfg.HeadSize, cfg.Dim, lwType, true)
	alloc(&w.Wk, nl, cfg.NKVHeads*cfg.HeadSize, cfg.Dim, lwType, true)
	alloc(&w.Wv, nl, cfg.NKVHeads*cfg.HeadSize, cfg.Dim, lwType, true)
	alloc(&w.Wo, nl, cfg.Dim, cfg.NHeads*cfg.HeadSize, lwType, true)
	alloc(&w.RMSFfn, nl, 1, cfg.Dim, numeric.F32, false)
	alloc(&w.W1, nw, cfg.HiddenDim, cfg.Dim, lwType, true)
	alloc(&w.W2, nw, cfg.Dim, cfg.HiddenDim, lwType, true)
	alloc(&w.W3, nw, cfg.HiddenDim, cfg.Dim, lwType, true)
	alloc(&w.RMSFinal, 1, 1, cfg.Dim, numeric.F32, false)
	if cfg.RopeTheta == 0 {
		alloc(&w.RopeIf, nl, 1, cfg.HeadSize/2, numeric.F32, false)
	}
	alloc(&w.WCls, 1, cfg.VocabSize, cfg.Dim, emType, true)
	alloc(&w.Bq, nl, 1, cfg.NHeads*cfg.HeadSize, numeric.F32, false)
	alloc(&w.Bk, nl, 1, cfg.NKVHeads*cfg.HeadSize, numeric.F32, false)
	alloc(&w.Bv, nl, 1, cfg.NKVHeads*cfg.HeadSize, numeric.F32, false)

	if err != nil {
		return nil, wrapCk(err, "allocating weight tensors")
	}
	return w, nil
}

// loadFile dispatches every tensor name in c to its weight
// destination, grounded on load_file_st's name-prefix switch.
func loadFile(c *Container, w *transformer.Weights, cfg *transformer.Config) error {
	for name := range c.Tensors {
		switch {
		case strings.HasPrefix(name, "model.layers."):
			if err := loadLayerWeights(c, name, name[len("model.layers."):], w, cfg); err != nil {
				return err
			}
		case name == "model.embed_tokens.weight":
			if err := loadWeightsCvt(c, name, 0, w.TokenEmb, false, 0); err != nil {
				return err
			}
		case name == "lm_head.weight":
			if err := loadWeightsCvt(c, name, 0, w.WCls, false, 0); err != nil {
				return err
			}
		case name == "model.norm.weight":
			if err := loadWeightsCvt(c, name, 0, w.RMSFinal, false, 0); err != nil {
				return err
			}
		default:
			// ignored json name — not fatal, matching load_file_st.
		}
	}
	return nil
}

// loadLayerWeights parses the numeric layer id prefix off key and
// dispatches the remaining ".suffix" to its weight tensor, grounded
// line-for-line on load_layer_weights' W_TST_LD chain.
func loadLayerWeights(c *Container, name, key string, w *transformer.Weights, cfg *transformer.Config) error {
	digits := 0
	for digits < len(key) && key[digits] >= '0' && key[digits] <= '9' {
		digits++
	}
	layerID, err := strconv.Atoi(key[:digits])
	if err != nil {
		return errCk("%s: malformed layer id", name)
	}
	suffix := key[digits:]

	switch suffix {
	case ".input_layernorm.weight":
		return loadWeightsCvt(c, name, layerID, w.RMSAtt, false, 0)
	case ".self_attn.rotary_emb.inv_freq":
		return loadWeightsCvt(c, name, layerID, w.RopeIf, true, 0)
	case ".self_attn.q_proj.weight":
		return loadWeightsCvt(c, name, layerID, w.Wq, false, cfg.NHeads)
	case ".self_attn.k_proj.weight":
		return loadWeightsCvt(c, name, layerID, w.Wk, false, cfg.NKVHeads)
	case ".self_attn.v_proj.weight":
		return loadWeightsCvt(c, name, layerID, w.Wv, false, 0)
	case ".self_attn.q_proj.bias":
		return loadWeightsCvt(c, name, layerID, w.Bq, false, cfg.NHeads)
	case ".self_attn.k_proj.bias":
		return loadWeightsCvt(c, name, layerID, w.Bk, false, cfg.NKVHeads)
	case ".self_attn.v_proj.bias":
		return loadWeightsCvt(c, name, layerID, w.Bv, false, 0)
	case ".self_attn.o_proj.weight":
		return loadWeightsCvt(c, name, layerID, w.Wo, false, 0)
	case ".post_attention_layernorm.weight":
		return loadWeightsCvt(c, name, layerID, w.RMSFfn, false, 0)
	}

	if cfg.MoE.NumExperts == 0 {
		switch suffix {
		case ".mlp.gate_proj.weight":
			return loadWeightsCvt(c, name, layerID, w.W1, false, 0)
		case ".mlp.down_proj.weight":
			return loadWeightsCvt(c, name, layerID, w.W2, false, 0)
		case ".mlp.up_proj.weight":
			return loadWeightsCvt(c, name, layerID, w.W3, false, 0)
		}
		return nil // ignored, matching the original's "layer N: ignored tensor name"
	}

	if suffix == ".block_sparse_moe.gate.weight" {
		return loadWeightsCvt(c, name, layerID, w.MoEGate, false, 0)
	}
	const expertsPrefix = ".block_sparse_moe.experts."
	if strings.HasPrefix(suffix, expertsPrefix) {
		rest := suffix[len(expertsPrefix):]
		d := 0
		for d < len(rest) && rest[d] >= '0' && rest[d] <= '9' {
			d++
		}
		if d == 0 {
			return errCk("%s: MoE invalid expert id", name)
		}
		expID, _ := strconv.Atoi(rest[:d])
		if expID >= cfg.MoE.NumExperts {
			return errCk("%s: MoE invalid expert id", name)
		}
		zID := layerID*cfg.MoE.NumExperts + expID
		switch rest[d:] {
		case ".w1.weight":
			return loadWeightsCvt(c, name, zID, w.W1, false, 0)
		case ".w2.weight":
			return loadWeightsCvt(c, name, zID, w.W2, false, 0)
		case ".w3.weight":
			return loadWeightsCvt(c, name, zID, w.W3, false, 0)
		default:
			return errCk("%s: MoE invalid weight identifier", name)
		}
	}
	return nil // ignored
}

// loadWeightsCvt loads one tensor's payload into wd at z-layer zID,
// converting its dtype and/or undoing the Q/K head permutation as
// needed, grounded line-for-line on load_weights_cvt.
func loadWeightsCvt(c *Container, name string, zID int, wd *numa.WDat, optional bool, trNHeads int) error {
	if wd == nil || wd.Wx == 0 {
		if !optional {
			return errCk("%s: weight mem not allocated", name)
		}
		return nil
	}

	ti, ok := c.Tensors[name]
	if !ok {
		if optional {
			return nil
		}
		return errCk("missing required tensor %q", name)
	}

	if ti.Wx != wd.Wx || ti.Wy != wd.Wy {
		return errCk("%s: w sizes [%d, %d], expected [%d, %d]", name, ti.Wx, ti.Wy, wd.Wx, wd.Wy)
	}

	ne := int64(ti.Wx) * int64(ti.Wy)
	szLd := ti.DType.PackedBytes(ne)
	if szLd != ti.DataOffsets[1]-ti.DataOffsets[0] {
		return errCk("%s: tensor binary size mismatch", name)
	}
	if ti.DataOffsets[0] < 0 || ti.DataOffsets[1] > int64(len(c.Payload)) {
		return errCk("%s: tensor data offsets out of range", name)
	}
	raw := c.Payload[ti.DataOffsets[0]:ti.DataOffsets[1]]

	cvt := ti.DType != wd.DType
	if !cvt && trNHeads == 0 {
		return wd.LoadZ(zID, raw)
	}

	payload := raw
	if cvt {
		var err error
		payload, err = convertRow(wd.DType, ti.DType, raw, int(ne))
		if err != nil {
			return wrapCk(err, "%s", name)
		}
	}

	if trNHeads > 0 {
		var chunkSize, n int
		if wd.Wy == 1 {
			chunkSize = int(wd.DType.PackedBytes(1))
			n = wd.Wx
		} else {
			chunkSize = int(wd.DType.PackedBytes(int64(wd.Wx)))
			n = wd.Wy
		}
		out := make([]byte, len(payload))
		InvReshapeTranspose(out, payload, chunkSize, n, trNHeads)
		payload = out
	}

	return wd.LoadZ(zID, payload)
}

// checkLoad validates every required tensor loaded its full element
// count, aliases the classifier to the token embedding when the
// checkpoint carries no separate lm_head, and enforces the qkv bias
// all-or-nothing rule — grounded on check_load/chk_ne_loaded.
func checkLoad(w *transformer.Weights, cfg *transformer.Config) error {
	chk := func(name string, wd *numa.WDat) error {
		want := int64(wd.Nz) * int64(wd.Wy) * int64(wd.Wx)
		if wd.Loaded() != want {
			return errCk("%s: incomplete weight data load (%d/%d elements)", name, wd.Loaded(), want)
		}
		return nil
	}

	if cfg.MoE.NumExperts > 0 {
		if err := chk("moe_gate", w.MoEGate); err != nil {
			return err
		}
	}
	for _, t := range []struct {
		name string
		wd   *numa.WDat
	}{
		{"token_emb", w.TokenEmb}, {"rms_att", w.RMSAtt},
		{"wq", w.Wq}, {"wk", w.Wk}, {"wv", w.Wv}, {"wo", w.Wo},
		{"rms_ffn", w.RMSFfn}, {"w1", w.W1}, {"w2", w.W2}, {"w3", w.W3},
		{"rms_final", w.RMSFinal},
	} {
		if err := chk(t.name, t.wd); err != nil {
			return err
		}
	}

	if cfg.RopeTheta == 0 {
		if w.RopeIf.Loaded() > 0 {
			if err := chk("rope_if", w.RopeIf); err != nil {
				return err
			}
		} else {
			return errCk("rope_theta is undefined in config.json and rotary_emb.inv_freq not found in " +
				"the checkpoint; set rope_set in the run configuration to run this model")
		}
	} else {
		w.RopeIf = nil
	}

	// classifier weights: if lm_head.weight wasn't in the checkpoint,
	// alias the embedding table (qwen2-style tied embeddings).
	if w.WCls.Loaded() == 0 {
		w.WCls = w.TokenEmb
	} else if err := chk("wcls", w.WCls); err != nil {
		return err
	}

	// optional qkv bias: all three or none.
	if w.Bq.Loaded() > 0 {
		if err := chk("bq", w.Bq); err != nil {
			return err
		}
		if err := chk("bk", w.Bk); err != nil {
			return err
		}
		if err := chk("bv", w.Bv); err != nil {
			return err
		}
	} else {
		if w.Bk.Loaded() > 0 || w.Bv.Loaded() > 0 {
			return errCk("self_attn q bias absent but k/v bias present")
		}
		w.Bq, w.Bk, w.Bv = nil, nil, nil
	}

	return nil
}
