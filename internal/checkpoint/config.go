package checkpoint

import (
	"github.com/bytedance/sonic"

	"github.com/llamast/llamast/internal/numeric"
	"github.com/llamast/llamast/internal/transformer"
)

// ModelID selects which architectures/model_type strings config.json
// must carry, grounded on load_checkpoint_config's model_id switch.
type ModelID int

const (
	ModelLlama ModelID = iota
	ModelMistral
	ModelMathstral
	ModelZephyr
	ModelMixtral
	ModelQwen2
)

var archModelType = map[ModelID][2]string{
	ModelMistral:   {"MistralForCausalLM", "mistral"},
	ModelMathstral: {"MistralForCausalLM", "mistral"},
	ModelZephyr:    {"MistralForCausalLM", "mistral"},
	ModelMixtral:   {"MixtralForCausalLM", "mixtral"},
	ModelQwen2:     {"Qwen2ForCausalLM", "qwen2"},
	ModelLlama:     {"LlamaForCausalLM", "llama"},
}

// configJSON mirrors the subset of HuggingFace config.json keys
// load_checkpoint_config reads. architectures is compared against
// its first element only, the same single-string check CHECK_KEY
// performs.
type configJSON struct {
	Architectures         []string `json:"architectures"`
	ModelType             string   `json:"model_type"`
	HiddenAct             string   `json:"hidden_act"`
	HiddenSize            int      `json:"hidden_size"`
	IntermediateSize      int      `json:"intermediate_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	NumKeyValueHeads      *int     `json:"num_key_value_heads"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	RMSNormEps            float32  `json:"rms_norm_eps"`
	RopeTheta             *float32 `json:"rope_theta"`
	VocabSize             int      `json:"vocab_size"`
	TorchDtype            string   `json:"torch_dtype"`
	NumLocalExperts       int      `json:"num_local_experts"`
	NumExpertsPerTok      int      `json:"num_experts_per_tok"`
}

// Options carries the run-configuration inputs
// load_checkpoint_config folds into the parsed config.json.
type Options struct {
	ModelID ModelID

	// RopeSet overrides config.json's rope_theta when non-zero,
	// grounded on model.config.rope_set — the user-supplied escape
	// hatch for checkpoints whose config.json omits rope_theta and
	// whose safetensors also lack rotary_emb.inv_freq.
	RopeSet float32
}

// LoadConfig parses a checkpoint's config.json into a
// transformer.Config (Derive already applied) and the raw on-disk
// torch dtype, grounded line-for-line on load_checkpoint_config.
// EmType/LwType are left at their zero value (numeric.F32) here —
// ResolveWeightDTypes assigns the actual storage dtypes once the
// caller's cvt_sf16/cvt_f12/cvt_f8 options are known.
func LoadConfig(data []byte, opts Options) (*transformer.Config, numeric.DType, error) {
	var c configJSON
	if err := sonic.Unmarshal(data, &c); err != nil {
		return nil, 0, wrapCk(err, "config.json: invalid JSON")
	}

	want, ok := archModelType[opts.ModelID]
	if !ok {
		want = archModelType[ModelLlama]
	}
	if len(c.Architectures) == 0 || c.Architectures[0] != want[0] {
		return nil, 0, errCk("config.json: architectures mismatch, want %q", want[0])
	}
	if c.ModelType != want[1] {
		return nil, 0, errCk("config.json: model_type mismatch, want %q", want[1])
	}
	if c.HiddenAct != "silu" {
		return nil, 0, errCk("config.json: unsupported hidden_act %q, want silu", c.HiddenAct)
	}

	cfg := &transformer.Config{
		Dim:        c.HiddenSize,
		HiddenDim:  c.IntermediateSize,
		NLayers:    c.NumHiddenLayers,
		NHeads:     c.NumAttentionHeads,
		SeqLen:     c.MaxPositionEmbeddings,
		RMSNormEps: c.RMSNormEps,
		VocabSize:  c.VocabSize,
	}

	if c.NumKeyValueHeads != nil {
		cfg.NKVHeads = *c.NumKeyValueHeads
	} else {
		cfg.NKVHeads = cfg.NHeads // n_kv_heads undefined, assumed = n_heads (llama1)
	}

	if c.RopeTheta != nil {
		cfg.RopeTheta = *c.RopeTheta
	} // else: rotary_emb.inv_freq is expected in the safetensors payload

	var torchType numeric.DType
	switch c.TorchDtype {
	case "float16":
		torchType = numeric.F16
	case "bfloat16":
		torchType = numeric.BF16
	case "float32":
		torchType = numeric.F32
	default:
		return nil, 0, errCk("config.json: unsupported torch_dtype %q", c.TorchDtype)
	}

	if opts.ModelID == ModelMixtral {
		cfg.MoE.NumExperts = c.NumLocalExperts
		cfg.MoE.TopK = c.NumExpertsPerTok
	}

	cfg.Derive()

	if opts.RopeSet != 0 {
		cfg.RopeTheta = opts.RopeSet
	}

	return cfg, torchType, nil
}
