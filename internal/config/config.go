// Package config decodes the JSON run configuration described in
// spec §6, the Go analogue of model.h's run_conf_t. It owns model
// identifier resolution, chat prompt templating (chat_cfg_t), and the
// "did you mean" suggestion a typo'd model_ident produces instead of a
// bare lookup failure.
package config

import (
	"fmt"
	"os"

	"github.com/agnivade/levenshtein"
	"github.com/bytedance/sonic"

	"github.com/llamast/llamast/internal/checkpoint"
	"github.com/llamast/llamast/internal/sampler"
)

// RunMode selects the top-level loop cmd/llamast enters, the Go
// analogue of e_run_mode.
type RunMode int

const (
	RunGenerate RunMode = iota
	RunChat
)

// modelIdentNames mirrors model_id_names — the run configuration's
// model_ident string must name one of these.
var modelIdentNames = []string{
	"tinyllama", "llama1", "llama2", "codellama", "llama3", "llama31",
	"mistral", "mathstral", "zephyr", "mixtral", "vigogne2", "qwen2",
}

// modelIdentToCheckpoint maps a run configuration's model_ident to
// the checkpoint.ModelID load_checkpoint_config validates config.json
// against. Every tinyllama/llama1/llama2/codellama/llama3/llama31/
// vigogne2 variant shares LlamaForCausalLM's architecture check.
var modelIdentToCheckpoint = map[string]checkpoint.ModelID{
	"tinyllama": checkpoint.ModelLlama,
	"llama1":    checkpoint.ModelLlama,
	"llama2":    checkpoint.ModelLlama,
	"codellama": checkpoint.ModelLlama,
	"llama3":    checkpoint.ModelLlama,
	"llama31":   checkpoint.ModelLlama,
	"vigogne2":  checkpoint.ModelLlama,
	"mistral":   checkpoint.ModelMistral,
	"mathstral": checkpoint.ModelMathstral,
	"zephyr":    checkpoint.ModelZephyr,
	"mixtral":   checkpoint.ModelMixtral,
	"qwen2":     checkpoint.ModelQwen2,
}

// ChatPromptMode selects which of chat_cfg_t's three prompt-template
// schemes builds a chat turn's text.
type ChatPromptMode int

const (
	// ChatPromptPlain feeds cm0_sys_prompt and each user line as-is,
	// with no per-turn templating (cm0_*).
	ChatPromptPlain ChatPromptMode = iota
	// ChatPromptTemplate prefixes the system prompt with
	// cm1_sys_template and each user line with cm1_user_template
	// (cm1_*). cmd/llamast's chat loop does not apply
	// cm1_user_first_template or cm1_end_template.
	ChatPromptTemplate
	// ChatPromptNamed prefixes the system prompt with cm2_sys_template
	// and each user line with cm2_user_template (cm2_*). The
	// cm2_user_name_sw name swap is decoded but not applied.
	ChatPromptNamed
)

// ChatConfig is the Go analogue of chat_cfg_t.
type ChatConfig struct {
	UseColors       bool           `json:"chat_use_colors"`
	ForwardDispMode int            `json:"fwd_disp_mode"`
	PromptMode      ChatPromptMode `json:"chat_prompt_mode"`
	AssistantName   string         `json:"chat_assistant_name"`
	UserName        string         `json:"chat_user_name"`

	Mode0SysPrompt  string `json:"cm0_sys_prompt"`
	Mode0UserPrompt string `json:"cm0_user_prompt"`

	Mode1SysTemplate      string `json:"cm1_sys_template"`
	Mode1UserFirstTemplate string `json:"cm1_user_first_template"`
	Mode1UserTemplate     string `json:"cm1_user_template"`
	Mode1EndTemplate      string `json:"cm1_end_template"`
	Mode1SysPrompt        string `json:"cm1_sys_prompt"`
	Mode1UserPrompt       string `json:"cm1_user_prompt"`

	Mode2SysTemplate  string `json:"cm2_sys_template"`
	Mode2UserTemplate string `json:"cm2_user_template"`
	Mode2UserNameSw   string `json:"cm2_user_name_sw"`
	Mode2SysPrompt    string `json:"cm2_sys_prompt"`
	Mode2UserPrompt   string `json:"cm2_user_prompt"`
}

// LoadConfig bundles load.model_path/load.tokenizer_name/
// load.model_num_safetensors, the Go analogue of run_conf_t's
// anonymous "load" struct.
type LoadConfig struct {
	ModelNumSafetensors int    `json:"model_num_safetensors"`
	ModelPath           string `json:"model_path"`
	TokenizerName       string `json:"tokenizer_name"`
}

// Config is the Go analogue of run_conf_t, decoded from the JSON run
// configuration file.
type Config struct {
	ModelIdent string     `json:"model_ident"`
	Load       LoadConfig `json:"load"`

	RopeSet float32 `json:"rope_set"`

	Sampler sampler.Config `json:"sampler"`

	CvtSF16 bool `json:"cvt_sf16"`
	CvtF12  bool `json:"cvt_f12"`
	CvtF8   bool `json:"cvt_f8"`

	NumProcs  int `json:"num_procs"`
	NumaNodes int `json:"numa_nodes"`
	SIMDMode  int `json:"simd_mode"`

	RunMode     RunMode `json:"run_mode"`
	GenRunSteps int     `json:"gen_run_steps"`
	TokenEOSStr string  `json:"token_eos_str"`
	TokenEOTStr string  `json:"token_eot_str"`

	TokDispRaw   bool `json:"tok_disp_raw"`
	TokDispSplit bool `json:"tok_disp_split"`
	TokDispProb  bool `json:"tok_disp_prob"`

	GenModePrompt string `json:"gen_mode_prompt"`

	Chat ChatConfig `json:"chat"`

	// resolved from ModelIdent by LoadBytes, mirroring run_conf_t's
	// "defined using strings" trailer (e_model_id); the token_eos/
	// token_eot ids are resolved by engine.Build instead
	ModelID checkpoint.ModelID `json:"-"`
}

// Error reports a malformed run configuration file — an unknown
// model_ident, a missing required field, or invalid JSON — grounded
// on build_model's msg_error calls, which abort the whole load on any
// inconsistency.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Load reads and parses a run configuration file, resolving
// model_ident to its checkpoint.ModelID. Token id resolution
// (token_eos_str/token_eot_str -> token_eos/token_eot) happens later,
// once a tokenizer is loaded — see engine.Build.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("cannot read %s", path), Err: err}
	}
	return LoadBytes(raw)
}

// LoadBytes parses an in-memory run configuration document.
func LoadBytes(raw []byte) (*Config, error) {
	var c Config
	if err := sonic.Unmarshal(raw, &c); err != nil {
		return nil, &Error{Msg: "malformed run configuration json", Err: err}
	}

	modelID, ok := modelIdentToCheckpoint[c.ModelIdent]
	if !ok {
		return nil, &Error{Msg: suggestModelIdent(c.ModelIdent)}
	}
	c.ModelID = modelID

	if c.Load.ModelPath == "" {
		return nil, &Error{Msg: "load.model_path is required"}
	}

	return &c, nil
}

// suggestModelIdent builds an unknown-model_ident error message,
// naming the closest known identifier by Levenshtein distance when
// one is plausibly close (distance <= 3), and listing every known
// identifier otherwise.
func suggestModelIdent(got string) string {
	best, bestDist := "", 1<<31
	for _, name := range modelIdentNames {
		d := levenshtein.ComputeDistance(got, name)
		if d < bestDist {
			best, bestDist = name, d
		}
	}
	if bestDist <= 3 {
		return fmt.Sprintf("unknown model_ident %q, did you mean %q?", got, best)
	}
	return fmt.Sprintf("unknown model_ident %q, must be one of %v", got, modelIdentNames)
}
