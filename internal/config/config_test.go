package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llamast/llamast/internal/checkpoint"
)

func TestLoadBytesResolvesModelIdent(t *testing.T) {
	raw := []byte(`{
		"model_ident": "mixtral",
		"load": {"model_path": "/models/mixtral", "model_num_safetensors": 19},
		"run_mode": 1,
		"token_eos_str": "</s>",
		"token_eot_str": "</s>",
		"sampler": {"temperature": 0.8, "topp": 0.9, "repeat_penalty": 0.1, "repeat_penalty_n": 64, "rand_seed": 42}
	}`)
	cfg, err := LoadBytes(raw)
	require.NoError(t, err)
	require.Equal(t, checkpoint.ModelMixtral, cfg.ModelID)
	require.Equal(t, RunChat, cfg.RunMode)
	require.Equal(t, 19, cfg.Load.ModelNumSafetensors)
	require.Equal(t, float32(0.8), cfg.Sampler.Temperature)
	require.Equal(t, float32(0.1), cfg.Sampler.RepeatPenalty)
	require.Equal(t, 64, cfg.Sampler.RepeatPenaltyN)
	require.Equal(t, uint64(42), cfg.Sampler.RandSeed)
}

func TestLoadBytesRequiresModelPath(t *testing.T) {
	_, err := LoadBytes([]byte(`{"model_ident": "llama2", "load": {}}`))
	require.Error(t, err)
}

func TestLoadBytesSuggestsCloseModelIdent(t *testing.T) {
	_, err := LoadBytes([]byte(`{"model_ident": "lama2", "load": {"model_path": "/m"}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), `did you mean "llama2"`)
}

func TestLoadBytesListsIdentsWhenNothingIsClose(t *testing.T) {
	_, err := LoadBytes([]byte(`{"model_ident": "gpt-neox-20b", "load": {"model_path": "/m"}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be one of")
}
