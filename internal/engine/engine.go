// Package engine bundles config, weights, activation state, tokenizer
// and sampler into a single owned instance (component H, spec §4.H),
// replacing the original's process-wide struct model_t global with an
// explicit value threaded through the call graph (spec §9 Design Note
// "Replaces global mutable engine state") — so a process can run more
// than one Engine concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/llamast/llamast/internal/checkpoint"
	"github.com/llamast/llamast/internal/config"
	"github.com/llamast/llamast/internal/kvcache"
	"github.com/llamast/llamast/internal/numa"
	"github.com/llamast/llamast/internal/numeric"
	"github.com/llamast/llamast/internal/sampler"
	"github.com/llamast/llamast/internal/tokenizer"
	"github.com/llamast/llamast/internal/transformer"
)

// Engine is the Go analogue of model_t: a config, a tokenizer, a
// transformer (which in turn owns the weights and run state), and a
// sampler, plus the NUMA thread pool driving the forward pass.
type Engine struct {
	Config      *config.Config
	Tokenizer   *tokenizer.Tokenizer
	Transformer *transformer.Transformer
	Sampler     *sampler.Sampler

	pool         *numa.Pool
	log          *slog.Logger
	eosID, eotID int

	// SessionID identifies one chat transcript — glue, not core
	// state. Build assigns it and Reset replaces it; no log line
	// carries it.
	SessionID uuid.UUID
}

// modelFamily maps a run configuration's model_ident to the tokenizer
// decoding convention it needs, grounded on build_tokenizer's
// model_id switch (mode_ll3 for llama3/llama31/qwen2). The ident
// string is the discriminator here, not checkpoint.ModelID — llama2
// and llama3 share one architecture check but not one byte encoding.
func modelFamily(ident string) tokenizer.ModelFamily {
	switch ident {
	case "llama3":
		return tokenizer.FamilyLlama3
	case "llama31":
		return tokenizer.FamilyLlama31
	case "qwen2":
		return tokenizer.FamilyQwen2
	default:
		return tokenizer.FamilyLlama2
	}
}

// Build reads cfg's checkpoint config.json and weights, the tokenizer
// file, and assembles a ready-to-run Engine, mirroring build_model's
// sequence: resolve hardware capabilities -> load checkpoint config ->
// allocate + load weights -> load tokenizer -> resolve eos/eot ->
// build sampler -> build transformer -> wire the kv-cache compactor.
func Build(cfg *config.Config) (*Engine, error) {
	log := slog.Default().With("session", "build")

	simd, err := numeric.DetectSIMD()
	if err != nil {
		return nil, &CapabilityError{Msg: "hardware capability check failed", Err: err}
	}
	level, capErr := numeric.ResolveSIMD(cfg.SIMDMode, simd)
	if capErr != nil {
		log.Warn("requested simd_mode exceeds detected hardware, auto-truncating", "err", capErr.Error())
	}
	kernels := numeric.NewKernelSet(level)

	topo := numa.DetectTopology()
	tm, err := numa.BuildThreadMap(topo, cfg.NumProcs, cfg.NumaNodes)
	if err != nil {
		return nil, &CapabilityError{Msg: "failed to build numa thread map", Err: err}
	}
	pool := numa.NewPool(tm)

	configPath := filepath.Join(cfg.Load.ModelPath, "config.json")
	configRaw, err := os.ReadFile(configPath)
	if err != nil {
		pool.Close()
		return nil, &IoError{Msg: fmt.Sprintf("cannot read %s", configPath), Err: err}
	}
	tcfg, torchType, err := checkpoint.LoadConfig(configRaw, checkpoint.Options{ModelID: cfg.ModelID, RopeSet: cfg.RopeSet})
	if err != nil {
		pool.Close()
		return nil, &ModelError{Msg: "failed to parse checkpoint config.json", Err: err}
	}

	emType, lwType, err := checkpoint.ResolveWeightDTypes(torchType, checkpoint.CvtOptions{
		CvtSF16: cfg.CvtSF16,
		CvtF12:  cfg.CvtF12,
		CvtF8:   cfg.CvtF8,
		HasF16C: level == numeric.SIMDAVX2,
	})
	if err != nil {
		pool.Close()
		return nil, &ModelError{Msg: "failed to resolve weight storage dtypes", Err: err}
	}
	tcfg.EmType, tcfg.LwType = emType, lwType

	read := func(name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(cfg.Load.ModelPath, name))
	}
	weights, err := checkpoint.Load(tm, topo.NumNodes, tcfg, emType, lwType, read, checkpoint.LoadOptions{
		NumSafetensorsFiles: cfg.Load.ModelNumSafetensors,
	})
	if err != nil {
		pool.Close()
		var numErr *numeric.NumericError
		if errors.As(err, &numErr) {
			return nil, &NumericError{Msg: "weight value out of range for its storage dtype", Err: err}
		}
		return nil, &ModelError{Msg: "failed to load checkpoint weights", Err: err}
	}

	tokName := cfg.Load.TokenizerName
	if tokName == "" {
		tokName = "tokenizer.json"
	}
	tok, err := tokenizer.Load(filepath.Join(cfg.Load.ModelPath, tokName), modelFamily(cfg.ModelIdent))
	if err != nil {
		pool.Close()
		return nil, &ModelError{Msg: "failed to load tokenizer", Err: err}
	}

	eosID, ok := tok.Lookup(cfg.TokenEOSStr)
	if !ok {
		pool.Close()
		return nil, &ConfigError{Msg: fmt.Sprintf("token_eos_str %q not found in vocabulary", cfg.TokenEOSStr)}
	}
	eotID, ok := tok.Lookup(cfg.TokenEOTStr)
	if !ok {
		pool.Close()
		return nil, &ConfigError{Msg: fmt.Sprintf("token_eot_str %q not found in vocabulary", cfg.TokenEOTStr)}
	}

	smp, err := sampler.New(cfg.Sampler, tcfg.VocabSize, func(id int) string { return tok.TokenString(id) })
	if err != nil {
		pool.Close()
		return nil, &ConfigError{Msg: "failed to build sampler", Err: err}
	}

	tr := transformer.New(*tcfg, weights, kernels, pool)
	tr.Compactor = kvcache.Compactor{}
	tr.ChatMode = cfg.RunMode == config.RunChat
	tr.EOTToken = eotID

	e := &Engine{
		Config:      cfg,
		Tokenizer:   tok,
		Transformer: tr,
		Sampler:     smp,
		pool:        pool,
		log:         slog.Default().With("model_ident", cfg.ModelIdent),
		SessionID:   uuid.New(),
		eosID:       eosID,
		eotID:       eotID,
	}
	return e, nil
}

// Encode tokenizes text, the thin wrapper around Tokenizer.Encode
// this package adds error-taxonomy translation to.
func (e *Engine) Encode(text string) ([]int, error) {
	ids, err := e.Tokenizer.Encode(text)
	if err != nil {
		return nil, &ModelError{Msg: "encode failed", Err: err}
	}
	return ids, nil
}

// EOSToken is the resolved token_eos id (assistant reply end).
func (e *Engine) EOSToken() int { return e.eosID }

// EOTToken is the resolved token_eot id (dialog/generate end).
func (e *Engine) EOTToken() int { return e.eotID }

// Decode renders id as its streaming display text (spec §4.F decode
// streaming contract: strips a BOS-following leading space once).
func (e *Engine) Decode(id int) (string, error) {
	s, err := e.Tokenizer.DecodeStream(id)
	if err != nil {
		return "", &ModelError{Msg: "decode failed", Err: err}
	}
	return s, nil
}

// Forward runs one token through the transformer, tracking whether it
// was model-sampled (isSampled) for KV-compaction turn bookkeeping.
func (e *Engine) Forward(ctx context.Context, token int, isSampled, wantLogits bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := e.Transformer.Forward(token, isSampled, wantLogits); err != nil {
		return &NumericError{Msg: "forward pass failed", Err: err}
	}
	return nil
}

// Sample draws the next token from the transformer's current logits,
// mirroring sampler_sample's recent-token window and eos/eot
// resolution (spec §4.G). recent is the repeat-penalty window, oldest
// first — see RecentTokens.
func (e *Engine) Sample(recent []sampler.RecentToken) sampler.Result {
	s := e.Transformer.State
	return e.Sampler.Sample(s.Logits, s.Cache.NTokensSamp, recent,
		func(id int) string { return e.Tokenizer.TokenString(id) },
		e.eosID, e.eotID)
}

// RecentTokens builds the repeat-penalty window directly from the KV
// cache's token history instead of a caller-tracked side list: the
// last n entries of the trailing sampled run, oldest first. n is
// clamped to NTokensSamp, not NTokens — an injected prompt or user
// turn resets the sampled run, and its tokens must never enter the
// penalty scan as if they were repeated model output.
func (e *Engine) RecentTokens(n int) []sampler.RecentToken {
	cache := e.Transformer.State.Cache
	if n > cache.NTokensSamp {
		n = cache.NTokensSamp
	}
	out := make([]sampler.RecentToken, n)
	for i := 0; i < n; i++ {
		out[i] = sampler.RecentToken{TokenID: cache.Tokens[cache.NTokens-n+i].TokenID}
	}
	return out
}

// Reset rewinds the transformer's KV-cache token history: back to
// empty, or back to the retained system-prompt prefix when keepSys is
// true (spec §4.H "reset(keep_sys)"). The fixed-length Tokens slice
// (sized to SeqLen by NewRunState) is kept, only the live counters
// move.
func (e *Engine) Reset(keepSys bool) {
	cache := &e.Transformer.State.Cache
	if keepSys {
		cache.NTokens = cache.NTokensSys
		cache.NTokensSamp = 0
	} else {
		for i := range cache.Tokens {
			cache.Tokens[i] = transformer.Token{}
		}
		e.Transformer.State.Cache = transformer.CacheState{Tokens: cache.Tokens}
	}
	e.Tokenizer.ResetStream()
	e.SessionID = uuid.New()
}

// Close releases the NUMA worker pool's OS threads. Weight and
// activation memory is left to the garbage collector, following Go
// idiom over the original's explicit free_model (spec §4.H).
func (e *Engine) Close() {
	e.pool.Close()
}
