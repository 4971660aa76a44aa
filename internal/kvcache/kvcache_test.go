package kvcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/llamast/llamast/internal/transformer"
	"github.com/stretchr/testify/require"
)

// buildChatCache lays out a synthetic two-turn chat history: a
// 2-token system prefix followed by two identical [U,U,A,A] turns,
// mirroring spec §8's KV-compaction scenario but with a second turn
// appended so the expected "drop one whole turn" outcome is
// unambiguous (the single-turn scenario in spec §8 doesn't by itself
// distinguish whole-turn deletion from a token-count-only policy —
// see DESIGN.md's Open Question decision on this).
func buildChatCache(t *testing.T, cfg *transformer.Config) *transformer.RunState {
	t.Helper()
	s := transformer.NewRunState(cfg)
	s.Cache.NTokensSys = 2

	tokens := []transformer.Token{
		{TokenID: 10, Sampled: false}, // S
		{TokenID: 11, Sampled: false}, // S
		{TokenID: 20, Sampled: false}, // U
		{TokenID: 21, Sampled: false}, // U
		{TokenID: 30, Sampled: true},  // A
		{TokenID: 31, Sampled: true},  // A
		{TokenID: 22, Sampled: false}, // U
		{TokenID: 23, Sampled: false}, // U
		{TokenID: 32, Sampled: true},  // A
		{TokenID: 33, Sampled: true},  // A
	}
	copy(s.Cache.Tokens, tokens)
	s.Cache.NTokens = len(tokens)
	s.Cache.NTokensSamp = 2 // trailing run: the final two A tokens

	for l := 0; l < cfg.NLayers; l++ {
		for pos := range tokens {
			ofs := (l*cfg.SeqLen + pos) * cfg.KVDim
			for d := 0; d < cfg.KVDim; d++ {
				v := float32(pos*100 + d)
				s.KCache[ofs+d] = v
				s.VCache[ofs+d] = v
			}
		}
	}
	return s
}

// TestReduceDropsOneWholeTurn grounds spec §8's KV-compaction
// scenario: reserve_kv's deletion never splits a dialog turn, the
// system prefix survives untouched, and whatever remains is rotated
// back into contiguous RoPE phase by the count of tokens forgotten.
func TestReduceDropsOneWholeTurn(t *testing.T) {
	cfg := &transformer.Config{
		Dim: 8, HiddenDim: 8, NLayers: 1, NHeads: 2, NKVHeads: 2,
		SeqLen: 10, RopeTheta: 10000, VocabSize: 8,
	}
	cfg.Derive()
	s := buildChatCache(t, cfg) // fills all 10 slots: cache starts full

	c := Compactor{}
	nDel, err := c.Reserve(s, cfg, true, 3)
	require.NoError(t, err)
	require.Equal(t, 4, nDel, "a whole [U,U,A,A] turn (4 tokens) must be dropped to clear >= 3")

	require.Equal(t, 6, s.Cache.NTokens)
	require.Equal(t, 2, s.Cache.NTokensSys, "system prefix length is never touched by compaction")
	require.Equal(t, 4, s.Cache.NTokensDel)

	want := []transformer.Token{
		{TokenID: 10, Sampled: false},
		{TokenID: 11, Sampled: false},
		{TokenID: 22, Sampled: false},
		{TokenID: 23, Sampled: false},
		{TokenID: 32, Sampled: true},
		{TokenID: 33, Sampled: true},
	}
	if diff := cmp.Diff(want, s.Cache.Tokens[:s.Cache.NTokens]); diff != "" {
		t.Fatalf("compacted token history mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 2, s.Cache.NTokensSamp, "trailing sampled run is recomputed post-compaction")

	// Surviving K rows keep their original token's per-element value
	// only phase-rotated by -nDel; V rows move without any rotation.
	ofs := (0*cfg.SeqLen + 5) * cfg.KVDim // new position 5 == old position 9 (token 33)
	require.NotEqual(t, float32(900), s.KCache[ofs], "K must be RoPE-rotated, not a bare copy")
	require.Equal(t, float32(900), s.VCache[ofs], "V must be copied unrotated")
}

// TestReserveSkipsCompactionWhenRoomExists checks Reserve's
// early-out: if the cache already has minTokenReserve free slots, it
// must not touch anything.
func TestReserveSkipsCompactionWhenRoomExists(t *testing.T) {
	cfg := &transformer.Config{Dim: 8, HiddenDim: 8, NLayers: 1, NHeads: 1, NKVHeads: 1, SeqLen: 16, RopeTheta: 10000, VocabSize: 4}
	cfg.Derive()
	s := buildChatCache(t, cfg)

	c := Compactor{}
	nDel, err := c.Reserve(s, cfg, true, 2)
	require.NoError(t, err)
	require.Zero(t, nDel)
	require.Equal(t, 10, s.Cache.NTokens)
}

// TestReserveRejectsPerLayerRopeModels pins the rope_if refusal: a
// model whose rotary frequencies live per-layer in the checkpoint
// (RopeTheta == 0) has no shared table to rotate survivors with, so
// compaction must fail loudly rather than skip the rotation.
func TestReserveRejectsPerLayerRopeModels(t *testing.T) {
	cfg := &transformer.Config{
		Dim: 8, HiddenDim: 8, NLayers: 1, NHeads: 2, NKVHeads: 2,
		SeqLen: 10, RopeTheta: 0, VocabSize: 8,
	}
	cfg.Derive()
	s := buildChatCache(t, cfg)
	require.Nil(t, s.RopeFreq)

	c := Compactor{}
	_, err := c.Reserve(s, cfg, true, 3)
	require.Error(t, err)
	require.Contains(t, err.Error(), "per-layer rotary frequencies")
}

// TestReduceGenerateModeDropsFlatPrefix grounds generate mode's
// simpler policy: no turn structure to respect, just a flat prefix
// drop sized to the 5%-of-context floor.
func TestReduceGenerateModeDropsFlatPrefix(t *testing.T) {
	cfg := &transformer.Config{Dim: 8, HiddenDim: 8, NLayers: 1, NHeads: 1, NKVHeads: 1, SeqLen: 40, RopeTheta: 10000, VocabSize: 4}
	cfg.Derive()
	s := transformer.NewRunState(cfg)
	s.Cache.NTokens = 40 // n_ctx/20 == 2
	for i := range s.Cache.Tokens {
		s.Cache.Tokens[i] = transformer.Token{TokenID: i, Sampled: true}
	}

	c := Compactor{}
	nDel, err := c.Reserve(s, cfg, false, 1)
	require.NoError(t, err)
	require.Equal(t, 2, nDel)
	require.Equal(t, 38, s.Cache.NTokens)
	require.Equal(t, 2, s.Cache.Tokens[0].TokenID, "the surviving prefix starts right after the dropped tokens")
}
