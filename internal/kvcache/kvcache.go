// Package kvcache implements the context-compaction strategy spec §4.E
// describes: rather than ever refusing a token once the cache is
// full, it forgets a batch of the oldest entries, rotates the RoPE
// phase of whatever survives so positions stay contiguous, and keeps
// going. Grounded on kv_cache.c's reduce_kv_cache/reserve_kv_cache.
package kvcache

import (
	"fmt"

	"github.com/llamast/llamast/internal/transformer"
)

// Compactor implements transformer.Compactor.
type Compactor struct{}

// Reserve ensures at least minTokenReserve free cache slots exist,
// compacting only if the cache doesn't already have them, grounded on
// reserve_kv_cache. Returns how many tokens were forgotten.
func (Compactor) Reserve(s *transformer.RunState, cfg *transformer.Config, chatMode bool, minTokenReserve int) (int, error) {
	tokenPrev := s.Cache.NTokens
	tokenLeft := cfg.SeqLen - tokenPrev
	if tokenLeft >= minTokenReserve {
		return 0, nil
	}
	if err := reduce(s, cfg, chatMode, minTokenReserve-tokenLeft); err != nil {
		return 0, err
	}
	return tokenPrev - s.Cache.NTokens, nil
}

// reduce forgets tokens from the cache (generate mode: a flat prefix
// of max(minTokensDelete, n_ctx/20) tokens; chat mode: whole
// user+assistant turns after the system
// prompt), rotates the RoPE phase of the survivors by the deletion
// count, and compacts the K/V cache and token history in place.
// Grounded verbatim on reduce_kv_cache.
func reduce(s *transformer.RunState, cfg *transformer.Config, chatMode bool, minTokensDelete int) error {
	nCtx := s.Cache.NTokens
	// five-percent floor: see DESIGN.md's Open Question decision on its
	// interaction with minTokensDelete.
	minDel := nCtx / 20

	var i0, i int
	if !chatMode {
		i0 = 0
		i = minDel
		if minTokensDelete > i {
			i = minTokensDelete
		}
		if i > nCtx {
			i = nCtx
		}
	} else {
		if minTokensDelete < minDel {
			minTokensDelete = minDel
		}
		i0 = s.Cache.NTokensSys
		for i = i0; i < nCtx; {
			for ; i < nCtx; i++ {
				if s.Cache.Tokens[i].Sampled {
					break
				}
			}
			for ; i < nCtx; i++ {
				if !s.Cache.Tokens[i].Sampled {
					break
				}
			}
			if i-i0 >= minTokensDelete {
				break
			}
		}
	}

	nDel := i - i0
	s.Cache.NTokensDel += nDel

	// Per-layer rope_if checkpoints carry no shared frequency table to
	// rotate survivors with; refusing is better than an identity
	// rotation that silently corrupts every surviving K entry's phase.
	if s.RopeFreq == nil {
		return fmt.Errorf("kvcache: model carries per-layer rotary frequencies, cannot rotate survivors; set rope_set in the run configuration to enable compaction")
	}
	transformer.SetRoPEPos(s.RopeSinCos, -nDel, s.RopeFreq)

	s.Cache.NTokens = i0
	s.Cache.NTokensSamp = 0

	for ; i < nCtx; i++ {
		pos := s.Cache.NTokens
		s.Cache.NTokens++

		for l := 0; l < cfg.NLayers; l++ {
			iOfs := (l*cfg.SeqLen + i) * cfg.KVDim
			pOfs := (l*cfg.SeqLen + pos) * cfg.KVDim
			k := s.KCache[iOfs : iOfs+cfg.KVDim]
			v := s.VCache[iOfs : iOfs+cfg.KVDim]
			// K entries carry the rotary phase, so they absorb the -nDel
			// rotation; V entries are position-free and move unrotated.
			transformer.RoPE(k, nil, s.RopeSinCos, cfg.HeadSize, cfg.KVDim, 0)
			copy(s.KCache[pOfs:pOfs+cfg.KVDim], k)
			copy(s.VCache[pOfs:pOfs+cfg.KVDim], v)
		}

		s.Cache.Tokens[pos] = s.Cache.Tokens[i]
		if s.Cache.Tokens[pos].Sampled {
			s.Cache.NTokensSamp++
		} else {
			s.Cache.NTokensSamp = 0
		}
	}
	return nil
}

