// Package sampler implements the sampling pipeline described in
// spec §4.G: temperature, EOS amplification, repeat penalty,
// softmax, top-k/top-p truncation and a weighted xorshift pick.
package sampler

import (
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/llamast/llamast/internal/numeric"
)

// Config holds the tunable sampler hyperparameters, read from the run
// configuration's "Sampler" section (spec §6).
type Config struct {
	Temperature    float32 `json:"temperature"`
	TopP           float32 `json:"topp"`
	TopK           int     `json:"topk"`
	TopPMinP       float32 `json:"topp_minp"`
	TopPEOS        bool    `json:"topp_eos"`
	RepeatPenalty  float32 `json:"repeat_penalty"`
	RepeatPenaltyN int     `json:"repeat_penalty_n"`
	EOSAmp         float32 `json:"eos_amp"`
	EOSAmpN        int     `json:"eos_amp_n"`
	RandSeed       uint64  `json:"rand_seed"`
	ChRestrict     string  `json:"ch_restrict"` // UTF-8 allow-list string
	TestNanLogits  bool    `json:"test_nan_logits"`
}

// AdjustRange clamps each hyperparameter into its documented
// range, mirroring build_sampler's P_ADJ macro — any caller-supplied
// value outside [min,max] is pulled back in, with its "disabled"
// sentinel value left untouched.
func (c *Config) AdjustRange() {
	c.Temperature = adjustF32(c.Temperature, 1.0, 0.0, 2.0)
	c.TopP = adjustF32(c.TopP, 0.5, 0.01, 0.99)
	c.TopK = adjustInt(c.TopK, 0, 5, 200)
	c.TopPMinP = adjustF32(c.TopPMinP, 0.0, 0.0, 1.0)
	c.RepeatPenalty = adjustF32(c.RepeatPenalty, 0.0, 0.0, 2.0)
	c.RepeatPenaltyN = adjustInt(c.RepeatPenaltyN, 0, 10, 1000)
	c.EOSAmp = adjustF32(c.EOSAmp, 0.0, 0.0, 2.0)
	c.EOSAmpN = adjustInt(c.EOSAmpN, 0, 10, 1000)

	if c.RepeatPenaltyN == 0 {
		c.RepeatPenalty = 0
	}
	if c.EOSAmpN == 0 {
		c.EOSAmp = 0
	}
}

func adjustF32(v, disabled, min, max float32) float32 {
	if v == disabled {
		return v
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func adjustInt(v, disabled, min, max int) int {
	if v == disabled {
		return v
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// RecentToken is one entry of the sampled-token history the repeat
// penalty scans (spec §4.G step 4: "for every token whose UTF-8
// rendering is ≥4 bytes").
type RecentToken struct {
	TokenID int
}

// Sampler runs the temperature/penalty/top-p pipeline against a
// vocab-sized logits buffer. It owns no copy of the logits: Sample
// mutates the caller's slice in place, matching the original's
// in-place sampler_sample.
type Sampler struct {
	cfg      Config
	rngState uint64
	allow    []uint32 // ch_restrict bitmask, nil if unset
	scratch  []probIndex
	forceEOS bool
}

type probIndex struct {
	index int
	prob  float32
}

// New builds a Sampler from cfg, adjusting hyperparameters into range
// and compiling the ch_restrict allow-list mask against vocabStrings
// (the tokenizer's per-id decoded strings), grounded on build_sampler.
func New(cfg Config, vocabSize int, vocabStrings func(id int) string) (*Sampler, error) {
	cfg.AdjustRange()
	s := &Sampler{cfg: cfg, rngState: cfg.RandSeed, scratch: make([]probIndex, vocabSize)}

	if cfg.ChRestrict != "" {
		allowedRunes := map[rune]bool{}
		for _, r := range cfg.ChRestrict {
			allowedRunes[r] = true
		}
		if len(allowedRunes) == 0 || len(allowedRunes) > 256 {
			return nil, errSampler("ch_restrict string contains invalid utf8 encoding or more than 256 characters")
		}
		words := (vocabSize + 31) / 32
		mask := make([]uint32, words)
		for i := 0; i < vocabSize; i++ {
			if !tokenRejected(vocabStrings(i), allowedRunes) {
				mask[i>>5] |= 1 << uint(i&31)
			}
		}
		s.allow = mask
	}
	return s, nil
}

// tokenRejected reports whether s contains any multi-byte rune absent
// from allowed, mirroring tk_reject (single-byte ASCII runes are
// always accepted, matching the original's "l > 1" guard).
func tokenRejected(s string, allowed map[rune]bool) bool {
	for _, r := range s {
		if utf8.RuneLen(r) > 1 && !allowed[r] {
			return true
		}
	}
	return false
}

func (s *Sampler) tokenAllowed(id int) bool {
	if s.allow == nil {
		return true
	}
	return s.allow[id>>5]&(1<<uint(id&31)) != 0
}

// Result is what Sample returns: the chosen token id and the
// probability mass it was drawn with after all pipeline stages.
type Result struct {
	TokenID int
	Prob    float32
}

// Sample runs the full pipeline described in spec §4.G over logits
// (mutated in place), given the current count of previously sampled
// tokens (nTokensSamp), the recent-token window for the repeat
// penalty (most-recent last), decodedText for mapping a recent
// token's id to its rendered text, and the eos/eot token ids.
func (s *Sampler) Sample(logits []float32, nTokensSamp int, recent []RecentToken, decodedText func(id int) string, eosID, eotID int) Result {
	cfg := &s.cfg

	if s.forceEOS {
		s.forceEOS = false
		return Result{TokenID: eosID, Prob: 1.0}
	}

	if cfg.TestNanLogits && hasNaN(logits) {
		// reported, never fatal: generation continues on whatever the
		// rest of the pipeline makes of the values.
		slog.Warn("logits contain NaN")
	}

	if cfg.Temperature <= 0.01 {
		return argmax(logits)
	}

	if cfg.Temperature <= 0.99 || cfg.Temperature >= 1.01 {
		k := 1.0 / cfg.Temperature
		for i := range logits {
			logits[i] *= k
		}
	}

	toppEOS := cfg.TopPEOS
	if cfg.EOSAmp > 0.01 && nTokensSamp > cfg.EOSAmpN {
		w := float32(nTokensSamp-cfg.EOSAmpN) / float32(cfg.EOSAmpN)
		ki := 1.0 + w*cfg.EOSAmp
		kd := 1.0 - w*cfg.EOSAmp
		scaleSigned(logits, eosID, ki, kd)
		scaleSigned(logits, eotID, ki, kd)
		toppEOS = true
	}

	if cfg.RepeatPenalty > 0.01 {
		// do not apply on injected tokens: the window covers only the
		// trailing model-sampled run, never a prompt or user turn.
		n := cfg.RepeatPenaltyN
		if n > nTokensSamp {
			n = nTokensSamp
		}
		if n > len(recent) {
			n = len(recent)
		}
		window := recent[len(recent)-n:]
		// attenuation: a repeated token's logit shrinks toward
		// never-picked, the opposite sign pairing from eos_amp above.
		for _, tok := range window {
			if len(decodedText(tok.TokenID)) >= 4 {
				scaleSigned(logits, tok.TokenID, 1.0-cfg.RepeatPenalty, 1.0+cfg.RepeatPenalty)
			}
		}
	}

	numeric.Softmax(logits)

	vocabSize := len(logits)
	cutoff := (1.0 - cfg.TopP) / float32(vocabSize-1)
	n := 0
	for i, prob := range logits {
		if prob < cutoff {
			continue
		}
		if !s.tokenAllowed(i) {
			continue
		}
		s.scratch[n] = probIndex{index: i, prob: prob}
		n++
	}
	cand := s.scratch[:n]
	sort.Slice(cand, func(i, j int) bool { return cand[i].prob > cand[j].prob })

	if cfg.TopK != 0 && n > cfg.TopK {
		n = cfg.TopK
		cand = cand[:n]
	}

	// Accumulate prob_sum over the (possibly topk-truncated) candidate
	// list, stopping early per the topp/topp_eos/topp_minp rules — but,
	// matching sampler_sample's reliance on probindex[n] still being
	// addressable past the "logical" truncation count, the weighted
	// pick below walks the same untruncated cand slice rather than a
	// re-sliced one: prob_sum only ever accounts for probability mass
	// up through the breaking element, so the draw can never reach
	// past it.
	probSum := float32(0)
	eosProb := float32(0)
	for _, pi := range cand {
		probSum += pi.prob
		if pi.index == eosID || pi.index == eotID {
			eosProb = pi.prob
			if toppEOS {
				break
			}
		} else if eosProb != 0 && pi.prob < cfg.TopPMinP {
			break
		}
		if probSum >= cfg.TopP {
			break
		}
	}

	r := randF32(&s.rngState) * probSum
	acc := float32(0)
	chosen := len(cand) - 1
	for i, pi := range cand {
		acc += pi.prob
		if acc > r {
			chosen = i
			break
		}
	}
	return Result{TokenID: cand[chosen].index, Prob: cand[chosen].prob}
}

// scaleSigned multiplies logits[idx] by kPos when it is non-negative
// and kNeg otherwise, so one (kPos, kNeg) pairing amplifies a token
// and the swapped pairing attenuates it.
func scaleSigned(logits []float32, idx int, kPos, kNeg float32) {
	if idx < 0 || idx >= len(logits) {
		return
	}
	if logits[idx] >= 0 {
		logits[idx] *= kPos
	} else {
		logits[idx] *= kNeg
	}
}

// ForceEOSNext makes the next Sample call return the eos token
// unconditionally, then clears itself. cmd/llamast's chat loop sets
// it when an interrupt arrives between tokens; the loop then ends the
// assistant turn on that eos without forwarding it or any end-of-turn
// template.
func (s *Sampler) ForceEOSNext(v bool) { s.forceEOS = v }

func hasNaN(logits []float32) bool {
	for _, v := range logits {
		if v != v {
			return true
		}
	}
	return false
}

func argmax(logits []float32) Result {
	maxI := 0
	maxV := logits[0]
	for i, v := range logits[1:] {
		if v > maxV {
			maxV = v
			maxI = i + 1
		}
	}
	return Result{TokenID: maxI, Prob: 1.0}
}

// random_u32/random_f32: xorshift64* RNG, verbatim from sampler.c.
func randU32(state *uint64) uint32 {
	*state ^= *state >> 12
	*state ^= *state << 25
	*state ^= *state >> 27
	return uint32((*state * 0x2545F4914F6CDD1D) >> 32)
}

func randF32(state *uint64) float32 {
	return float32(randU32(state)>>8) / 16777216.0
}
