// Package tokenizer implements the BPE tokenizer described in spec
// §4.F: a sorted vocabulary, a merge-rank table keyed by the
// (left id, right id) pair, greedy
// global-minimum-rank merging, byte-fallback for unknown UTF-8
// sequences, and the LLaMA-3-style special byte codes.
package tokenizer

import (
	"fmt"

	"github.com/emirpasic/gods/v2/maps/treemap"
)

// TokenizerError reports a malformed tokenizer.json or an encode/decode
// precondition violation (missing byte-fallback token, unmatched
// merge string, invalid UTF-8) — grounded on load_tokenizer.c's
// msg_error calls, which abort the whole load on any inconsistency.
type TokenizerError struct {
	Msg string
	Err error
}

func (e *TokenizerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tokenizer: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("tokenizer: %s", e.Msg)
}

func (e *TokenizerError) Unwrap() error { return e.Err }

func errTok(format string, args ...any) *TokenizerError {
	return &TokenizerError{Msg: fmt.Sprintf(format, args...)}
}

// mergeKey is the (left, right) token-id pair a merge rule fires on.
type mergeKey struct {
	left, right int
}

// mergeEntry is what a successful merge produces: its rank (lower
// merges first) and the resulting token id.
type mergeEntry struct {
	rank  int
	token int
}

// Tokenizer holds a loaded vocabulary + merge table and the flags
// that vary behavior by model family (spec §4.F).
type Tokenizer struct {
	idToStr []string                 // token id -> string
	strToID *treemap.Map[string, int] // string -> token id; a sorted tree stands in for tokenizer.c's qsort+bsearch table
	merges  map[mergeKey]mergeEntry

	specialBase, specialLast int // inclusive id range of added_tokens
	specialRE                *compiledSpecial

	mode3         bool // true for llama3/llama3.1/qwen2 family: no BOS-leading-space strip
	byteFallback  bool // true if <0x00>.."<0xFF>" token range is present
	tokenID0x0    int
	tokenID0xFF   int
	tokenIDBosWS  int // "<s>" token id, used for leading-space suppression

	prevPrintedToken int // decode-print state, mirrors tokenizer.c's static prev_token
}

// VocabSize returns the number of distinct token ids loaded.
func (t *Tokenizer) VocabSize() int { return len(t.idToStr) }

// IsSpecial reports whether id falls in the added_tokens range.
func (t *Tokenizer) IsSpecial(id int) bool {
	return t.specialBase <= id && id <= t.specialLast && t.specialLast >= t.specialBase
}
