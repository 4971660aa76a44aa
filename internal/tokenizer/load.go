package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dlclark/regexp2"
	"github.com/emirpasic/gods/v2/maps/treemap"
)

// rawFile mirrors the subset of HuggingFace's tokenizer.json this
// engine understands (load_tokenizer.c's js_read_param walk over
// "added_tokens", "model.type", "model.vocab", "model.merges" and
// the sentencepiece whitespace decoder pattern).
type rawFile struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
	Model struct {
		Type   string         `json:"type"`
		Vocab  map[string]int `json:"vocab"`
		Merges []string       `json:"merges"`
	} `json:"model"`
	Decoder struct {
		Decoders []struct {
			Pattern struct {
				String string `json:"String"`
			} `json:"pattern"`
		} `json:"decoders"`
	} `json:"decoder"`
}

// ModelFamily selects the leading-whitespace decoding convention
// (spec §4.F "sentencepiece-style BOS leading-space suppression").
type ModelFamily int

const (
	FamilyLlama2 ModelFamily = iota
	FamilyLlama3
	FamilyLlama31
	FamilyQwen2
)

func (f ModelFamily) usesLlama3Bytes() bool {
	return f == FamilyLlama3 || f == FamilyLlama31 || f == FamilyQwen2
}

// defaultSentencepieceWS is the UTF-8 "▁" marker sentencepiece models
// use in place of a literal space, overridden by the file's own
// decoder.decoders[].pattern.String if present.
const defaultSentencepieceWS = "▁"

// Load reads a tokenizer.json file and builds a Tokenizer for family.
func Load(path string, family ModelFamily) (*Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &TokenizerError{Msg: fmt.Sprintf("cannot read %s", path), Err: err}
	}
	return LoadBytes(raw, family)
}

// LoadDefault resolves "<modelPath>/tokenizer.json" the way
// build_tokenizer does when no explicit file name is configured.
func LoadDefault(modelPath string, family ModelFamily) (*Tokenizer, error) {
	return Load(filepath.Join(modelPath, "tokenizer.json"), family)
}

// LoadBytes parses an in-memory tokenizer.json document.
func LoadBytes(raw []byte, family ModelFamily) (*Tokenizer, error) {
	var f rawFile
	if err := sonic.Unmarshal(raw, &f); err != nil {
		return nil, &TokenizerError{Msg: "malformed tokenizer.json", Err: err}
	}
	if f.Model.Type != "" && f.Model.Type != "BPE" {
		return nil, errTok("unsupported model.type %q, expected BPE", f.Model.Type)
	}
	if len(f.Model.Vocab) == 0 {
		return nil, errTok("model.vocab is empty or missing")
	}
	if len(f.Model.Merges) == 0 {
		return nil, errTok("model.merges is empty or missing")
	}

	spWS := defaultSentencepieceWS
	for _, d := range f.Decoder.Decoders {
		if d.Pattern.String != "" {
			spWS = d.Pattern.String
		}
	}

	t := &Tokenizer{
		strToID: treemap.New[string, int](),
		merges:  make(map[mergeKey]mergeEntry),
		mode3:   family.usesLlama3Bytes(),
	}

	t.idToStr = make([]string, len(f.Model.Vocab))
	for tok, id := range f.Model.Vocab {
		if id < 0 || id >= len(f.Model.Vocab) {
			return nil, errTok("token index %d out of range [0,%d)", id, len(f.Model.Vocab))
		}
		decoded := replaceSpecialBytes(tok, family, spWS)
		t.idToStr[id] = decoded
		t.strToID.Put(decoded, id)
	}

	// added_tokens ids must be contiguous (load_tokenizer.c's
	// "added_tokens: not ordered index"); the first id is taken as the
	// special-token base without checking it against the vocab size.
	if len(f.AddedTokens) > 0 {
		t.specialBase = f.AddedTokens[0].ID
		for i, at := range f.AddedTokens {
			if at.ID != t.specialBase+i {
				return nil, errTok("added_tokens: not ordered index (got %d, want %d)", at.ID, t.specialBase+i)
			}
			if at.ID >= len(t.idToStr) {
				grown := make([]string, at.ID+1)
				copy(grown, t.idToStr)
				t.idToStr = grown
			}
			t.idToStr[at.ID] = at.Content
			t.strToID.Put(at.Content, at.ID)
		}
		t.specialLast = t.specialBase + len(f.AddedTokens) - 1
	} else {
		t.specialBase, t.specialLast = 0, -1 // empty range
	}

	for _, m := range f.Model.Merges {
		if err := t.addMerge(m, family, spWS); err != nil {
			return nil, err
		}
	}

	if err := t.buildSpecialMatcher(); err != nil {
		return nil, err
	}

	if !t.mode3 {
		bosID, ok := t.lookup("<s>")
		if !ok {
			return nil, errTok("failed to get token '<s>'")
		}
		zero, ok1 := t.lookup("<0x00>")
		ff, ok2 := t.lookup("<0xFF>")
		if !ok1 || !ok2 {
			return nil, errTok("byte fallback tokens <0x00>/<0xFF> not found")
		}
		if ff-zero != 0xff {
			return nil, errTok("byte fallback token index error")
		}
		t.tokenIDBosWS = bosID
		t.tokenID0x0 = zero
		t.tokenID0xFF = ff
		t.byteFallback = true
	}

	return t, nil
}

func (t *Tokenizer) lookup(s string) (int, bool) {
	return t.strToID.Get(s)
}

// Lookup resolves a literal vocabulary string (e.g. "</s>",
// "<|eot_id|>") to its token id, the same vocab lookup build_model
// performs to turn token_eos_str/token_eot_str into token_eos/token_eot.
func (t *Tokenizer) Lookup(s string) (int, bool) {
	return t.lookup(s)
}

// replaceSpecialBytes mirrors utf8_replace_char: llama3-family vocabs
// encode space/newline as the two-byte sequences 0xC4 0xA0 / 0xC4 0x8A;
// everything else encodes a literal space as the sentencepiece "▁"
// marker.
func replaceSpecialBytes(s string, family ModelFamily, spWS string) string {
	if family.usesLlama3Bytes() {
		var b strings.Builder
		raw := []byte(s)
		for i := 0; i < len(raw); {
			if i+1 < len(raw) && raw[i] == 0xc4 && raw[i+1] == 0xa0 {
				b.WriteByte(' ')
				i += 2
				continue
			}
			if i+1 < len(raw) && raw[i] == 0xc4 && raw[i+1] == 0x8a {
				b.WriteByte('\n')
				i += 2
				continue
			}
			b.WriteByte(raw[i])
			i++
		}
		return b.String()
	}
	return strings.ReplaceAll(s, spWS, " ")
}

// addMerge parses one "left right" merge string (space-separated,
// exactly one space) and records its rank, grounded on
// def_merge_string.
func (t *Tokenizer) addMerge(raw string, family ModelFamily, spWS string) error {
	sp := strings.IndexByte(raw, ' ')
	if sp < 0 || strings.IndexByte(raw[sp+1:], ' ') >= 0 {
		return errTok("merge string %q: space not found or invalid position", raw)
	}
	left := replaceSpecialBytes(raw[:sp], family, spWS)
	right := replaceSpecialBytes(raw[sp+1:], family, spWS)
	merged := replaceSpecialBytes(strings.ReplaceAll(raw, " ", ""), family, spWS)

	mergedID, ok := t.lookup(merged)
	if !ok {
		return errTok("merge string %q: no token match for merged form", raw)
	}
	leftID, ok := t.lookup(left)
	if !ok {
		return errTok("merge string %q: left sub-token not found", raw)
	}
	rightID, ok := t.lookup(right)
	if !ok {
		return errTok("merge string %q: right sub-token not found", raw)
	}

	rank := len(t.merges)
	t.merges[mergeKey{leftID, rightID}] = mergeEntry{rank: rank, token: mergedID}
	return nil
}

// compiledSpecial matches the longest special token whose literal text
// occurs at the current scan position. \G anchors the match to start
// exactly at the offset passed to FindStringMatchStartingAt, the
// regexp2 equivalent of tokenizer.c's per-id prefix compare at a fixed
// text cursor.
type compiledSpecial struct {
	re   *regexp2.Regexp
	toID map[string]int
}

// buildSpecialMatcher compiles the added_tokens range into a single
// anchored alternation, replacing char_encode_mt_list's per-id
// prefix-compare loop with one regex pass; alternatives are ordered
// longest-first so overlapping special strings prefer the longest
// match, same outcome as scanning every id in order when none of a
// model's special tokens are proper prefixes of another.
func (t *Tokenizer) buildSpecialMatcher() error {
	if t.specialLast < t.specialBase {
		t.specialRE = &compiledSpecial{toID: map[string]int{}}
		return nil
	}
	type entry struct {
		s  string
		id int
	}
	var entries []entry
	for id := t.specialBase; id <= t.specialLast; id++ {
		if id < len(t.idToStr) && t.idToStr[id] != "" {
			entries = append(entries, entry{t.idToStr[id], id})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return len(entries[i].s) > len(entries[j].s) })

	toID := make(map[string]int, len(entries))
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = regexp2.Escape(e.s)
		toID[e.s] = e.id
	}
	pattern := `\G(?:` + strings.Join(parts, "|") + `)`
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return &TokenizerError{Msg: "failed to compile special-token matcher", Err: err}
	}
	t.specialRE = &compiledSpecial{re: re, toID: toID}
	return nil
}
