package tokenizer

import (
	"unicode/utf8"
)

// mtEntry is one element of the working merge list: a token id plus
// the cached rank/result of merging it with its right neighbor,
// mirroring tokenizer.c's struct m_tok_t.
type mtEntry struct {
	tokID   int
	mergeTo int // merged token id if this pairs with the next entry, -1 if none
	rank    int // merge rank with next entry; -1 means "no merge"
}

const noMerge = -1

// Encode tokenizes text into ids: first splitting into one token per
// special-token match or UTF-8 character (falling back to per-byte
// tokens for unknown characters when the loaded vocab supports byte
// fallback), then repeatedly merging the lowest-rank adjacent pair
// until none remain (spec §4.F "greedy global-minimum-rank merge
// loop"), grounded on tokenizer_encode/char_encode_mt_list.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	if text == "" {
		return nil, nil
	}

	list, err := t.splitToBaseTokens(text)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(list)-1; i++ {
		t.setRank(list, i)
	}

	for {
		best := -1
		bestRank := len(t.merges) // worse than any real rank
		for i := 0; i < len(list)-1; i++ {
			if list[i].rank != noMerge && list[i].rank < bestRank {
				bestRank = list[i].rank
				best = i
			}
		}
		if best < 0 {
			break
		}

		list[best].tokID = list[best].mergeTo
		list = append(list[:best+1], list[best+2:]...)

		if best+1 < len(list) {
			t.setRank(list, best)
		} else {
			list[best].rank = noMerge
		}
		if best > 0 {
			t.setRank(list, best-1)
		}
	}

	ids := make([]int, len(list))
	for i, e := range list {
		ids[i] = e.tokID
	}
	return ids, nil
}

// setRank looks up the merge rank between list[i] and list[i+1] and
// stores it, mirroring set_m_score.
func (t *Tokenizer) setRank(list []mtEntry, i int) {
	if i < 0 || i+1 >= len(list) {
		return
	}
	key := mergeKey{list[i].tokID, list[i+1].tokID}
	if m, ok := t.merges[key]; ok {
		list[i].rank = m.rank
		list[i].mergeTo = m.token
	} else {
		list[i].rank = noMerge
		list[i].mergeTo = -1
	}
}

// splitToBaseTokens walks text left to right, peeling off the longest
// matching special token first (tried only where the text has a '<'),
// else one UTF-8 character, else (when byte fallback is available) the
// character's raw bytes as individual tokens.
func (t *Tokenizer) splitToBaseTokens(text string) ([]mtEntry, error) {
	var list []mtEntry
	pos := 0
	for pos < len(text) {
		if t.specialRE != nil && t.specialRE.re != nil && text[pos] == '<' {
			if m, _ := t.specialRE.re.FindStringMatchStartingAt(text, pos); m != nil && m.Index == pos {
				id := t.specialRE.toID[m.String()]
				list = append(list, mtEntry{tokID: id, rank: noMerge, mergeTo: -1})
				pos += m.Length
				continue
			}
		}

		r, size := utf8.DecodeRuneInString(text[pos:])
		if r == utf8.RuneError && size <= 1 {
			return nil, errTok("invalid utf8 char encoding at byte offset %d", pos)
		}
		chunk := text[pos : pos+size]
		if id, ok := t.lookup(chunk); ok {
			list = append(list, mtEntry{tokID: id, rank: noMerge, mergeTo: -1})
		} else if t.byteFallback {
			for i := 0; i < size; i++ {
				list = append(list, mtEntry{tokID: t.tokenID0x0 + int(chunk[i]), rank: noMerge, mergeTo: -1})
			}
		} else {
			return nil, errTok("no token for utf8 rune %q and no byte fallback available", r)
		}
		pos += size
	}
	return list, nil
}
