package tokenizer

// TokenString returns the raw stored string for id ("<unk>" if out of
// range), mirroring tokenizer_get_token_str.
func (t *Tokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.idToStr) {
		return "<unk>"
	}
	return t.idToStr[id]
}

// Decode returns the printable text for a single token id: empty for
// special tokens, "\n"/"\t" for the matching byte-fallback codes, the
// raw byte for other printable byte-fallback codes, empty for the
// remaining control bytes, and the stored string otherwise.
func (t *Tokenizer) Decode(id int) (string, error) {
	if id < 0 {
		return "", errTok("negative token id %d", id)
	}
	if t.IsSpecial(id) {
		return "", nil
	}
	if t.byteFallback && id >= t.tokenID0x0 && id <= t.tokenID0x0+255 {
		c := byte(id - t.tokenID0x0)
		switch {
		case c == '\r' || c == '\n':
			return "\n", nil
		case c == '\t':
			return "\t", nil
		case c < 0x20 || c == 0x7f:
			return "", nil
		default:
			return string([]byte{c}), nil
		}
	}
	return t.TokenString(id), nil
}

// DecodeStream decodes id the way a streaming printer would: applying
// the sentencepiece "strip the space following a leading-BOS token"
// rule for non-llama3 models (tokenizer_decode_print's documented PR
// #89 fix), and advancing the printer's internal previous-token state.
// Call it once per generated token, in order.
func (t *Tokenizer) DecodeStream(id int) (string, error) {
	s, err := t.Decode(id)
	if err != nil {
		return "", err
	}
	if !t.mode3 {
		if t.prevPrintedToken == t.tokenIDBosWS && len(s) > 0 && s[0] == ' ' {
			s = s[1:]
		}
		t.prevPrintedToken = id
	}
	return s, nil
}

// ResetStream clears DecodeStream's leading-space tracking state, for
// starting a fresh generation with the same Tokenizer instance.
func (t *Tokenizer) ResetStream() {
	t.prevPrintedToken = 0
}

// DecodeAll decodes a full id sequence into one string via
// DecodeStream, applying the leading-space rule across the whole
// sequence the way streaming generation would.
func (t *Tokenizer) DecodeAll(ids []int) (string, error) {
	t.ResetStream()
	out := make([]byte, 0, len(ids)*2)
	for _, id := range ids {
		s, err := t.DecodeStream(id)
		if err != nil {
			return "", err
		}
		out = append(out, s...)
	}
	return string(out), nil
}
