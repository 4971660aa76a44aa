// Package term holds the console I/O helpers: a raw terminal mode
// wrapper, UTF-8 display-width-aware wrapping for streamed token
// output, and a tabular checkpoint summary. cmd/llamast uses only the
// checkpoint summary; its chat loop reads lines from stdin and takes
// an interrupt signal as the cancel request.
package term

import (
	"fmt"
	"io"
	"strings"

	"github.com/containerd/console"
	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"
)

// ModelSummary is the subset of a loaded checkpoint's shape worth
// showing a user before a run starts.
type ModelSummary struct {
	ModelIdent string
	Dim        int
	HiddenDim  int
	NLayers    int
	NHeads     int
	NKVHeads   int
	VocabSize  int
	SeqLen     int
	NumExperts int
	EmType     string
	LwType     string
	SIMDLevel  string
	NumThreads int
}

// PrintModelInfo renders a ModelSummary as a two-column table,
// grounded on the corpus's gguf-parser-style checkpoint summary
// (NewWriter + SetHeader + SetAutoMergeCellsByColumnIndex omitted
// here since there is only one row per field, not a merge grid).
func PrintModelInfo(w io.Writer, s ModelSummary) {
	tb := tablewriter.NewWriter(w)
	tb.SetHeader([]string{"field", "value"})
	tb.SetAlignment(tablewriter.ALIGN_LEFT)
	tb.SetAutoWrapText(false)
	tb.SetHeaderLine(true)
	tb.SetRowLine(false)

	rows := [][2]string{
		{"model_ident", s.ModelIdent},
		{"dim", fmt.Sprint(s.Dim)},
		{"hidden_dim", fmt.Sprint(s.HiddenDim)},
		{"n_layers", fmt.Sprint(s.NLayers)},
		{"n_heads", fmt.Sprint(s.NHeads)},
		{"n_kv_heads", fmt.Sprint(s.NKVHeads)},
		{"vocab_size", fmt.Sprint(s.VocabSize)},
		{"seq_len", fmt.Sprint(s.SeqLen)},
		{"em_type", s.EmType},
		{"lw_type", s.LwType},
		{"simd_level", s.SIMDLevel},
		{"num_threads", fmt.Sprint(s.NumThreads)},
	}
	if s.NumExperts > 0 {
		rows = append(rows, [2]string{"num_experts", fmt.Sprint(s.NumExperts)})
	}
	for _, r := range rows {
		tb.Append([]string{r[0], r[1]})
	}
	tb.Render()
}

// WrapToWidth breaks s into lines no wider than width display
// columns, counting east-asian-wide and combining runes correctly via
// go-runewidth rather than byte or rune count — needed because a
// streamed token can contain multi-byte UTF-8 that renders wider or
// narrower than its byte length.
func WrapToWidth(s string, width int) []string {
	if width <= 0 {
		return []string{s}
	}
	var lines []string
	var b strings.Builder
	col := 0
	for _, r := range s {
		rw := runewidth.RuneWidth(r)
		if col+rw > width && b.Len() > 0 {
			lines = append(lines, b.String())
			b.Reset()
			col = 0
		}
		b.WriteRune(r)
		col += rw
	}
	if b.Len() > 0 {
		lines = append(lines, b.String())
	}
	return lines
}

// RawTerminal puts the current process's stdin into raw mode for the
// duration of fn, restoring the prior state on return — the console
// equivalent of the original's platform-specific "check for ESC
// keypress without waiting for Enter" cancellation poll (spec §5).
func RawTerminal(fn func(console.Console) error) error {
	current := console.Current()
	defer current.Reset()

	if err := current.SetRaw(); err != nil {
		return fmt.Errorf("term: failed to enter raw mode: %w", err)
	}
	return fn(current)
}
