// Command llamast runs a decoder-only transformer checkpoint in
// either single-shot generate mode or an interactive chat loop, the
// thin external-collaborator wrapper spec §6 describes: flag/JSON
// config parsing, checkpoint path resolution, and process exit-code
// mapping. None of this is "the core" (spec §1's scope carve-out);
// the core lives entirely in internal/.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "llamast",
		Short: "Run a decoder-only transformer checkpoint",
	}
	root.AddCommand(newGenerateCmd(), newChatCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(exitCode(err))
	}
}

// exitCode maps every core error kind to -1 per spec §6's "Exit
// codes": the core never distinguishes failure reasons by exit code,
// only by the typed error logged before exiting.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return -1
}
