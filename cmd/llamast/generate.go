package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/llamast/llamast/internal/config"
	"github.com/llamast/llamast/internal/engine"
	"github.com/llamast/llamast/internal/term"
)

func newGenerateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run a single-shot generation from the configured prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the run configuration JSON file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runGenerate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.RunMode = config.RunGenerate

	e, err := engine.Build(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	printModelInfo(e)

	ids, err := e.Encode(cfg.GenModePrompt)
	if err != nil {
		return err
	}

	ctx := context.Background()
	steps := cfg.GenRunSteps
	if steps <= 0 {
		steps = e.Transformer.Config.SeqLen
	}

	for i := 0; i < len(ids); i++ {
		wantLogits := i == len(ids)-1
		if err := e.Forward(ctx, ids[i], false, wantLogits); err != nil {
			return err
		}
	}

	token := ids[len(ids)-1]
	for step := len(ids); step < steps; step++ {
		result := e.Sample(e.RecentTokens(cfg.Sampler.RepeatPenaltyN))
		token = result.TokenID

		if token == e.EOSToken() || token == e.EOTToken() {
			break
		}

		text, err := e.Decode(token)
		if err != nil {
			return err
		}
		fmt.Print(text)

		if err := e.Forward(ctx, token, true, true); err != nil {
			return err
		}
	}
	fmt.Println()
	return nil
}

func printModelInfo(e *engine.Engine) {
	cfg := e.Transformer.Config
	w := e.Transformer.Weights
	term.PrintModelInfo(os.Stdout, term.ModelSummary{
		ModelIdent: e.Config.ModelIdent,
		Dim:        cfg.Dim,
		HiddenDim:  cfg.HiddenDim,
		NLayers:    cfg.NLayers,
		NHeads:     cfg.NHeads,
		NKVHeads:   cfg.NKVHeads,
		VocabSize:  cfg.VocabSize,
		SeqLen:     cfg.SeqLen,
		NumExperts: cfg.MoE.NumExperts,
		EmType:     w.TokenEmb.DType.String(),
		LwType:     w.Wq.DType.String(),
		SIMDLevel:  e.Transformer.Kernels.Level.String(),
		NumThreads: e.Transformer.Pool.NThreads(),
	})
}
