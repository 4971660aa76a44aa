package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/llamast/llamast/internal/config"
	"github.com/llamast/llamast/internal/engine"
)

func newChatCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the run configuration JSON file")
	cmd.MarkFlagRequired("config")
	return cmd
}

// runChat drives the interactive turn loop: each user line becomes a
// run of un-sampled tokens, followed by a run of sampled assistant
// tokens terminated by EOS — the turn-boundary bookkeeping
// transformer.RunState.Cache.NTokensSamp and kv-compaction's chat-mode
// cursor rely on (spec §4.E, SPEC_FULL §4 "turn boundary bookkeeping
// is core state").
func runChat(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.RunMode = config.RunChat

	e, err := engine.Build(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	printModelInfo(e)

	ctx := context.Background()
	if err := primeSystemPrompt(ctx, e); err != nil {
		return err
	}

	// an interrupt mid-generation is checked between tokens, never
	// during a forward pass: the sampler substitutes EOS for its next
	// pick and the assistant turn ends there. Neither that EOS nor an
	// end-of-turn template is forwarded.
	cancel := make(chan os.Signal, 1)
	signal.Notify(cancel, os.Interrupt)
	defer signal.Stop(cancel)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("\n%s: ", displayName(e.Config.Chat.UserName, "user"))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		turn := formatUserTurn(e.Config, line)
		ids, err := e.Encode(turn)
		if err != nil {
			return err
		}
		for i, id := range ids {
			if err := e.Forward(ctx, id, false, i == len(ids)-1); err != nil {
				return err
			}
		}

		fmt.Printf("%s: ", displayName(e.Config.Chat.AssistantName, "assistant"))
		if err := runAssistantTurn(ctx, e, cancel); err != nil {
			return err
		}
	}
}

func displayName(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// primeSystemPrompt encodes the chat config's system prompt (mode 0's
// cm0_sys_prompt, the others analogously) as un-sampled tokens before
// the first user turn, establishing the prefix kv-compaction's
// NTokensSys preserves across every later eviction.
func primeSystemPrompt(ctx context.Context, e *engine.Engine) error {
	sys := systemPrompt(e.Config)
	if sys == "" {
		return nil
	}
	ids, err := e.Encode(sys)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.Forward(ctx, id, false, false); err != nil {
			return err
		}
	}
	e.Transformer.State.Cache.NTokensSys = e.Transformer.State.Cache.NTokens
	return nil
}

func systemPrompt(cfg *config.Config) string {
	switch cfg.Chat.PromptMode {
	case config.ChatPromptTemplate:
		return cfg.Chat.Mode1SysTemplate + cfg.Chat.Mode1SysPrompt
	case config.ChatPromptNamed:
		return cfg.Chat.Mode2SysTemplate + cfg.Chat.Mode2SysPrompt
	default:
		return cfg.Chat.Mode0SysPrompt
	}
}

func formatUserTurn(cfg *config.Config, line string) string {
	switch cfg.Chat.PromptMode {
	case config.ChatPromptTemplate:
		return cfg.Chat.Mode1UserTemplate + line
	case config.ChatPromptNamed:
		return cfg.Chat.Mode2UserTemplate + line
	default:
		return line
	}
}

// runAssistantTurn samples tokens until EOS/EOT or SeqLen tokens have
// been sampled, printing each one's decoded text as it is produced.
func runAssistantTurn(ctx context.Context, e *engine.Engine, cancel <-chan os.Signal) error {
	cfg := e.Transformer.Config
	for step := 0; step < cfg.SeqLen; step++ {
		select {
		case <-cancel:
			e.Sampler.ForceEOSNext(true)
		default:
		}
		result := e.Sample(e.RecentTokens(e.Config.Sampler.RepeatPenaltyN))
		token := result.TokenID

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
