package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/adapter"
	"github.com/memvra/mnemos/internal/config"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-time configuration",
		Long:  "Choose the embedding provider, API keys and cluster labeller, and save them to the global config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GlobalConfigPath()
			if err != nil {
				return fmt.Errorf("locate config: %w", err)
			}
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}

			runSetup(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout(), &cfg)

			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Run `mnemos remember \"...\"` in any repository to get started.")
			return nil
		},
	}
}

// runSetup walks through the questions and updates cfg in place.
func runSetup(r *bufio.Reader, w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Welcome to mnemos! Let's configure your memory store.")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Which embedding provider should be used for semantic search?")
	fmt.Fprintln(w, "  [1] Ollama (local, private, free; requires Ollama)")
	fmt.Fprintln(w, "  [2] OpenAI (better quality, small cost)")
	fmt.Fprintln(w, "  [3] Built-in hashing embedder (offline, lexical only)")
	fmt.Fprint(w, "> ")

	switch readLineBuf(r) {
	case "2":
		cfg.Embedding.Provider = adapter.ProviderOpenAI
		cfg.Embedding.Model = "text-embedding-3-small"
		cfg.Storage.Dimension = 1536
		if cfg.Keys.OpenAI == "" {
			fmt.Fprint(w, "Enter your OpenAI API key (or press Enter to set OPENAI_API_KEY later): ")
			cfg.Keys.OpenAI = readLineBuf(r)
		}
	case "3":
		cfg.Embedding.Provider = adapter.ProviderLocal
		cfg.Embedding.Model = ""
	default:
		cfg.Embedding.Provider = adapter.ProviderOllama
		fmt.Fprintf(w, "Ollama host (press Enter for %s): ", cfg.Embedding.OllamaHost)
		if host := readLineBuf(r); host != "" {
			cfg.Embedding.OllamaHost = host
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Label clusters with an LLM?")
	fmt.Fprintln(w, "  [1] No, derive labels from tags")
	fmt.Fprintln(w, "  [2] Claude (Anthropic)")
	fmt.Fprintln(w, "  [3] OpenAI")
	fmt.Fprint(w, "> ")

	switch readLineBuf(r) {
	case "2":
		cfg.Labels.Provider = adapter.ProviderClaude
		if cfg.Keys.Anthropic == "" {
			fmt.Fprint(w, "Enter your Anthropic API key (or press Enter to set ANTHROPIC_API_KEY later): ")
			cfg.Keys.Anthropic = readLineBuf(r)
		}
	case "3":
		cfg.Labels.Provider = adapter.ProviderOpenAI
		if cfg.Keys.OpenAI == "" {
			fmt.Fprint(w, "Enter your OpenAI API key (or press Enter to set OPENAI_API_KEY later): ")
			cfg.Keys.OpenAI = readLineBuf(r)
		}
	default:
		cfg.Labels.Provider = ""
	}
}

// readLineBuf reads a trimmed line from a bufio.Reader.
func readLineBuf(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
