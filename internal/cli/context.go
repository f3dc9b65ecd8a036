package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	mctx "github.com/memvra/mnemos/internal/context"
)

func newContextCmd(g *globalFlags) *cobra.Command {
	var (
		maxTokens       int
		topK            int
		minRelevance    float64
		depth           int
		noAssociations  bool
		noChains        bool
		noContextual    bool
		importanceBoost float64
		recencyBoost    float64
		scores          bool
		output          string
	)

	cmd := &cobra.Command{
		Use:   "context <query>",
		Short: "Assemble a token-budgeted context window for a query",
		Long: `Build the context an assistant should see for a query: the best matches,
then memories associated with them, the reasoning chains they belong to,
and contextual memories (co-accessed, same cluster, recent), all within a
token budget.

Examples:
  mnemos context "why did we pick sqlite"
  mnemos context "deploy steps" --max-tokens 1500 --no-contextual
  mnemos context "auth refactor" --scores --output .mnemos/context.md`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := a.reg.ContextOptions()
			flags := cmd.Flags()
			if flags.Changed("max-tokens") {
				opts.MaxTokens = maxTokens
			}
			if flags.Changed("top-k") {
				opts.TopK = topK
			}
			if flags.Changed("min-relevance") {
				opts.MinRelevance = minRelevance
			}
			if flags.Changed("depth") {
				opts.MaxAssociationDepth = depth
			}
			if flags.Changed("importance-boost") {
				opts.ImportanceBoost = importanceBoost
			}
			if flags.Changed("recency-boost") {
				opts.RecencyBoost = recencyBoost
			}
			opts.IncludeAssociations = opts.IncludeAssociations && !noAssociations
			opts.IncludeChains = opts.IncludeChains && !noChains
			opts.IncludeContextual = opts.IncludeContextual && !noContextual

			asm, err := a.reg.Assembler(a.ns)
			if err != nil {
				return err
			}
			w, err := asm.BuildContextWindow(cmd.Context(), strings.Join(args, " "), nil, opts)
			if err != nil {
				return err
			}

			f := mctx.NewFormatter()
			f.ShowScores = scores
			text := f.Format(w)
			if output != "" {
				if err := os.WriteFile(output, []byte(text), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Fprintf(os.Stderr, "Context written to %s\n", output)
			}
			return a.emit(w, func() {
				if output == "" {
					a.printf("%s", text)
				}
				for _, se := range w.StageErrors {
					a.log.Warn("context stage degraded", "stage", se.Stage, "err", se.Err)
				}
			})
		},
	}

	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "token budget (default from config)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "core matches to consider")
	cmd.Flags().Float64Var(&minRelevance, "min-relevance", 0, "minimum similarity for core matches")
	cmd.Flags().IntVar(&depth, "depth", 0, "association hops")
	cmd.Flags().BoolVar(&noAssociations, "no-associations", false, "skip associated memories")
	cmd.Flags().BoolVar(&noChains, "no-chains", false, "skip reasoning chains")
	cmd.Flags().BoolVar(&noContextual, "no-contextual", false, "skip contextual memories")
	cmd.Flags().Float64Var(&importanceBoost, "importance-boost", 0, "re-rank core matches by importance")
	cmd.Flags().Float64Var(&recencyBoost, "recency-boost", 0, "re-rank core matches by recency")
	cmd.Flags().BoolVar(&scores, "scores", false, "show scores and reasons")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the rendered window to a file")

	return cmd
}
