package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

func newSearchCmd(g *globalFlags) *cobra.Command {
	var (
		limit         int
		minSimilarity float64
		types         []string
		importances   []string
		tags          []string
		related       bool
		chains        bool
		rescore       bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find memories by meaning",
		Long: `Rank memories by cosine similarity to the query.

Examples:
  mnemos search "how do we deploy"
  mnemos search "auth bug" --related --chains
  mnemos search "database choice" --min-similarity 0.6 --rescore`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := memory.SearchRequest{
				Query:          strings.Join(args, " "),
				Limit:          limit,
				MinSimilarity:  minSimilarity,
				Tags:           tags,
				IncludeRelated: related,
				IncludeChains:  chains,
				Rescore:        rescore,
			}
			var err error
			if req.Types, err = parseTypes(types); err != nil {
				return err
			}
			if req.Importances, err = parseImportances(importances); err != nil {
				return err
			}

			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			req.Timeout = a.cfg.Context.PipelineTimeout
			resp, err := a.svc.Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.emit(resp, func() {
				if len(resp.Hits) == 0 {
					a.printf("No results found.\n")
				}
				for _, h := range resp.Hits {
					a.printMemoryLine(h.Memory, fmt.Sprintf(" %.3f", h.Score))
					for _, r := range h.Related {
						a.printf("      ~ %s (%s, %.2f) %s\n", r.Memory.ID, r.RelationType, r.Strength, preview(r.Memory.Content, 60))
					}
					for _, c := range h.Chains {
						a.printf("      > chain %q step %d\n", c.Name, c.Position+1)
					}
				}
				for _, se := range resp.StageErrors {
					a.printf("warning: %v\n", se)
				}
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "k", 10, "maximum results")
	cmd.Flags().Float64Var(&minSimilarity, "min-similarity", 0, "minimum cosine similarity in [0,1]")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "memory types (any of)")
	cmd.Flags().StringSliceVarP(&importances, "importance", "i", nil, "importance tiers (any of)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (any of)")
	cmd.Flags().BoolVar(&related, "related", false, "attach directly linked memories")
	cmd.Flags().BoolVar(&chains, "chains", false, "attach the reasoning chains containing each hit")
	cmd.Flags().BoolVar(&rescore, "rescore", false, "weight similarity by current memory strength")

	return cmd
}
