package cli

import (
	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

// consolidateReport is the JSON shape of a consolidate run.
type consolidateReport struct {
	Clusters []memory.ConsolidationCluster `json:"clusters"`
	Results  []memory.ConsolidationResult  `json:"results"`
	Failed   []string                      `json:"failed,omitempty"`
}

func newConsolidateCmd(g *globalFlags) *cobra.Command {
	var (
		strategy   string
		threshold  float64
		maxCluster int
		types      []string
		apply      bool
	)

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge redundant memories",
		Long: `Group redundant memories and fold each group into one consolidated
memory. Sources are soft-deleted and linked from the new memory by
consolidated_from edges. Without --apply this is a dry run that shows the
merges it would make.

Strategies: similarity (embeddings), temporal (same day), tag_based (tag
overlap), importance (same tier, then embeddings).

Examples:
  mnemos consolidate
  mnemos consolidate --strategy tag_based --threshold 0.6 --apply`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if !cmd.Flags().Changed("strategy") {
				strategy = a.cfg.Consolidation.Strategy
			}
			st, err := memory.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			mts, err := parseTypes(types)
			if err != nil {
				return err
			}

			clusters, err := a.svc.Consolidator.FindClusters(ctx, a.ns, memory.FindOptions{
				Strategy:       st,
				Threshold:      threshold,
				MaxClusterSize: maxCluster,
				Types:          mts,
			})
			if err != nil {
				return err
			}

			report := consolidateReport{Clusters: clusters, Results: []memory.ConsolidationResult{}}
			for _, cl := range clusters {
				res, err := a.svc.Consolidator.Merge(ctx, a.ns, cl, !apply)
				if err != nil {
					// A member may have been merged or deleted since discovery.
					a.log.Warn("merge skipped", "centroid", cl.CentroidID, "err", err)
					report.Failed = append(report.Failed, cl.CentroidID)
					continue
				}
				report.Results = append(report.Results, res)
			}

			return a.emit(report, func() {
				if len(clusters) == 0 {
					a.printf("Nothing to consolidate.\n")
					return
				}
				for _, res := range report.Results {
					a.printf("%s\n", res.Summary())
					a.printf("  %s\n", preview(res.Content, 100))
				}
				if !apply {
					a.printf("\nDry run. Re-run with --apply to merge.\n")
				}
			})
		},
	}

	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "similarity, temporal, tag_based, importance (default from config)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "grouping threshold in [0,1] (default from config)")
	cmd.Flags().IntVar(&maxCluster, "max-cluster", 0, "maximum memories per merge")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "only consider these memory types")
	cmd.Flags().BoolVar(&apply, "apply", false, "perform the merges")

	return cmd
}
