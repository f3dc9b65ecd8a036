package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
	"github.com/memvra/mnemos/internal/registry"
)

func newQuadrantsCmd(g *globalFlags) *cobra.Command {
	var (
		initialise bool
		force      bool
		search     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "quadrants",
		Short: "Show or build the coarse spatial partition",
		Long: `Quadrants split the namespace's embedding space into a few coarse regions.
New memories are assigned to the nearest quadrant when they are stored.

Examples:
  mnemos quadrants
  mnemos quadrants --init             # build once enough memories exist
  mnemos quadrants --init --force     # rebuild from scratch
  mnemos quadrants --search Q2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if search != "" {
				hits, err := a.svc.Spatial.SearchQuadrant(ctx, a.ns, search, limit)
				if err != nil {
					return err
				}
				return a.emit(hits, func() { a.printScored(hits) })
			}

			var qs []memory.Quadrant
			if initialise {
				qs, err = a.svc.Spatial.InitQuadrants(ctx, a.ns, force)
			} else {
				qs, err = a.svc.Spatial.Quadrants(ctx, a.ns)
			}
			if err != nil {
				return err
			}
			return a.emit(qs, func() {
				if len(qs) == 0 {
					a.printf("No quadrants yet. Run `mnemos quadrants --init`.\n")
					return
				}
				for _, q := range qs {
					a.printf("  %-4s %4d  %s\n", q.Code, q.MemberCount, q.Label)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&initialise, "init", false, "build quadrants if none exist")
	cmd.Flags().BoolVar(&force, "force", false, "with --init: rebuild existing quadrants")
	cmd.Flags().StringVar(&search, "search", "", "list the members of this quadrant, closest to its centroid first")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum members with --search")
	return cmd
}

func newClusterCmd(g *globalFlags) *cobra.Command {
	var (
		k, minSize int
		list       bool
		members    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Recompute or inspect fine-grained clusters",
		Long: `Re-run k-means over every active embedded memory. Groups smaller than
the minimum size are dissolved; their members stay unclustered until the
next run.

Examples:
  mnemos cluster                      # recompute with configured sizes
  mnemos cluster --k 12 --min-size 3
  mnemos cluster --list
  mnemos cluster --members <cluster-id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			progress, finish := newProgress("Clustering")
			var opts []registry.Option
			if progress != nil && !list && members == "" {
				opts = append(opts, registry.WithClusterProgress(progress))
			}
			a, err := openApp(cmd, g, opts...)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			switch {
			case members != "":
				hits, err := a.svc.Spatial.SearchCluster(ctx, a.ns, members, limit)
				if err != nil {
					return err
				}
				return a.emit(hits, func() { a.printScored(hits) })

			case list:
				cs, err := a.svc.Spatial.Clusters(ctx, a.ns)
				if err != nil {
					return err
				}
				return a.emit(cs, func() { a.printClusters(cs) })
			}

			if !cmd.Flags().Changed("k") {
				k = a.cfg.Spatial.ClusterCount
			}
			if !cmd.Flags().Changed("min-size") {
				minSize = a.cfg.Spatial.MinClusterSize
			}
			run, err := a.svc.Spatial.RunClustering(ctx, a.ns, k, minSize)
			finish()
			if err != nil {
				return err
			}
			return a.emit(run, func() {
				a.printf("%d clusters after %d iterations (%d dissolved, %d memories unclustered)\n\n",
					len(run.Clusters), run.Iterations, run.Dissolved, run.Unclustered)
				a.printClusters(run.Clusters)
			})
		},
	}

	cmd.Flags().IntVar(&k, "k", 0, "number of clusters (0 picks sqrt(n/2))")
	cmd.Flags().IntVar(&minSize, "min-size", 0, "dissolve clusters smaller than this")
	cmd.Flags().BoolVar(&list, "list", false, "list current clusters without recomputing")
	cmd.Flags().StringVar(&members, "members", "", "list the members of this cluster")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum members with --members")
	return cmd
}

func newNeighborhoodCmd(g *globalFlags) *cobra.Command {
	var (
		radius float64
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "neighborhood <id>",
		Short: "List memories near a memory in embedding space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			hits, err := a.svc.Spatial.Neighborhood(cmd.Context(), a.ns, args[0], radius, limit)
			if err != nil {
				return err
			}
			return a.emit(hits, func() { a.printScored(hits) })
		},
	}

	cmd.Flags().Float64Var(&radius, "radius", 0.7, "minimum similarity in [0,1]")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func newPredictCmd(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "predict <id>",
		Short: "Predict which memories are recalled after this one",
		Long: `Rank the memories most often recalled shortly after id, by the share of
observed transitions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			preds, err := a.svc.Spatial.PredictNext(cmd.Context(), a.ns, args[0], limit)
			if err != nil {
				return err
			}
			return a.emit(preds, func() {
				if len(preds) == 0 {
					a.printf("No recorded transitions from %s.\n", args[0])
					return
				}
				for _, p := range preds {
					a.printMemoryLine(p.Memory, fmt.Sprintf(" p=%.2f n=%d", p.Probability, p.Transitions))
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 5, "maximum predictions")
	return cmd
}

func (a *app) printScored(hits []memory.Scored) {
	if len(hits) == 0 {
		a.printf("No memories.\n")
		return
	}
	for _, h := range hits {
		a.printMemoryLine(h.Memory, fmt.Sprintf(" %.3f", h.Similarity))
	}
}

func (a *app) printClusters(cs []memory.Cluster) {
	if len(cs) == 0 {
		a.printf("No clusters.\n")
		return
	}
	for _, c := range cs {
		a.printf("  %s  %4d  %s\n", c.ID, c.MemberCount, c.Label)
	}
}
