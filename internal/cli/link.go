package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

func newLinkCmd(g *globalFlags) *cobra.Command {
	var (
		relation      string
		strength      float64
		bidirectional bool
	)

	cmd := &cobra.Command{
		Use:   "link <source-id> <target-id>...",
		Short: "Associate memories",
		Long: `Create association edges from one memory to others. Linking the same
pair under the same relation again updates the edge strength.

Examples:
  mnemos link 0d6f... 9a1c... --relation caused_by
  mnemos link 0d6f... 9a1c... 44b2... --bidirectional --strength 0.8`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			req := memory.LinkRequest{
				SourceID:      args[0],
				TargetIDs:     args[1:],
				Bidirectional: bidirectional,
				RelationType:  relation,
			}
			if cmd.Flags().Changed("strength") {
				req.Strength = memory.LinkStrength(strength)
			}
			res, err := a.svc.Graph.Link(cmd.Context(), a.ns, req)
			if err != nil {
				return err
			}
			return a.emit(res, func() {
				if res.NoValidTargets {
					a.printf("No valid targets: every target was missing, expired, or the source itself.\n")
					return
				}
				a.printf("Linked: %d created, %d updated\n", res.Created, res.Updated)
				for _, id := range res.Skipped {
					a.printf("  skipped %s\n", id)
				}
			})
		},
	}

	cmd.Flags().StringVarP(&relation, "relation", "r", memory.RelationRelated, "relation type")
	cmd.Flags().Float64Var(&strength, "strength", 1, "edge strength in [0,1]")
	cmd.Flags().BoolVarP(&bidirectional, "bidirectional", "b", false, "also create the reverse edges")

	return cmd
}

func newUnlinkCmd(g *globalFlags) *cobra.Command {
	var bidirectional bool

	cmd := &cobra.Command{
		Use:   "unlink <source-id> <target-id>",
		Short: "Remove associations between two memories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.svc.Graph.Unlink(cmd.Context(), a.ns, args[0], args[1], bidirectional)
			if err != nil {
				return err
			}
			return a.emit(map[string]int{"removed": n}, func() {
				a.printf("Removed %d edges.\n", n)
			})
		},
	}

	cmd.Flags().BoolVarP(&bidirectional, "bidirectional", "b", false, "also remove the reverse edges")
	return cmd
}

func newRelatedCmd(g *globalFlags) *cobra.Command {
	var depth int

	cmd := &cobra.Command{
		Use:   "related <id>",
		Short: "Walk the association graph from a memory",
		Long: `List memories reachable from id within depth hops. Strength decays with
every hop; each memory is reported once, at its strongest path.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			rel, err := a.svc.Graph.GetRelated(cmd.Context(), a.ns, args[0], depth)
			if err != nil {
				return err
			}
			return a.emit(rel, func() {
				if len(rel) == 0 {
					a.printf("No related memories.\n")
					return
				}
				for _, r := range rel {
					a.printMemoryLine(r.Memory, fmt.Sprintf(" d%d %s %.3f", r.Depth, r.RelationType, r.Strength))
				}
			})
		},
	}

	cmd.Flags().IntVarP(&depth, "depth", "d", 2, "maximum hops")
	return cmd
}

func newAutoLinkCmd(g *globalFlags) *cobra.Command {
	var (
		threshold float64
		maxLinks  int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "autolink <id>",
		Short: "Link a memory to its most similar neighbours",
		Long: `Propose or create "similar" links from id to memories whose embedding
similarity is at least the threshold.

Examples:
  mnemos autolink 0d6f... --dry-run
  mnemos autolink 0d6f... --threshold 0.8 --max 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if dryRun {
				cands, err := a.svc.Graph.FindLinkable(ctx, a.ns, args[0], threshold, maxLinks)
				if err != nil {
					return err
				}
				return a.emit(cands, func() {
					if len(cands) == 0 {
						a.printf("No candidates above %.2f.\n", threshold)
					}
					for _, c := range cands {
						mark := ""
						if c.AlreadyLinked {
							mark = " (linked)"
						}
						a.printMemoryLine(c.Memory, fmt.Sprintf(" %.3f%s", c.Similarity, mark))
					}
				})
			}

			res, err := a.svc.Graph.AutoLink(ctx, a.ns, args[0], threshold, maxLinks)
			if err != nil {
				return err
			}
			return a.emit(res, func() {
				a.printf("Auto-linked: %d edges created, %d updated\n", res.Created, res.Updated)
			})
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0.75, "minimum similarity in [0,1]")
	cmd.Flags().IntVar(&maxLinks, "max", 5, "maximum new links")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list candidates")

	return cmd
}
