package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFadingCmd(g *globalFlags) *cobra.Command {
	var (
		threshold float64
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "fading",
		Short: "List memories that are being forgotten",
		Long: `List memories whose retrievability has dropped below the threshold,
weakest first. Reviewing them (mnemos review <id>) resets the curve.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("threshold") {
				threshold = a.cfg.Strength.FadingThreshold
			}
			fading, err := a.svc.Strength.GetFadingMemories(cmd.Context(), a.ns, threshold, limit)
			if err != nil {
				return err
			}
			return a.emit(fading, func() {
				if len(fading) == 0 {
					a.printf("Nothing below %.2f.\n", threshold)
					return
				}
				for _, f := range fading {
					a.printMemoryLine(f.Memory, fmt.Sprintf(" R=%.3f %.0fd", f.Retrievability, f.DaysSinceAccess))
				}
			})
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0, "retrievability threshold in [0,1] (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	return cmd
}

func newReviewCmd(g *globalFlags) *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Record a recall attempt for a memory",
		Long: `Update a memory's strength. A successful review grows its stability, more
so the closer it was to being forgotten; --failed records a lapse and
leaves stability unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.svc.Strength.UpdateStrength(cmd.Context(), a.ns, args[0], !failed, "")
			if err != nil {
				return err
			}
			return a.emit(st, func() {
				a.printf("stability %.2f days, retrievability %.3f, %d reviews, %d lapses\n",
					st.Stability, st.Retrievability, st.ReviewCount, st.Lapses)
			})
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "the memory could not be recalled")
	return cmd
}
