package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newMaintainCmd(g *globalFlags) *cobra.Command {
	var (
		purgeAfter time.Duration
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run decay and cleanup passes",
		Long: `Refresh stored retrievability, weaken stale associations, cool hot paths
and trim the access log. With --purge-after, expired memories older than
that window are hard-deleted too. A stage that fails is reported and does
not stop the rest.

Run it periodically, e.g. from cron:
  mnemos maintain --purge-after 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := a.reg.MaintainOptions()
			opts.PurgeExpiredAfter = purgeAfter
			opts.DryRun = dryRun

			rep, err := a.svc.Maintain(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return a.emit(rep, func() {
				if rep.DryRun {
					a.printf("Dry run: only the purge was evaluated.\n")
				} else {
					a.printf("Strengths refreshed: %d\n", rep.StrengthsUpdated)
					a.printf("Associations:        %d weakened, %d removed\n", rep.Associations.Weakened, rep.Associations.Removed)
					a.printf("Hot paths:           %d cooled, %d removed\n", rep.HotPaths.Weakened, rep.HotPaths.Removed)
					a.printf("Access log pruned:   %d\n", rep.AccessLogPruned)
				}
				if purgeAfter > 0 {
					a.printf("Expired purged:      %d\n", rep.Purged.Count)
				}
				for _, se := range rep.StageErrors {
					a.printf("warning: %v\n", se)
				}
			})
		},
	}

	cmd.Flags().DurationVar(&purgeAfter, "purge-after", 0, "hard-delete memories expired longer than this (0 keeps them)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only report what the purge would delete")
	return cmd
}
