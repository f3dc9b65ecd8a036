package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newPruneCmd(g *globalFlags) *cobra.Command {
	var (
		olderThanDays int
		accessLogDays int
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired memories and old access records",
		Long: `Hard-delete memories that expired more than --older-than days ago and
drop access-log rows older than --access-log days.

  mnemos prune                    # expired > 30 days, access log > 30 days
  mnemos prune --older-than 0     # every expired memory
  mnemos prune --dry-run          # preview what would be deleted`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			res, err := a.svc.Store.PurgeExpired(ctx, a.ns, days(olderThanDays), dryRun)
			if err != nil {
				return err
			}
			pruned := 0
			if !dryRun && accessLogDays > 0 {
				if pruned, err = a.svc.Spatial.PruneAccessLog(ctx, a.ns, days(accessLogDays)); err != nil {
					return err
				}
			}

			out := map[string]any{"expired": res, "access_log_pruned": pruned}
			return a.emit(out, func() {
				if dryRun {
					a.printf("Would delete %d expired memories\n", res.Count)
					return
				}
				a.printf("Pruned %d expired memories and %d access records\n", res.Count, pruned)
			})
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than", 30, "only memories expired more than N days ago")
	cmd.Flags().IntVar(&accessLogDays, "access-log", 30, "drop access records older than N days (0 keeps them)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview what would be pruned without deleting")

	return cmd
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
