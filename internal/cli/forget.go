package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

func newForgetCmd(g *globalFlags) *cobra.Command {
	var (
		ids        []string
		tags       []string
		olderThan  time.Duration
		expired    bool
		expiredFor time.Duration
		dryRun     bool
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Delete memories by ID or criteria",
		Long: `Hard-delete memories from the namespace. Their associations, strength,
chain membership, spatial assignments and hot paths go with them.

Examples:
  mnemos forget --id 0d6f... --id 9a1c...
  mnemos forget --tag scratch --dry-run
  mnemos forget --older-than 2160h
  mnemos forget --expired --expired-for 168h
  mnemos forget                     # pick interactively`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var res memory.DeleteResult
			switch {
			case len(ids) > 0:
				res, err = a.svc.Store.DeleteByIDs(ctx, a.ns, ids, dryRun)

			case len(tags) > 0 || olderThan > 0 || expired:
				crit := memory.DeleteCriteria{
					Tags:        tags,
					OlderThan:   olderThan,
					ExpiredOnly: expired,
					ExpiredFor:  expiredFor,
					DryRun:      true,
				}
				res, err = a.svc.Store.DeleteByCriteria(ctx, a.ns, crit)
				if err != nil || dryRun || res.Count == 0 {
					break
				}
				if !yes && !confirmPrompt(cmd.InOrStdin(), a.out, fmt.Sprintf("Delete %d memories from %s?", res.Count, a.ns)) {
					a.printf("Aborted.\n")
					return nil
				}
				crit.DryRun = false
				res, err = a.svc.Store.DeleteByCriteria(ctx, a.ns, crit)

			default:
				return forgetInteractive(ctx, a, cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			return a.emit(res, func() {
				verb := "Deleted"
				if res.DryRun {
					verb = "Would delete"
				}
				a.printf("%s %d memories.\n", verb, res.Count)
				for _, id := range res.IDs {
					a.printf("  %s\n", id)
				}
			})
		},
	}

	cmd.Flags().StringSliceVar(&ids, "id", nil, "delete these memory IDs")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "delete memories carrying any of these tags")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete memories created longer ago than this")
	cmd.Flags().BoolVar(&expired, "expired", false, "only soft-deleted (expired) memories")
	cmd.Flags().DurationVar(&expiredFor, "expired-for", 0, "with --expired: expired at least this long ago")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

const interactiveLimit = 20

func forgetInteractive(ctx context.Context, a *app, in io.Reader) error {
	memories, err := a.svc.Store.Recent(ctx, a.ns, interactiveLimit)
	if err != nil {
		return err
	}
	if len(memories) == 0 {
		a.printf("No memories stored in %s.\n", a.ns)
		return nil
	}

	fmt.Fprintf(a.out, "Recent memories in %s (%d):\n\n", a.ns, len(memories))
	for i, m := range memories {
		fmt.Fprintf(a.out, "  [%2d] %-14s %s\n", i+1, "["+string(m.MemoryType)+"]", preview(m.Content, 80))
		fmt.Fprintf(a.out, "       id: %s\n", m.ID)
	}

	fmt.Fprint(a.out, "\nEnter memory number to delete (or 'q' to quit): ")
	line, _ := bufio.NewReader(in).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "q" || line == "" {
		fmt.Fprintln(a.out, "Aborted.")
		return nil
	}

	var idx int
	if _, err := fmt.Sscan(line, &idx); err != nil || idx < 1 || idx > len(memories) {
		return fmt.Errorf("invalid selection: %s", line)
	}

	m := memories[idx-1]
	if _, err := a.svc.Store.DeleteByID(ctx, a.ns, m.ID, false); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted: %q\n", preview(m.Content, 80))
	return nil
}

func confirmPrompt(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	return line == "y" || line == "yes"
}
