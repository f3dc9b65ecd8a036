package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

func newQueryCmd(g *globalFlags) *cobra.Command {
	var (
		types          []string
		importances    []string
		tags           []string
		contains       string
		after, before  string
		includeExpired bool
		onlyExpired    bool
		limit, offset  int
		orderBy        string
		asc            bool
	)

	cmd := &cobra.Command{
		Use:     "query",
		Aliases: []string{"list", "ls"},
		Short:   "List memories by metadata",
		Long: `List memories in the namespace, filtered by metadata and paginated.

Examples:
  mnemos query --type procedural --importance high --importance critical
  mnemos query --tag deploy --order importance
  mnemos query --after 2025-01-01 --limit 50 --offset 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := memory.Filter{
				Tags:           tags,
				Contains:       contains,
				IncludeExpired: includeExpired,
				OnlyExpired:    onlyExpired,
			}
			var err error
			if f.Types, err = parseTypes(types); err != nil {
				return err
			}
			if f.Importances, err = parseImportances(importances); err != nil {
				return err
			}
			if f.CreatedAfter, err = parseDate(after); err != nil {
				return err
			}
			if f.CreatedBefore, err = parseDate(before); err != nil {
				return err
			}

			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Store.Query(cmd.Context(), a.ns, f,
				memory.Page{Limit: limit, Offset: offset, OrderBy: orderBy, Asc: asc})
			if err != nil {
				return err
			}
			return a.emit(res, func() {
				if len(res.Memories) == 0 {
					a.printf("No memories match.\n")
					return
				}
				for _, m := range res.Memories {
					status := ""
					if m.Expired {
						status = " (expired)"
					}
					a.printMemoryLine(m, status)
				}
				a.printf("\n%d-%d of %d\n", offset+1, offset+len(res.Memories), res.Total)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "memory types (any of)")
	cmd.Flags().StringSliceVarP(&importances, "importance", "i", nil, "importance tiers (any of)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (any of)")
	cmd.Flags().StringVar(&contains, "contains", "", "case-insensitive content substring")
	cmd.Flags().StringVar(&after, "after", "", "created after (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&before, "before", "", "created before (YYYY-MM-DD or RFC3339)")
	cmd.Flags().BoolVar(&includeExpired, "include-expired", false, "include soft-deleted memories")
	cmd.Flags().BoolVar(&onlyExpired, "only-expired", false, "list only soft-deleted memories")
	cmd.Flags().IntVar(&limit, "limit", memory.DefaultPageLimit, fmt.Sprintf("page size (max %d)", memory.MaxPageLimit))
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().StringVar(&orderBy, "order", "created_at", "order by: created_at, updated_at, importance, access_count, last_accessed_at")
	cmd.Flags().BoolVar(&asc, "asc", false, "ascending order")

	return cmd
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC3339)", s)
}
