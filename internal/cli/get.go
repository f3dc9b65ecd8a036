package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

func newGetCmd(g *globalFlags) *cobra.Command {
	var (
		includeExpired bool
		reassemble     bool
	)

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Recall a memory by ID",
		Long: `Print one memory. A successful recall counts as an access: it bumps the
access count, reinforces the memory's strength and feeds co-access
predictions.

Examples:
  mnemos get 0d6f...
  mnemos get 0d6f... --reassemble        # rebuild chunked content
  mnemos get 0d6f... --include-expired`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.svc.Get(cmd.Context(), args[0], memory.GetOptions{IncludeExpired: includeExpired})
			if err != nil {
				return err
			}
			if reassemble && m.Metadata[memory.MetaChunkParent] != nil {
				content, ids, err := a.svc.Reassemble(cmd.Context(), m.ID)
				if err != nil {
					return err
				}
				m.Content = content
				a.log.Debug("reassembled chunks", "chunks", len(ids))
			}

			return a.emit(m, func() {
				a.printf("%s\n\n", m.Content)
				a.printf("id:         %s\n", m.ID)
				a.printf("type:       %s\n", m.MemoryType)
				a.printf("importance: %s\n", m.Importance)
				if len(m.Tags) > 0 {
					a.printf("tags:       %s\n", strings.Join(m.Tags, ", "))
				}
				a.printf("accessed:   %d times\n", m.AccessCount)
				a.printf("created:    %s\n", m.CreatedAt.Format("2006-01-02 15:04"))
				if m.ExpiresAt != nil {
					a.printf("expires:    %s\n", m.ExpiresAt.Format("2006-01-02 15:04"))
				}
				if m.Expired {
					a.printf("status:     expired\n")
				}
				if len(m.ConsolidatedFrom) > 0 {
					a.printf("merged:     %s\n", strings.Join(m.ConsolidatedFrom, ", "))
				}
			})
		},
	}

	cmd.Flags().BoolVar(&includeExpired, "include-expired", false, "return soft-deleted memories instead of not found")
	cmd.Flags().BoolVar(&reassemble, "reassemble", false, "follow next_chunk links and print the original content")

	return cmd
}
