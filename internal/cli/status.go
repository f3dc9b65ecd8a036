package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"stats"},
		Short:   "Show statistics for the namespace",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.svc.Stats(cmd.Context())
			if err != nil {
				return err
			}

			var dbSize int64
			if fi, err := os.Stat(a.cfg.Storage.DBPath); err == nil {
				dbSize = fi.Size()
			}

			return a.emit(st, func() {
				a.printf("\nNamespace: %s\n", st.Namespace)
				a.printf("Memories:  %d active, %d expired", st.Active, st.Expired)
				if parts := typeCounts(st.ByType); parts != "" {
					a.printf(" (%s)", parts)
				}
				a.printf("\n")
				a.printf("Embedded:  %d of %d", st.WithEmbedding, st.Total)
				if st.WithoutEmbedding > 0 {
					a.printf(" (%d missing, run `mnemos reembed`)", st.WithoutEmbedding)
				}
				a.printf("\n")
				a.printf("Strength:  avg retrievability %.2f, avg stability %.1f days\n", st.AvgRetrievability, st.AvgStability)
				a.printf("Graph:     %s\n", edgeCounts(st.Associations))
				a.printf("Spatial:   %d quadrants, %d clusters, %d hot paths\n", st.Quadrants, st.Clusters, st.HotPaths)
				a.printf("Chains:    %d\n", st.Chains)
				if len(st.TopTags) > 0 {
					tags := make([]string, len(st.TopTags))
					for i, t := range st.TopTags {
						tags[i] = fmt.Sprintf("%s(%d)", t.Tag, t.Count)
					}
					a.printf("Tags:      %s\n", strings.Join(tags, " "))
				}
				index := "sqlite-vec"
				if !st.VectorIndex {
					index = "full scan"
					if st.VectorIndexError != "" {
						index += " (" + st.VectorIndexError + ")"
					}
				}
				a.printf("Index:     %s, dimension %d\n", index, st.EmbeddingDimension)
				a.printf("Embedder:  %s %s\n", a.cfg.Embedding.Provider, a.cfg.Embedding.Model)
				a.printf("DB:        %s (%s)\n\n", a.cfg.Storage.DBPath, formatBytes(dbSize))
			})
		},
	}
}

func newNamespacesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "namespaces",
		Short: "List namespaces in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.svc.Store.Namespaces(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(list, func() {
				if len(list) == 0 {
					a.printf("No namespaces yet.\n")
				}
				for _, n := range list {
					mark := " "
					if n.Namespace == a.ns {
						mark = "*"
					}
					a.printf("%s %-30s %d\n", mark, n.Namespace, n.Memories)
				}
			})
		},
	}
}

func typeCounts(by map[memory.MemoryType]int) string {
	var parts []string
	for _, t := range memory.MemoryTypes {
		if n := by[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, t))
		}
	}
	return strings.Join(parts, ", ")
}

func edgeCounts(by map[string]int) string {
	if len(by) == 0 {
		return "no associations"
	}
	rels := make([]string, 0, len(by))
	for r := range by {
		rels = append(rels, r)
	}
	sort.Strings(rels)
	parts := make([]string, len(rels))
	for i, r := range rels {
		parts[i] = fmt.Sprintf("%d %s", by[r], r)
	}
	return strings.Join(parts, ", ")
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
