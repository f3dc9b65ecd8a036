package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/export"
)

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		format         string
		includeExpired bool
		output         string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the namespace as markdown or JSON",
		Long: `Render every memory, association and reasoning chain in the namespace.
Output goes to stdout unless --output is given.

Examples:
  mnemos export > MEMORY.md
  mnemos export --format json --include-expired -o backup.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, ok := export.Get(format)
			if !ok {
				return fmt.Errorf("unknown format %q; valid formats: %s",
					format, strings.Join(export.ValidFormats(), ", "))
			}

			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := export.Collect(cmd.Context(), a.svc, includeExpired)
			if err != nil {
				return err
			}
			text, err := exporter.Export(data)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}

			if output == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), text)
				return err
			}
			if err := os.WriteFile(output, []byte(text), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(os.Stderr, "Exported %d memories to %s\n", len(data.Memories), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "output format: markdown, json")
	cmd.Flags().BoolVar(&includeExpired, "include-expired", false, "include expired memories")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}
