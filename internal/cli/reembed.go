package cli

import (
	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

func newReembedCmd(g *globalFlags) *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "reembed",
		Short: "Embed memories that were stored without a vector",
		Long: `Memories stored while the embedding provider was unreachable keep their
content but have no vector, so similarity search cannot find them. This
command embeds them in batches. Batches that keep failing are skipped and
reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			progress, finish := newProgress("Embedding")
			res, err := a.svc.ReembedMissing(cmd.Context(), batch, progress)
			finish()
			if err != nil {
				return err
			}
			return a.emit(res, func() {
				if res.Total == 0 {
					a.printf("Every memory already has an embedding.\n")
					return
				}
				a.printf("Embedded %d of %d memories", res.Embedded, res.Total)
				if res.Failed > 0 {
					a.printf(", %d failed", res.Failed)
				}
				a.printf(".\n")
				for _, e := range res.Errors {
					a.printf("  %s\n", e)
				}
			})
		},
	}

	cmd.Flags().IntVar(&batch, "batch", memory.DefaultReembedBatch, "texts per embedding request")
	return cmd
}
