package cli

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/memory"
)

func newRememberCmd(g *globalFlags) *cobra.Command {
	var (
		memType    string
		importance string
		tags       []string
		meta       map[string]string
		ttl        time.Duration
		imagePath  string
	)

	cmd := &cobra.Command{
		Use:     "remember <content>",
		Aliases: []string{"store"},
		Short:   "Store a memory",
		Long: `Store something the assistant should remember. Content longer than
chunking.max_length is split into linked chunks automatically.

Examples:
  mnemos remember "The deploy pipeline needs VAULT_TOKEN set" --importance high
  mnemos remember "Investigated the flaky auth test" --type episodic --tag auth
  mnemos remember "Scratch: retry count is 3" --type working --ttl 2h`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := memory.StoreRequest{
				Content:    strings.Join(args, " "),
				MemoryType: memory.MemoryType(strings.ToLower(memType)),
				Importance: memory.Importance(strings.ToLower(importance)),
				Tags:       tags,
			}
			if len(meta) > 0 {
				req.Metadata = make(map[string]any, len(meta))
				for k, v := range meta {
					req.Metadata[k] = v
				}
			}
			if ttl > 0 {
				exp := time.Now().UTC().Add(ttl)
				req.ExpiresAt = &exp
			}
			if imagePath != "" {
				data, err := os.ReadFile(imagePath)
				if err != nil {
					return fmt.Errorf("read image: %w", err)
				}
				req.Image = data
				req.ImageMIME = http.DetectContentType(data)
			}

			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Remember(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.emit(res, func() {
				a.printf("Stored in %s: %s\n", a.ns, res.Summary())
				a.printf("  id: %s\n", res.ID)
				if res.Chunked {
					a.printf("  chunks: %d\n", len(res.IDs))
				}
				if res.Quadrant != "" {
					a.printf("  quadrant: %s\n", res.Quadrant)
				}
				if res.EmbeddingError != "" {
					a.printf("  warning: stored without embedding (%s); run `mnemos reembed` later\n", res.EmbeddingError)
				}
			})
		},
	}

	cmd.Flags().StringVarP(&memType, "type", "t", "", "memory type: "+joinTypes()+" (default semantic)")
	cmd.Flags().StringVarP(&importance, "importance", "i", "", "importance: critical, high, medium, low, trivial (default medium)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable or comma-separated)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the memory after this duration")
	cmd.Flags().StringVar(&imagePath, "image", "", "attach an image file")

	return cmd
}
