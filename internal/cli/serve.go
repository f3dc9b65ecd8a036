package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/config"
	"github.com/memvra/mnemos/internal/mcp"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the memory tools to an MCP client over stdio",
		Long: `Start an MCP server on stdin/stdout. Logs go to stderr. Every tool accepts
a namespace argument; calls without one use the namespace resolved for the
current directory.

Changes to the global or project config file are applied without a restart.

Example MCP client configuration:
  {"command": "mnemos", "args": ["serve"]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if watch {
				go func() {
					err := config.Watch(ctx, a.root, func(cfg config.Config, err error) {
						if err != nil {
							a.log.Warn("config reload failed", "err", err)
							return
						}
						a.reg.Reload(cfg)
						a.log.Info("config reloaded")
					})
					if err != nil && !errors.Is(err, context.Canceled) {
						a.log.Warn("config watcher stopped", "err", err)
					}
				}()
			}

			a.log.Info("serving MCP over stdio", "namespace", a.ns, "db", a.cfg.Storage.DBPath)
			return mcp.New(a.reg, a.ns, a.log, version).Serve()
		},
	}

	cmd.Flags().BoolVar(&watch, "watch-config", true, "reload config files when they change")
	return cmd
}
