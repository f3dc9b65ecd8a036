// Package cli defines the Cobra command tree for the mnemos CLI.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/errs"
)

var (
	// version, commit, date are set via -ldflags at build time.
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	namespace string
	dbPath    string
	embedder  string
	json      bool
	debug     bool
}

// newRootCmd builds the full command tree.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "mnemos",
		Short: "Semantic memory store for coding-assistant agents",
		Long: `Mnemos stores what your AI assistant learns as embedded memories and
retrieves them through similarity search, an association graph, spatial
clusters and reasoning chains.

Memories are scoped to a namespace. By default the namespace is the name of
the git repository you are in.

Run 'mnemos serve' to expose the store to an MCP client over stdio.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.namespace, "namespace", "n", "", "namespace (default: $MNEMOS_NAMESPACE, config, or the git repository name)")
	pf.StringVar(&g.dbPath, "db", "", "database path (default: $MNEMOS_DB or ~/.local/share/mnemos/mnemos.db)")
	pf.StringVar(&g.embedder, "embedder", "", "embedding provider: local, ollama, openai")
	pf.BoolVar(&g.json, "json", false, "print results as JSON")
	pf.BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newRememberCmd(g),
		newGetCmd(g),
		newQueryCmd(g),
		newSearchCmd(g),
		newForgetCmd(g),
		newLinkCmd(g),
		newUnlinkCmd(g),
		newRelatedCmd(g),
		newAutoLinkCmd(g),
		newContextCmd(g),
		newConsolidateCmd(g),
		newFadingCmd(g),
		newReviewCmd(g),
		newMaintainCmd(g),
		newPruneCmd(g),
		newQuadrantsCmd(g),
		newClusterCmd(g),
		newNeighborhoodCmd(g),
		newPredictCmd(g),
		newChainCmd(g),
		newStatusCmd(g),
		newNamespacesCmd(g),
		newReembedCmd(g),
		newExportCmd(g),
		newServeCmd(g),
		newInitCmd(g),
		newSetupCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute(v, c, d string) {
	version, commit, date = v, c, d
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return 2
	case errors.Is(err, errs.ErrNotFound):
		return 3
	case errors.Is(err, errs.ErrTransient):
		return 4
	}
	return 1
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mnemos %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
