package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/cobra"

	"github.com/memvra/mnemos/internal/config"
	"github.com/memvra/mnemos/internal/errs"
	"github.com/memvra/mnemos/internal/memory"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "init [namespace]",
		Short: "Pin a namespace for the current project",
		Long: `Write .mnemos/config.toml at the project root so every command run in
the project uses the same namespace, and add .mnemos/ to .gitignore.
Without an argument the namespace is the git repository name.

Examples:
  mnemos init
  mnemos init billing-service --note "Payments API; owns the ledger tables"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, root, err := loadConfig(g)
			if err != nil {
				return err
			}
			ns := resolveNamespace(g, cfg, root)
			if len(args) == 1 {
				ns = args[0]
			}
			if strings.TrimSpace(ns) == "" {
				return errs.Invalid("namespace is required")
			}

			if err := writeProjectConfig(root, ns); err != nil {
				return err
			}
			ensureGitignore(root)

			g.namespace = ns
			a, err := openApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			a.printf("Namespace %q pinned in %s\n", ns, config.ProjectConfigPath(root))
			if strings.TrimSpace(note) != "" {
				res, err := a.svc.Remember(cmd.Context(), memory.StoreRequest{
					Content:    note,
					MemoryType: memory.TypeSemantic,
					Importance: memory.ImportanceHigh,
					Tags:       []string{"project"},
				})
				if err != nil {
					return fmt.Errorf("store note: %w", err)
				}
				a.printf("Stored project note (id: %s)\n", res.ID)
			}
			a.printf("Tip: run `mnemos status` to see what is stored.\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "store a first memory describing the project")
	return cmd
}

// writeProjectConfig sets storage.namespace in root's project config. An
// existing file is rewritten with its other keys intact.
func writeProjectConfig(root, ns string) error {
	path := config.ProjectConfigPath(root)
	existing := map[string]any{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &existing); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	storage, _ := existing["storage"].(map[string]any)
	if storage == nil {
		storage = map[string]any{}
	}
	storage["namespace"] = ns
	existing["storage"] = storage

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(existing)
}

// ensureGitignore appends .mnemos/ to .gitignore unless an existing pattern
// already ignores the project config.
func ensureGitignore(root string) {
	path := filepath.Join(root, ".gitignore")
	content, err := os.ReadFile(path)
	if err == nil {
		if gi, err := gitignore.CompileIgnoreFile(path); err == nil && gi.MatchesPath(".mnemos/config.toml") {
			return
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		_, _ = f.WriteString("\n")
	}
	_, _ = f.WriteString(".mnemos/\n")
}
