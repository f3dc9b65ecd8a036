package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/memvra/mnemos/internal/config"
	"github.com/memvra/mnemos/internal/git"
	"github.com/memvra/mnemos/internal/logger"
	"github.com/memvra/mnemos/internal/memory"
	"github.com/memvra/mnemos/internal/registry"
)

// app bundles what a command needs once flags and config are resolved.
type app struct {
	cfg  config.Config
	root string
	ns   string
	reg  *registry.Registry
	svc  *memory.Service
	log  *slog.Logger
	out  io.Writer
	json bool
}

// loadConfig resolves the effective config for the working directory and
// applies the persistent flags on top. It returns the project root used for
// the per-namespace override file.
func loadConfig(g *globalFlags) (config.Config, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.Config{}, "", fmt.Errorf("get working directory: %w", err)
	}
	root := cwd
	if r := git.Detect(cwd); !r.IsEmpty() {
		root = r.Root
	}

	cfg, err := config.Load(root)
	if err != nil {
		return cfg, root, err
	}
	if g.dbPath != "" {
		cfg.Storage.DBPath = g.dbPath
	}
	if g.embedder != "" {
		cfg.Embedding.Provider = g.embedder
	}
	if g.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, root, nil
}

// resolveNamespace picks the flag, then the configured namespace, then the
// git repository name.
func resolveNamespace(g *globalFlags, cfg config.Config, root string) string {
	if g.namespace != "" {
		return g.namespace
	}
	if cfg.Storage.Namespace != "" {
		return cfg.Storage.Namespace
	}
	return git.Namespace(root)
}

// newLogger builds the CLI logger on w. "auto" picks the pretty handler
// when w is a terminal and JSON otherwise.
func newLogger(lc config.LogConfig, w *os.File) *slog.Logger {
	pretty := false
	switch strings.ToLower(lc.Format) {
	case "pretty":
		pretty = true
	case "json":
	default:
		pretty = term.IsTerminal(int(w.Fd()))
	}
	return logger.New(
		logger.WithLevel(lc.Level),
		logger.WithPretty(pretty),
		logger.WithJSON(!pretty),
		logger.WithWriter(w),
	)
}

// openApp loads config, opens the registry and binds the namespace service.
// Callers must Close the app.
func openApp(cmd *cobra.Command, g *globalFlags, opts ...registry.Option) (*app, error) {
	cfg, root, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.Log, os.Stderr)

	reg, err := registry.Open(cfg, append([]registry.Option{registry.WithLogger(log)}, opts...)...)
	if err != nil {
		return nil, err
	}
	ns := resolveNamespace(g, cfg, root)
	svc, err := reg.Service(ns)
	if err != nil {
		reg.Close()
		return nil, err
	}
	log.Debug("opened namespace", "namespace", ns, "db", cfg.Storage.DBPath)

	return &app{
		cfg:  cfg,
		root: root,
		ns:   ns,
		reg:  reg,
		svc:  svc,
		log:  log,
		out:  cmd.OutOrStdout(),
		json: g.json,
	}, nil
}

func (a *app) Close() error { return a.reg.Close() }

// printf writes human output. It is a no-op in JSON mode.
func (a *app) printf(format string, args ...any) {
	if a.json {
		return
	}
	fmt.Fprintf(a.out, format, args...)
}

// emit prints v as indented JSON in JSON mode, or calls text otherwise.
func (a *app) emit(v any, text func()) error {
	if !a.json {
		text()
		return nil
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newProgress returns a progress callback drawing a bar on stderr when it
// is a terminal, and the function that finishes the bar.
func newProgress(description string) (func(done, total int), func()) {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil, func() {}
	}
	var bar *progressbar.ProgressBar
	update := func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("  "+description),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}
	finish := func() {
		if bar != nil {
			_ = bar.Finish()
		}
	}
	return update, finish
}

// preview shortens content to one line of at most n runes.
func preview(content string, n int) string {
	s := strings.Join(strings.Fields(content), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// parseTypes validates memory type names.
func parseTypes(names []string) ([]memory.MemoryType, error) {
	var out []memory.MemoryType
	for _, n := range names {
		mt := memory.MemoryType(strings.ToLower(strings.TrimSpace(n)))
		if !memory.ValidMemoryType(mt) {
			return nil, fmt.Errorf("unknown memory type %q (valid: %s)", n, joinTypes())
		}
		out = append(out, mt)
	}
	return out, nil
}

// parseImportances validates importance tier names.
func parseImportances(names []string) ([]memory.Importance, error) {
	var out []memory.Importance
	for _, n := range names {
		imp, err := memory.ParseImportance(n)
		if err != nil {
			return nil, err
		}
		out = append(out, imp)
	}
	return out, nil
}

func joinTypes() string {
	names := make([]string, len(memory.MemoryTypes))
	for i, t := range memory.MemoryTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// printMemoryLine renders one memory as a compact list entry.
func (a *app) printMemoryLine(m memory.Memory, score string) {
	a.printf("  %s  [%s/%s]%s %s\n", m.ID, m.MemoryType, m.Importance, score, preview(m.Content, 80))
	if len(m.Tags) > 0 {
		a.printf("      tags: %s\n", strings.Join(m.Tags, ", "))
	}
}
