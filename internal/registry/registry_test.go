package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/memvra/mnemos/internal/adapter"
	"github.com/memvra/mnemos/internal/config"
	"github.com/memvra/mnemos/internal/memory"
)

func openTest(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.Storage.Dimension = 8
	r, err := Open(cfg, WithEmbedder(adapter.NewLocal(8)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry_ServicePerNamespace(t *testing.T) {
	r := openTest(t)

	a1, err := r.Service("alpha")
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	a2, _ := r.Service("alpha")
	b, _ := r.Service("beta")
	if a1 != a2 {
		t.Error("same namespace should reuse its service")
	}
	if a1 == b || b.Namespace != "beta" {
		t.Errorf("namespaces share a service: %q %q", a1.Namespace, b.Namespace)
	}
	if _, err := r.Service(""); err == nil {
		t.Error("expected error for empty namespace")
	}
}

func TestRegistry_NamespacesStayIsolated(t *testing.T) {
	r := openTest(t)
	ctx := context.Background()
	a, _ := r.Service("alpha")
	b, _ := r.Service("beta")

	res, err := a.Remember(ctx, memory.StoreRequest{Content: "shared text"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := b.Get(ctx, res.ID, memory.GetOptions{}); err == nil {
		t.Error("beta can read alpha's memory")
	}

	asm, err := r.Assembler("beta")
	if err != nil {
		t.Fatalf("Assembler: %v", err)
	}
	w, err := asm.BuildContextWindow(ctx, "shared text", nil, r.ContextOptions())
	if err != nil {
		t.Fatalf("BuildContextWindow: %v", err)
	}
	if n := len(w.Entries()); n != 0 {
		t.Errorf("beta window has %d entries from alpha", n)
	}
}

func TestRegistry_ReloadRebuildsServices(t *testing.T) {
	r := openTest(t)
	before, _ := r.Service("alpha")

	cfg := r.Config()
	cfg.Context.MaxTokens = 123
	cfg.Storage.DBPath = "/elsewhere.db"
	r.Reload(cfg)

	after, _ := r.Service("alpha")
	if before == after {
		t.Error("reload should rebuild services")
	}
	if got := r.ContextOptions().MaxTokens; got != 123 {
		t.Errorf("max tokens after reload: %d", got)
	}
	if r.Config().Storage.DBPath == "/elsewhere.db" {
		t.Error("storage changes must wait for a restart")
	}
}

func TestRegistry_Close(t *testing.T) {
	r := openTest(t)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Service("alpha"); err == nil {
		t.Error("expected error after close")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
