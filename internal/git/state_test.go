package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"mnemos", "mnemos"},
		{"My Project", "my-project"},
		{"api_v2.1", "api_v2.1"},
		{"--weird//name--", "weird--name"},
		{"日本", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDetect_NonGitDir(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	if r := Detect(dir); !r.IsEmpty() {
		t.Errorf("expected empty repo for non-git dir, got: %+v", r)
	}
	if got, want := Namespace(dir), Sanitize(filepath.Base(dir)); got != want {
		t.Errorf("Namespace = %q, want %q", got, want)
	}
}

func TestDetect_Repo(t *testing.T) {
	dir := initTestRepo(t)
	sub := filepath.Join(dir, "pkg", "inner")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	r := Detect(sub)
	if r.IsEmpty() || r.Branch == "" {
		t.Fatalf("expected repo with branch, got: %+v", r)
	}
	if filepath.Base(r.Root) != filepath.Base(dir) {
		t.Errorf("root: got %q, want base %q", r.Root, filepath.Base(dir))
	}
	if got, want := Namespace(sub), Sanitize(filepath.Base(dir)); got != want {
		t.Errorf("Namespace from subdir = %q, want %q", got, want)
	}
}

// initTestRepo creates a temp dir with a git repo and an initial commit.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitCmd(t, dir, "init")
	gitCmd(t, dir, "config", "user.email", "test@test.com")
	gitCmd(t, dir, "config", "user.name", "Test")

	// Need at least one commit for branch to exist.
	os.WriteFile(filepath.Join(dir, ".gitkeep"), []byte(""), 0o644)
	gitCmd(t, dir, "add", ".gitkeep")
	gitCmd(t, dir, "commit", "-m", "initial")

	return dir
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}
