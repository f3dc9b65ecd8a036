// Package git resolves the repository a working directory belongs to, which
// names the default memory namespace.
package git

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// Repo describes the git checkout around a directory.
type Repo struct {
	Root   string
	Branch string
}

// IsEmpty returns true if the directory is not inside a repository.
func (r Repo) IsEmpty() bool { return r.Root == "" }

// Detect runs git in dir. All errors are swallowed: if git is not installed
// or dir is not a repo, an empty Repo is returned.
func Detect(dir string) Repo {
	root := gitOutput(dir, "rev-parse", "--show-toplevel")
	if root == "" {
		return Repo{}
	}
	return Repo{
		Root:   filepath.Clean(root),
		Branch: gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD"),
	}
}

// Namespace derives a namespace from the repository containing dir, or
// from dir itself outside a repository.
func Namespace(dir string) string {
	base := dir
	if r := Detect(dir); !r.IsEmpty() {
		base = r.Root
	}
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	ns := Sanitize(filepath.Base(base))
	if ns == "" {
		return "default"
	}
	return ns
}

// Sanitize lowercases name and replaces anything outside [a-z0-9._-] with
// a dash, trimming leading and trailing dashes.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

// gitOutput runs a git command and returns trimmed stdout.
// Returns "" on any error.
func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
