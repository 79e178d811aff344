package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootGuard(t *testing.T) {
	// A real directory keeps symlink resolution honest across platforms.
	project := t.TempDir()
	guard := NewRootGuard([]Root{{URI: "file://" + project, Name: "project"}})

	t.Run("accepts paths inside the root", func(t *testing.T) {
		inside := filepath.Join(project, "src", "main.go")
		if !guard.Within(inside) {
			t.Fatalf("Within(%q) = false, want true", inside)
		}
	})

	t.Run("accepts the root itself", func(t *testing.T) {
		if !guard.Within(project) {
			t.Fatal("root itself should be within")
		}
	})

	t.Run("rejects traversal escaping the root", func(t *testing.T) {
		escape := filepath.Join(project, "..", "..", "etc", "passwd")
		if guard.Within(escape) {
			t.Fatalf("Within(%q) = true, want false", escape)
		}
	})

	t.Run("rejects unrelated absolute paths", func(t *testing.T) {
		if guard.Within("/etc/passwd") {
			t.Fatal("unrelated path accepted")
		}
	})

	t.Run("rejects sibling with shared prefix", func(t *testing.T) {
		sibling := project + "-evil/file"
		if guard.Within(sibling) {
			t.Fatalf("Within(%q) = true, want false", sibling)
		}
	})

	t.Run("is deterministic under normalization", func(t *testing.T) {
		messy := filepath.Join(project, "src", "..", "src", ".", "main.go")
		clean := filepath.Join(project, "src", "main.go")
		if guard.Within(messy) != guard.Within(clean) {
			t.Fatal("normalized and messy forms disagree")
		}
	})

	t.Run("accepts file URIs as candidates", func(t *testing.T) {
		if !guard.Within("file://" + project + "/doc.txt") {
			t.Fatal("file URI candidate rejected")
		}
	})

	t.Run("empty snapshot denies everything", func(t *testing.T) {
		empty := NewRootGuard(nil)
		if empty.Within(filepath.Join(project, "src")) {
			t.Fatal("empty guard accepted a path")
		}
	})

	t.Run("resolves symlinked candidates", func(t *testing.T) {
		target := filepath.Join(project, "real.txt")
		if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
		outside := t.TempDir()
		link := filepath.Join(outside, "link.txt")
		if err := os.Symlink(target, link); err != nil {
			t.Skipf("symlinks unavailable: %v", err)
		}
		if !guard.Within(link) {
			t.Fatal("symlink to inside target rejected")
		}
	})
}
