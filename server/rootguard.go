package server

import (
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// RootGuard is a reference monitor over a frozen roots snapshot: it accepts
// a path iff the path resolves inside one of the advertised roots. An empty
// snapshot denies everything.
type RootGuard struct {
	roots []string // resolved absolute paths
}

// NewRootGuard builds a guard from a roots snapshot. Roots that cannot be
// interpreted as local paths are skipped.
func NewRootGuard(roots []Root) *RootGuard {
	g := &RootGuard{}
	for _, r := range roots {
		resolved, err := resolvePath(r.URI)
		if err != nil {
			continue
		}
		g.roots = append(g.roots, resolved)
	}
	return g
}

// Roots returns the resolved root paths.
func (g *RootGuard) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// Within reports whether the candidate path is equal to or under one of the
// roots. The candidate may be a file:// URI or a plain path; it is resolved
// (home expansion, absolutization, symlink resolution where possible)
// before the ancestor check.
func (g *RootGuard) Within(path string) bool {
	if len(g.roots) == 0 {
		return false
	}
	candidate, err := resolvePath(path)
	if err != nil {
		return false
	}
	for _, root := range g.roots {
		if candidate == root {
			return true
		}
		if strings.HasPrefix(candidate, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolvePath canonicalizes a file URI or local path into an absolute,
// symlink-resolved path without requiring the file to exist.
func resolvePath(raw string) (string, error) {
	path := raw
	if strings.HasPrefix(raw, "file://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", err
		}
		path = u.Path
		if runtime.GOOS == "windows" {
			// file:///C:/dir parses with a leading slash before the drive;
			// UNC roots keep their host component.
			path = strings.TrimPrefix(path, "/")
			if u.Host != "" {
				path = `\\` + u.Host + `\` + strings.ReplaceAll(path, "/", `\`)
			}
		}
	}

	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				path = home
			} else if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
				path = filepath.Join(home, path[2:])
			}
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	// Resolve symlinks where the prefix exists; fall back to the lexical
	// form for paths that do not exist yet.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if dir, base := filepath.Split(abs); dir != "" {
		if resolvedDir, derr := filepath.EvalSymlinks(filepath.Clean(dir)); derr == nil {
			abs = filepath.Join(resolvedDir, base)
		}
	}

	if runtime.GOOS == "windows" {
		abs = strings.ToLower(abs)
	}
	return abs, nil
}
