package recordings

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// PathGuard confines engine-supplied file paths to one base directory.
type PathGuard struct {
	baseDir         string
	containerPrefix string
}

// NewPathGuard resolves baseDir once. containerPrefix, when set, is the engine's own mount path for the same
// directory; paths under it are translated onto baseDir before checking.
func NewPathGuard(baseDir, containerPrefix string) (*PathGuard, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("recording base dir is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	g := &PathGuard{baseDir: canon}
	if p := strings.TrimSpace(containerPrefix); p != "" {
		g.containerPrefix = filepath.Clean(p)
	}
	return g, nil
}

// BaseDir is the canonical allowed directory.
func (g *PathGuard) BaseDir() string { return g.baseDir }

// Resolve returns the canonical host path for p, following symlinks. It fails with *PathSecurityError unless
// the result is a file path strictly inside the base directory.
func (g *PathGuard) Resolve(p string) (string, error) {
	if g == nil {
		return "", &PathSecurityError{Path: p, Reason: "no recording base directory configured"}
	}
	if strings.TrimSpace(p) == "" {
		return "", &ValidationError{Field: "output", Reason: "required"}
	}
	if strings.ContainsRune(p, 0) {
		return "", &PathSecurityError{Path: p, Reason: "contains NUL byte"}
	}

	mapped := filepath.Clean(p)
	if g.containerPrefix != "" {
		if mapped == g.containerPrefix {
			mapped = g.baseDir
		} else if rest, ok := strings.CutPrefix(mapped, g.containerPrefix+string(filepath.Separator)); ok {
			mapped = filepath.Join(g.baseDir, rest)
		}
	}
	if !filepath.IsAbs(mapped) {
		mapped = filepath.Join(g.baseDir, mapped)
	}

	canon, err := filepath.EvalSymlinks(mapped)
	if err != nil {
		return "", &PathSecurityError{Path: p, Reason: "cannot resolve: " + err.Error()}
	}
	rel, err := filepath.Rel(g.baseDir, canon)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &PathSecurityError{Path: p, Reason: "outside allowed base directory"}
	}
	return canon, nil
}
