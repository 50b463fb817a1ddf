package recordings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
}

func TestPathGuardResolve(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(base, "tiktok", "abc", "v.mp4"))
	writeFile(t, filepath.Join(outside, "secret.mp4"))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.mp4"), filepath.Join(base, "escape.mp4")))
	require.NoError(t, os.Symlink(filepath.Join(base, "tiktok", "abc", "v.mp4"), filepath.Join(base, "inside-link.mp4")))

	g, err := NewPathGuard(base, "/app/videos")
	require.NoError(t, err)
	canonBase := g.BaseDir()
	want := filepath.Join(canonBase, "tiktok", "abc", "v.mp4")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr any
	}{
		{name: "absolute inside", in: filepath.Join(base, "tiktok", "abc", "v.mp4"), want: want},
		{name: "relative inside", in: "tiktok/abc/v.mp4", want: want},
		{name: "container prefix", in: "/app/videos/tiktok/abc/v.mp4", want: want},
		{name: "symlink inside", in: filepath.Join(base, "inside-link.mp4"), want: want},
		{name: "dot dot", in: filepath.Join(base, "..", filepath.Base(outside), "secret.mp4"), wantErr: &PathSecurityError{}},
		{name: "symlink escape", in: filepath.Join(base, "escape.mp4"), wantErr: &PathSecurityError{}},
		{name: "absolute outside", in: filepath.Join(outside, "secret.mp4"), wantErr: &PathSecurityError{}},
		{name: "missing", in: filepath.Join(base, "nope.mp4"), wantErr: &PathSecurityError{}},
		{name: "base itself", in: base, wantErr: &PathSecurityError{}},
		{name: "nul byte", in: "a\x00b.mp4", wantErr: &PathSecurityError{}},
		{name: "empty", in: "  ", wantErr: &ValidationError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Resolve(tt.in)
			switch tt.wantErr.(type) {
			case nil:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			case *PathSecurityError:
				var perr *PathSecurityError
				assert.ErrorAs(t, err, &perr)
			case *ValidationError:
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
			}
		})
	}
}

func TestNewPathGuardRequiresBase(t *testing.T) {
	_, err := NewPathGuard("", "")
	assert.Error(t, err)

	_, err = NewPathGuard(filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)
}

func TestNilPathGuardRejects(t *testing.T) {
	var g *PathGuard
	_, err := g.Resolve("/any/file.mp4")
	var perr *PathSecurityError
	assert.ErrorAs(t, err, &perr)
}
