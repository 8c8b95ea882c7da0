package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderag/coderag/internal/log"
)

// testMarkers avoids matching markers in the temp dir's ancestors.
var testMarkers = []string{".testvcs", "project.manifest"}

func newTestLocator(t *testing.T) *Locator {
	t.Helper()
	l, err := NewLocator(testMarkers, log.NewNop())
	require.NoError(t, err)
	return l
}

func TestNewLocator_Validation(t *testing.T) {
	if _, err := NewLocator(nil, log.NewNop()); err == nil {
		t.Error("expected error for empty marker list")
	}
	if _, err := NewLocator(testMarkers, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestDetect_MarkerInStartDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".testvcs"), 0o755))

	info, err := newTestLocator(t).Detect(root)
	require.NoError(t, err)

	assert.True(t, info.IsProject)
	assert.Equal(t, ".testvcs", info.Marker)
	assert.Equal(t, filepath.Base(info.Root), info.Name)
	assert.Equal(t, filepath.Join(info.Root, ".coderag", "vectordb.json"), info.StorePath)
}

func TestDetect_WalksToAncestor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "project.manifest"), nil, 0o644))

	nested := filepath.Join(root, "src", "internal", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	info, err := newTestLocator(t).Detect(nested)
	require.NoError(t, err)

	assert.True(t, info.IsProject)
	assert.Equal(t, "project.manifest", info.Marker)

	// The detected root must be the canonical form of the temp dir.
	wantRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, wantRoot, info.Root)
}

func TestDetect_NearestRootWins(t *testing.T) {
	outer := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(outer, ".testvcs"), 0o755))

	inner := filepath.Join(outer, "vendor", "lib")
	require.NoError(t, os.MkdirAll(inner, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inner, "project.manifest"), nil, 0o644))

	info, err := newTestLocator(t).Detect(inner)
	require.NoError(t, err)
	assert.Equal(t, "project.manifest", info.Marker)
	assert.True(t, strings.HasSuffix(info.Root, filepath.Join("vendor", "lib")))
}

func TestDetect_FallbackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	start := t.TempDir()
	info, err := newTestLocator(t).Detect(start)
	require.NoError(t, err)

	assert.False(t, info.IsProject)
	assert.Empty(t, info.Root)

	wantHome, err := filepath.EvalSymlinks(home)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wantHome, ".coderag", "coderag_vectordb.json"), info.StorePath)
}

func TestEnsureStorage_CreatesDirAndGitignore(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".testvcs"), 0o755))

	loc := newTestLocator(t)
	info, err := loc.Detect(root)
	require.NoError(t, err)

	require.NoError(t, loc.EnsureStorage(info))

	fi, err := os.Stat(filepath.Join(info.Root, ".coderag"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	data, err := os.ReadFile(filepath.Join(info.Root, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ".coderag/")
}

func TestEnsureStorage_GitignoreAppendPreservesContent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".testvcs"), 0o755))

	// No trailing newline on purpose.
	existing := "node_modules/\n*.log"
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte(existing), 0o644))

	loc := newTestLocator(t)
	info, err := loc.Detect(root)
	require.NoError(t, err)
	require.NoError(t, loc.EnsureStorage(info))

	data, err := os.ReadFile(filepath.Join(info.Root, ".gitignore"))
	require.NoError(t, err)
	got := string(data)

	assert.True(t, strings.HasPrefix(got, existing+"\n"))
	assert.Contains(t, got, "\n.coderag/\n")
}

func TestEnsureStorage_GitignoreIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".testvcs"), 0o755))

	loc := newTestLocator(t)
	info, err := loc.Detect(root)
	require.NoError(t, err)

	require.NoError(t, loc.EnsureStorage(info))
	first, err := os.ReadFile(filepath.Join(info.Root, ".gitignore"))
	require.NoError(t, err)

	require.NoError(t, loc.EnsureStorage(info))
	second, err := os.ReadFile(filepath.Join(info.Root, ".gitignore"))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestEnsureStorage_GitignoreRespectsExistingEntry(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".testvcs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte(".coderag\n"), 0o644))

	loc := newTestLocator(t)
	info, err := loc.Detect(root)
	require.NoError(t, err)
	require.NoError(t, loc.EnsureStorage(info))

	data, err := os.ReadFile(filepath.Join(info.Root, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, ".coderag\n", string(data))
}

func TestEnsureStorage_CRLFPreserved(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".testvcs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("dist/\r\n"), 0o644))

	loc := newTestLocator(t)
	info, err := loc.Detect(root)
	require.NoError(t, err)
	require.NoError(t, loc.EnsureStorage(info))

	data, err := os.ReadFile(filepath.Join(info.Root, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ".coderag/\r\n")
}

func TestEnsureStorage_FallbackSkipsGitignore(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	loc := newTestLocator(t)
	info, err := loc.Detect(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, loc.EnsureStorage(info))

	_, err = os.Stat(filepath.Dir(info.StorePath))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(home, ".gitignore"))
	assert.True(t, os.IsNotExist(err))
}
