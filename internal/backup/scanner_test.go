package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, relPath, content string) string {
	t.Helper()
	absPath := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(absPath), 0o755))
	require.NoError(t, os.WriteFile(absPath, []byte(content), 0o644))
	return absPath
}

func TestScannerBasic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "sub/dir/b.txt", "world!")

	scanner := NewScanner(root, nil)
	result, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Entries, 2)
	assert.Empty(t, result.Skipped)

	a := result.Entries["a.txt"]
	require.NotNil(t, a)
	assert.Equal(t, int64(5), a.Size)
	assert.False(t, a.ModifiedTime.IsZero())

	b := result.Entries["sub/dir/b.txt"]
	require.NotNil(t, b)
	assert.Equal(t, int64(6), b.Size)
}

func TestScannerIgnoreRules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "keep")
	writeFile(t, root, "skip.log", "skip")
	writeFile(t, root, "node_modules/pkg/index.js", "js")
	writeFile(t, root, IgnoreFileName, "*.log\nnode_modules/\n")

	ignore := NewIgnoreList(root, nil)
	ignore.Load()

	result, err := NewScanner(root, ignore).Scan(context.Background())
	require.NoError(t, err)

	assert.Contains(t, result.Entries, "keep.txt")
	assert.NotContains(t, result.Entries, "skip.log")
	assert.NotContains(t, result.Entries, "node_modules/pkg/index.js")
	// the ignore file itself is excluded by default
	assert.NotContains(t, result.Entries, IgnoreFileName)
}

func TestScannerExcludeGlobs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "data/raw/big.bin", "xxxx")
	writeFile(t, root, "data/summary.txt", "ok")

	ignore := NewIgnoreList(root, []string{"data/raw/**"})
	ignore.Load()

	result, err := NewScanner(root, ignore).Scan(context.Background())
	require.NoError(t, err)

	assert.Contains(t, result.Entries, "data/summary.txt")
	assert.NotContains(t, result.Entries, "data/raw/big.bin")
}

func TestScannerSkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, root, "real.txt", "real")
	writeFile(t, outside, "escape.txt", "escape")

	require.NoError(t, os.Symlink(filepath.Join(outside, "escape.txt"), filepath.Join(root, "link.txt")))

	result, err := NewScanner(root, nil).Scan(context.Background())
	require.NoError(t, err)

	assert.Contains(t, result.Entries, "real.txt")
	assert.NotContains(t, result.Entries, "link.txt")
}

func TestScannerMissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")

	_, err := NewScanner(missing, nil).Scan(context.Background())
	require.Error(t, err)

	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, missing, scanErr.Root)
}
