package fetcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconcileWritesOneFilePerUser(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	errs := Reconcile(dir, Keyset{"alice": {"k1", "k2"}})
	require.Empty(errs)

	b, err := os.ReadFile(filepath.Join(dir, "alice.keys"))
	require.NoError(err)
	require.Equal("k1\nk2\n", string(b))
}

func TestReconcileRemovesStaleUserFiles(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	require.NoError(os.WriteFile(filepath.Join(dir, "bob.keys"), []byte("old\n"), 0600))

	errs := Reconcile(dir, Keyset{"alice": {"k1"}})
	require.Empty(errs)

	_, err := os.Stat(filepath.Join(dir, "bob.keys"))
	require.True(os.IsNotExist(err))
}

func TestReconcileRejectsEmptyKeyset(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	require.NoError(os.WriteFile(filepath.Join(dir, "alice.keys"), []byte("k1\n"), 0600))

	errs := Reconcile(dir, Keyset{})
	require.NotEmpty(errs)

	b, err := os.ReadFile(filepath.Join(dir, "alice.keys"))
	require.NoError(err)
	require.Equal("k1\n", string(b))
}

func TestReconcileIsIdempotent(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	ks := Keyset{"alice": {"k1"}, "bob": {"k2", "k3"}}
	require.Empty(Reconcile(dir, ks))
	first, err := os.ReadFile(filepath.Join(dir, "alice.keys"))
	require.NoError(err)

	require.Empty(Reconcile(dir, ks))
	second, err := os.ReadFile(filepath.Join(dir, "alice.keys"))
	require.NoError(err)
	require.Equal(first, second)

	entries, err := os.ReadDir(dir)
	require.NoError(err)
	require.Len(entries, 2)
}

func TestReconcileLeavesNoTmpFileBehind(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	require.Empty(Reconcile(dir, Keyset{"alice": {"k1"}}))

	_, err := os.Stat(filepath.Join(dir, "alice.keys.tmp"))
	require.True(os.IsNotExist(err))
}
