package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const aliceKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAA alice"

func acceptAll(string) bool { return true }

func writeDB(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
}

func TestReloadThenGet(t *testing.T) {
	require := require.New(t)

	dbPath := filepath.Join(t.TempDir(), "keyserver.db")
	writeDB(t, dbPath, `{"keys":{"alice-key":{"data":"`+aliceKey+`","domains":["alice@web1"]}}}`)

	s := New(dbPath, acceptAll)
	require.NoError(s.Reload())

	var web1 map[string][]string
	require.NoError(json.Unmarshal(s.Get("web1"), &web1))
	require.Equal([]string{aliceKey}, web1["alice"])
}

func TestGetBeforeReloadIsNil(t *testing.T) {
	require := require.New(t)

	s := New(filepath.Join(t.TempDir(), "keyserver.db"), acceptAll)
	require.Nil(s.Get("web1"))
}

func TestReloadIsIdempotentAndPicksUpChanges(t *testing.T) {
	require := require.New(t)

	dbPath := filepath.Join(t.TempDir(), "keyserver.db")
	writeDB(t, dbPath, `{"keys":{}}`)

	s := New(dbPath, acceptAll)
	require.NoError(s.Reload())
	first := s.Get("web1")

	require.NoError(s.Reload())
	require.Equal(first, s.Get("web1"))

	writeDB(t, dbPath, `{"keys":{"alice-key":{"data":"`+aliceKey+`","domains":["alice@*"]}}}`)
	require.NoError(s.Reload())

	var web1 map[string][]string
	require.NoError(json.Unmarshal(s.Get("web1"), &web1))
	require.Equal([]string{aliceKey}, web1["alice"])
}

func TestReloadMissingFileYieldsEmptyProjection(t *testing.T) {
	require := require.New(t)

	s := New(filepath.Join(t.TempDir(), "nonexistent.db"), acceptAll)
	require.NoError(s.Reload())

	var out map[string][]string
	require.NoError(json.Unmarshal(s.Get("web1"), &out))
	require.Empty(out)
}
