package projection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raincity/keyserver/keydb"
)

const aliceKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAA alice"
const bobKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAB bob"

func mustAccept(string) bool { return true }

func newDB(recs map[string]*keydb.Record) *keydb.DB {
	db := keydb.New()
	for name, r := range recs {
		db.Keys[name] = r
	}
	return db
}

func TestBuildEmptyDB(t *testing.T) {
	require := require.New(t)

	p := Build(keydb.New(), mustAccept)
	var out map[string][]string
	require.NoError(json.Unmarshal(p.Get("anyhost"), &out))
	require.Empty(out)
}

func TestBuildPerHost(t *testing.T) {
	require := require.New(t)

	db := newDB(map[string]*keydb.Record{
		"alice-key": {Data: aliceKey, Domains: []string{"alice@web1"}},
	})
	p := Build(db, mustAccept)

	var web1 map[string][]string
	require.NoError(json.Unmarshal(p.Get("web1"), &web1))
	require.Equal([]string{aliceKey}, web1["alice"])

	var web2 map[string][]string
	require.NoError(json.Unmarshal(p.Get("web2"), &web2))
	require.Empty(web2)
}

func TestBuildWildcardUnion(t *testing.T) {
	require := require.New(t)

	db := newDB(map[string]*keydb.Record{
		"alice-key": {Data: aliceKey, Domains: []string{"alice@*"}},
		"bob-key":   {Data: bobKey, Domains: []string{"bob@web1"}},
	})
	p := Build(db, mustAccept)

	var web1 map[string][]string
	require.NoError(json.Unmarshal(p.Get("web1"), &web1))
	require.ElementsMatch([]string{"alice", "bob"}, keysOf(web1))
	require.Equal([]string{aliceKey}, web1["alice"])
	require.Equal([]string{bobKey}, web1["bob"])

	// a host never mentioned explicitly still gets the wildcard keys.
	var web3 map[string][]string
	require.NoError(json.Unmarshal(p.Get("web3"), &web3))
	require.Equal([]string{aliceKey}, web3["alice"])
}

func TestBuildDedupesIdenticalKeyData(t *testing.T) {
	require := require.New(t)

	db := newDB(map[string]*keydb.Record{
		"alice-key-1": {Data: aliceKey, Domains: []string{"alice@web1"}},
		"alice-key-2": {Data: aliceKey, Domains: []string{"alice@web1"}},
	})
	p := Build(db, mustAccept)

	var web1 map[string][]string
	require.NoError(json.Unmarshal(p.Get("web1"), &web1))
	require.Equal([]string{aliceKey}, web1["alice"])
}

func TestBuildSkipsInvalidKeyData(t *testing.T) {
	require := require.New(t)

	reject := func(string) bool { return false }
	db := newDB(map[string]*keydb.Record{
		"alice-key": {Data: "not a key", Domains: []string{"alice@web1"}},
	})
	p := Build(db, reject)

	var web1 map[string][]string
	require.NoError(json.Unmarshal(p.Get("web1"), &web1))
	require.Empty(web1)
}

func TestBuildSkipsMalformedDomain(t *testing.T) {
	require := require.New(t)

	db := newDB(map[string]*keydb.Record{
		"alice-key": {Data: aliceKey, Domains: []string{"alice-no-at-sign"}},
	})
	p := Build(db, mustAccept)

	var wild map[string][]string
	require.NoError(json.Unmarshal(p.Get(""), &wild))
	require.Empty(wild)
}

func TestBuildIsDeterministic(t *testing.T) {
	require := require.New(t)

	db := newDB(map[string]*keydb.Record{
		"alice-key": {Data: aliceKey, Domains: []string{"alice@*"}},
		"bob-key":   {Data: bobKey, Domains: []string{"bob@*"}},
	})
	a := Build(db, mustAccept)
	b := Build(db, mustAccept)
	require.Equal(a.Get("web1"), b.Get("web1"))
}

func keysOf(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
