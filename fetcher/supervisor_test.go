package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raincity/keyserver/server"
)

type fakeStore struct {
	blob []byte
}

func (f *fakeStore) Get(string) []byte { return f.blob }

func TestSuperviseReconcilesAgainstRealServer(t *testing.T) {
	require := require.New(t)

	st := &fakeStore{blob: []byte(`{"alice":["k1"]}`)}
	srv := server.New(st, time.Second)
	require.NoError(srv.ListenPlaintext("127.0.0.1:0"))
	go srv.Serve()
	defer srv.Stop()

	addr := srv.Addr()
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Supervise(ctx, Config{Addr: addr, Hostname: "web1", Mode: ModeOnce, KeyDir: dir})
	}()

	select {
	case err := <-errCh:
		require.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not complete")
	}

	b, err := os.ReadFile(filepath.Join(dir, "alice.keys"))
	require.NoError(err)
	require.Equal("k1\n", string(b))
}
