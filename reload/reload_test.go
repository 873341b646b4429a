package reload

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingReloader struct {
	n   int32
	err error
}

func (c *countingReloader) Reload() error {
	atomic.AddInt32(&c.n, 1)
	return c.err
}

func (c *countingReloader) count() int32 { return atomic.LoadInt32(&c.n) }

func TestSignalTriggersReload(t *testing.T) {
	require := require.New(t)

	r := &countingReloader{}
	var woke int32
	w := New(r, func() { atomic.AddInt32(&woke, 1) })
	defer w.Stop()

	require.NoError(syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	require.Eventually(func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(func() bool { return atomic.LoadInt32(&woke) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSignalFailureDoesNotInvokeOnReload(t *testing.T) {
	require := require.New(t)

	r := &countingReloader{err: errors.New("boom")}
	var woke int32
	w := New(r, func() { atomic.AddInt32(&woke, 1) })
	defer w.Stop()

	require.NoError(syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	require.Eventually(func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Zero(atomic.LoadInt32(&woke))
}

func TestWatchFileTriggersReload(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "keyserver.db")
	require.NoError(os.WriteFile(path, []byte("{}"), 0600))

	r := &countingReloader{}
	w := New(r, nil)
	defer w.Stop()
	require.NoError(w.WatchFile(path))

	require.NoError(os.WriteFile(path, []byte(`{"keys":{}}`), 0600))

	require.Eventually(func() bool { return r.count() >= 1 }, time.Second, 5*time.Millisecond)
}
