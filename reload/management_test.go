package reload

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagementSocketReload(t *testing.T) {
	require := require.New(t)

	r := &countingReloader{}
	w := New(r, nil)
	defer w.Stop()

	sockPath := filepath.Join(t.TempDir(), "keyserver.sock")
	require.NoError(w.ListenManagement(sockPath))

	conn, err := net.Dial("unix", sockPath)
	require.NoError(err)
	defer conn.Close()

	_, err = conn.Write([]byte("RELOAD\n"))
	require.NoError(err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(err)
	require.Equal("OK\n", reply)

	require.Eventually(func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManagementSocketUnknownCommand(t *testing.T) {
	require := require.New(t)

	r := &countingReloader{}
	w := New(r, nil)
	defer w.Stop()

	sockPath := filepath.Join(t.TempDir(), "keyserver.sock")
	require.NoError(w.ListenManagement(sockPath))

	conn, err := net.Dial("unix", sockPath)
	require.NoError(err)
	defer conn.Close()

	_, err = conn.Write([]byte("BOGUS\n"))
	require.NoError(err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(err)
	require.Equal("ERR unknown command\n", reply)
	require.Zero(r.count())
}
