package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raincity/keyserver/wire"
)

func TestServerEndToEnd(t *testing.T) {
	require := require.New(t)

	st := &fakeStore{blobs: map[string][]byte{"*": []byte(`{}`), "web1": []byte(`{"alice":["k1"]}`)}}
	srv := New(st, time.Hour)
	require.NoError(srv.ListenPlaintext("127.0.0.1:0"))
	go srv.Serve()
	defer srv.Stop()

	addr := srv.listeners[0].Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(err)
	defer conn.Close()

	require.NoError(wire.WriteHostname(conn, "web1"))
	_, err = wire.ReadHeartbeatInterval(conn)
	require.NoError(err)

	payload, err := wire.ReadPayload(conn)
	require.NoError(err)
	require.Equal([]byte(`{"alice":["k1"]}`), payload)
	require.NoError(wire.WriteAck(conn))

	require.Eventually(func() bool { return srv.ConnCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerWakeAllReachesConnectedSessions(t *testing.T) {
	require := require.New(t)

	st := &fakeStore{blobs: map[string][]byte{"*": []byte(`{}`)}}
	srv := New(st, time.Hour)
	require.NoError(srv.ListenPlaintext("127.0.0.1:0"))
	go srv.Serve()
	defer srv.Stop()

	addr := srv.listeners[0].Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(err)
	defer conn.Close()

	require.NoError(wire.WriteHostname(conn, ""))
	_, err = wire.ReadHeartbeatInterval(conn)
	require.NoError(err)
	_, err = wire.ReadPayload(conn)
	require.NoError(err)
	require.NoError(wire.WriteAck(conn))

	st.blobs["*"] = []byte(`{"bob":["k2"]}`)
	require.Eventually(func() bool { return srv.ConnCount() == 1 }, time.Second, 5*time.Millisecond)
	srv.WakeAll()

	p, err := wire.ReadPayload(conn)
	require.NoError(err)
	require.Equal([]byte(`{"bob":["k2"]}`), p)
}
