package server

import (
	"testing"
	"time"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/raincity/keyserver/wire"
)

var testLog = logging.MustGetLogger("server_test")

type fakeStore struct {
	blobs map[string][]byte
}

func (f *fakeStore) Get(hostname string) []byte {
	if b, ok := f.blobs[hostname]; ok {
		return b
	}
	return f.blobs["*"]
}

func TestSessionHandshakeAndFirstPush(t *testing.T) {
	require := require.New(t)

	client, srv := nettest.Pipe()
	defer client.Close()

	st := &fakeStore{blobs: map[string][]byte{"*": []byte(`{}`), "web1": []byte(`{"alice":["k1"]}`)}}
	sess := newSession(srv, st, testLog, false, 100*time.Millisecond)
	go sess.handle()

	require.NoError(wire.WriteHostname(client, "web1"))
	hb, err := wire.ReadHeartbeatInterval(client)
	require.NoError(err)
	require.Equal(uint16(0), hb) // sub-second interval truncates to 0 seconds

	payload, err := wire.ReadPayload(client)
	require.NoError(err)
	require.Equal([]byte(`{"alice":["k1"]}`), payload)
	require.NoError(wire.WriteAck(client))
}

func TestSessionHeartbeatOnIdle(t *testing.T) {
	require := require.New(t)

	client, srv := nettest.Pipe()
	defer client.Close()

	st := &fakeStore{blobs: map[string][]byte{"*": []byte(`{}`)}}
	sess := newSession(srv, st, testLog, false, 20*time.Millisecond)
	go sess.handle()

	require.NoError(wire.WriteHostname(client, ""))
	_, err := wire.ReadHeartbeatInterval(client)
	require.NoError(err)

	// first push is the initial keyset (armed wake).
	p1, err := wire.ReadPayload(client)
	require.NoError(err)
	require.Equal([]byte(`{}`), p1)
	require.NoError(wire.WriteAck(client))

	// no further wake fires, so the next frame must be a heartbeat ping.
	p2, err := wire.ReadPayload(client)
	require.NoError(err)
	require.Nil(p2)
	require.NoError(wire.WriteAck(client))
}

func TestSessionClosesOnBadAck(t *testing.T) {
	require := require.New(t)

	client, srv := nettest.Pipe()
	defer client.Close()

	st := &fakeStore{blobs: map[string][]byte{"*": []byte(`{}`)}}
	sess := newSession(srv, st, testLog, false, time.Second)
	done := make(chan struct{})
	go func() { sess.handle(); close(done) }()

	require.NoError(wire.WriteHostname(client, ""))
	_, err := wire.ReadHeartbeatInterval(client)
	require.NoError(err)
	_, err = wire.ReadPayload(client)
	require.NoError(err)

	_, err = client.Write([]byte{0x01})
	require.NoError(err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not close on bad ack")
	}
}

func TestSessionWakeDeliversLatestBlob(t *testing.T) {
	require := require.New(t)

	client, srv := nettest.Pipe()
	defer client.Close()

	st := &fakeStore{blobs: map[string][]byte{"*": []byte(`{}`)}}
	sess := newSession(srv, st, testLog, false, time.Hour)
	go sess.handle()

	require.NoError(wire.WriteHostname(client, ""))
	_, err := wire.ReadHeartbeatInterval(client)
	require.NoError(err)
	_, err = wire.ReadPayload(client)
	require.NoError(err)
	require.NoError(wire.WriteAck(client))

	st.blobs["*"] = []byte(`{"alice":["k2"]}`)
	sess.wake.Fire()

	p, err := wire.ReadPayload(client)
	require.NoError(err)
	require.Equal([]byte(`{"alice":["k2"]}`), p)
}
