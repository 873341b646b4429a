// session.go - per-connection server session state machine.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package server

import (
	"net"
	"time"

	"github.com/op/go-logging"

	"github.com/raincity/keyserver/wire"
)

const (
	handshakeTimeout = 5 * time.Second
	ackTimeout       = 5 * time.Second

	// defaultHeartbeatInterval is the heartbeat timeout advertised to
	// clients when the server config does not override it.
	defaultHeartbeatInterval = 60 * time.Second
)

// keyStore is the subset of *store.Store a session needs. Declared here
// so session can be unit tested against a fake without importing the
// store package.
type keyStore interface {
	Get(hostname string) []byte
}

// session is one accepted connection, from handshake through teardown.
// Follows a session-struct plus newSession/handleConn split, with a
// binary wake-or-heartbeat SERVE loop in place of a line-based command
// loop (SPEC_FULL.md section 4.5).
type session struct {
	conn   net.Conn
	log    *logging.Logger
	store  keyStore
	wake   *wakeSignal
	isTLS  bool
	hbIval time.Duration
}

func newSession(conn net.Conn, st keyStore, log *logging.Logger, isTLS bool, hbIval time.Duration) *session {
	if hbIval <= 0 {
		hbIval = defaultHeartbeatInterval
	}
	return &session{
		conn:   conn,
		log:    log,
		store:  st,
		wake:   newWakeSignal(),
		isTLS:  isTLS,
		hbIval: hbIval,
	}
}

// handle drives the session to completion. It never returns an error:
// every failure is logged and results in the connection being closed,
// matching the "close session quietly, does not affect others" policy
// of SPEC_FULL.md section 7.
func (s *session) handle() {
	defer s.conn.Close()

	hostname, err := s.handshake()
	if err != nil {
		s.log.Infof("%v: handshake failed: %v", s.conn.RemoteAddr(), err)
		return
	}
	s.log.Debugf("%v: handshake complete, hostname=%q", s.conn.RemoteAddr(), hostname)

	if err := s.serve(hostname); err != nil {
		s.log.Infof("%v: session ended: %v", s.conn.RemoteAddr(), err)
	}
}

func (s *session) handshake() (hostname string, err error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", err
	}
	if s.isTLS {
		if err := wire.ReadVersion(s.conn); err != nil {
			return "", err
		}
	}
	hostname, err = wire.ReadHostname(s.conn)
	if err != nil {
		return "", err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", err
	}
	if err := wire.WriteHeartbeatInterval(s.conn, uint16(s.hbIval/time.Second)); err != nil {
		return "", err
	}
	return hostname, nil
}

// serve runs the SERVE loop: wait on wake-or-timeout, send, await ack,
// repeat. The wake signal is armed on entry so the first iteration
// always sends immediately (SPEC_FULL.md section 4.5, Push semantics).
func (s *session) serve(hostname string) error {
	s.wake.Fire()

	for {
		select {
		case <-s.wake.C():
			blob := s.store.Get(hostname)
			if err := s.send(blob); err != nil {
				return err
			}
		case <-time.After(s.hbIval):
			if err := s.send(nil); err != nil {
				return err
			}
		}
		if err := s.readAck(); err != nil {
			return err
		}
	}
}

func (s *session) send(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(ackTimeout)); err != nil {
		return err
	}
	return wire.WritePayload(s.conn, payload)
}

func (s *session) readAck() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(ackTimeout)); err != nil {
		return err
	}
	return wire.ReadAck(s.conn)
}
