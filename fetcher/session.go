// session.go - fetcher client session, mirroring the server state machine.
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

// Package fetcher implements the per-host agent: it opens a session to
// the key-distribution server, receives pushed keysets, and reconciles
// them onto disk as authorized_keys files. The session loop acknowledges
// every frame it reads; the supervisor's retry backoff mirrors
// src/keyserver/fetcher.py's connect loop.
package fetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/op/go-logging"

	"github.com/raincity/keyserver/wire"
)

var log = logging.MustGetLogger("fetcher")

const (
	handshakeTimeout = 5 * time.Second
	payloadTimeout   = 5 * time.Second
)

// Keyset is the decoded form of a server push: user -> sorted key list.
type Keyset map[string][]string

// Mode selects whether Run exits after the first delivered keyset or
// keeps streaming until ctx is cancelled (SPEC_FULL.md section 4.7).
type Mode int

const (
	// ModeStream emits every keyset for as long as the session lives.
	ModeStream Mode = iota
	// ModeOnce emits exactly one keyset then returns.
	ModeOnce
)

// Session is one connection to the key-distribution server.
type Session struct {
	conn       net.Conn
	hostname   string
	isTLS      bool
	hbInterval time.Duration
}

// Dial opens a TCP connection to addr (TLS-wrapped when tlsConfig is
// non-nil) and performs the handshake, returning a Session ready for
// Run. The server's advertised heartbeat interval (SPEC_FULL.md
// section 4.7) is captured on the Session and used by Run to size its
// read deadline.
func Dial(addr, hostname string, tlsConfig *tls.Config) (*Session, error) {
	dialer := net.Dialer{Timeout: handshakeTimeout}
	var conn net.Conn
	var err error
	isTLS := tlsConfig != nil
	if isTLS {
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	if isTLS {
		if err := wire.WriteVersion(conn); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if err := wire.WriteHostname(conn, hostname); err != nil {
		conn.Close()
		return nil, err
	}
	hbSeconds, err := wire.ReadHeartbeatInterval(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{conn: conn, hostname: hostname, isTLS: isTLS, hbInterval: time.Duration(hbSeconds) * time.Second}, nil
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// HeartbeatInterval returns the heartbeat interval the server advertised
// during the handshake.
func (s *Session) HeartbeatInterval() time.Duration {
	return s.hbInterval
}

// Run drives the read-parse-dedup-emit-ack loop described in
// SPEC_FULL.md section 4.7. emit is called with each keyset that
// differs (structurally) from the last one delivered; it is never
// called twice in a row with an equal keyset. Run returns nil when ctx
// is cancelled, when mode is ModeOnce and one keyset has been emitted,
// or a non-nil error on any protocol or I/O failure (the caller's
// supervisor loop decides whether that is retryable).
func (s *Session) Run(ctx context.Context, mode Mode, hbTimeout time.Duration, emit func(Keyset)) error {
	var lastRaw []byte
	var lastKeyset Keyset
	delivered := false

	// Cancellation moves the read deadline to now so a blocked read
	// returns at once; the ctx checks below turn that into a nil return.
	stop := context.AfterFunc(ctx, func() { s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(2 * hbTimeout)); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		payload, err := wire.ReadPayload(s.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if payload == nil {
			// ping
			if err := s.ack(); err != nil {
				return err
			}
			continue
		}

		var ks Keyset
		if err := json.Unmarshal(payload, &ks); err != nil {
			return fmt.Errorf("fetcher: malformed keyset push: %w", err)
		}

		// The server canonicalizes its rendering, so byte equality is
		// the common case; the structural compare on lastKeyset
		// tolerates an upstream that sends equivalent but
		// non-canonical JSON (SPEC_FULL.md section 3).
		if bytes.Equal(payload, lastRaw) || (delivered && keysetsEqual(ks, lastKeyset)) {
			if err := s.ack(); err != nil {
				return err
			}
			continue
		}

		lastRaw = append([]byte(nil), payload...)
		lastKeyset = ks
		emit(ks)
		delivered = true

		if err := s.ack(); err != nil {
			return err
		}
		if mode == ModeOnce && delivered {
			return nil
		}
	}
}

func (s *Session) ack() error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(payloadTimeout)); err != nil {
		return err
	}
	return wire.WriteAck(s.conn)
}

// keysetsEqual compares two decoded keysets structurally: same users,
// same keys per user, independent of slice order.
func keysetsEqual(a, b Keyset) bool {
	if len(a) != len(b) {
		return false
	}
	for user, aKeys := range a {
		bKeys, ok := b[user]
		if !ok || len(aKeys) != len(bKeys) {
			return false
		}
		seen := make(map[string]int, len(aKeys))
		for _, k := range aKeys {
			seen[k]++
		}
		for _, k := range bKeys {
			seen[k]--
		}
		for _, count := range seen {
			if count != 0 {
				return false
			}
		}
	}
	return true
}
