// server.go - accept loop and lifecycle for the key-distribution server.
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

// Package server implements the key-distribution server: one listener
// per configured endpoint (plaintext and/or TLS), a per-connection
// session state machine (session.go), and a connection registry
// (registry.go) that reload wakes fan out through. Grounded on the
// teacher's listener.go accept loop and the mixmasala-server Server's
// ordered halt() (server.go in the pack's mixmasala-server repo).
package server

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("server")

const keepAlivePeriod = 3 * time.Minute

// listenerEntry pairs a listener with whether it terminates TLS, so the
// accept loop knows whether to expect the extra protocol-version byte
// ahead of the hostname frame (SPEC_FULL.md section 4.5, TLS variant).
type listenerEntry struct {
	net.Listener
	isTLS bool
}

// Server owns the listeners, the connection registry, and the
// heartbeat interval advertised to new sessions.
type Server struct {
	store      keyStore
	hbIval     time.Duration
	registry   *registry
	wg         sync.WaitGroup
	listeners  []listenerEntry
	closedOnce sync.Once
	closeCh    chan struct{}
}

// New creates a Server backed by st, advertising hbIval as the
// heartbeat interval to every session (0 selects the default).
func New(st keyStore, hbIval time.Duration) *Server {
	return &Server{
		store:    st,
		hbIval:   hbIval,
		registry: newRegistry(),
		closeCh:  make(chan struct{}),
	}
}

// ListenPlaintext adds a plaintext TCP listener on addr. It must be
// called before Serve.
func (s *Server) ListenPlaintext(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, listenerEntry{Listener: l, isTLS: false})
	return nil
}

// ListenTLS adds a TLS-terminated TCP listener on addr using the given
// certificate. It must be called before Serve.
func (s *Server) ListenTLS(addr string, cert tls.Certificate) error {
	l, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, listenerEntry{Listener: l, isTLS: true})
	return nil
}

// Serve runs every registered listener's accept loop. It blocks until
// every listener has stopped (normally via Stop).
func (s *Server) Serve() {
	for _, entry := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(entry.Listener, entry.isTLS)
	}
	s.wg.Wait()
}

// WakeAll fires every live session's wake signal, used by the reload
// watcher after a successful store reload (SPEC_FULL.md section 4.4).
func (s *Server) WakeAll() {
	s.registry.wakeAll()
}

// ConnCount reports the number of currently registered sessions, for
// diagnostics and tests.
func (s *Server) ConnCount() int {
	return s.registry.count()
}

// Addr returns the address of the first registered listener, useful
// when it was bound to an ephemeral port (":0").
func (s *Server) Addr() string {
	if len(s.listeners) == 0 {
		return ""
	}
	return s.listeners[0].Addr().String()
}

func (s *Server) acceptLoop(l net.Listener, isTLS bool) {
	addr := l.Addr()
	log.Noticef("listening on: %v", addr)
	defer func() {
		log.Noticef("stopping listening on: %v", addr)
		l.Close()
		s.wg.Done()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && !ne.Temporary() {
				log.Errorf("critical accept failure on %v: %v", addr, err)
				return
			}
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
		}

		log.Debugf("accepted connection: %v", conn.RemoteAddr())
		go s.handleConn(conn, isTLS)
	}
}

func (s *Server) handleConn(conn net.Conn, isTLS bool) {
	sess := newSession(conn, s.store, log, isTLS, s.hbIval)
	elem := s.registry.register(sess.wake)
	defer s.registry.unregister(elem)
	sess.handle()
}

// Stop closes every listener, causing each accept loop to return, and
// waits for them to exit. Sessions already accepted are not stopped:
// each keeps running its serve loop until its connection fails or is
// closed by the peer.
func (s *Server) Stop() {
	s.closedOnce.Do(func() { close(s.closeCh) })
	for _, l := range s.listeners {
		l.Close()
	}
	s.wg.Wait()
}
