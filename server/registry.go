// registry.go - concurrent set of live session wake handles.
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
	"container/list"
	"sync"
)

// registry is the connection registry (C6): a set of wake handles, one
// per live session, tolerating concurrent insert/remove/wakeAll.
// A mutex-guarded container/list holds *wakeSignal instead of raw
// net.Conn, so reload can address sessions without touching sockets.
type registry struct {
	mu    sync.Mutex
	conns *list.List
}

func newRegistry() *registry {
	return &registry{conns: list.New()}
}

// register adds w to the registry and returns a token used to
// unregister it later.
func (r *registry) register(w *wakeSignal) *list.Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.PushFront(w)
}

func (r *registry) unregister(e *list.Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns.Remove(e)
}

// wakeAll fires every registered session's wake signal. Called after
// C3.Reload publishes the new projection, so every session that
// observes the wake is guaranteed to see the new projection or newer
// when it re-reads the store.
func (r *registry) wakeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*wakeSignal).Fire()
	}
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.Len()
}
