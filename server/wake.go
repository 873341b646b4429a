// wake.go - single-slot reload wake signal.
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

// wakeSignal is a single-slot, level-triggered wake: any number of
// Fire calls between two receives from C collapse into exactly one
// wakeup (SPEC_FULL.md section 4.5, Wake discipline). Create one with
// newWakeSignal; the zero value has a nil channel and never fires.
type wakeSignal struct {
	ch chan struct{}
}

func newWakeSignal() *wakeSignal {
	return &wakeSignal{ch: make(chan struct{}, 1)}
}

// Fire arms the signal. Non-blocking: if it is already armed, this is a
// no-op.
func (w *wakeSignal) Fire() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to select on. A session must treat a receive
// from C as consuming the single pending wake.
func (w *wakeSignal) C() <-chan struct{} {
	return w.ch
}
