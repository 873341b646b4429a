// reload.go - reload triggers for the key-distribution server.
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

// Package reload wires external reload triggers (SIGUSR1, and
// optionally an fsnotify watch on the database file) to a Reloader's
// Reload method. A signal.Notify plus blocking-select idiom runs on a
// dedicated goroutine so the signal handler can live alongside the
// connection-wake fan-out in the server package (see SPEC_FULL.md
// section 4.4-FULL).
package reload

import (
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("reload")

// Reloader is anything whose on-disk view of the admin database can be
// refreshed on demand. *store.Store satisfies this.
type Reloader interface {
	Reload() error
}

// Watcher drives a Reloader from SIGUSR1 and, optionally, filesystem
// change notifications. Call Watcher.Stop to tear it down.
type Watcher struct {
	reloader Reloader
	onReload func()

	sigCh  chan os.Signal
	stopCh chan struct{}
	wg     sync.WaitGroup

	fsw *fsnotify.Watcher
}

// New starts watching for SIGUSR1 and invoking reloader.Reload whenever
// it fires. onReload, if non-nil, is called after every successful
// reload (used by the server to wake connections holding a stale
// keyset).
func New(reloader Reloader, onReload func()) *Watcher {
	w := &Watcher{
		reloader: reloader,
		onReload: onReload,
		sigCh:    make(chan os.Signal, 1),
		stopCh:   make(chan struct{}),
	}
	signal.Notify(w.sigCh, syscall.SIGUSR1)
	w.wg.Add(1)
	go w.signalLoop()
	return w
}

// WatchFile additionally arms an fsnotify watch on path's containing
// directory, triggering a reload whenever path itself is written or
// renamed into place. This is strictly a lower-latency alternative to
// waiting for an administrator to send SIGUSR1; it is optional and its
// failure to start is not fatal to the watcher.
func (w *Watcher) WatchFile(path string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	target := filepath.Clean(path)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.doReload("file watch")
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warningf("fsnotify watcher error: %v", err)
			case <-w.stopCh:
				return
			}
		}
	}()
	return nil
}

func (w *Watcher) signalLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.sigCh:
			w.doReload("SIGUSR1")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) doReload(source string) {
	if err := w.reloader.Reload(); err != nil {
		log.Errorf("reload triggered by %s failed: %v", source, err)
		return
	}
	log.Infof("reload triggered by %s", source)
	if w.onReload != nil {
		w.onReload()
	}
}

// Stop tears down the signal handler and any fsnotify watch, and waits
// for their goroutines to exit.
func (w *Watcher) Stop() {
	signal.Stop(w.sigCh)
	close(w.stopCh)
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}
