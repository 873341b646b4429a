// store.go - lock-free hot-reloadable keyset store.
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

// Package store holds the server's current Projection behind a lock-free
// atomic pointer, so concurrent per-connection sessions can read the
// latest keyset without blocking a reload in progress. Grounded on the
// mixmasala-server Server's pattern of rebuilding derived state in place
// and atomically swapping it in for new readers (see server.go's PKI
// reshadowing), generalized here from a mutex-guarded field to a
// sync/atomic pointer since reads here are on the per-connection hot
// path and must never block on a writer.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/op/go-logging"

	"github.com/raincity/keyserver/keydb"
	"github.com/raincity/keyserver/projection"
)

var log = logging.MustGetLogger("store")

// Store is a single-writer, many-reader holder of the current
// Projection. The zero Store is not usable; create one with New.
type Store struct {
	dbPath   string
	validate keydb.Validator

	// reloadMu serializes Reload, so two triggers firing together cannot
	// publish an older read of the database over a newer one.
	reloadMu sync.Mutex

	current atomic.Pointer[projection.Projection]
}

// New creates a Store that loads the admin database from dbPath and
// validates key data with validate. The store is empty until the first
// call to Reload.
func New(dbPath string, validate keydb.Validator) *Store {
	return &Store{dbPath: dbPath, validate: validate}
}

// Get returns the current blob for hostname. Safe for concurrent use
// with Reload; never blocks.
func (s *Store) Get(hostname string) []byte {
	p := s.current.Load()
	if p == nil {
		return nil
	}
	return p.Get(hostname)
}

// Reload reads the admin database from disk, rebuilds the projection,
// and atomically swaps it in. Existing readers holding a blob from the
// previous projection are unaffected; new Get calls observe the new
// projection as soon as Reload returns.
func (s *Store) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	db, err := keydb.Load(s.dbPath)
	if err != nil {
		return err
	}
	p := projection.Build(db, s.validate)
	s.current.Store(p)
	log.Infof("reloaded key database from %s (%d keys)", s.dbPath, len(db.Keys))
	return nil
}
