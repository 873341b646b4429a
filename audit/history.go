// history.go - local audit scratchpad for the admin CLI.
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

// Package audit keeps a small on-disk history of mutations the admin
// CLI has applied, so an operator can review recent activity without
// re-reading the database's JSON and diffing it by hand. It is a local
// convenience log over the admin tool's own actions, never part of the
// server/fetcher wire path. Encoded with cbor, reusing the codec the
// teacher already carried for its plugin command wire format
// (cborplugin/commands.go) for a purely local structured record here.
package audit

import (
	"os"

	"github.com/fxamacker/cbor/v2"
)

// maxEntries bounds the scratchpad so it never grows unbounded across
// the lifetime of a database.
const maxEntries = 200

// Entry is one recorded mutation.
type Entry struct {
	Timestamp int64  `cbor:"ts"`
	Action    string `cbor:"action"`
	KeyName   string `cbor:"keyName"`
}

// Log reads the history file at path (treating a missing file as
// empty), appends entry, trims to maxEntries, and writes it back.
func Log(path string, entry Entry) error {
	entries, err := Load(path)
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	b, err := cbor.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

// Load reads and decodes the history file at path. A missing file
// yields an empty, non-nil slice.
func Load(path string) ([]Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return []Entry{}, nil
	}
	var entries []Entry
	if err := cbor.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
