// keydb.go - admin database of named SSH public keys.
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

// Package keydb implements the administrator's key database: a JSON file
// mapping a key name to an SSH public key record and the domains it should
// be installed under.
package keydb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Describe/Remove when no key with the given
// name exists.
var ErrNotFound = errors.New("keydb: key not found")

// ErrDuplicateName is returned by Add when a key with the given name
// already exists.
var ErrDuplicateName = errors.New("keydb: duplicate key name")

const fileMode = 0600

// Record is a single named key entry in the database.
type Record struct {
	// Data is the one-line SSH public key text. Ignored if DataFile is set.
	Data string `json:"data,omitempty"`

	// DataFile, when non-empty, names a file on disk whose trimmed
	// contents are the key data. This is resolved lazily by Resolve, and
	// takes precedence over Data. Grounded on the original server's
	// `file!<path>` indirection (see original_source), expressed here as
	// a real optional field rather than a magic string prefix.
	DataFile string `json:"dataFile,omitempty"`

	// Domains is the set of user@host strings this key should be
	// installed under. Host may be "*" for "all hosts".
	Domains []string `json:"domains"`

	// Options carries free-form authorized_keys option strings. Stored
	// and round-tripped through the admin tool only; never rendered to
	// the wire or to a .keys file by this implementation (see
	// SPEC_FULL.md Design Note 1).
	Options []string `json:"options,omitempty"`
}

// Resolve returns the effective key data for r, reading DataFile from disk
// if set.
func (r *Record) Resolve() (string, error) {
	if r.DataFile != "" {
		b, err := os.ReadFile(r.DataFile)
		if err != nil {
			return "", fmt.Errorf("keydb: reading dataFile %q: %w", r.DataFile, err)
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	}
	return r.Data, nil
}

// DB is the full admin database: a mapping from key name to record.
type DB struct {
	Keys map[string]*Record `json:"keys"`
}

// New returns an empty database.
func New() *DB {
	return &DB{Keys: make(map[string]*Record)}
}

// Load reads and parses the database file at path. A missing file is
// treated as an empty database, matching src/keyserver/admin.py's
// read_db behavior.
func Load(path string) (*DB, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	db := New()
	if len(b) == 0 {
		return db, nil
	}
	if err := json.Unmarshal(b, db); err != nil {
		return nil, fmt.Errorf("keydb: parsing %q: %w", path, err)
	}
	if db.Keys == nil {
		db.Keys = make(map[string]*Record)
	}
	return db, nil
}

// Save writes the database to path atomically: write to a temp file in the
// same directory, then rename over the destination.
func (db *DB) Save(path string) error {
	b, err := json.Marshal(db)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, fileMode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Add inserts a new record under name, failing if the name is already
// taken.
func (db *DB) Add(name string, r *Record) error {
	if _, ok := db.Keys[name]; ok {
		return ErrDuplicateName
	}
	db.Keys[name] = r
	return nil
}

// Describe returns the record named name.
func (db *DB) Describe(name string) (*Record, error) {
	r, ok := db.Keys[name]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Remove deletes the record named name.
func (db *DB) Remove(name string) error {
	if _, ok := db.Keys[name]; !ok {
		return ErrNotFound
	}
	delete(db.Keys, name)
	return nil
}

// Rename moves the record at oldName to newName.
func (db *DB) Rename(oldName, newName string) error {
	r, ok := db.Keys[oldName]
	if !ok {
		return ErrNotFound
	}
	if _, ok := db.Keys[newName]; ok {
		return ErrDuplicateName
	}
	delete(db.Keys, oldName)
	db.Keys[newName] = r
	return nil
}

// ListNames returns the names of every key matching the given filter.
// Exactly one of domain, host, or user should be non-empty; an empty
// filter matches every key. host additionally matches keys scoped to the
// wildcard host "*" (SPEC_FULL.md Design Note 2).
func (db *DB) ListNames(domain, host, user string) []string {
	names := make(map[string]struct{})
	for name, r := range db.Keys {
		switch {
		case domain != "":
			for _, d := range r.Domains {
				if d == domain {
					names[name] = struct{}{}
				}
			}
		case host != "":
			for _, d := range r.Domains {
				_, h, err := ParseDomain(d)
				if err != nil {
					continue
				}
				if h == host || h == "*" {
					names[name] = struct{}{}
				}
			}
		case user != "":
			for _, d := range r.Domains {
				u, _, err := ParseDomain(d)
				if err != nil {
					continue
				}
				if u == user {
					names[name] = struct{}{}
				}
			}
		default:
			names[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	return out
}

// ParseDomain splits a "user@host" domain string into its user and host
// parts. Both parts must be non-empty.
func ParseDomain(domain string) (user, host string, err error) {
	idx := strings.IndexByte(domain, '@')
	if idx < 0 {
		return "", "", fmt.Errorf("keydb: invalid domain %q: missing '@'", domain)
	}
	user, host = domain[:idx], domain[idx+1:]
	if user == "" || host == "" {
		return "", "", fmt.Errorf("keydb: invalid domain %q: empty user or host", domain)
	}
	return user, host, nil
}

// Validator reports whether an opaque SSH public-key data string is
// syntactically acceptable. The core depends only on this predicate,
// never on a concrete implementation, so projection stays testable
// without invoking an external program (SPEC_FULL.md, "Key validation
// pluggability").
type Validator func(data string) bool

// DefaultValidator is a pure, dependency-free parser: it accepts any
// line that looks like "<keytype> <base64> [comment]" with a keytype
// drawn from the common OpenSSH set. It does not attempt to validate the
// base64 payload cryptographically.
func DefaultValidator(data string) bool {
	fields := strings.Fields(data)
	if len(fields) < 2 {
		return false
	}
	switch fields[0] {
	case "ssh-rsa", "ssh-ed25519", "ssh-dss",
		"ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384", "ecdsa-sha2-nistp521",
		"sk-ecdsa-sha2-nistp256@openssh.com", "sk-ssh-ed25519@openssh.com":
		return len(fields[1]) > 0
	default:
		return false
	}
}

// Validate checks that r's domains all parse and its resolved key data
// passes validate. It does not mutate r.
func Validate(r *Record, validate Validator) error {
	data, err := r.Resolve()
	if err != nil {
		return err
	}
	if !validate(data) {
		return fmt.Errorf("keydb: key data failed validation")
	}
	for _, d := range r.Domains {
		if _, _, err := ParseDomain(d); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPath is the conventional location of the admin database,
// matching src/keyserver/server.py's /var/db/keyserver.db.
var DefaultPath = filepath.Join(string(filepath.Separator), "var", "db", "keyserver.db")
