// projection.go - build per-host flat key blobs from the admin database.
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

// Package projection turns an admin key database into the per-host flat
// JSON blobs pushed over the wire. Building a projection is a pure
// function of the database: it reads no ambient state and has no
// side effects beyond the optional DataFile reads a record asks for.
package projection

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/op/go-logging"

	"github.com/raincity/keyserver/keydb"
)

var log = logging.MustGetLogger("projection")

// WildcardHost is the sentinel hostname under which the host-independent
// ("user@*") keyset is published.
const WildcardHost = "*"

// Projection is the immutable result of projecting an admin database:
// one canonical JSON blob per declared host, plus the wildcard fallback.
type Projection struct {
	blobs map[string][]byte
}

// Get returns the blob for hostname, falling back to the wildcard blob
// if hostname is unknown or empty.
func (p *Projection) Get(hostname string) []byte {
	if hostname != "" {
		if b, ok := p.blobs[hostname]; ok {
			return b
		}
	}
	return p.blobs[WildcardHost]
}

// keyset is a user -> set of key data strings, used while accumulating
// before the final deterministic render.
type keyset map[string]map[string]struct{}

func (ks keyset) add(user, data string) {
	u, ok := ks[user]
	if !ok {
		u = make(map[string]struct{})
		ks[user] = u
	}
	u[data] = struct{}{}
}

func (ks keyset) clone() keyset {
	out := make(keyset, len(ks))
	for user, datas := range ks {
		u := make(map[string]struct{}, len(datas))
		for d := range datas {
			u[d] = struct{}{}
		}
		out[user] = u
	}
	return out
}

// render produces the canonical JSON blob for a keyset: a JSON object
// mapping user to a sorted array of key data, with object keys emitted
// in sorted order. Canonical rendering is what lets the fetcher use byte
// equality to suppress a no-op push (SPEC_FULL.md section 3, Design
// Note on duplicate suppression).
func (ks keyset) render() []byte {
	users := make([]string, 0, len(ks))
	for user := range ks {
		users = append(users, user)
	}
	sort.Strings(users)

	// encoding/json already emits map keys in sorted order, so building
	// the intermediate map and marshaling it is sufficient as long as
	// values are pre-sorted slices.
	out := make(map[string][]string, len(ks))
	for _, user := range users {
		datas := make([]string, 0, len(ks[user]))
		for d := range ks[user] {
			datas = append(datas, d)
		}
		sort.Strings(datas)
		out[user] = datas
	}
	b, err := json.Marshal(out)
	if err != nil {
		// out is a map[string][]string: marshaling cannot fail.
		panic(fmt.Sprintf("projection: BUG: marshal of canonical keyset failed: %v", err))
	}
	return b
}

// Build projects db into a Projection. Keys whose data fails validate
// are skipped with a warning; malformed domain strings on an otherwise
// valid key are skipped individually. Build is total: a database with no
// keys at all yields a Projection whose only blob is the empty wildcard
// object.
func Build(db *keydb.DB, validate keydb.Validator) *Projection {
	wild := make(keyset)
	perHost := make(map[string]keyset)

	for name, rec := range db.Keys {
		data, err := rec.Resolve()
		if err != nil {
			log.Warningf("skipping key %q: %v", name, err)
			continue
		}
		if !validate(data) {
			log.Warningf("skipping key %q: failed validation", name)
			continue
		}
		for _, domain := range rec.Domains {
			user, host, err := keydb.ParseDomain(domain)
			if err != nil {
				log.Warningf("key %q: skipping domain %q: %v", name, domain, err)
				continue
			}
			if host == WildcardHost {
				wild.add(user, data)
			} else {
				hk, ok := perHost[host]
				if !ok {
					hk = make(keyset)
					perHost[host] = hk
				}
				hk.add(user, data)
			}
		}
	}

	p := &Projection{blobs: make(map[string][]byte, len(perHost)+1)}
	p.blobs[WildcardHost] = wild.render()
	for host, hk := range perHost {
		merged := wild.clone()
		for user, datas := range hk {
			for d := range datas {
				merged.add(user, d)
			}
		}
		p.blobs[host] = merged.render()
	}
	return p
}
