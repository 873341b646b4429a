// reconcile.go - atomic reconciliation of a keyset onto disk.
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

package fetcher

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const keysFileMode = 0600

// ErrEmptyKeyset is returned by Reconcile when handed an empty keyset,
// which SPEC_FULL.md section 4.8 treats as a likely server-side error
// rather than "remove everyone's keys".
var ErrEmptyKeyset = errors.New("fetcher: refusing to reconcile an empty keyset")

// Reconcile applies ks to keydir: files for users no longer present are
// removed, and one <user>.keys file is written per user in ks via a
// temp-file-plus-rename so a reader never observes a partial write.
// Failure to process one user's file is logged by the caller (via the
// returned per-user errors) and does not abort processing of the rest.
func Reconcile(keydir string, ks Keyset) map[string]error {
	if len(ks) == 0 {
		return map[string]error{"": ErrEmptyKeyset}
	}

	errs := make(map[string]error)

	existing, err := filepath.Glob(filepath.Join(keydir, "*.keys"))
	if err != nil {
		errs[""] = err
		return errs
	}
	for _, path := range existing {
		user := strings.TrimSuffix(filepath.Base(path), ".keys")
		if _, ok := ks[user]; ok {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs[user] = err
		}
	}

	for user, keys := range ks {
		if err := writeUserKeys(keydir, user, keys); err != nil {
			errs[user] = err
		}
	}

	return errs
}

func writeUserKeys(keydir, user string, keys []string) error {
	final := filepath.Join(keydir, user+".keys")
	tmp := final + ".tmp"

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(b.String()), keysFileMode); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}
