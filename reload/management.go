// management.go - optional Unix-socket reload trigger.
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

package reload

import (
	"bufio"
	"net"
	"os"
	"strings"
)

// ListenManagement opens a Unix socket at socketPath accepting a single
// newline-terminated command per connection, RELOAD, which drives the
// same path as SIGUSR1. Read for pattern only (never copied) from the
// mixmasala-server sibling project's thwack admin interface; this
// exists so an operator can trigger a reload from a context where
// sending a Unix signal is inconvenient, such as a container
// orchestrator. Disabled unless explicitly configured; carries no
// authentication beyond filesystem permissions on socketPath.
func (w *Watcher) ListenManagement(socketPath string) error {
	os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer l.Close()
		defer os.Remove(socketPath)

		go func() {
			<-w.stopCh
			l.Close()
		}()

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go w.handleManagementConn(conn)
		}
	}()
	return nil
}

func (w *Watcher) handleManagementConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch cmd {
		case "RELOAD":
			w.doReload("management socket")
			conn.Write([]byte("OK\n"))
		default:
			conn.Write([]byte("ERR unknown command\n"))
		}
	}
}
