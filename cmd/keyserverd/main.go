// main.go - key-distribution server daemon.
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

// Package main is the key-distribution server daemon, keyserverd: it
// loads the admin database, listens for fetcher connections, and
// reloads on SIGUSR1 or (optionally) on a filesystem watch of the
// database file.
package main

import (
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/op/go-logging"

	"github.com/raincity/keyserver/config"
	"github.com/raincity/keyserver/internal/logsetup"
	"github.com/raincity/keyserver/keydb"
	"github.com/raincity/keyserver/reload"
	"github.com/raincity/keyserver/server"
	"github.com/raincity/keyserver/store"
)

var log = logging.MustGetLogger("keyserverd")

func main() {
	var configFilePath string
	var dbPath string
	var logLevel string
	var hbSeconds int

	flag.StringVar(&configFilePath, "config", "", "server configuration file (YAML)")
	flag.StringVar(&dbPath, "db", keydb.DefaultPath, "admin key database path")
	flag.StringVar(&logLevel, "log_level", "INFO", "DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL")
	flag.IntVar(&hbSeconds, "heartbeat", 60, "heartbeat interval advertised to fetchers, in seconds")
	flag.Parse()

	level, err := logsetup.StringToLevel(logLevel)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logsetup.Setup(level, "keyserverd", "server", "store", "projection", "reload", "keydb")

	cfg := &config.ServerConfig{}
	if configFilePath != "" {
		cfg, err = config.ServerFromFile(configFilePath)
		if err != nil {
			log.Criticalf("loading config: %v", err)
			os.Exit(1)
		}
	}
	if cfg.DBPath != "" {
		dbPath = cfg.DBPath
	}

	st := store.New(dbPath, keydb.DefaultValidator)
	if err := st.Reload(); err != nil {
		log.Criticalf("initial database load failed: %v", err)
		os.Exit(1)
	}

	srv := server.New(st, time.Duration(hbSeconds)*time.Second)

	plaintextAddr := cfg.Host() + ":" + cfg.Port()
	if err := srv.ListenPlaintext(plaintextAddr); err != nil {
		log.Criticalf("listening on %s: %v", plaintextAddr, err)
		os.Exit(1)
	}
	log.Noticef("keyserverd listening on %s", plaintextAddr)

	if cfg.SSL.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.SSL.Cert, cfg.SSL.Key)
		if err != nil {
			log.Criticalf("loading TLS cert/key: %v", err)
			os.Exit(1)
		}
		tlsAddr := cfg.TLSHost() + ":" + cfg.TLSPort()
		if err := srv.ListenTLS(tlsAddr, cert); err != nil {
			log.Criticalf("listening on %s (TLS): %v", tlsAddr, err)
			os.Exit(1)
		}
		log.Noticef("keyserverd listening on %s (TLS)", tlsAddr)
	}

	watcher := reload.New(st, srv.WakeAll)
	defer watcher.Stop()
	if cfg.Reload.Watch {
		if err := watcher.WatchFile(dbPath); err != nil {
			log.Warningf("file watch on %s disabled: %v", dbPath, err)
		}
	}
	if cfg.Management.SocketPath != "" {
		if err := watcher.ListenManagement(cfg.Management.SocketPath); err != nil {
			log.Warningf("management socket %s disabled: %v", cfg.Management.SocketPath, err)
		} else {
			log.Noticef("management socket listening on %s", cfg.Management.SocketPath)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go srv.Serve()
	log.Notice("keyserverd startup")

	<-sigCh
	log.Notice("keyserverd shutdown")
	srv.Stop()
}
