// main.go - per-host key-fetcher CLI.
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

// Package main is keyfetch, the per-host agent that pulls authorized
// keys from a keyserverd and reconciles them onto disk. Flag surface
// matches SPEC_FULL.md section 6 (grounded on the argparse surface of
// original_source src/keyserver/fetcher.py).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/op/go-logging"

	"github.com/raincity/keyserver/config"
	"github.com/raincity/keyserver/fetcher"
	"github.com/raincity/keyserver/internal/logsetup"
)

var log = logging.MustGetLogger("keyfetch")

func main() {
	var keydir, server, fqdn, defaultsPath string
	var port int
	var disableSSL, once, debug bool

	flag.StringVar(&keydir, "k", config.DefaultKeyDir, "directory to write <user>.keys files into")
	flag.StringVar(&server, "s", "", "key-distribution server hostname or address")
	flag.IntVar(&port, "p", 0, "server port (default: protocol default for the chosen transport)")
	flag.StringVar(&fqdn, "fqdn", "", "hostname to declare to the server (default: local hostname)")
	flag.BoolVar(&disableSSL, "disable-ssl", false, "connect in plaintext instead of TLS")
	flag.BoolVar(&once, "once", false, "fetch exactly one keyset and exit")
	flag.StringVar(&defaultsPath, "c", "", "optional TOML file of default flag values")
	flag.BoolVar(&debug, "d", false, "enable debug logging")
	flag.Parse()

	level := logging.NOTICE
	if debug {
		level = logging.DEBUG
	}
	logsetup.Setup(level, "keyfetch", "fetcher")

	if defaultsPath != "" {
		defaults, err := config.FetcherFromFile(defaultsPath)
		if err != nil {
			log.Criticalf("loading defaults file: %v", err)
			os.Exit(1)
		}
		applyDefaults(&keydir, &server, &port, &fqdn, &disableSSL, defaults)
	}

	if server == "" {
		log.Critical("you must specify a server with -s")
		os.Exit(1)
	}
	if fqdn == "" {
		h, err := os.Hostname()
		if err != nil {
			log.Criticalf("determining local hostname: %v", err)
			os.Exit(1)
		}
		fqdn = h
	}
	if port == 0 {
		port = config.DefaultTLSPort
		if disableSSL {
			port = config.DefaultPlaintextPort
		}
	}
	if err := os.MkdirAll(keydir, 0700); err != nil {
		log.Criticalf("creating keydir %s: %v", keydir, err)
		os.Exit(1)
	}

	var tlsConfig *tls.Config
	if !disableSSL {
		tlsConfig = &tls.Config{ServerName: server, MinVersion: tls.VersionTLS12}
	}

	mode := fetcher.ModeStream
	if once {
		mode = fetcher.ModeOnce
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Notice("keyfetch shutdown")
		cancel()
	}()

	addr := net.JoinHostPort(server, strconv.Itoa(port))
	log.Noticef("keyfetch startup: fetching %s as %s into %s", addr, fqdn, keydir)

	err := fetcher.Supervise(ctx, fetcher.Config{
		Addr:      addr,
		Hostname:  fqdn,
		TLSConfig: tlsConfig,
		Mode:      mode,
		KeyDir:    keydir,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyDefaults(keydir, server *string, port *int, fqdn *string, disableSSL *bool, d *config.FetcherDefaults) {
	if *keydir == config.DefaultKeyDir && d.KeyDir != "" {
		*keydir = d.KeyDir
	}
	if *server == "" && d.Server != "" {
		*server = d.Server
	}
	if *port == 0 && d.Port != 0 {
		*port = d.Port
	}
	if *fqdn == "" && d.FQDN != "" {
		*fqdn = d.FQDN
	}
	if d.DisableSSL {
		*disableSSL = true
	}
}
