// config.go - key-distribution server and fetcher configuration.
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

// Package config loads the server's optional YAML configuration file
// and the fetcher's optional TOML defaults file. Both follow a
// FromFile(path) constructor idiom; the server format is YAML per
// SPEC_FULL.md section 6 and the fetcher defaults format is TOML.
package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// DefaultPlaintextPort and DefaultTLSPort are the protocol's standard
// ports (SPEC_FULL.md section 6).
const (
	DefaultPlaintextPort = 8282
	DefaultTLSPort       = 8283
)

// DefaultKeyDir is the fetcher's default output directory.
const DefaultKeyDir = "/var/db/sshkeys"

// SSL holds the server's optional TLS endpoint configuration.
type SSL struct {
	Enabled  bool     `yaml:"enabled"`
	Cert     string   `yaml:"cert"`
	Key      string   `yaml:"key"`
	Endpoint []string `yaml:"endpoint"` // [host, port]
}

// Reload configures the optional fsnotify-based low-latency reload
// trigger alongside the always-available SIGUSR1 handler (SPEC_FULL.md
// section 4.4-FULL).
type Reload struct {
	Watch bool `yaml:"watch"`
}

// Management configures the optional local administrative socket
// (SPEC_FULL.md section 6-FULL). Disabled unless explicitly given a
// path.
type Management struct {
	SocketPath string `yaml:"socketPath"`
}

// ServerConfig is the key-distribution server's optional YAML
// configuration file.
type ServerConfig struct {
	Endpoint   []string   `yaml:"endpoint"` // [host, port]
	SSL        SSL        `yaml:"ssl"`
	DBPath     string     `yaml:"dbPath"`
	Reload     Reload     `yaml:"reload"`
	Management Management `yaml:"management"`
}

// ServerFromFile loads a ServerConfig from a YAML file.
func ServerFromFile(path string) (*ServerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Host returns the configured plaintext listen host, defaulting to the
// wildcard address.
func (c *ServerConfig) Host() string {
	if len(c.Endpoint) > 0 && c.Endpoint[0] != "" {
		return c.Endpoint[0]
	}
	return ""
}

// Port returns the configured plaintext listen port, or the protocol
// default.
func (c *ServerConfig) Port() string {
	if len(c.Endpoint) > 1 && c.Endpoint[1] != "" {
		return c.Endpoint[1]
	}
	return portString(DefaultPlaintextPort)
}

// TLSHost and TLSPort mirror Host/Port for the SSL endpoint.
func (c *ServerConfig) TLSHost() string {
	if len(c.SSL.Endpoint) > 0 && c.SSL.Endpoint[0] != "" {
		return c.SSL.Endpoint[0]
	}
	return ""
}

func (c *ServerConfig) TLSPort() string {
	if len(c.SSL.Endpoint) > 1 && c.SSL.Endpoint[1] != "" {
		return c.SSL.Endpoint[1]
	}
	return portString(DefaultTLSPort)
}

// FetcherDefaults is the fetcher's optional TOML convenience file,
// letting an operator avoid repeating flags across many hosts.
type FetcherDefaults struct {
	KeyDir     string `toml:"keydir"`
	Server     string `toml:"server"`
	Port       int    `toml:"port"`
	FQDN       string `toml:"fqdn"`
	DisableSSL bool   `toml:"disable_ssl"`
	Debug      bool   `toml:"debug"`
}

// FetcherFromFile loads FetcherDefaults from a TOML file.
func FetcherFromFile(path string) (*FetcherDefaults, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &FetcherDefaults{}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrNoEndpoint describes a configuration with neither a plaintext nor a
// TLS endpoint enabled. No function in this package returns it.
var ErrNoEndpoint = errors.New("config: no listening endpoint configured")

func portString(p int) string {
	return strconv.Itoa(p)
}
