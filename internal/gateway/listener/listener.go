// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package listener builds the Gateway's public network listener, per
// spec.md §6: bind GATEWAY_HOST:GATEWAY_PORT, wrapped in TLS with the
// configured certificate pair when the TLS_ENABLED flag is set.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
)

// Config configures the Gateway listener.
type Config struct {
	// Host and Port form the bind address, from GATEWAY_HOST and
	// GATEWAY_PORT. Host defaults to all interfaces when empty — the
	// Gateway, unlike a local daemon control socket, must be reachable
	// by remote Runner hosts.
	Host string
	Port int

	// TLSEnabled mirrors the TLS_ENABLED environment variable.
	TLSEnabled bool

	// CertFile and KeyFile are the certs/server.{crt,key} paths
	// spec.md §6's durable layout names. Both are required when
	// TLSEnabled is true.
	CertFile string
	KeyFile  string
}

// New binds Config's address and returns a ready net.Listener, TLS
// wrapped when cfg.TLSEnabled.
func New(cfg Config) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s: %w", addr, err)
	}

	if !cfg.TLSEnabled {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("listener: load TLS keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return tls.NewListener(ln, tlsCfg), nil
}
