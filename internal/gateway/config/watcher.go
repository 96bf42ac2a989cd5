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

// Package config watches the Gateway's filesystem-backed configuration
// inputs — the EXTRA_ALLOWED_COMMANDS file and the TLS certificate
// pair — and reloads them in place, so an operator can extend the
// allowlist or rotate a certificate without restarting the daemon.
package config

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/remoterun/internal/runner/allowlist"
)

// AllowlistTarget receives a freshly merged set of allowlist entries.
type AllowlistTarget interface {
	SetEntries(entries []string)
}

var _ AllowlistTarget = (*allowlist.Allowlist)(nil)

// AllowlistWatcher watches a plain-text allowlist file (one command
// or glob pattern per line, '#'-prefixed lines ignored) and merges its
// contents with a fixed baseline — the entries sourced from
// EXTRA_ALLOWED_COMMANDS — into target on every write.
type AllowlistWatcher struct {
	path     string
	baseline []string
	target   AllowlistTarget
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAllowlistWatcher constructs a watcher for path, applying an
// initial load before watching begins. baseline is prepended to the
// file's entries on every reload.
func NewAllowlistWatcher(path string, baseline []string, target AllowlistTarget, logger *slog.Logger) (*AllowlistWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("gateway/config: create watcher: %w", err)
	}

	dir := parentDir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("gateway/config: watch %s: %w", dir, err)
	}

	w := &AllowlistWatcher{
		path:     path,
		baseline: append([]string(nil), baseline...),
		target:   target,
		logger:   logger.With(slog.String("component", "gateway.config.allowlist"), slog.String("path", path)),
		watcher:  fsw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := w.reload(); err != nil {
		w.logger.Warn("initial allowlist load failed", "error", err)
	}

	return w, nil
}

// Start begins watching for file changes in the background.
func (w *AllowlistWatcher) Start() {
	go w.loop()
}

// Stop releases the underlying fsnotify watcher.
func (w *AllowlistWatcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *AllowlistWatcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("allowlist reload failed", "error", err)
				continue
			}
			w.logger.Info("allowlist reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("allowlist watcher error", "error", err)
		}
	}
}

func (w *AllowlistWatcher) reload() error {
	entries, err := readLines(w.path)
	if err != nil {
		return err
	}
	merged := make([]string, 0, len(w.baseline)+len(entries))
	merged = append(merged, w.baseline...)
	merged = append(merged, entries...)
	w.target.SetEntries(merged)
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func parentDir(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return "."
}

// CertWatcher watches a TLS certificate/key pair and serves the
// latest loaded pair through GetCertificate, so a tls.Config can pick
// up a rotated certificate without the listener being recreated.
type CertWatcher struct {
	certPath, keyPath string
	logger            *slog.Logger

	cert atomic.Pointer[tls.Certificate]

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// NewCertWatcher loads the initial certificate pair and begins
// watching both files for changes.
func NewCertWatcher(certPath, keyPath string, logger *slog.Logger) (*CertWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &CertWatcher{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger.With(slog.String("component", "gateway.config.cert")),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := w.reload(); err != nil {
		return nil, fmt.Errorf("gateway/config: initial cert load: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("gateway/config: create watcher: %w", err)
	}
	for _, dir := range []string{parentDir(certPath), parentDir(keyPath)} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("gateway/config: watch %s: %w", dir, err)
		}
	}
	w.watcher = fsw

	return w, nil
}

// Start begins watching for certificate changes in the background.
func (w *CertWatcher) Start() {
	go w.loop()
}

// Stop releases the underlying fsnotify watcher.
func (w *CertWatcher) Stop() error {
	w.once.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return w.watcher.Close()
}

// GetCertificate implements tls.Config.GetCertificate.
func (w *CertWatcher) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := w.cert.Load()
	if cert == nil {
		return nil, fmt.Errorf("gateway/config: no certificate loaded")
	}
	return cert, nil
}

// TLSConfig returns a tls.Config that always serves the most recently
// loaded certificate.
func (w *CertWatcher) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: w.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

func (w *CertWatcher) reload() error {
	cert, err := tls.LoadX509KeyPair(w.certPath, w.keyPath)
	if err != nil {
		return err
	}
	w.cert.Store(&cert)
	return nil
}

func (w *CertWatcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.certPath && ev.Name != w.keyPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("certificate reload failed", "error", err)
				continue
			}
			w.logger.Info("certificate reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("cert watcher error", "error", err)
		}
	}
}
