package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	entries [][]string
}

func (f *fakeTarget) SetEntries(entries []string) {
	cp := append([]string(nil), entries...)
	f.entries = append(f.entries, cp)
}

func (f *fakeTarget) last() []string {
	if len(f.entries) == 0 {
		return nil
	}
	return f.entries[len(f.entries)-1]
}

func TestAllowlistWatcherInitialLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.txt")
	require.NoError(t, os.WriteFile(path, []byte("git status\n# comment\nls -la\n"), 0o644))

	target := &fakeTarget{}
	w, err := NewAllowlistWatcher(path, []string{"echo"}, target, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.Equal(t, []string{"echo", "git status", "ls -la"}, target.last())
}

func TestAllowlistWatcherMissingFileIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.txt")

	target := &fakeTarget{}
	w, err := NewAllowlistWatcher(path, []string{"echo"}, target, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.Equal(t, []string{"echo"}, target.last())
}

func TestAllowlistWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.txt")
	require.NoError(t, os.WriteFile(path, []byte("git status\n"), 0o644))

	target := &fakeTarget{}
	w, err := NewAllowlistWatcher(path, nil, target, nil)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("git status\ngit log\n"), 0o644))

	require.Eventually(t, func() bool {
		last := target.last()
		return len(last) == 2 && last[1] == "git log"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCertWatcherLoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "first")

	w, err := NewCertWatcher(certPath, keyPath, nil)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	first, err := w.GetCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	writeSelfSignedCert(t, dir, "second")

	require.Eventually(t, func() bool {
		cur := w.cert.Load()
		return cur != nil && !cur.Leaf.Equal(first.Leaf)
	}, 3*time.Second, 20*time.Millisecond)
}

func writeSelfSignedCert(t *testing.T, dir, serial string) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sn := new(big.Int)
	sn.SetBytes([]byte(serial))
	if sn.Sign() == 0 {
		sn = big.NewInt(1)
	}

	template := x509.Certificate{
		SerialNumber: sn,
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "server.crt")
	keyPath = filepath.Join(dir, "server.key")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}
