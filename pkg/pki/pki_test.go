package pki

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestMaterial(t *testing.T, dir string) (keyPath, certPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{
		Type: "EC PRIVATE KEY", Bytes: keyDER,
	}), 0o600))

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	certPath = filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{
		Type: "CERTIFICATE", Bytes: certDER,
	}), 0o644))

	return keyPath, certPath
}

func TestLoadECPrivateKey(t *testing.T) {
	dir := t.TempDir()
	keyPath, _ := writeTestMaterial(t, dir)

	key, err := LoadECPrivateKey(keyPath)
	require.NoError(t, err)
	assert.NotNil(t, key)

	_, err = LoadECPrivateKey(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}

func TestLoadCertificateAndChain(t *testing.T) {
	dir := t.TempDir()
	_, certPath := writeTestMaterial(t, dir)

	cert, err := LoadCertificate(certPath)
	require.NoError(t, err)
	assert.Equal(t, "test", cert.Subject.CommonName)

	chain, err := LoadCertificateChain(certPath)
	require.NoError(t, err)
	require.Len(t, chain, 1)

	encoded := ChainToBase64(chain)
	require.Len(t, encoded, 1)
	assert.NotEmpty(t, encoded[0])
}

func TestGetRootCertificates(t *testing.T) {
	dir := t.TempDir()
	writeTestMaterial(t, dir)

	// non-pem files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	roots, err := GetRootCertificates(dir)
	require.NoError(t, err)
	assert.NotNil(t, roots)

	_, err = GetRootCertificates(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
