// Package pki loads the verifier's signing material and the trusted issuer
// roots from PEM files.
package pki

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func LoadECPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read private key %s", path)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, errors.Errorf("no EC PRIVATE KEY block in %s", path)
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse ec private key")
	}
	return key, nil
}

func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read certificate %s", path)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.Errorf("no CERTIFICATE block in %s", path)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}
	return cert, nil
}

// LoadCertificateChain reads every CERTIFICATE block from one PEM file, leaf
// first.
func LoadCertificateChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read certificate chain %s", path)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parse certificate")
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.Errorf("no certificates in %s", path)
	}
	return certs, nil
}

// ChainToBase64 encodes a certificate chain as standard-base64 DER, the form
// the x5c JOSE header carries.
func ChainToBase64(certs []*x509.Certificate) []string {
	encoded := make([]string, 0, len(certs))
	for _, cert := range certs {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(cert.Raw))
	}
	return encoded
}

// GetRootCertificates builds a cert pool from every .pem file in a
// directory. Unreadable files are skipped with a warning.
func GetRootCertificates(dir string) (*x509.CertPool, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read root certificate dir %s", dir)
	}

	roots := x509.NewCertPool()
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".pem") {
			continue
		}
		path := filepath.Join(dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logrus.WithError(err).WithField("file", path).Warn("skipping unreadable root certificate")
			continue
		}
		if ok := roots.AppendCertsFromPEM(data); !ok {
			logrus.WithField("file", path).Warn("no usable certificates in pem file")
		}
	}
	return roots, nil
}
