// Package cryptoroot generates an ephemeral signing key and certificate
// chain for JAR request objects when no signing material is configured.
package cryptoroot

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// GenECDSAKeys returns a fresh P-256 signing key plus its certificate chain
// (end entity first, then the root) as standard-base64 DER, ready for an
// x5c header.
func GenECDSAKeys(dnsName string) (*ecdsa.PrivateKey, []string, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate root key")
	}
	rootCert, rootDER, err := createRootCertificate(rootKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create root certificate")
	}

	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate signing key")
	}
	_, leafDER, err := createEndEntityCertificate(signingKey, rootCert, rootKey, dnsName)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create end-entity certificate")
	}

	chain := []string{
		base64.StdEncoding.EncodeToString(leafDER),
		base64.StdEncoding.EncodeToString(rootDER),
	}
	return signingKey, chain, nil
}

func createRootCertificate(key *ecdsa.PrivateKey) (*x509.Certificate, []byte, error) {
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "OpenID4VP Verifier Root CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		SubjectKeyId:          keyID(&key.PublicKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, der, nil
}

func createEndEntityCertificate(key *ecdsa.PrivateKey, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, dnsName string) (*x509.Certificate, []byte, error) {
	template := x509.Certificate{
		SerialNumber:   big.NewInt(2),
		Subject:        pkix.Name{CommonName: "OpenID4VP Verifier"},
		NotBefore:      time.Now(),
		NotAfter:       time.Now().AddDate(1, 0, 0),
		KeyUsage:       x509.KeyUsageDigitalSignature,
		ExtKeyUsage:    []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		SubjectKeyId:   keyID(&key.PublicKey),
		AuthorityKeyId: keyID(&parentKey.PublicKey),
	}
	if dnsName != "" {
		template.DNSNames = []string{dnsName}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, der, nil
}

func keyID(pub *ecdsa.PublicKey) []byte {
	sum := sha1.Sum(elliptic.Marshal(pub.Curve, pub.X, pub.Y))
	return sum[:]
}
