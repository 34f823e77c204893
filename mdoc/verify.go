package mdoc

import (
	"bytes"
	"crypto/x509"
	"time"

	"github.com/pkg/errors"
	"github.com/veraison/go-cose"
)

type VerifierOption func(*Verifier)

// AllowSelfSignedCert adds the document's own chain to the trust roots.
// Only for development against wallets without a real IACA certificate.
func AllowSelfSignedCert() VerifierOption {
	return func(v *Verifier) { v.allowSelfSignedCert = true }
}

func WithCurrentTime(now time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

func SkipVerifyCertificate() VerifierOption {
	return func(v *Verifier) { v.skipVerifyCertificate = true }
}

func SkipVerifyDeviceSigned() VerifierOption {
	return func(v *Verifier) { v.skipVerifyDeviceSigned = true }
}

func SkipValidityCheck() VerifierOption {
	return func(v *Verifier) { v.skipValidityCheck = true }
}

// Verifier checks mdoc documents against the ISO 18013-5 inspection
// procedures for issuer data authentication and mdoc authentication.
type Verifier struct {
	roots *x509.CertPool

	allowSelfSignedCert    bool
	skipVerifyCertificate  bool
	skipVerifyDeviceSigned bool
	skipValidityCheck      bool

	now time.Time
}

func NewVerifier(roots *x509.CertPool, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		roots: roots,
		now:   time.Now(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the full inspection procedure for one document. The session
// transcript must be the CBOR structure the wallet bound its device
// signature to.
func (v *Verifier) Verify(doc *Document, sessionTranscript []byte) error {
	mso, err := doc.IssuerSigned.MobileSecurityObject()
	if err != nil {
		return errors.Wrap(err, "get mobile security object")
	}

	// 9.1.3 mdoc authentication
	if err := v.verifyDeviceSigned(mso, doc, sessionTranscript); err != nil {
		return errors.Wrap(err, "verify device signature")
	}

	// 9.3.1 step 1: validate the DS certificate chain
	if err := v.verifyCertificate(&doc.IssuerSigned); err != nil {
		return errors.Wrap(err, "verify document signing certificate")
	}

	// step 2: issuer auth signature with the DS public key
	if err := verifyIssuerAuth(&doc.IssuerSigned); err != nil {
		return errors.Wrap(err, "verify issuer auth")
	}

	// step 3: recompute every IssuerSignedItem digest against the MSO
	if err := verifyDigests(&doc.IssuerSigned, mso); err != nil {
		return errors.Wrap(err, "verify digests")
	}

	// step 4: doc type consistency
	if doc.DocType != mso.DocType {
		return errors.Errorf("docType mismatch: document=%s mso=%s", doc.DocType, mso.DocType)
	}

	// step 5: validity info
	if err := v.checkValidity(mso, doc); err != nil {
		return errors.Wrap(err, "check validity info")
	}
	return nil
}

func (v *Verifier) verifyDeviceSigned(mso *MobileSecurityObject, doc *Document, sessionTranscript []byte) error {
	if v.skipVerifyDeviceSigned {
		return nil
	}

	authBytes, err := doc.DeviceSigned.DeviceAuthenticationBytes(doc.DocType, sessionTranscript)
	if err != nil {
		return err
	}
	alg, err := doc.DeviceSigned.Alg()
	if err != nil {
		return err
	}
	deviceKey, err := mso.DeviceKey()
	if err != nil {
		return err
	}

	verifier, err := cose.NewVerifier(alg, deviceKey)
	if err != nil {
		return errors.Wrap(err, "create cose verifier")
	}

	// COSE_Sign1 with detached payload
	doc.DeviceSigned.DeviceAuth.DeviceSignature.Payload = authBytes
	return doc.DeviceSigned.DeviceAuth.DeviceSignature.Verify(nil, verifier)
}

func (v *Verifier) verifyCertificate(issuerSigned *IssuerSigned) error {
	if v.skipVerifyCertificate {
		return nil
	}

	certs, err := issuerSigned.DocumentSigningCertificateChain()
	if err != nil {
		return err
	}

	roots := v.roots
	if roots == nil {
		roots = x509.NewCertPool()
	}
	if v.allowSelfSignedCert {
		for _, cert := range certs {
			roots.AddCert(cert)
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	_, err = certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   v.now,
	})
	return errors.Wrap(err, "verify certificate chain")
}

func verifyIssuerAuth(issuerSigned *IssuerSigned) error {
	alg, err := issuerSigned.Alg()
	if err != nil {
		return err
	}
	key, err := issuerSigned.DocumentSigningKey()
	if err != nil {
		return err
	}
	verifier, err := cose.NewVerifier(alg, key)
	if err != nil {
		return errors.Wrap(err, "create cose verifier")
	}
	return issuerSigned.IssuerAuth.Verify(nil, verifier)
}

func verifyDigests(issuerSigned *IssuerSigned, mso *MobileSecurityObject) error {
	for ns, items := range issuerSigned.NameSpaces {
		digestIDs, ok := mso.ValueDigests[ns]
		if !ok {
			return errors.Errorf("no value digests for namespace %s", ns)
		}

		for _, itemBytes := range items {
			item, err := itemBytes.IssuerSignedItem()
			if err != nil {
				return err
			}
			expected, ok := digestIDs[item.DigestID]
			if !ok {
				return errors.Errorf("no digest for id %d in namespace %s", item.DigestID, ns)
			}
			calculated, err := itemBytes.Digest(mso.DigestAlgorithm)
			if err != nil {
				return err
			}
			if !bytes.Equal(expected, calculated) {
				return errors.Errorf("digest mismatch for id %d in namespace %s", item.DigestID, ns)
			}
		}
	}
	return nil
}

func (v *Verifier) checkValidity(mso *MobileSecurityObject, doc *Document) error {
	if v.skipValidityCheck {
		return nil
	}

	cert, err := doc.IssuerSigned.DocumentSigningCertificate()
	if err != nil {
		return err
	}
	info := mso.ValidityInfo
	if info.Signed.Before(cert.NotBefore) || info.Signed.After(cert.NotAfter) {
		return errors.Errorf("mso signed date %s outside certificate validity", info.Signed)
	}
	if v.now.Before(info.ValidFrom) {
		return errors.Errorf("mso not valid before %s", info.ValidFrom)
	}
	if v.now.After(info.ValidUntil) {
		return errors.Errorf("mso expired at %s", info.ValidUntil)
	}
	return nil
}
