package validator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/mdoc"
	"github.com/kokukuma/openid4vp-verifier/openid4vp"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

// MdocValidator verifies mso_mdoc presentations: a base64url CBOR
// DeviceResponse whose device signature is bound to the OpenID4VP session
// via the reconstructed session transcript.
type MdocValidator struct {
	verifier *mdoc.Verifier
}

func NewMdocValidator(v *mdoc.Verifier) *MdocValidator {
	return &MdocValidator{verifier: v}
}

func (m *MdocValidator) Validate(_ context.Context, req verifier.ValidationRequest) ([]*credential.DigitalCredential, error) {
	response, err := mdoc.ParseDeviceResponse(req.Presentation)
	if err != nil {
		return nil, err
	}
	if len(response.Documents) == 0 {
		return nil, errors.New("device response contains no documents")
	}

	transcript, err := openid4vp.SessionTranscript(req.Nonce, req.Audience, req.ResponseURI, "")
	if err != nil {
		return nil, errors.Wrap(err, "build session transcript")
	}

	creds := make([]*credential.DigitalCredential, 0, len(response.Documents))
	for _, doc := range response.Documents {
		doc := doc
		if err := m.verifier.Verify(&doc, transcript); err != nil {
			return nil, errors.Wrapf(err, "verify document %s", doc.DocType)
		}

		cred, err := documentToCredential(&doc, req.Presentation)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// documentToCredential flattens the issuer-signed namespaces into claims
// keyed "<namespace>/<element>".
func documentToCredential(doc *mdoc.Document, raw string) (*credential.DigitalCredential, error) {
	claims := map[string]interface{}{"doctype": string(doc.DocType)}
	for ns, items := range doc.IssuerSigned.NameSpaces {
		for _, itemBytes := range items {
			item, err := itemBytes.IssuerSignedItem()
			if err != nil {
				return nil, err
			}
			claims[string(ns)+"/"+string(item.ElementIdentifier)] = item.Value()
		}
	}

	cred := &credential.DigitalCredential{
		Format: credential.FormatMSOMdoc,
		Claims: claims,
		Raw:    raw,
	}

	if cert, err := doc.IssuerSigned.DocumentSigningCertificate(); err == nil {
		cred.Issuer = cert.Subject.CommonName
	}
	if mso, err := doc.IssuerSigned.MobileSecurityObject(); err == nil {
		info := mso.ValidityInfo
		if !info.ValidFrom.IsZero() {
			cred.ValidFrom = timePtr(info.ValidFrom)
		}
		if !info.ValidUntil.IsZero() {
			cred.ValidUntil = timePtr(info.ValidUntil)
		}
	}
	return cred, nil
}
