package validator

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/mdoc"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

func base64urlNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func TestMdocValidatorRejectsGarbage(t *testing.T) {
	v := NewMdocValidator(mdoc.NewVerifier(nil))

	_, err := v.Validate(context.Background(), verifier.ValidationRequest{
		Presentation: "!!! not base64url !!!",
		Format:       credential.FormatMSOMdoc,
	})
	assert.Error(t, err)
}

func TestMdocValidatorRejectsEmptyResponse(t *testing.T) {
	v := NewMdocValidator(mdoc.NewVerifier(nil))

	raw, err := cbor.Marshal(mdoc.DeviceResponse{Version: "1.0"})
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), verifier.ValidationRequest{
		Presentation: base64urlNoPad(raw),
		Format:       credential.FormatMSOMdoc,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no documents")
}

func TestDocumentToCredential(t *testing.T) {
	item, err := cbor.Marshal(mdoc.IssuerSignedItem{
		DigestID:          1,
		Random:            []byte("0123456789abcdef"),
		ElementIdentifier: "family_name",
		ElementValue:      "Mustermann",
	})
	require.NoError(t, err)

	doc := &mdoc.Document{
		DocType: "org.iso.18013.5.1.mDL",
		IssuerSigned: mdoc.IssuerSigned{
			NameSpaces: mdoc.IssuerNameSpaces{
				"org.iso.18013.5.1": {mdoc.IssuerSignedItemBytes(item)},
			},
		},
	}

	cred, err := documentToCredential(doc, "raw-presentation")
	require.NoError(t, err)
	assert.Equal(t, credential.FormatMSOMdoc, cred.Format)
	assert.Equal(t, "org.iso.18013.5.1.mDL", cred.Claims["doctype"])
	assert.Equal(t, "Mustermann", cred.Claims["org.iso.18013.5.1/family_name"])
	assert.Equal(t, "raw-presentation", cred.Raw)
}
