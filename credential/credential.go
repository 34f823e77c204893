// Package credential defines the format-agnostic representation of a
// validated credential, the unit that verification policies operate on.
package credential

import "time"

type Format string

// https://openid.net/specs/openid-4-verifiable-presentations-1_0.html#appendix-B
const (
	FormatJWTVCJSON Format = "jwt_vc_json"
	FormatDCSDJWT   Format = "dc+sd-jwt"
	FormatMSOMdoc   Format = "mso_mdoc"
	FormatLDPVC     Format = "ldp_vc"
)

func (f Format) Known() bool {
	switch f {
	case FormatJWTVCJSON, FormatDCSDJWT, FormatMSOMdoc, FormatLDPVC:
		return true
	}
	return false
}

// DigitalCredential is a parsed, validated credential. Presentation
// validators produce these; policies consume them.
type DigitalCredential struct {
	Format Format `json:"format"`

	Issuer  string `json:"issuer,omitempty"`
	Subject string `json:"subject,omitempty"`

	// Claims holds the disclosed claims. For mso_mdoc credentials the keys
	// are "<namespace>/<elementIdentifier>".
	Claims map[string]interface{} `json:"claims,omitempty"`

	ValidFrom  *time.Time `json:"validFrom,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`

	// Raw is the presentation string the credential was extracted from.
	Raw string `json:"-"`
}
