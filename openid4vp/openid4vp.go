// Package openid4vp models the verifier side of the OpenID4VP authorization
// request.
//
// https://openid.net/specs/openid-4-verifiable-presentations-1_0.html
package openid4vp

import (
	"encoding/json"

	"github.com/kokukuma/openid4vp-verifier/dcql"
)

type ResponseType string

const ResponseTypeVPToken ResponseType = "vp_token"

type ResponseMode string

const (
	ResponseModeDirectPost    ResponseMode = "direct_post"
	ResponseModeDirectPostJWT ResponseMode = "direct_post.jwt"
	ResponseModeDCAPI         ResponseMode = "dc_api"
	ResponseModeDCAPIJWT      ResponseMode = "dc_api.jwt"
)

// AuthorizationRequest covers both the bootstrap request (client_id +
// request_uri only) and the full request, depending on which fields are set.
type AuthorizationRequest struct {
	ResponseType ResponseType `json:"response_type,omitempty"`
	ClientID     string       `json:"client_id,omitempty"`

	// RequestURI is set on bootstrap requests only: the wallet fetches the
	// full request (optionally as a signed JWT) by reference.
	RequestURI string `json:"request_uri,omitempty"`

	// ResponseURI is where the wallet posts the direct_post response.
	// Omitted for DC API flows.
	ResponseURI string `json:"response_uri,omitempty"`

	Nonce        string       `json:"nonce,omitempty"`
	State        string       `json:"state,omitempty"`
	ResponseMode ResponseMode `json:"response_mode,omitempty"`

	DCQLQuery      *dcql.Query     `json:"dcql_query,omitempty"`
	ClientMetadata *ClientMetadata `json:"client_metadata,omitempty"`

	// ExpectedOrigins is required for signed DC API requests.
	ExpectedOrigins []string `json:"expected_origins,omitempty"`
}

type ClientMetadata struct {
	ClientName         string                     `json:"client_name,omitempty"`
	LogoURI            string                     `json:"logo_uri,omitempty"`
	VPFormatsSupported map[string]json.RawMessage `json:"vp_formats_supported,omitempty"`

	JWKS *JWKS `json:"jwks,omitempty"`

	EncryptedResponseEncValuesSupported []string `json:"encrypted_response_enc_values_supported,omitempty"`
}

type JWKS struct {
	Keys []json.RawMessage `json:"keys"`
}
