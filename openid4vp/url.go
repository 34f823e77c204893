package openid4vp

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/kokukuma/openid4vp-verifier/dcql"
)

// EncodeURL serializes the request onto a wallet invocation URL. host is the
// scheme prefix the wallet understands, e.g. "openid4vp://authorize" for
// cross-device flows or the verifier origin for DC API.
func (a *AuthorizationRequest) EncodeURL(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("failed to parse url host %q: %w", host, err)
	}

	values := url.Values{}
	setIfNotEmpty := func(key, value string) {
		if value != "" {
			values.Set(key, value)
		}
	}
	setIfNotEmpty("response_type", string(a.ResponseType))
	setIfNotEmpty("client_id", a.ClientID)
	setIfNotEmpty("request_uri", a.RequestURI)
	setIfNotEmpty("response_uri", a.ResponseURI)
	setIfNotEmpty("nonce", a.Nonce)
	setIfNotEmpty("state", a.State)
	setIfNotEmpty("response_mode", string(a.ResponseMode))

	if a.DCQLQuery != nil {
		b, err := json.Marshal(a.DCQLQuery)
		if err != nil {
			return "", fmt.Errorf("failed to marshal dcql_query: %w", err)
		}
		values.Set("dcql_query", string(b))
	}
	if a.ClientMetadata != nil {
		b, err := json.Marshal(a.ClientMetadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal client_metadata: %w", err)
		}
		values.Set("client_metadata", string(b))
	}
	if len(a.ExpectedOrigins) > 0 {
		b, err := json.Marshal(a.ExpectedOrigins)
		if err != nil {
			return "", fmt.Errorf("failed to marshal expected_origins: %w", err)
		}
		values.Set("expected_origins", string(b))
	}

	u.RawQuery = values.Encode()
	return u.String(), nil
}

// ParseRequestURL decodes a wallet invocation URL produced by EncodeURL back
// into the request object.
func ParseRequestURL(raw string) (*AuthorizationRequest, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse request url: %w", err)
	}
	values := u.Query()

	a := &AuthorizationRequest{
		ResponseType: ResponseType(values.Get("response_type")),
		ClientID:     values.Get("client_id"),
		RequestURI:   values.Get("request_uri"),
		ResponseURI:  values.Get("response_uri"),
		Nonce:        values.Get("nonce"),
		State:        values.Get("state"),
		ResponseMode: ResponseMode(values.Get("response_mode")),
	}

	if raw := values.Get("dcql_query"); raw != "" {
		var q dcql.Query
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dcql_query: %w", err)
		}
		a.DCQLQuery = &q
	}
	if raw := values.Get("client_metadata"); raw != "" {
		var cm ClientMetadata
		if err := json.Unmarshal([]byte(raw), &cm); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client_metadata: %w", err)
		}
		a.ClientMetadata = &cm
	}
	if raw := values.Get("expected_origins"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.ExpectedOrigins); err != nil {
			return nil, fmt.Errorf("failed to unmarshal expected_origins: %w", err)
		}
	}

	return a, nil
}
