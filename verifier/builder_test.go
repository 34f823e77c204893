package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/dcql"
	"github.com/kokukuma/openid4vp-verifier/openid4vp"
)

const (
	testClientID  = "x509_san_dns:verifier.example.com"
	testURLPrefix = "https://verifier.example.com/verification-session"
	testURLHost   = "openid4vp://authorize"
)

type staticPolicy struct {
	id  string
	err error
}

func (p staticPolicy) ID() string { return p.id }

func (p staticPolicy) Verify(_ context.Context, _ *credential.DigitalCredential) (interface{}, error) {
	if p.err != nil {
		return nil, p.err
	}
	return "ok", nil
}

// nameResolver resolves bare-string policy descriptors for tests.
type nameResolver map[string]Policy

func (r nameResolver) Resolve(raw json.RawMessage) (Policy, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return nil, err
	}
	policy, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown policy %q", name)
	}
	return policy, nil
}

func testQuery() *dcql.Query {
	return &dcql.Query{
		Credentials: []dcql.CredentialQuery{
			{ID: "pid", Format: credential.FormatDCSDJWT, Claims: []dcql.ClaimQuery{
				{Path: []interface{}{"family_name"}},
			}},
		},
	}
}

func testBuilder(t *testing.T, cfg BuilderConfig, key *ecdsa.PrivateKey) *Builder {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = testClientID
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewMock()
	}
	resolver := nameResolver{"always-pass": staticPolicy{id: "always-pass"}}
	return NewBuilder(cfg, resolver, key, nil)
}

func TestBuildCrossDeviceUnsigned(t *testing.T) {
	clk := clock.NewMock()
	builder := testBuilder(t, BuilderConfig{Clock: clk}, nil)

	setup := &SessionSetup{CrossDevice: &CrossDeviceFlowSetup{
		SetupCore: SetupCore{DCQLQuery: testQuery()},
		Redirects: &Redirects{SuccessRedirectURI: "https://rp.example.com/done"},
	}}

	session, err := builder.Build(setup, testURLPrefix, testURLHost)
	require.NoError(t, err)

	assert.Equal(t, StatusUnused, session.Status)
	assert.Equal(t, RequestModeRequestURI, session.RequestMode)
	assert.False(t, session.Attempted)
	assert.Empty(t, session.SignedAuthorizationRequestJWT)

	require.NotNil(t, session.BootstrapAuthorizationRequest)
	assert.Equal(t, testURLPrefix+"/"+session.ID+"/request", session.BootstrapAuthorizationRequest.RequestURI)
	assert.NotEmpty(t, session.BootstrapAuthorizationRequestURL)

	full := session.AuthorizationRequest
	require.NotNil(t, full)
	assert.Equal(t, openid4vp.ResponseTypeVPToken, full.ResponseType)
	assert.Equal(t, testClientID, full.ClientID)
	assert.Equal(t, testURLPrefix+"/"+session.ID+"/response", full.ResponseURI)
	assert.Equal(t, openid4vp.ResponseModeDirectPost, full.ResponseMode)
	assert.NotEmpty(t, full.Nonce)
	assert.NotEmpty(t, full.State)
	assert.NotEqual(t, full.Nonce, full.State)
	assert.NotEqual(t, session.ID, full.Nonce)

	require.NotNil(t, session.ExpirationDate)
	assert.Equal(t, clk.Now().Add(5*time.Minute), *session.ExpirationDate)
	assert.Equal(t, clk.Now().Add(10*365*24*time.Hour), session.RetentionDate)

	assert.Equal(t, "https://rp.example.com/done", session.Redirects.SuccessRedirectURI)
}

func TestBuildSignedRequiresKey(t *testing.T) {
	builder := testBuilder(t, BuilderConfig{}, nil)

	setup := &SessionSetup{CrossDevice: &CrossDeviceFlowSetup{
		SetupCore: SetupCore{DCQLQuery: testQuery(), SignedRequest: true},
	}}

	_, err := builder.Build(setup, testURLPrefix, testURLHost)
	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestBuildSignedRequest(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	builder := testBuilder(t, BuilderConfig{}, key)

	setup := &SessionSetup{CrossDevice: &CrossDeviceFlowSetup{
		SetupCore: SetupCore{DCQLQuery: testQuery(), SignedRequest: true},
	}}

	session, err := builder.Build(setup, testURLPrefix, testURLHost)
	require.NoError(t, err)

	assert.Equal(t, RequestModeRequestURISigned, session.RequestMode)
	require.NotEmpty(t, session.SignedAuthorizationRequestJWT)

	parsed, err := openid4vp.ParseRequestObject(session.SignedAuthorizationRequestJWT, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, session.AuthorizationRequest, parsed)
}

func TestBuildEncryptedRequiresKey(t *testing.T) {
	builder := testBuilder(t, BuilderConfig{}, nil)

	setup := &SessionSetup{CrossDevice: &CrossDeviceFlowSetup{
		SetupCore: SetupCore{DCQLQuery: testQuery(), EncryptedResponse: true},
	}}

	_, err := builder.Build(setup, testURLPrefix, testURLHost)
	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestBuildDCAPI(t *testing.T) {
	builder := testBuilder(t, BuilderConfig{}, nil)

	setup := &SessionSetup{DCAPI: &DCAPIFlowSetup{
		SetupCore: SetupCore{DCQLQuery: testQuery()},
	}}

	session, err := builder.Build(setup, "", "https://verifier.example.com")
	require.NoError(t, err)

	assert.Equal(t, RequestModeDCAPI, session.RequestMode)
	assert.Nil(t, session.BootstrapAuthorizationRequest)
	assert.Empty(t, session.AuthorizationRequest.State)
	assert.Empty(t, session.AuthorizationRequest.ResponseURI)
	assert.Equal(t, openid4vp.ResponseModeDCAPI, session.AuthorizationRequest.ResponseMode)
}

func TestBuildDCAPIConstraints(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	builder := testBuilder(t, BuilderConfig{}, key)

	cases := []struct {
		name      string
		setup     *SessionSetup
		urlPrefix string
		urlHost   string
	}{
		{
			name:      "url prefix not permitted",
			setup:     &SessionSetup{DCAPI: &DCAPIFlowSetup{SetupCore: SetupCore{DCQLQuery: testQuery()}}},
			urlPrefix: testURLPrefix,
			urlHost:   "https://verifier.example.com",
		},
		{
			name:    "device-local scheme not permitted",
			setup:   &SessionSetup{DCAPI: &DCAPIFlowSetup{SetupCore: SetupCore{DCQLQuery: testQuery()}}},
			urlHost: testURLHost,
		},
		{
			name: "signed requires expected origins",
			setup: &SessionSetup{DCAPI: &DCAPIFlowSetup{
				SetupCore: SetupCore{DCQLQuery: testQuery(), SignedRequest: true},
			}},
			urlHost: "https://verifier.example.com",
		},
		{
			name:    "no flow selected",
			setup:   &SessionSetup{},
			urlHost: "https://verifier.example.com",
		},
		{
			name: "two flows selected",
			setup: &SessionSetup{
				CrossDevice: &CrossDeviceFlowSetup{SetupCore: SetupCore{DCQLQuery: testQuery()}},
				DCAPI:       &DCAPIFlowSetup{SetupCore: SetupCore{DCQLQuery: testQuery()}},
			},
			urlHost: "https://verifier.example.com",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := builder.Build(tc.setup, tc.urlPrefix, tc.urlHost)
			var confErr *ConfigurationError
			assert.ErrorAs(t, err, &confErr)
		})
	}
}

func TestBuildPrecheckFailure(t *testing.T) {
	builder := testBuilder(t, BuilderConfig{}, nil)

	setup := &SessionSetup{CrossDevice: &CrossDeviceFlowSetup{
		SetupCore: SetupCore{DCQLQuery: &dcql.Query{}},
	}}

	_, err := builder.Build(setup, testURLPrefix, testURLHost)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestBuildNoExpiryStartsActive(t *testing.T) {
	builder := testBuilder(t, BuilderConfig{ExpiresIn: NoExpiry}, nil)

	setup := &SessionSetup{CrossDevice: &CrossDeviceFlowSetup{
		SetupCore: SetupCore{DCQLQuery: testQuery()},
	}}

	session, err := builder.Build(setup, testURLPrefix, testURLHost)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, session.Status)
	assert.Nil(t, session.ExpirationDate)
}

func TestBuildResolvesPolicies(t *testing.T) {
	builder := testBuilder(t, BuilderConfig{}, nil)

	setup := &SessionSetup{CrossDevice: &CrossDeviceFlowSetup{
		SetupCore: SetupCore{
			DCQLQuery: testQuery(),
			Policies: PolicyDescriptors{
				VCPolicies:         []json.RawMessage{json.RawMessage(`"always-pass"`)},
				SpecificVCPolicies: map[string][]json.RawMessage{"pid": {json.RawMessage(`"always-pass"`)}},
			},
		},
	}}

	session, err := builder.Build(setup, testURLPrefix, testURLHost)
	require.NoError(t, err)
	require.Len(t, session.Policies.VCPolicies, 1)
	assert.Equal(t, "always-pass", session.Policies.VCPolicies[0].ID())
	require.Len(t, session.Policies.SpecificVCPolicies["pid"], 1)
}

func TestBuildUnknownPolicy(t *testing.T) {
	builder := testBuilder(t, BuilderConfig{}, nil)

	setup := &SessionSetup{CrossDevice: &CrossDeviceFlowSetup{
		SetupCore: SetupCore{
			DCQLQuery: testQuery(),
			Policies:  PolicyDescriptors{VCPolicies: []json.RawMessage{json.RawMessage(`"nope"`)}},
		},
	}}

	_, err := builder.Build(setup, testURLPrefix, testURLHost)
	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestDecodeSetup(t *testing.T) {
	setup, err := DecodeSetup([]byte(`{"dcql_query":{"credentials":[{"id":"pid","format":"dc+sd-jwt"}]}}`))
	require.NoError(t, err)
	require.NotNil(t, setup.CrossDevice)
	assert.Nil(t, setup.DCAPI)

	setup, err = DecodeSetup([]byte(`{"flow":"dc_api_flow","dcql_query":{"credentials":[{"id":"pid","format":"dc+sd-jwt"}]},"expected_origins":["https://rp.example.com"]}`))
	require.NoError(t, err)
	require.NotNil(t, setup.DCAPI)
	assert.Equal(t, []string{"https://rp.example.com"}, setup.DCAPI.ExpectedOrigins)

	_, err = DecodeSetup([]byte(`{"flow":"same_device_flow"}`))
	assert.Error(t, err)

	_, err = DecodeSetup([]byte(`not json`))
	assert.Error(t, err)
}
