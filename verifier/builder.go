package verifier

import (
	"crypto/ecdsa"
	"encoding/json"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kokukuma/openid4vp-verifier/dcql"
	"github.com/kokukuma/openid4vp-verifier/openid4vp"
)

// SetupCore carries the options shared by every flow variant.
type SetupCore struct {
	DCQLQuery         *dcql.Query       `json:"dcql_query"`
	SignedRequest     bool              `json:"signed_request,omitempty"`
	EncryptedResponse bool              `json:"encrypted_response,omitempty"`
	Reattemptable     bool              `json:"reattemptable,omitempty"`
	Policies          PolicyDescriptors `json:"policies,omitempty"`
	Notifications     *Notifications    `json:"notifications,omitempty"`
}

// CrossDeviceFlowSetup configures the request_uri + direct_post flow.
type CrossDeviceFlowSetup struct {
	SetupCore
	Redirects *Redirects `json:"redirects,omitempty"`
}

// DCAPIFlowSetup configures the browser Digital Credentials API flow.
type DCAPIFlowSetup struct {
	SetupCore
	ExpectedOrigins []string `json:"expected_origins,omitempty"`
}

// SessionSetup is the flow tagged union. Exactly one variant must be set.
type SessionSetup struct {
	CrossDevice *CrossDeviceFlowSetup
	DCAPI       *DCAPIFlowSetup
}

const (
	FlowCrossDevice = "cross_device_flow"
	FlowDCAPI       = "dc_api_flow"
)

// DecodeSetup parses a create-request body. The "flow" field selects the
// variant and defaults to the cross-device flow.
func DecodeSetup(raw []byte) (*SessionSetup, error) {
	var head struct {
		Flow string `json:"flow"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.Wrap(err, "decode session setup")
	}

	switch head.Flow {
	case "", FlowCrossDevice:
		var setup CrossDeviceFlowSetup
		if err := json.Unmarshal(raw, &setup); err != nil {
			return nil, errors.Wrap(err, "decode cross-device setup")
		}
		return &SessionSetup{CrossDevice: &setup}, nil
	case FlowDCAPI:
		var setup DCAPIFlowSetup
		if err := json.Unmarshal(raw, &setup); err != nil {
			return nil, errors.Wrap(err, "decode dc-api setup")
		}
		return &SessionSetup{DCAPI: &setup}, nil
	default:
		return nil, newConfigurationError("unknown flow %q", head.Flow)
	}
}

// NoExpiry disables the expiration date; sessions start ACTIVE instead of
// UNUSED.
const NoExpiry time.Duration = -1

// BuilderConfig carries the verifier identity and the session defaults.
type BuilderConfig struct {
	ClientID       string
	ClientMetadata *openid4vp.ClientMetadata

	// ExpiresIn defaults to 5 minutes; NoExpiry disables expiry.
	ExpiresIn time.Duration
	// RetainFor defaults to 10 years.
	RetainFor time.Duration

	Clock clock.Clock
}

// Builder assembles verification sessions. Aside from the signing call it is
// pure: it performs no store I/O.
type Builder struct {
	cfg      BuilderConfig
	resolver PolicyResolver

	key *ecdsa.PrivateKey
	x5c []string

	log *logrus.Entry
}

func NewBuilder(cfg BuilderConfig, resolver PolicyResolver, key *ecdsa.PrivateKey, x5c []string) *Builder {
	if cfg.ExpiresIn == 0 {
		cfg.ExpiresIn = 5 * time.Minute
	}
	if cfg.RetainFor == 0 {
		cfg.RetainFor = 10 * 365 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Builder{
		cfg:      cfg,
		resolver: resolver,
		key:      key,
		x5c:      x5c,
		log:      logrus.WithField("component", "session-builder"),
	}
}

// Build assembles a new session from the setup. urlPrefix is the absolute
// base of the per-session endpoints ({prefix}/{id}/request and
// {prefix}/{id}/response); urlHost is the wallet-facing authority the
// authorization request URLs are encoded against.
func (b *Builder) Build(setup *SessionSetup, urlPrefix, urlHost string) (*VerificationSession, error) {
	core, err := setup.core()
	if err != nil {
		return nil, err
	}

	if core.DCQLQuery == nil {
		return nil, &ValidationError{Err: errors.New("dcql_query is required")}
	}
	if err := core.DCQLQuery.Precheck(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	if (core.SignedRequest || core.EncryptedResponse) && b.key == nil {
		return nil, newConfigurationError("signed or encrypted flow requires a configured key")
	}

	if setup.DCAPI != nil {
		if urlPrefix != "" {
			return nil, newConfigurationError("dc-api flow does not use per-session endpoint urls")
		}
		if strings.HasPrefix(urlHost, "openid4vp://") {
			return nil, newConfigurationError("dc-api flow must not use the device-local url scheme")
		}
		if core.SignedRequest && len(setup.DCAPI.ExpectedOrigins) == 0 {
			return nil, newConfigurationError("signed dc-api flow requires expected_origins")
		}
	}

	policies, err := b.resolvePolicies(core.Policies)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	nonce := uuid.NewString()

	session := &VerificationSession{
		ID:            id,
		Reattemptable: core.Reattemptable,
		Notifications: core.Notifications,
		Policies:      policies,
	}

	full := &openid4vp.AuthorizationRequest{
		ResponseType:   openid4vp.ResponseTypeVPToken,
		ClientID:       b.cfg.ClientID,
		Nonce:          nonce,
		DCQLQuery:      core.DCQLQuery,
		ClientMetadata: b.cfg.ClientMetadata,
	}

	switch {
	case setup.CrossDevice != nil:
		full.State = uuid.NewString()
		full.ResponseURI = urlPrefix + "/" + id + "/response"
		if core.EncryptedResponse {
			full.ResponseMode = openid4vp.ResponseModeDirectPostJWT
		} else {
			full.ResponseMode = openid4vp.ResponseModeDirectPost
		}

		bootstrap := &openid4vp.AuthorizationRequest{
			ClientID:   b.cfg.ClientID,
			RequestURI: urlPrefix + "/" + id + "/request",
		}
		bootstrapURL, err := bootstrap.EncodeURL(urlHost)
		if err != nil {
			return nil, errors.Wrap(err, "encode bootstrap request url")
		}
		session.BootstrapAuthorizationRequest = bootstrap
		session.BootstrapAuthorizationRequestURL = bootstrapURL
		session.Redirects = setup.CrossDevice.Redirects

	case setup.DCAPI != nil:
		if core.EncryptedResponse {
			full.ResponseMode = openid4vp.ResponseModeDCAPIJWT
		} else {
			full.ResponseMode = openid4vp.ResponseModeDCAPI
		}
		if core.SignedRequest {
			full.ExpectedOrigins = setup.DCAPI.ExpectedOrigins
		}
	}

	fullURL, err := full.EncodeURL(urlHost)
	if err != nil {
		return nil, errors.Wrap(err, "encode authorization request url")
	}
	session.AuthorizationRequest = full
	session.AuthorizationRequestURL = fullURL

	now := b.cfg.Clock.Now()
	session.CreationDate = now
	session.RetentionDate = now.Add(b.cfg.RetainFor)
	if b.cfg.ExpiresIn != NoExpiry {
		exp := now.Add(b.cfg.ExpiresIn)
		session.ExpirationDate = &exp
	}

	if core.SignedRequest {
		exp := now.Add(5 * time.Minute)
		if session.ExpirationDate != nil {
			exp = *session.ExpirationDate
		}
		signed, err := openid4vp.SignRequestObject(full, b.key, b.x5c, now, exp)
		if err != nil {
			return nil, errors.Wrap(err, "sign authorization request")
		}
		session.SignedAuthorizationRequestJWT = signed
	}

	switch {
	case setup.DCAPI != nil:
		session.RequestMode = RequestModeDCAPI
	case core.SignedRequest:
		session.RequestMode = RequestModeRequestURISigned
	default:
		session.RequestMode = RequestModeRequestURI
	}

	if session.ExpirationDate != nil {
		session.Status = StatusUnused
	} else {
		session.Status = StatusActive
	}

	b.log.WithFields(logrus.Fields{
		"session_id":   id,
		"request_mode": session.RequestMode,
	}).Info("verification session assembled")

	return session, nil
}

func (s *SessionSetup) core() (*SetupCore, error) {
	switch {
	case s.CrossDevice != nil && s.DCAPI != nil:
		return nil, newConfigurationError("exactly one flow must be selected")
	case s.CrossDevice != nil:
		return &s.CrossDevice.SetupCore, nil
	case s.DCAPI != nil:
		return &s.DCAPI.SetupCore, nil
	default:
		return nil, newConfigurationError("no flow selected")
	}
}

func (b *Builder) resolvePolicies(descriptors PolicyDescriptors) (DefinedPolicies, error) {
	resolve := func(raws []json.RawMessage) ([]Policy, error) {
		policies := make([]Policy, 0, len(raws))
		for _, raw := range raws {
			if b.resolver == nil {
				return nil, newConfigurationError("policies configured but no policy resolver available")
			}
			policy, err := b.resolver.Resolve(raw)
			if err != nil {
				return nil, newConfigurationError("resolve policy: %v", err)
			}
			policies = append(policies, policy)
		}
		return policies, nil
	}

	vp, err := resolve(descriptors.VPPolicies)
	if err != nil {
		return DefinedPolicies{}, err
	}
	vc, err := resolve(descriptors.VCPolicies)
	if err != nil {
		return DefinedPolicies{}, err
	}
	specific := make(map[string][]Policy, len(descriptors.SpecificVCPolicies))
	for queryID, raws := range descriptors.SpecificVCPolicies {
		policies, err := resolve(raws)
		if err != nil {
			return DefinedPolicies{}, err
		}
		specific[queryID] = policies
	}
	return DefinedPolicies{VPPolicies: vp, VCPolicies: vc, SpecificVCPolicies: specific}, nil
}
