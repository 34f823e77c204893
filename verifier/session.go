// Package verifier implements the OpenID4VP verification session engine:
// the session entity and its state machine, the request builder, the
// concurrency-safe session store and the direct_post response handler.
package verifier

import (
	"time"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/openid4vp"
)

// Status is the lifecycle state of a verification session.
type Status string

const (
	// StatusUnused: created with an expiration and not used yet.
	StatusUnused Status = "UNUSED"
	// StatusActive: created without an expiration and not used yet.
	StatusActive Status = "ACTIVE"
	// StatusInUse: a presentation was posted and is being handled.
	StatusInUse Status = "IN_USE"
	// StatusProcessingFlow: the received presentation is inside the
	// validation/policy pipeline.
	StatusProcessingFlow Status = "PROCESSING_FLOW"
	// StatusExpired: the session passed its expiration without being used.
	StatusExpired Status = "EXPIRED"
	// StatusSuccessful: validation, fulfillment and all policies passed.
	StatusSuccessful Status = "SUCCESSFUL"
	// StatusFailed: validation, fulfillment or a policy failed.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether no further event may mutate a session in this
// status.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusSuccessful, StatusFailed:
		return true
	}
	return false
}

// Event identifies a committed session mutation. Every event is pushed to
// the notification sinks together with a session snapshot.
type Event string

const (
	EventSessionCreated                Event = "session_created"
	EventAttemptedPresentation         Event = "attempted_presentation"
	EventValidatedCredentialsAvailable Event = "validated_credentials_available"
	EventPresentationValidationFailed  Event = "presentation_validation_failed"
	EventDCQLFulfillmentCheckFailed    Event = "dcql_fulfillment_check_failed"
	EventPolicyResultsAvailable        Event = "policy_results_available"
	EventSessionExpired                Event = "session_expired"
)

// RequestMode describes how the wallet must fetch and interpret the
// authorization request.
type RequestMode string

const (
	// RequestModeURLEncoded: all parameters in the query string, unsigned.
	RequestModeURLEncoded RequestMode = "URL_ENCODED"
	// RequestModeURLEncodedSigned: signed request by value.
	RequestModeURLEncodedSigned RequestMode = "URL_ENCODED_SIGNED"
	// RequestModeRequestURI: unsigned request by reference.
	RequestModeRequestURI RequestMode = "REQUEST_URI"
	// RequestModeRequestURISigned: signed request by reference.
	RequestModeRequestURISigned RequestMode = "REQUEST_URI_SIGNED"
	// RequestModeDCAPI: request object passed to a platform API.
	RequestModeDCAPI RequestMode = "DC_API"
)

// PresentedRawData is the raw wallet response, recorded before any
// validation happens.
type PresentedRawData struct {
	VPToken map[string][]string `json:"vp_token"`
	State   string              `json:"state,omitempty"`
}

type Redirects struct {
	SuccessRedirectURI string `json:"success_redirect_uri,omitempty"`
	ErrorRedirectURI   string `json:"error_redirect_uri,omitempty"`
}

type Notifications struct {
	Webhook *WebhookNotification `json:"webhook,omitempty"`
}

type WebhookNotification struct {
	URL           string `json:"url"`
	BasicAuthUser string `json:"basicAuthUser,omitempty"`
	BasicAuthPass string `json:"basicAuthPass,omitempty"`
	BearerToken   string `json:"bearerToken,omitempty"`
}

// VerificationSession is the aggregate root of a single verification flow.
// It is owned by the Store: after creation all mutation goes through
// Store.Update.
type VerificationSession struct {
	ID string `json:"id"`

	CreationDate time.Time `json:"creationDate"`

	// ExpirationDate only applies while the session is unattempted; once a
	// presentation was posted the session survives until RetentionDate.
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
	RetentionDate  time.Time  `json:"retentionDate"`

	Status    Status `json:"status"`
	Attempted bool   `json:"attempted"`

	// Reattemptable controls whether a second response may be posted to a
	// session that was already attempted but is not terminal yet.
	Reattemptable bool `json:"reattemptable"`

	Notifications *Notifications `json:"notifications,omitempty"`

	// Bootstrap request, present for reference-by-URL (non DC API) flows.
	BootstrapAuthorizationRequest    *openid4vp.AuthorizationRequest `json:"bootstrapAuthorizationRequest,omitempty"`
	BootstrapAuthorizationRequestURL string                          `json:"bootstrapAuthorizationRequestUrl,omitempty"`

	AuthorizationRequest    *openid4vp.AuthorizationRequest `json:"authorizationRequest"`
	AuthorizationRequestURL string                          `json:"authorizationRequestUrl"`

	SignedAuthorizationRequestJWT string `json:"signedAuthorizationRequestJwt,omitempty"`

	RequestMode RequestMode `json:"requestMode"`

	Policies      DefinedPolicies `json:"policies"`
	PolicyResults *PolicyResults  `json:"policyResults,omitempty"`

	Redirects *Redirects `json:"redirects,omitempty"`

	PresentedRawData     *PresentedRawData                           `json:"presentedRawData,omitempty"`
	PresentedCredentials map[string][]*credential.DigitalCredential `json:"presentedCredentials,omitempty"`
}

// Expirable reports whether the session should transition to EXPIRED at the
// given time.
func (s *VerificationSession) Expirable(now time.Time) bool {
	if s.Attempted || s.Status.Terminal() || s.ExpirationDate == nil {
		return false
	}
	return now.After(*s.ExpirationDate)
}

// Clone returns a snapshot safe to hand out to readers and notification
// sinks while the store keeps mutating the original.
func (s *VerificationSession) Clone() *VerificationSession {
	c := *s
	if s.PresentedRawData != nil {
		raw := *s.PresentedRawData
		raw.VPToken = make(map[string][]string, len(s.PresentedRawData.VPToken))
		for k, v := range s.PresentedRawData.VPToken {
			raw.VPToken[k] = append([]string(nil), v...)
		}
		c.PresentedRawData = &raw
	}
	if s.PresentedCredentials != nil {
		c.PresentedCredentials = make(map[string][]*credential.DigitalCredential, len(s.PresentedCredentials))
		for k, v := range s.PresentedCredentials {
			c.PresentedCredentials[k] = append([]*credential.DigitalCredential(nil), v...)
		}
	}
	return &c
}
