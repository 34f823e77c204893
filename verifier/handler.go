package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/dcql"
)

// ValidationRequest carries one presentation string plus everything the
// format-specific validator needs to verify signature and holder binding.
type ValidationRequest struct {
	Presentation string
	Format       credential.Format

	// Audience is the verifier's client id; Nonce and ResponseURI come from
	// the session's authorization request.
	Audience    string
	Nonce       string
	ResponseURI string

	Claims []dcql.ClaimQuery
}

// PresentationValidator performs format-specific verification of one
// presentation and returns the credentials it contains.
type PresentationValidator interface {
	Validate(ctx context.Context, req ValidationRequest) ([]*credential.DigitalCredential, error)
}

// FulfillmentChecker decides whether the set of satisfied query ids fulfills
// the declarative query's required/alternative set logic.
type FulfillmentChecker interface {
	Fulfilled(query *dcql.Query, satisfiedQueryIDs []string) bool
}

// QueryFulfillmentChecker evaluates fulfillment with the dcql package's
// credential-set rules.
type QueryFulfillmentChecker struct{}

func (QueryFulfillmentChecker) Fulfilled(query *dcql.Query, satisfiedQueryIDs []string) bool {
	return dcql.Fulfilled(query, satisfiedQueryIDs)
}

// DirectPostResponse is the body returned to the wallet after a direct_post.
type DirectPostResponse struct {
	RedirectURI string `json:"redirect_uri,omitempty"`
	Status      string `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
}

// ResponseHandler drives a posted vp_token through validation, fulfillment
// and policy evaluation, committing each stage to the store.
type ResponseHandler struct {
	store       Store
	validator   PresentationValidator
	fulfillment FulfillmentChecker

	// stageTimeout bounds each validator call; validators may perform I/O
	// such as issuer key fetches.
	stageTimeout time.Duration

	log *logrus.Entry
}

func NewResponseHandler(store Store, validator PresentationValidator, fulfillment FulfillmentChecker, stageTimeout time.Duration) *ResponseHandler {
	if stageTimeout == 0 {
		stageTimeout = 30 * time.Second
	}
	return &ResponseHandler{
		store:        store,
		validator:    validator,
		fulfillment:  fulfillment,
		stageTimeout: stageTimeout,
		log:          logrus.WithField("component", "response-handler"),
	}
}

// HandleResponse processes the wallet's direct_post for the given session.
// Fatal conditions surface as *ProtocolError; the returned response is what
// the wallet receives on success.
func (h *ResponseHandler) HandleResponse(ctx context.Context, sessionID, vpTokenJSON, receivedState string) (*DirectPostResponse, error) {
	if receivedState == "" {
		return nil, ErrMissingStateParameter
	}

	session, err := h.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrInvalidStateParameter
		}
		return nil, err
	}

	log := h.log.WithField("session_id", session.ID)

	if receivedState != session.AuthorizationRequest.State {
		log.Warn("received state does not match session state")
		return nil, ErrStateMismatch
	}
	if session.Status.Terminal() {
		return nil, ErrSessionAlreadyProcessed
	}
	if session.Attempted && !session.Reattemptable {
		return nil, ErrReattemptNotAllowed
	}

	vpToken := map[string][]string{}
	if err := json.Unmarshal([]byte(vpTokenJSON), &vpToken); err != nil {
		log.WithError(err).Warn("malformed vp_token")
		return nil, ErrMalformedVPToken
	}

	session, err = h.store.Update(ctx, session.ID, EventAttemptedPresentation, func(s *VerificationSession) {
		s.Attempted = true
		s.Status = StatusInUse
		s.PresentedRawData = &PresentedRawData{VPToken: vpToken, State: receivedState}
	})
	if err != nil {
		if errors.Is(err, ErrTerminalState) {
			return nil, ErrSessionAlreadyProcessed
		}
		return nil, err
	}

	validated, valid := h.validate(ctx, log, session, vpToken)

	session, err = h.store.Update(ctx, session.ID, EventValidatedCredentialsAvailable, func(s *VerificationSession) {
		s.PresentedCredentials = validated
	})
	if err != nil {
		return nil, err
	}

	if !valid {
		if _, err := h.store.Update(ctx, session.ID, EventPresentationValidationFailed, func(s *VerificationSession) {
			s.Status = StatusFailed
		}); err != nil {
			return nil, err
		}
		return nil, ErrPresentationValidationFailed
	}

	satisfied := make([]string, 0, len(validated))
	for queryID, creds := range validated {
		if len(creds) > 0 {
			satisfied = append(satisfied, queryID)
		}
	}
	sort.Strings(satisfied)

	if !h.fulfillment.Fulfilled(session.AuthorizationRequest.DCQLQuery, satisfied) {
		log.WithField("satisfied", satisfied).Warn("dcql query not fulfilled")
		if _, err := h.store.Update(ctx, session.ID, EventDCQLFulfillmentCheckFailed, func(s *VerificationSession) {
			s.Status = StatusFailed
		}); err != nil {
			return nil, err
		}
		return nil, ErrRequiredCredentialsNotProvided
	}

	results := runPolicies(ctx, session.Policies, validated)

	session, err = h.store.Update(ctx, session.ID, EventPolicyResultsAvailable, func(s *VerificationSession) {
		s.PolicyResults = results
		if results.OverallSuccess {
			s.Status = StatusSuccessful
		} else {
			s.Status = StatusFailed
		}
	})
	if err != nil {
		return nil, err
	}

	log.WithField("status", session.Status).Info("verification session processed")

	if session.Redirects != nil && session.Redirects.SuccessRedirectURI != "" {
		return &DirectPostResponse{RedirectURI: session.Redirects.SuccessRedirectURI}, nil
	}
	return &DirectPostResponse{
		Status:  "received",
		Message: "Presentation received and is being processed.",
	}, nil
}

// validate runs the per-query validation loop. Unknown query ids and empty
// item lists are skipped; a failing item marks the whole response invalid
// and stops processing of further query ids.
func (h *ResponseHandler) validate(ctx context.Context, log *logrus.Entry, session *VerificationSession, vpToken map[string][]string) (map[string][]*credential.DigitalCredential, bool) {
	query := session.AuthorizationRequest.DCQLQuery

	queryIDs := make([]string, 0, len(vpToken))
	for queryID := range vpToken {
		queryIDs = append(queryIDs, queryID)
	}
	sort.Strings(queryIDs)

	validated := map[string][]*credential.DigitalCredential{}
	valid := true

	for _, queryID := range queryIDs {
		items := vpToken[queryID]

		credQuery, ok := query.CredentialQuery(queryID)
		if !ok {
			log.WithField("query_id", queryID).Warn("vp_token references unknown query id, skipping")
			continue
		}
		if len(items) == 0 {
			continue
		}
		if !credQuery.Multiple && len(items) > 1 {
			log.WithField("query_id", queryID).Warn("multiple presentations for single-valued query, using the first")
			items = items[:1]
		}

		for _, item := range items {
			creds, err := h.validateOne(ctx, session, credQuery, item)
			if err != nil {
				log.WithField("query_id", queryID).WithError(err).Error("presentation validation failed")
				valid = false
				continue
			}
			validated[queryID] = append(validated[queryID], creds...)
		}

		if !valid {
			break
		}
	}

	return validated, valid
}

func (h *ResponseHandler) validateOne(ctx context.Context, session *VerificationSession, credQuery *dcql.CredentialQuery, presentation string) ([]*credential.DigitalCredential, error) {
	vctx, cancel := context.WithTimeout(ctx, h.stageTimeout)
	defer cancel()

	return h.validator.Validate(vctx, ValidationRequest{
		Presentation: presentation,
		Format:       credQuery.Format,
		Audience:     session.AuthorizationRequest.ClientID,
		Nonce:        session.AuthorizationRequest.Nonce,
		ResponseURI:  session.AuthorizationRequest.ResponseURI,
		Claims:       credQuery.Claims,
	})
}
