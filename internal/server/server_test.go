package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/openid4vp-verifier/credential"
	"github.com/kokukuma/openid4vp-verifier/notify"
	"github.com/kokukuma/openid4vp-verifier/policy"
	"github.com/kokukuma/openid4vp-verifier/verifier"
)

type validatorFunc func(ctx context.Context, req verifier.ValidationRequest) ([]*credential.DigitalCredential, error)

func (f validatorFunc) Validate(ctx context.Context, req verifier.ValidationRequest) ([]*credential.DigitalCredential, error) {
	return f(ctx, req)
}

func passValidator() validatorFunc {
	return func(_ context.Context, _ verifier.ValidationRequest) ([]*credential.DigitalCredential, error) {
		return []*credential.DigitalCredential{{Format: credential.FormatDCSDJWT}}, nil
	}
}

const createBody = `{
	"dcql_query": {
		"credentials": [
			{"id": "pid", "format": "dc+sd-jwt", "claims": [{"path": ["family_name"]}]}
		]
	}
}`

func newTestServer(t *testing.T, validator verifier.PresentationValidator) *Server {
	t.Helper()

	hub := notify.NewHub()
	store := verifier.NewMemoryStore(hub, clock.New())
	builder := verifier.NewBuilder(verifier.BuilderConfig{
		ClientID: "x509_san_dns:verifier.test",
	}, policy.NewRegistry(nil), nil, nil)
	handler := verifier.NewResponseHandler(store, validator, verifier.QueryFulfillmentChecker{}, 0)

	return New(store, builder, handler, hub,
		"https://verifier.test/verification-session", "openid4vp://authorize", "https://verifier.test")
}

func createSession(t *testing.T, ts *httptest.Server) (id, state string) {
	t.Helper()

	resp, err := http.Post(ts.URL+"/verification-session/create", "application/json", strings.NewReader(createBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created struct {
		SessionID                        string `json:"sessionId"`
		BootstrapAuthorizationRequestURL string `json:"bootstrapAuthorizationRequestUrl"`
		FullAuthorizationRequestURL      string `json:"fullAuthorizationRequestUrl"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)
	require.NotEmpty(t, created.BootstrapAuthorizationRequestURL)
	require.NotEmpty(t, created.FullAuthorizationRequestURL)

	info, err := http.Get(ts.URL + "/verification-session/" + created.SessionID + "/info")
	require.NoError(t, err)
	defer info.Body.Close()
	require.Equal(t, http.StatusOK, info.StatusCode)

	var session struct {
		Status               string `json:"status"`
		AuthorizationRequest struct {
			State string `json:"state"`
		} `json:"authorizationRequest"`
	}
	require.NoError(t, json.NewDecoder(info.Body).Decode(&session))
	require.Equal(t, "UNUSED", session.Status)
	require.NotEmpty(t, session.AuthorizationRequest.State)

	return created.SessionID, session.AuthorizationRequest.State
}

func postResponse(t *testing.T, ts *httptest.Server, id, vpToken, state string) *http.Response {
	t.Helper()
	form := url.Values{"vp_token": {vpToken}, "state": {state}}
	resp, err := http.PostForm(ts.URL+"/verification-session/"+id+"/response", form)
	require.NoError(t, err)
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestCreateAndInfo(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, passValidator()).Router())
	defer ts.Close()

	createSession(t, ts)

	resp, err := http.Get(ts.URL + "/verification-session/unknown/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsBadInput(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, passValidator()).Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/verification-session/create", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeError(t, resp))

	resp, err = http.Post(ts.URL+"/verification-session/create", "application/json", strings.NewReader(`{"dcql_query":{"credentials":[]}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", decodeError(t, resp))

	resp, err = http.Post(ts.URL+"/verification-session/create", "application/json", strings.NewReader(`{"flow":"warp_drive"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "configuration_error", decodeError(t, resp))
}

func TestRequestEndpointServesJSONRequest(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, passValidator()).Router())
	defer ts.Close()

	id, _ := createSession(t, ts)

	resp, err := http.Get(ts.URL + "/verification-session/" + id + "/request")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var request struct {
		ResponseType string `json:"response_type"`
		ClientID     string `json:"client_id"`
		ResponseMode string `json:"response_mode"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&request))
	assert.Equal(t, "vp_token", request.ResponseType)
	assert.Equal(t, "x509_san_dns:verifier.test", request.ClientID)
	assert.Equal(t, "direct_post", request.ResponseMode)
}

func TestResponseFlow(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, passValidator()).Router())
	defer ts.Close()

	id, state := createSession(t, ts)

	resp := postResponse(t, ts, id, `{"pid":["abc.def.ghi"]}`, state)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "received", body.Status)

	info, err := http.Get(ts.URL + "/verification-session/" + id + "/info")
	require.NoError(t, err)
	defer info.Body.Close()
	var session struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(info.Body).Decode(&session))
	assert.Equal(t, "SUCCESSFUL", session.Status)

	// terminal session rejects a replay
	replay := postResponse(t, ts, id, `{"pid":["abc.def.ghi"]}`, state)
	defer replay.Body.Close()
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode)
	assert.Equal(t, "session_already_processed", decodeError(t, replay))
}

func TestResponseProtocolErrors(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, passValidator()).Router())
	defer ts.Close()

	id, state := createSession(t, ts)

	resp := postResponse(t, ts, id, `{"pid":["abc"]}`, "wrong-state")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "state_mismatch", decodeError(t, resp))

	resp = postResponse(t, ts, id, `{"pid":["abc"]}`, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_state_parameter", decodeError(t, resp))

	resp = postResponse(t, ts, id, `not json`, state)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_vp_token", decodeError(t, resp))

	resp = postResponse(t, ts, "unknown-session", `{"pid":["abc"]}`, state)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_state_parameter", decodeError(t, resp))
}

func TestEventsStream(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, passValidator()).Router())
	defer ts.Close()

	id, state := createSession(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/verification-session/"+id+"/events", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	events := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(stream.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
	}()

	resp := postResponse(t, ts, id, `{"pid":["abc"]}`, state)
	resp.Body.Close()

	want := []string{"attempted_presentation", "validated_credentials_available", "policy_results_available"}
	for _, expected := range want {
		select {
		case event := <-events:
			assert.Equal(t, expected, event)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %q", expected)
		}
	}

	missing, err := http.Get(ts.URL + "/verification-session/unknown/events")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}
