package enforcement

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/noticeguard/pkg/httputil"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/policy"
)

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCode(OutcomeGranted))
	assert.Equal(t, http.StatusAccepted, StatusCode(OutcomePendingApproval))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(OutcomeUnauthenticated))
	assert.Equal(t, http.StatusForbidden, StatusCode(OutcomeDenied))
	assert.Equal(t, http.StatusForbidden, StatusCode(OutcomeReplayDetected))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(OutcomeSystemError))
}

func TestRequestFromHTTP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/notices", nil)
	r.RemoteAddr = "192.0.2.10:51234"
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	r.Header.Set(httputil.ForwardedForHeader, "198.51.100.7, 10.0.0.1")
	r.Header.Set(httputil.DeviceSignatureHeader, "ios-17")

	req := RequestFromHTTP(r, false)
	assert.Equal(t, "abc.def.ghi", req.Credential)
	assert.Equal(t, "192.0.2.10", req.OriginIP)
	assert.Equal(t, "ios-17", req.DeviceSignature)

	assert.Equal(t, "198.51.100.7", RequestFromHTTP(r, true).OriginIP)
}

func TestMiddleware(t *testing.T) {
	env := setup(t, Config{})

	var seen *Decision
	router := mux.NewRouter()
	router.Use(httputil.RequestIDMiddleware(observability.NewNopLogger()))
	router.Handle("/notices/{level}", env.interceptor.Middleware(NewRule(policy.LevelRegular, policy.ScopeClass))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = DecisionFromContext(r.Context())
			claims := ClaimsFromContext(r.Context())
			_ = httputil.WriteJSON(w, http.StatusCreated, map[string]string{"author": claims.SubjectID})
		}),
	)).Methods(http.MethodPost)
	router.Handle("/urgent", env.interceptor.Middleware(NewRule(policy.LevelEmergency, policy.ScopeSchool))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}),
	)).Methods(http.MethodPost)

	do := func(path, credential string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, path, nil)
		if credential != "" {
			r.Header.Set("Authorization", "Bearer "+credential)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, r)
		return rr
	}
	decode := func(t *testing.T, rr *httptest.ResponseRecorder) DenialResponse {
		t.Helper()
		var body DenialResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		return body
	}

	t.Run("granted", func(t *testing.T) {
		rr := do("/notices/3", requestFor(t, "teacher.wang").Credential)
		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.JSONEq(t, `{"author":"teacher.wang"}`, rr.Body.String())
		require.NotNil(t, seen)
		assert.Equal(t, OutcomeGranted, seen.Outcome)
		assert.Equal(t, rr.Header().Get(httputil.RequestIDHeader), seen.RequestID)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rr := do("/notices/3", "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, CodeAuthMissing, body.Code)
		assert.Equal(t, OutcomeUnauthenticated, body.Outcome)
		assert.NotEmpty(t, body.DecisionID)
		assert.Equal(t, rr.Header().Get(httputil.RequestIDHeader), body.RequestID)
	})

	t.Run("denied", func(t *testing.T) {
		rr := do("/notices/3", requestFor(t, "student.liu").Credential)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, CodePolicyDenied, decode(t, rr).Code)
	})

	t.Run("pending approval", func(t *testing.T) {
		rr := do("/urgent", requestFor(t, "admin.chen").Credential)
		assert.Equal(t, http.StatusAccepted, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, CodeApprovalRequired, body.Code)
		assert.Equal(t, "PRINCIPAL", body.ApproverRole)
	})
}

func TestMiddleware_HandlerPanic(t *testing.T) {
	env := setup(t, Config{})

	handler := httputil.RecoveryMiddleware(
		env.interceptor.Middleware(NewRule(policy.LevelRegular, policy.ScopeClass))(
			http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic("template missing")
			}),
		),
	)

	r := httptest.NewRequest(http.MethodPost, "/notices", nil)
	r.Header.Set("Authorization", "Bearer "+requestFor(t, "teacher.wang").Credential)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "template missing")
	assert.Equal(t, int64(1), env.interceptor.Metrics(r.Context()).Decisions[OutcomeSystemError])
}
