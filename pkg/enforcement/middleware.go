package enforcement

import (
	"net/http"

	"github.com/platinummonkey/noticeguard/pkg/httputil"
	"github.com/platinummonkey/noticeguard/pkg/identity"
	"github.com/platinummonkey/noticeguard/pkg/observability"
)

// DenialResponse is the JSON body written for refused requests
type DenialResponse struct {
	Code         string  `json:"code"`
	Message      string  `json:"message"`
	Outcome      Outcome `json:"outcome"`
	DecisionID   string  `json:"decision_id"`
	ApproverRole string  `json:"approver_role,omitempty"`
	RequestID    string  `json:"request_id,omitempty"`
}

// StatusCode maps an outcome to its HTTP status
func StatusCode(o Outcome) int {
	switch o {
	case OutcomeGranted:
		return http.StatusOK
	case OutcomePendingApproval:
		return http.StatusAccepted
	case OutcomeUnauthenticated:
		return http.StatusUnauthorized
	case OutcomeDenied, OutcomeReplayDetected:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// RequestFromHTTP builds a Request from the Authorization header and the
// caller's address and device signature
func RequestFromHTTP(r *http.Request, trustProxy bool) Request {
	return Request{
		Credential:      identity.BearerToken(r.Header.Get("Authorization")),
		OriginIP:        httputil.ClientIP(r, trustProxy),
		DeviceSignature: httputil.DeviceSignature(r),
	}
}

// WriteDecision writes the response for a decision that did not grant
func WriteDecision(w http.ResponseWriter, d *Decision) {
	resp := DenialResponse{
		Outcome:      d.Outcome,
		DecisionID:   d.ID,
		ApproverRole: string(d.ApproverRole),
		RequestID:    w.Header().Get(httputil.RequestIDHeader),
	}
	if d.Denial != nil {
		resp.Code = d.Denial.Code
		resp.Message = d.Denial.Message
	}
	_ = httputil.WriteJSON(w, StatusCode(d.Outcome), resp)
}

// Middleware protects next with rule. Refused requests get a DenialResponse:
// 401 unauthenticated, 403 denied or replayed, 202 pending approval and 500
// for internal faults. Granted requests reach next with the claims and the
// decision in their context.
//
//	router.Handle("/notices", interceptor.Middleware(rule)(publishHandler)).Methods(http.MethodPost)
func (i *Interceptor) Middleware(rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, d := i.decide(r.Context(), RequestFromHTTP(r, i.config.TrustProxy), rule)
			if !d.Granted() {
				i.finish(ctx, d)
				WriteDecision(w, d)
				return
			}

			start := i.now()
			defer func() {
				d.addStep(StepOperation, start, i.now().Sub(start))
				if p := recover(); p != nil {
					d.Err = observability.AsError(p)
					d.deny(OutcomeSystemError, rule.errorCode(), rule.errorMessage())
					i.finish(ctx, d)
					panic(p)
				}
				i.finish(ctx, d)
			}()
			next.ServeHTTP(w, r.WithContext(withDecision(ctx, d)))
		})
	}
}
