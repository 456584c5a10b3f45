package enforcement

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/noticeguard/pkg/anomaly"
	"github.com/platinummonkey/noticeguard/pkg/policy"
)

// Outcome is the result class of an authorization decision
type Outcome string

const (
	OutcomeGranted         Outcome = "GRANTED"
	OutcomeDenied          Outcome = "DENIED"
	OutcomePendingApproval Outcome = "PENDING_APPROVAL"
	OutcomeUnauthenticated Outcome = "UNAUTHENTICATED"
	OutcomeReplayDetected  Outcome = "REPLAY_DETECTED"
	OutcomeSystemError     Outcome = "SYSTEM_ERROR"
)

// Outcomes lists every outcome
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeGranted, OutcomeDenied, OutcomePendingApproval,
		OutcomeUnauthenticated, OutcomeReplayDetected, OutcomeSystemError,
	}
}

// Denial codes
const (
	CodeAuthMissing      = "AUTH_MISSING"
	CodeAuthExpired      = "AUTH_EXPIRED"
	CodeAuthInvalid      = "AUTH_INVALID"
	CodePolicyDenied     = "POLICY_DENIED"
	CodeApprovalRequired = "APPROVAL_REQUIRED"
	CodeReplayDetected   = "REPLAY_DETECTED"
	CodeHighRisk         = "HIGH_RISK"
)

// Denial is the user-facing explanation of a refused request
type Denial struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Step names
const (
	StepExtract   = "extract"
	StepLookup    = "lookup"
	StepEvaluate  = "evaluate"
	StepReplay    = "replay"
	StepAnomaly   = "anomaly"
	StepOperation = "operation"
)

// Evaluation paths
const (
	EvaluationSnapshot = "snapshot"
	EvaluationMatrix   = "matrix"
)

// StepTiming records when a step started and how long it took
type StepTiming struct {
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Decision is the full record of one authorization
type Decision struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Denial    *Denial   `json:"denial,omitempty"`
	StartedAt time.Time `json:"started_at"`

	SubjectID string `json:"subject_id,omitempty"`
	RoleCode  string `json:"role_code,omitempty"`
	TokenID   string `json:"token_id,omitempty"`

	PermissionCode string       `json:"permission_code"`
	Level          policy.Level `json:"level"`
	Scope          policy.Scope `json:"scope"`

	// Path names the provider that supplied the snapshot
	Path string `json:"path,omitempty"`
	// Evaluation is EvaluationSnapshot on the fast path, EvaluationMatrix otherwise
	Evaluation   string          `json:"evaluation,omitempty"`
	Verdict      *policy.Verdict `json:"verdict,omitempty"`
	ApproverRole policy.RoleCode `json:"approver_role,omitempty"`
	Anomaly      *anomaly.Report `json:"anomaly,omitempty"`

	Steps []StepTiming  `json:"steps"`
	Total time.Duration `json:"total_ns"`

	// Err is the internal cause of UNAUTHENTICATED and SYSTEM_ERROR outcomes
	Err error `json:"-"`

	span trace.Span
}

// Granted reports whether the wrapped operation may run
func (d *Decision) Granted() bool {
	return d != nil && d.Outcome == OutcomeGranted
}

// Step returns the duration of the named step
func (d *Decision) Step(name string) (time.Duration, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s.Duration, true
		}
	}
	return 0, false
}

func (d *Decision) addStep(name string, started time.Time, took time.Duration) {
	d.Steps = append(d.Steps, StepTiming{Name: name, StartedAt: started, Duration: took})
}

func (d *Decision) deny(outcome Outcome, code, message string) {
	d.Outcome = outcome
	d.Denial = &Denial{Code: code, Message: message}
}
