package policy

// Verdict reasons
const (
	ReasonGranted            = "granted"
	ReasonApprovalRequired   = "approval required"
	ReasonUnknownRole        = "unknown role"
	ReasonInvalidLevel       = "invalid level"
	ReasonInvalidScope       = "invalid scope"
	ReasonLevelNotPermitted  = "level not permitted"
	ReasonScopeNotPermitted  = "scope not permitted"
	ReasonStudentRestriction = "student restriction"
)

// Verdict is the outcome of a policy evaluation. ApprovalRequired verdicts
// are not granted; they name the role that must approve.
type Verdict struct {
	Granted          bool     `json:"granted"`
	ApprovalRequired bool     `json:"approval_required"`
	ApproverRole     RoleCode `json:"approver_role,omitempty"`
	Reason           string   `json:"reason"`
}

func deny(reason string) Verdict {
	return Verdict{Reason: reason}
}

// Evaluator maps (role, level, scope) to a verdict using an injected matrix.
// It performs no I/O and is safe for concurrent use.
type Evaluator struct {
	matrix Matrix
}

// NewEvaluator creates an evaluator over matrix
func NewEvaluator(matrix Matrix) *Evaluator {
	return &Evaluator{matrix: matrix}
}

// Matrix returns the evaluator's matrix
func (e *Evaluator) Matrix() Matrix {
	return e.matrix
}

// Evaluate decides whether role may publish at level to scope
func (e *Evaluator) Evaluate(role RoleCode, level Level, scope Scope) Verdict {
	p, ok := e.matrix.Lookup(role)
	if !ok {
		return deny(ReasonUnknownRole)
	}
	if v, done := checkRequest(level, scope); done {
		return v
	}
	if !p.PermitsLevel(level) {
		return deny(ReasonLevelNotPermitted)
	}
	if !p.PermitsScope(scope) {
		return deny(ReasonScopeNotPermitted)
	}
	if !studentGuard(role, level, scope) {
		return deny(ReasonStudentRestriction)
	}
	if p.NeedsApproval(level) {
		return Verdict{ApprovalRequired: true, ApproverRole: p.Approver, Reason: ReasonApprovalRequired}
	}
	return Verdict{Granted: true, Reason: ReasonGranted}
}

// EvaluateSnapshot is the cache-hit fast path. It decides from the
// snapshot's derived entries and returns the same verdict Evaluate returns
// for the snapshot's role.
func (e *Evaluator) EvaluateSnapshot(s *Snapshot, level Level, scope Scope) Verdict {
	if s == nil {
		return deny(ReasonUnknownRole)
	}
	if _, ok := e.matrix.Lookup(s.RoleCode); !ok {
		return deny(ReasonUnknownRole)
	}
	if v, done := checkRequest(level, scope); done {
		return v
	}
	if level < s.MaxPublishLevel {
		return deny(ReasonLevelNotPermitted)
	}
	entry, ok := s.entryFor(level)
	if !ok {
		return deny(ReasonLevelNotPermitted)
	}
	if !s.allowsScope(scope) {
		return deny(ReasonScopeNotPermitted)
	}
	if !studentGuard(s.RoleCode, level, scope) {
		return deny(ReasonStudentRestriction)
	}
	if entry.ApprovalRequired {
		return Verdict{ApprovalRequired: true, ApproverRole: s.ApproverRole, Reason: ReasonApprovalRequired}
	}
	return Verdict{Granted: true, Reason: ReasonGranted}
}

func checkRequest(level Level, scope Scope) (Verdict, bool) {
	if !level.Valid() {
		return deny(ReasonInvalidLevel), true
	}
	if !scope.Valid() {
		return deny(ReasonInvalidScope), true
	}
	return Verdict{}, false
}

// studentGuard holds students to reminder-level notices for their own
// class regardless of what the matrix says.
func studentGuard(role RoleCode, level Level, scope Scope) bool {
	if role != RoleStudent {
		return true
	}
	return level == LevelReminder && scope == ScopeClass
}
