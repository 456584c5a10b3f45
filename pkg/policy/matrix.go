package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownRole is returned when a role code is not part of the matrix
	ErrUnknownRole = errors.New("unknown role")

	// ErrInvalidMatrix is returned when a matrix definition fails validation
	ErrInvalidMatrix = errors.New("invalid policy matrix")
)

// Matrix is the immutable role policy table. Build it once at startup and
// inject it into an Evaluator.
type Matrix struct {
	roles map[RoleCode]RolePolicy
	order []RoleCode
}

// DefaultMatrix returns the built-in role policies
func DefaultMatrix() Matrix {
	m, err := NewMatrix(BuiltInPolicies())
	if err != nil {
		panic(fmt.Sprintf("built-in policy matrix is invalid: %v", err))
	}
	return m
}

// BuiltInPolicies returns the built-in role policy definitions
func BuiltInPolicies() []RolePolicy {
	return []RolePolicy{
		{
			Code:   RolePrincipal,
			Name:   "Principal",
			Rank:   100,
			Levels: AllLevels(),
			Scopes: AllScopes(),
		},
		{
			Code:             RoleAcademicAdmin,
			Name:             "Academic Administrator",
			Rank:             80,
			Levels:           AllLevels(),
			Scopes:           AllScopes(),
			ApprovalRequired: true,
			ApprovalLevels:   []Level{LevelEmergency},
			Approver:         RolePrincipal,
		},
		{
			Code:             RoleGradeDirector,
			Name:             "Grade Director",
			Rank:             60,
			Levels:           AllLevels(),
			Scopes:           []Scope{ScopeGrade, ScopeClass},
			ApprovalRequired: true,
			ApprovalLevels:   []Level{LevelEmergency},
			Approver:         RolePrincipal,
		},
		{
			Code:   RoleTeacher,
			Name:   "Teacher",
			Rank:   40,
			Levels: []Level{LevelRegular, LevelReminder},
			Scopes: []Scope{ScopeGrade, ScopeClass},
		},
		{
			Code:   RoleStudent,
			Name:   "Student",
			Rank:   10,
			Levels: []Level{LevelReminder},
			Scopes: []Scope{ScopeClass},
		},
	}
}

// NewMatrix validates the policies and builds an immutable matrix.
// Only roles of the closed role set are accepted; scopes are reordered
// widest to narrowest.
func NewMatrix(policies []RolePolicy) (Matrix, error) {
	m := Matrix{roles: make(map[RoleCode]RolePolicy, len(policies))}

	for _, p := range policies {
		p = p.clone()
		p.Code = ParseRoleCode(string(p.Code))
		if !p.Code.IsKnown() {
			return Matrix{}, fmt.Errorf("%w: role %q is not part of the role set", ErrInvalidMatrix, p.Code)
		}
		if _, dup := m.roles[p.Code]; dup {
			return Matrix{}, fmt.Errorf("%w: duplicate role %q", ErrInvalidMatrix, p.Code)
		}
		for _, l := range append(append([]Level(nil), p.Levels...), p.ApprovalLevels...) {
			if !l.Valid() {
				return Matrix{}, fmt.Errorf("%w: role %q has invalid level %d", ErrInvalidMatrix, p.Code, l)
			}
		}
		for i, s := range p.Scopes {
			p.Scopes[i] = ParseScope(string(s))
			if !p.Scopes[i].Valid() {
				return Matrix{}, fmt.Errorf("%w: role %q has invalid scope %q", ErrInvalidMatrix, p.Code, s)
			}
		}
		if p.ApprovalRequired {
			p.Approver = ParseRoleCode(string(p.Approver))
			if !p.Approver.IsKnown() {
				return Matrix{}, fmt.Errorf("%w: role %q has unknown approver %q", ErrInvalidMatrix, p.Code, p.Approver)
			}
		}
		sort.SliceStable(p.Scopes, func(i, j int) bool { return p.Scopes[i].Breadth() < p.Scopes[j].Breadth() })
		sort.SliceStable(p.Levels, func(i, j int) bool { return p.Levels[i] < p.Levels[j] })

		m.roles[p.Code] = p
		m.order = append(m.order, p.Code)
	}

	sort.SliceStable(m.order, func(i, j int) bool { return m.roles[m.order[i]].Rank > m.roles[m.order[j]].Rank })
	return m, nil
}

// Lookup returns a copy of the policy of role
func (m Matrix) Lookup(role RoleCode) (RolePolicy, bool) {
	p, ok := m.roles[role]
	if !ok {
		return RolePolicy{}, false
	}
	return p.clone(), true
}

// Roles returns all policies ordered by authority, highest first
func (m Matrix) Roles() []RolePolicy {
	out := make([]RolePolicy, 0, len(m.order))
	for _, code := range m.order {
		out = append(out, m.roles[code].clone())
	}
	return out
}

type matrixFile struct {
	Roles []RolePolicy `yaml:"roles"`
}

// LoadMatrix reads role policies from a YAML file
func LoadMatrix(path string) (Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Matrix{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParseMatrix(data)
}

// ParseMatrix parses role policies from YAML
func ParseMatrix(data []byte) (Matrix, error) {
	var file matrixFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Matrix{}, fmt.Errorf("%w: %v", ErrInvalidMatrix, err)
	}
	if len(file.Roles) == 0 {
		return Matrix{}, fmt.Errorf("%w: no roles defined", ErrInvalidMatrix)
	}
	return NewMatrix(file.Roles)
}
