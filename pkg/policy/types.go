package policy

import (
	"fmt"
	"strings"
)

// RoleCode identifies a role in the closed role set
type RoleCode string

const (
	RolePrincipal     RoleCode = "PRINCIPAL"      // Top authority, unrestricted
	RoleAcademicAdmin RoleCode = "ACADEMIC_ADMIN" // School-wide, level 1 needs approval
	RoleGradeDirector RoleCode = "GRADE_DIRECTOR" // Grade-wide, level 1 needs approval
	RoleTeacher       RoleCode = "TEACHER"        // Regular and reminder notices to grades/classes
	RoleStudent       RoleCode = "STUDENT"        // Reminders to their own class only
)

// RoleCodes returns the closed role set ordered by authority, highest first
func RoleCodes() []RoleCode {
	return []RoleCode{RolePrincipal, RoleAcademicAdmin, RoleGradeDirector, RoleTeacher, RoleStudent}
}

// IsKnown reports whether the code belongs to the closed role set
func (r RoleCode) IsKnown() bool {
	for _, c := range RoleCodes() {
		if c == r {
			return true
		}
	}
	return false
}

// ParseRoleCode normalizes a role code from claims or storage
func ParseRoleCode(s string) RoleCode {
	return RoleCode(strings.ToUpper(strings.TrimSpace(s)))
}

// Level is the urgency tier of a notification, 1 = most urgent
type Level int

const (
	LevelEmergency Level = 1
	LevelImportant Level = 2
	LevelRegular   Level = 3
	LevelReminder  Level = 4
)

// AllLevels returns levels from most to least urgent
func AllLevels() []Level {
	return []Level{LevelEmergency, LevelImportant, LevelRegular, LevelReminder}
}

// Valid reports whether the level is within 1..4
func (l Level) Valid() bool {
	return l >= LevelEmergency && l <= LevelReminder
}

func (l Level) String() string {
	switch l {
	case LevelEmergency:
		return "EMERGENCY"
	case LevelImportant:
		return "IMPORTANT"
	case LevelRegular:
		return "REGULAR"
	case LevelReminder:
		return "REMINDER"
	default:
		return fmt.Sprintf("LEVEL_%d", int(l))
	}
}

// Scope is the breadth of a notification's audience
type Scope string

const (
	ScopeSchool     Scope = "SCHOOL"
	ScopeDepartment Scope = "DEPARTMENT"
	ScopeGrade      Scope = "GRADE"
	ScopeClass      Scope = "CLASS"
)

// AllScopes returns scopes ordered widest to narrowest
func AllScopes() []Scope {
	return []Scope{ScopeSchool, ScopeDepartment, ScopeGrade, ScopeClass}
}

// ParseScope normalizes a scope name; "class" and "CLASS" are the same scope
func ParseScope(s string) Scope {
	return Scope(strings.ToUpper(strings.TrimSpace(s)))
}

// Breadth returns the scope's position in AllScopes (0 = widest), or -1 if unknown
func (s Scope) Breadth() int {
	for i, c := range AllScopes() {
		if c == s {
			return i
		}
	}
	return -1
}

// Valid reports whether the scope is one of the enumerated scopes
func (s Scope) Valid() bool {
	return s.Breadth() >= 0
}

// RolePolicy is the immutable policy entry of a single role
type RolePolicy struct {
	Code             RoleCode `json:"code" yaml:"code"`
	Name             string   `json:"name" yaml:"name"`
	Rank             int      `json:"rank" yaml:"rank"`
	Levels           []Level  `json:"levels" yaml:"levels"`
	Scopes           []Scope  `json:"scopes" yaml:"scopes"`
	ApprovalRequired bool     `json:"approval_required" yaml:"approval_required"`
	ApprovalLevels   []Level  `json:"approval_levels,omitempty" yaml:"approval_levels"`
	Approver         RoleCode `json:"approver,omitempty" yaml:"approver"`
}

// PermitsLevel reports whether the role may publish at level, with or without approval
func (p RolePolicy) PermitsLevel(level Level) bool {
	for _, l := range p.Levels {
		if l == level {
			return true
		}
	}
	return false
}

// PermitsScope reports whether the role may target scope
func (p RolePolicy) PermitsScope(scope Scope) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// NeedsApproval reports whether publishing at level requires a secondary approval
func (p RolePolicy) NeedsApproval(level Level) bool {
	if !p.ApprovalRequired {
		return false
	}
	for _, l := range p.ApprovalLevels {
		if l == level {
			return true
		}
	}
	return false
}

func (p RolePolicy) clone() RolePolicy {
	p.Levels = append([]Level(nil), p.Levels...)
	p.Scopes = append([]Scope(nil), p.Scopes...)
	p.ApprovalLevels = append([]Level(nil), p.ApprovalLevels...)
	return p
}
