package policy

import (
	"fmt"
	"time"
)

// SnapshotVersion is bumped whenever the snapshot layout changes
const SnapshotVersion = 1

// PermissionEntry is one publishable level of a role
type PermissionEntry struct {
	Code             string  `json:"code"`
	Level            Level   `json:"level"`
	Scopes           []Scope `json:"scopes"`
	ApprovalRequired bool    `json:"approval_required"`
	Description      string  `json:"description"`
	Category         string  `json:"category"`
}

// Snapshot is a time-boxed copy of a subject's derived permissions
type Snapshot struct {
	SubjectID       string            `json:"subject_id"`
	RoleCode        RoleCode          `json:"role_code"`
	RoleName        string            `json:"role_name"`
	Permissions     []PermissionEntry `json:"permissions"`
	MaxPublishLevel Level             `json:"max_publish_level"`
	AllowedScopes   []Scope           `json:"allowed_scopes"`
	ApproverRole    RoleCode          `json:"approver_role,omitempty"`
	CachedAt        time.Time         `json:"cached_at"`
	CacheVersion    int               `json:"cache_version"`
	EntryCount      int               `json:"entry_count"`
}

// PermissionCode returns the permission code for publishing at level
func PermissionCode(level Level) string {
	return fmt.Sprintf("NOTIFICATION_PUBLISH_%s", level)
}

// BuildSnapshot derives a subject's snapshot from its role
func (m Matrix) BuildSnapshot(subjectID string, role RoleCode, now time.Time) (*Snapshot, error) {
	p, ok := m.Lookup(role)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	s := &Snapshot{
		SubjectID:     subjectID,
		RoleCode:      p.Code,
		RoleName:      p.Name,
		AllowedScopes: p.Scopes,
		CachedAt:      now.UTC(),
		CacheVersion:  SnapshotVersion,
	}
	if p.ApprovalRequired {
		s.ApproverRole = p.Approver
	}

	for _, level := range p.Levels {
		s.Permissions = append(s.Permissions, PermissionEntry{
			Code:             PermissionCode(level),
			Level:            level,
			Scopes:           append([]Scope(nil), p.Scopes...),
			ApprovalRequired: p.NeedsApproval(level),
			Description:      fmt.Sprintf("Publish %s notifications", level),
			Category:         "notification",
		})
		if s.MaxPublishLevel == 0 || level < s.MaxPublishLevel {
			s.MaxPublishLevel = level
		}
	}
	s.EntryCount = len(s.Permissions)

	return s, nil
}

// Equivalent reports whether two snapshots carry the same permission content.
// Cache timestamps are ignored.
func (s *Snapshot) Equivalent(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.SubjectID != o.SubjectID || s.RoleCode != o.RoleCode || s.RoleName != o.RoleName ||
		s.MaxPublishLevel != o.MaxPublishLevel || s.ApproverRole != o.ApproverRole ||
		s.EntryCount != o.EntryCount || len(s.Permissions) != len(o.Permissions) ||
		!equalScopes(s.AllowedScopes, o.AllowedScopes) {
		return false
	}
	for i := range s.Permissions {
		a, b := s.Permissions[i], o.Permissions[i]
		if a.Code != b.Code || a.Level != b.Level || a.ApprovalRequired != b.ApprovalRequired ||
			a.Description != b.Description || a.Category != b.Category || !equalScopes(a.Scopes, b.Scopes) {
			return false
		}
	}
	return true
}

func (s *Snapshot) entryFor(level Level) (PermissionEntry, bool) {
	for _, e := range s.Permissions {
		if e.Level == level {
			return e, true
		}
	}
	return PermissionEntry{}, false
}

func (s *Snapshot) allowsScope(scope Scope) bool {
	for _, a := range s.AllowedScopes {
		if a == scope {
			return true
		}
	}
	return false
}

func equalScopes(a, b []Scope) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
