package audit

import "time"

// EventType represents the category of audit event
type EventType string

const (
	// Authorization decisions
	EventTypeAuthzGranted         EventType = "authz.granted"
	EventTypeAuthzDenied          EventType = "authz.denied"
	EventTypeAuthzPendingApproval EventType = "authz.pending_approval"
	EventTypeAuthzSystemError     EventType = "authz.system_error"

	// Authentication
	EventTypeAuthUnauthenticated EventType = "auth.unauthenticated"

	// Security
	EventTypeSecurityReplayDetected EventType = "security.replay_detected"
	EventTypeSecurityReplayAlert    EventType = "security.replay_alert"
	EventTypeSecurityAnomaly        EventType = "security.anomaly"

	// Administration
	EventTypeCacheSubjectEvicted   EventType = "cache.subject_evicted"
	EventTypeCacheRoleEvicted      EventType = "cache.role_evicted"
	EventTypeCacheFlushed          EventType = "cache.flushed"
	EventTypeDirectoryRoleAssigned EventType = "directory.role_assigned"
	EventTypeDirectoryDeactivated  EventType = "directory.subject_deactivated"
)

// Severity ranks how urgently an event needs attention
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event represents a single audit log entry
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"event_type"`
	Severity  Severity  `json:"severity"`

	// Actor
	SubjectID string `json:"subject_id,omitempty"`
	RoleCode  string `json:"role_code,omitempty"`
	TokenID   string `json:"token_id,omitempty"`

	// Requested action
	PermissionCode string `json:"permission_code,omitempty"`
	Level          int    `json:"level,omitempty"`
	Scope          string `json:"scope,omitempty"`

	// Request context
	OriginIP        string `json:"origin_ip,omitempty"`
	DeviceSignature string `json:"device_signature,omitempty"`
	RequestID       string `json:"request_id,omitempty"`

	Outcome  string                 `json:"outcome,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, severity Severity, message string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Metadata:  make(map[string]interface{}),
	}
}
