package enforcement

import (
	"fmt"

	"github.com/platinummonkey/noticeguard/pkg/policy"
)

// DefaultErrorCode is reported for internal faults when a rule names none
const DefaultErrorCode = "SYSTEM_ERROR"

const defaultErrorMessage = "the request could not be processed"

// Rule describes what a protected operation requires of its caller
type Rule struct {
	// PermissionCode defaults to policy.PermissionCode(Level)
	PermissionCode string       `json:"permission_code"`
	Level          policy.Level `json:"level"`
	Scope          policy.Scope `json:"scope"`
	Description    string       `json:"description,omitempty"`
	Category       string       `json:"category,omitempty"`

	// Cacheable allows the permission cache to serve and store snapshots
	Cacheable bool `json:"cacheable"`
	// OneTime requires the credential's token id to be consumed on use
	OneTime bool `json:"one_time"`

	// ErrorCode and ErrorMessage are reported for internal faults
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewRule returns a cacheable rule for publishing at level to scope
func NewRule(level policy.Level, scope policy.Scope) Rule {
	return Rule{
		PermissionCode: policy.PermissionCode(level),
		Level:          level,
		Scope:          scope,
		Description:    fmt.Sprintf("Publish %s notifications to %s", level, scope),
		Category:       "notification",
		Cacheable:      true,
	}
}

func (r Rule) permissionCode() string {
	if r.PermissionCode != "" {
		return r.PermissionCode
	}
	return policy.PermissionCode(r.Level)
}

func (r Rule) errorCode() string {
	if r.ErrorCode != "" {
		return r.ErrorCode
	}
	return DefaultErrorCode
}

func (r Rule) errorMessage() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return defaultErrorMessage
}

// Request carries the caller's credential and origin
type Request struct {
	Credential      string
	OriginIP        string
	DeviceSignature string
}
