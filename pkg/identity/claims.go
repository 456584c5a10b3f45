package identity

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Claims are the identity claims carried by a bearer credential
type Claims struct {
	SubjectID   string    `json:"subject_id"`
	DisplayName string    `json:"display_name,omitempty"`
	RoleCode    string    `json:"role_code,omitempty"`
	RoleName    string    `json:"role_name,omitempty"`
	Department  string    `json:"department,omitempty"`
	TokenID     string    `json:"token_id,omitempty"`
	IssuedAt    time.Time `json:"issued_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Rule names a payload field tried when extracting a claim
type Rule struct {
	Field string
}

// RuleList is evaluated in order until the first non-empty value
type RuleList []Rule

// Fields builds a RuleList from field names
func Fields(names ...string) RuleList {
	rules := make(RuleList, 0, len(names))
	for _, n := range names {
		rules = append(rules, Rule{Field: n})
	}
	return rules
}

// Match returns the first non-empty value and the field it came from
func (rl RuleList) Match(payload map[string]interface{}) (value string, field string, ok bool) {
	for _, r := range rl {
		if v := stringValue(payload[r.Field]); v != "" {
			return v, r.Field, true
		}
	}
	return "", "", false
}

// Default rule lists
var (
	SubjectRules     = Fields("username", "sub", "userId", "id", "employeeId")
	DisplayNameRules = Fields("realName", "name", "displayName", "preferred_username")
	RoleCodeRules    = Fields("roleCode", "role_code", "role")
	RoleNameRules    = Fields("roleName", "role_name")
	DepartmentRules  = Fields("department", "departmentName", "dept")
)

// Extractor parses bearer credentials into Claims. It performs no signature
// verification; run a Verifier first.
type Extractor struct {
	subject    RuleList
	display    RuleList
	roleCode   RuleList
	roleName   RuleList
	department RuleList
	now        func() time.Time
}

// Option configures an Extractor
type Option func(*Extractor)

// WithSubjectRules overrides the subject id rule list
func WithSubjectRules(rules RuleList) Option {
	return func(e *Extractor) { e.subject = rules }
}

// WithClock overrides the clock used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// NewExtractor creates an extractor with the default rule lists
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		subject:    SubjectRules,
		display:    DisplayNameRules,
		roleCode:   RoleCodeRules,
		roleName:   RoleNameRules,
		department: DepartmentRules,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses credential and validates expiry and subject safety
func (e *Extractor) Extract(credential string) (*Claims, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrMissingCredential
	}

	payload, err := DecodePayload(credential)
	if err != nil {
		return nil, err
	}

	exp, ok := unixTime(payload["exp"])
	if !ok {
		return nil, fmt.Errorf("%w: missing exp", ErrMalformedCredential)
	}
	if !exp.After(e.now()) {
		return nil, ErrExpiredCredential
	}

	subject, _, ok := e.subject.Match(payload)
	if !ok {
		return nil, ErrMissingSubject
	}
	if !SafeSubject(subject) {
		return nil, ErrUnsafeSubject
	}

	claims := &Claims{
		SubjectID: subject,
		TokenID:   stringValue(payload["jti"]),
		ExpiresAt: exp,
	}
	claims.DisplayName, _, _ = e.display.Match(payload)
	claims.RoleCode, _, _ = e.roleCode.Match(payload)
	claims.RoleName, _, _ = e.roleName.Match(payload)
	claims.Department, _, _ = e.department.Match(payload)
	if iat, ok := unixTime(payload["iat"]); ok {
		claims.IssuedAt = iat
	}

	return claims, nil
}

// DecodePayload decodes the middle segment of a three-segment credential
func DecodePayload(credential string) (map[string]interface{}, error) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedCredential, len(parts))
	}

	raw, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid payload encoding: %v", ErrMalformedCredential, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, fmt.Errorf("%w: invalid payload", ErrMalformedCredential)
	}
	return payload, nil
}

// decodeSegment decodes URL-safe base64, restoring stripped padding
func decodeSegment(seg string) ([]byte, error) {
	seg = strings.TrimRight(seg, "=")
	if seg == "" {
		return nil, fmt.Errorf("empty segment")
	}
	if rem := len(seg) % 4; rem != 0 {
		seg += strings.Repeat("=", 4-rem)
	}
	return base64.URLEncoding.DecodeString(seg)
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func unixTime(v interface{}) (time.Time, bool) {
	var secs float64
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	default:
		return time.Time{}, false
	}
	return time.Unix(int64(secs), 0).UTC(), true
}
