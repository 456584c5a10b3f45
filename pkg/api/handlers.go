// Package api exposes the authorization decision, cache administration,
// replay ledger and role assignment endpoints of the noticeguard service.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/noticeguard/pkg/audit"
	"github.com/platinummonkey/noticeguard/pkg/authority"
	"github.com/platinummonkey/noticeguard/pkg/enforcement"
	"github.com/platinummonkey/noticeguard/pkg/httputil"
	"github.com/platinummonkey/noticeguard/pkg/kvstore"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/permcache"
	"github.com/platinummonkey/noticeguard/pkg/policy"
	"github.com/platinummonkey/noticeguard/pkg/replay"
)

// AdminRule guards the cache, replay ledger and role assignment routes. Any
// role that may publish IMPORTANT notices school-wide without approval passes
// it, which in the default matrix is PRINCIPAL and ACADEMIC_ADMIN.
var AdminRule = enforcement.Rule{
	PermissionCode: "cache:admin",
	Level:          policy.LevelImportant,
	Scope:          policy.ScopeSchool,
	Description:    "Administer the permission cache",
	Category:       "admin",
}

// Directory is the writable side of the subject directory
type Directory interface {
	Assign(ctx context.Context, a authority.Assignment) error
	Deactivate(ctx context.Context, subjectID string) error
}

// Handlers serves the authorization endpoints
type Handlers struct {
	interceptor *enforcement.Interceptor
	cache       *permcache.Cache
	directory   Directory
	replay      *replay.Guard
	audit       audit.Logger
	trustProxy  bool
}

// NewHandlers creates the handlers. cache may be nil, in which case the cache
// administration routes answer 503.
func NewHandlers(interceptor *enforcement.Interceptor, cache *permcache.Cache, trustProxy bool) (*Handlers, error) {
	if interceptor == nil {
		return nil, errors.New("api: interceptor is required")
	}
	return &Handlers{
		interceptor: interceptor,
		cache:       cache,
		audit:       audit.NoopLogger{},
		trustProxy:  trustProxy,
	}, nil
}

// WithDirectory enables the role assignment routes. Call it before
// RegisterRoutes.
func (h *Handlers) WithDirectory(dir Directory) *Handlers {
	h.directory = dir
	return h
}

// WithReplay enables the replay ledger lookup route. Call it before
// RegisterRoutes.
func (h *Handlers) WithReplay(g *replay.Guard) *Handlers {
	h.replay = g
	return h
}

// WithAudit records every administrative change to l
func (h *Handlers) WithAudit(l audit.Logger) *Handlers {
	if l != nil {
		h.audit = l
	}
	return h
}

// RegisterRoutes registers all authorization routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/v1").Subrouter()

	// Decisions
	v1.HandleFunc("/authorize", h.Authorize).Methods(http.MethodPost)
	v1.HandleFunc("/metrics/authz", h.AuthzMetrics).Methods(http.MethodGet)

	// Cache administration
	admin := v1.PathPrefix("/cache").Subrouter()
	admin.Use(h.interceptor.Middleware(AdminRule))
	admin.HandleFunc("", h.FlushCache).Methods(http.MethodDelete)
	admin.HandleFunc("/diagnostics", h.CacheDiagnostics).Methods(http.MethodGet)
	admin.HandleFunc("/subjects/{subject}", h.EvictSubject).Methods(http.MethodDelete)
	admin.HandleFunc("/roles/{role}", h.EvictRole).Methods(http.MethodDelete)

	// Replay ledger
	if h.replay != nil {
		ledger := v1.PathPrefix("/replay").Subrouter()
		ledger.Use(h.interceptor.Middleware(AdminRule))
		ledger.HandleFunc("/tokens/{jti}", h.LookupToken).Methods(http.MethodGet)
	}

	// Role assignments
	if h.directory != nil {
		assignments := v1.PathPrefix("/subjects").Subrouter()
		assignments.Use(h.interceptor.Middleware(AdminRule))
		assignments.HandleFunc("/{subject}/role", h.AssignRole).Methods(http.MethodPut)
		assignments.HandleFunc("/{subject}", h.DeactivateSubject).Methods(http.MethodDelete)
	}
}

// AuthorizeRequest names the action the bearer wants to perform
type AuthorizeRequest struct {
	Level          policy.Level `json:"level"`
	Scope          string       `json:"scope"`
	PermissionCode string       `json:"permission_code,omitempty"`
	OneTime        bool         `json:"one_time,omitempty"`
	// Cacheable defaults to true
	Cacheable *bool `json:"cacheable,omitempty"`
}

// Rule converts the request into an enforcement rule
func (req AuthorizeRequest) Rule() enforcement.Rule {
	rule := enforcement.NewRule(req.Level, policy.ParseScope(req.Scope))
	if req.PermissionCode != "" {
		rule.PermissionCode = req.PermissionCode
	}
	rule.OneTime = req.OneTime
	if req.Cacheable != nil {
		rule.Cacheable = *req.Cacheable
	}
	return rule
}

// AuthorizeResponse carries the full decision
type AuthorizeResponse struct {
	Allowed  bool                  `json:"allowed"`
	Decision *enforcement.Decision `json:"decision"`
}

// Authorize evaluates the bearer credential against the requested action.
// The status code follows the outcome the same way the middleware does.
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	d := h.interceptor.Authorize(r.Context(), enforcement.RequestFromHTTP(r, h.trustProxy), req.Rule())
	_ = httputil.WriteJSON(w, enforcement.StatusCode(d.Outcome), AuthorizeResponse{
		Allowed:  d.Granted(),
		Decision: d,
	})
}

// AuthzMetrics reports the enforcement metrics snapshot
func (h *Handlers) AuthzMetrics(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, h.interceptor.Metrics(r.Context()))
}

// CacheDiagnostics reports cache occupancy
func (h *Handlers) CacheDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !h.requireCache(w) {
		return
	}
	_ = httputil.WriteSuccess(w, h.cache.Diagnostics(r.Context()))
}

// EvictSubject drops one subject's cached snapshot
func (h *Handlers) EvictSubject(w http.ResponseWriter, r *http.Request) {
	if !h.requireCache(w) {
		return
	}
	subject, ok := httputil.ParsePathStringOrError(w, r, "subject")
	if !ok {
		return
	}

	if err := h.cache.Evict(r.Context(), subject); err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("subject_id", subject).Error("Failed to evict subject")
		httputil.WriteCodedError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "permission cache unavailable")
		return
	}
	h.record(r, audit.EventTypeCacheSubjectEvicted, "permission snapshot evicted", map[string]interface{}{
		"target_subject": subject,
	})
	w.WriteHeader(http.StatusNoContent)
}

// EvictRole drops every cached snapshot of a role
func (h *Handlers) EvictRole(w http.ResponseWriter, r *http.Request) {
	if !h.requireCache(w) {
		return
	}
	raw, ok := httputil.ParsePathStringOrError(w, r, "role")
	if !ok {
		return
	}
	role := policy.ParseRoleCode(raw)
	if !role.IsKnown() {
		httputil.WriteCodedError(w, http.StatusBadRequest, "UNKNOWN_ROLE", "unknown role: "+raw)
		return
	}

	n, err := h.cache.EvictByRole(r.Context(), role)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("role_code", string(role)).Error("Failed to evict role")
		httputil.WriteCodedError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "permission cache unavailable")
		return
	}
	h.record(r, audit.EventTypeCacheRoleEvicted, "role snapshots evicted", map[string]interface{}{
		"target_role": string(role),
		"evicted":     n,
	})
	_ = httputil.WriteSuccess(w, map[string]interface{}{
		"role_code": role,
		"evicted":   n,
	})
}

// FlushCache drops every cached snapshot
func (h *Handlers) FlushCache(w http.ResponseWriter, r *http.Request) {
	if !h.requireCache(w) {
		return
	}

	n, err := h.cache.Flush(r.Context())
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("evicted", n).Error("Failed to flush permission cache")
		httputil.WriteCodedError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "permission cache unavailable")
		return
	}
	h.record(r, audit.EventTypeCacheFlushed, "permission cache flushed", map[string]interface{}{
		"evicted": n,
	})
	_ = httputil.WriteSuccess(w, map[string]interface{}{
		"evicted": n,
	})
}

// LookupToken reports the replay ledger entry of a consumed token
func (h *Handlers) LookupToken(w http.ResponseWriter, r *http.Request) {
	jti, ok := httputil.ParsePathStringOrError(w, r, "jti")
	if !ok {
		return
	}

	entry, err := h.replay.Lookup(r.Context(), jti)
	switch {
	case errors.Is(err, replay.ErrInvalidTokenID):
		httputil.WriteCodedError(w, http.StatusBadRequest, "INVALID_TOKEN_ID", err.Error())
		return
	case errors.Is(err, kvstore.ErrNotFound):
		httputil.WriteErrorMessage(w, http.StatusNotFound, "token not consumed: "+jti)
		return
	case err != nil:
		observability.FromContext(r.Context()).WithError(err).WithField("token_id", jti).Error("Failed to read replay ledger")
		httputil.WriteCodedError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "replay ledger unavailable")
		return
	}
	_ = httputil.WriteSuccess(w, entry)
}

// AssignRoleRequest sets a subject's role
type AssignRoleRequest struct {
	RoleCode    string `json:"role_code"`
	DisplayName string `json:"display_name,omitempty"`
	Department  string `json:"department,omitempty"`
}

// AssignRole creates or replaces a subject's role assignment and drops the
// subject's cached snapshot so the next request sees the new role.
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	subject, ok := httputil.ParsePathStringOrError(w, r, "subject")
	if !ok {
		return
	}
	var req AssignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role := policy.ParseRoleCode(req.RoleCode)
	if !role.IsKnown() {
		httputil.WriteCodedError(w, http.StatusBadRequest, "UNKNOWN_ROLE", "unknown role: "+req.RoleCode)
		return
	}

	err := h.directory.Assign(r.Context(), authority.Assignment{
		SubjectID:   subject,
		RoleCode:    role,
		DisplayName: req.DisplayName,
		Department:  req.Department,
		Active:      true,
	})
	switch {
	case errors.Is(err, policy.ErrUnknownRole):
		httputil.WriteCodedError(w, http.StatusBadRequest, "UNKNOWN_ROLE", err.Error())
		return
	case err != nil:
		observability.FromContext(r.Context()).WithError(err).WithField("subject_id", subject).Error("Failed to assign role")
		httputil.WriteInternalError(w)
		return
	}

	h.evictAfterChange(r, subject)
	h.record(r, audit.EventTypeDirectoryRoleAssigned, "role assigned", map[string]interface{}{
		"target_subject": subject,
		"target_role":    string(role),
	})
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateSubject revokes a subject's assignment
func (h *Handlers) DeactivateSubject(w http.ResponseWriter, r *http.Request) {
	subject, ok := httputil.ParsePathStringOrError(w, r, "subject")
	if !ok {
		return
	}

	err := h.directory.Deactivate(r.Context(), subject)
	switch {
	case errors.Is(err, authority.ErrSubjectNotFound):
		httputil.WriteErrorMessage(w, http.StatusNotFound, "subject not found: "+subject)
		return
	case err != nil:
		observability.FromContext(r.Context()).WithError(err).WithField("subject_id", subject).Error("Failed to deactivate subject")
		httputil.WriteInternalError(w)
		return
	}

	h.evictAfterChange(r, subject)
	h.record(r, audit.EventTypeDirectoryDeactivated, "subject deactivated", map[string]interface{}{
		"target_subject": subject,
	})
	w.WriteHeader(http.StatusNoContent)
}

// evictAfterChange drops a stale snapshot. On a store failure the old
// snapshot lives until its TTL.
func (h *Handlers) evictAfterChange(r *http.Request, subject string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Evict(r.Context(), subject); err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("subject_id", subject).
			Warn("Stale permission snapshot kept until expiry")
	}
}

// record attributes an administrative change to the admin that passed
// AdminRule. A failed write is logged and never fails the request.
func (h *Handlers) record(r *http.Request, eventType audit.EventType, message string, meta map[string]interface{}) {
	event := audit.NewEvent(eventType, audit.SeverityInfo, message)
	if d := enforcement.DecisionFromContext(r.Context()); d != nil {
		event.SubjectID = d.SubjectID
		event.RoleCode = d.RoleCode
		event.TokenID = d.TokenID
		event.RequestID = d.RequestID
	}
	for k, v := range meta {
		event.Metadata[k] = v
	}
	if err := h.audit.Log(r.Context(), event); err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("event_type", string(eventType)).
			Warn("Failed to record administrative change")
	}
}

func (h *Handlers) requireCache(w http.ResponseWriter) bool {
	if h.cache == nil {
		httputil.WriteCodedError(w, http.StatusServiceUnavailable, "CACHE_DISABLED", "permission cache is not configured")
		return false
	}
	return true
}
