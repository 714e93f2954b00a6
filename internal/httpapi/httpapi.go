// Package httpapi wires the control plane's domain operations onto HTTP
// routes (§6). Each handler group mirrors the operation table: worker
// endpoints trust the worker_id in the request body rather than an
// identity; every other endpoint checks the caller's role via
// internal/identity.
package httpapi

import (
	"net/http"

	"github.com/dispider/control-plane/internal/apperr"
	"github.com/dispider/control-plane/internal/httpserver"
	"github.com/dispider/control-plane/internal/identity"
)

// requireMinRole writes a 401/403 response and returns false if the caller's
// identity is missing or below minRole.
func requireMinRole(w http.ResponseWriter, r *http.Request, minRole string) bool {
	id := identity.FromContext(r.Context())
	if id == nil {
		httpserver.RespondErr(w, apperr.New(apperr.Unauthenticated, "authentication required"))
		return false
	}
	if !identity.HasMinRole(id, minRole) {
		httpserver.RespondErr(w, apperr.New(apperr.PermissionDenied, "insufficient role"))
		return false
	}
	return true
}

// requireSuperAdmin writes a 401/403 response and returns false if the
// caller is not a super-admin.
func requireSuperAdmin(w http.ResponseWriter, r *http.Request) bool {
	id := identity.FromContext(r.Context())
	if id == nil {
		httpserver.RespondErr(w, apperr.New(apperr.Unauthenticated, "authentication required"))
		return false
	}
	if !id.SuperAdmin {
		httpserver.RespondErr(w, apperr.New(apperr.PermissionDenied, "super-admin role required"))
		return false
	}
	return true
}
