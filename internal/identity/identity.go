// Package identity defines the narrow contract between the core and its
// authentication collaborator (out of scope per spec.md §1): a pre-validated
// caller identity and role, attached to the request context before any
// handler in this package runs. This package performs no token
// verification of its own.
package identity

import (
	"context"
	"net/http"
	"strconv"
)

// Roles recognized by the core's role checks. The authentication
// collaborator is responsible for mapping its own role model onto these.
const (
	RoleSuperAdmin = "super_admin"
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleMember     = "member"
	RoleWorker     = "worker"
)

// roleLevel gives a total order over project-scoped roles for "owner+" /
// "member+" style checks. Worker and super_admin are handled separately:
// workers never pass a HasMinRole check, and super admins always do.
var roleLevel = map[string]int{
	RoleOwner:  30,
	RoleAdmin:  20,
	RoleMember: 10,
}

// Identity represents the authenticated caller for the current request.
type Identity struct {
	Subject      string // opaque caller id (user id, or worker_id for worker calls)
	Role         string // one of the Role* constants, scoped to ProjectID when set
	ProjectID    int64  // 0 when the identity is not scoped to a single project
	SuperAdmin   bool
	Method       string // how the caller was authenticated (opaque to the core)
}

type ctxKey string

const identityKey ctxKey = "dispider_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if no
// identity has been attached by the authentication collaborator.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// HasMinRole reports whether id holds at least minRole on the project the
// identity is scoped to. Super admins always satisfy any minimum. Workers
// never satisfy a project-role minimum (they authenticate as themselves,
// see §6).
func HasMinRole(id *Identity, minRole string) bool {
	if id == nil {
		return false
	}
	if id.SuperAdmin {
		return true
	}
	if id.Role == RoleWorker {
		return false
	}
	return roleLevel[id.Role] >= roleLevel[minRole]
}

// Trusted header names the authentication collaborator is expected to set
// once it has validated the caller (§1). This package never validates a
// token itself; it only reads whatever the upstream gateway already vouched
// for.
const (
	HeaderSubject    = "X-Dispider-Subject"
	HeaderRole       = "X-Dispider-Role"
	HeaderProjectID  = "X-Dispider-Project-Id"
	HeaderSuperAdmin = "X-Dispider-Super-Admin"
	HeaderMethod     = "X-Dispider-Auth-Method"
)

// FromHeaders builds middleware that attaches an Identity derived from
// trusted request headers. It does no verification of its own — it is
// meant to sit behind a reverse proxy or auth collaborator that has already
// authenticated the caller and populated these headers; a deployment
// without such a collaborator in front of it must not expose this
// middleware to untrusted clients. Requests with no subject header pass
// through with no identity attached, so handlers fall back to the
// worker/unauthenticated paths described in §6.
func FromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.Header.Get(HeaderSubject)
		if subject == "" {
			next.ServeHTTP(w, r)
			return
		}
		id := &Identity{
			Subject:    subject,
			Role:       r.Header.Get(HeaderRole),
			SuperAdmin: r.Header.Get(HeaderSuperAdmin) == "true",
			Method:     r.Header.Get(HeaderMethod),
		}
		if v := r.Header.Get(HeaderProjectID); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				id.ProjectID = n
			}
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
	})
}
