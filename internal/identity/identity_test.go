package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasMinRole(t *testing.T) {
	tests := []struct {
		name    string
		id      *Identity
		minRole string
		want    bool
	}{
		{"nil identity", nil, RoleMember, false},
		{"super admin always passes", &Identity{SuperAdmin: true, Role: RoleMember}, RoleOwner, true},
		{"worker never passes", &Identity{Role: RoleWorker}, RoleMember, false},
		{"owner passes member check", &Identity{Role: RoleOwner}, RoleMember, true},
		{"member fails owner check", &Identity{Role: RoleMember}, RoleOwner, false},
		{"exact role match", &Identity{Role: RoleAdmin}, RoleAdmin, true},
		{"unrecognized role fails", &Identity{Role: "bogus"}, RoleMember, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasMinRole(tt.id, tt.minRole))
		})
	}
}

func TestFromContextRoundTrip(t *testing.T) {
	id := &Identity{Subject: "user-1", Role: RoleOwner}
	ctx := NewContext(httptest.NewRequest(http.MethodGet, "/", nil).Context(), id)
	assert.Same(t, id, FromContext(ctx))
}

func TestFromContextEmpty(t *testing.T) {
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	assert.Nil(t, FromContext(ctx))
}

func TestFromHeaders(t *testing.T) {
	var captured *Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
	})
	handler := FromHeaders(next)

	t.Run("no subject header leaves no identity", func(t *testing.T) {
		captured = nil
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		handler.ServeHTTP(httptest.NewRecorder(), r)
		assert.Nil(t, captured)
	})

	t.Run("populates identity from trusted headers", func(t *testing.T) {
		captured = nil
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(HeaderSubject, "user-42")
		r.Header.Set(HeaderRole, RoleAdmin)
		r.Header.Set(HeaderProjectID, "7")
		r.Header.Set(HeaderSuperAdmin, "true")
		r.Header.Set(HeaderMethod, "oidc")
		handler.ServeHTTP(httptest.NewRecorder(), r)

		require.NotNil(t, captured)
		assert.Equal(t, "user-42", captured.Subject)
		assert.Equal(t, RoleAdmin, captured.Role)
		assert.EqualValues(t, 7, captured.ProjectID)
		assert.True(t, captured.SuperAdmin)
		assert.Equal(t, "oidc", captured.Method)
	})

	t.Run("invalid project id is ignored rather than rejected", func(t *testing.T) {
		captured = nil
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(HeaderSubject, "user-1")
		r.Header.Set(HeaderProjectID, "not-a-number")
		handler.ServeHTTP(httptest.NewRecorder(), r)

		require.NotNil(t, captured)
		assert.Zero(t, captured.ProjectID)
	})
}
