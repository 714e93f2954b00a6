package httpapi

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dispider/control-plane/internal/apperr"
	"github.com/dispider/control-plane/internal/httpserver"
	"github.com/dispider/control-plane/pkg/proxy"
)

// ProxyHandler serves the proxy group manager's admin operations (§4.4, §6).
// Every route here is super-admin only: unlike containers and tasks, proxy
// state is shared across every project rather than scoped to one.
type ProxyHandler struct {
	mgr *proxy.Manager
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(mgr *proxy.Manager) *ProxyHandler {
	return &ProxyHandler{mgr: mgr}
}

// Routes returns the super-admin-gated proxy routes, mounted under
// /api/v1/proxy.
func (h *ProxyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/refresh", h.handleRefresh)
	r.Post("/providers/{filename}", h.handleUploadProvider)
	r.Get("/groups/health", h.handleGroupsHealth)
	r.Get("/mappings", h.handleContainerMappings)
	r.Get("/summary", h.handleSummary)
	r.Get("/clash/status", h.handleClashStatus)
	r.Get("/diagnose", h.handleDiagnose)
	r.Post("/reassign/{container_ip}", h.handleForceReassign)
	r.Post("/blacklist/clear", h.handleClearBlacklist)
	r.Post("/recover", h.handleRecoverMappings)
	r.Post("/initialize", h.handleInitializeManager)
	return r
}

func (h *ProxyHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	if err := h.mgr.RefreshConfig(r.Context()); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

const maxProviderUpload = 1 << 20 // 1 MiB

func (h *ProxyHandler) handleUploadProvider(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	filename := chi.URLParam(r, "filename")
	body := http.MaxBytesReader(w, r.Body, maxProviderUpload)
	defer body.Close()
	contents, err := io.ReadAll(body)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, "provider file too large or unreadable (max 1 MiB)"))
		return
	}
	if err := h.mgr.UploadProvider(filename, contents); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *ProxyHandler) handleGroupsHealth(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	report, err := h.mgr.GroupsHealth(r.Context())
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, report)
}

func (h *ProxyHandler) handleContainerMappings(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	report, err := h.mgr.ContainerMappings(r.Context())
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, report)
}

func (h *ProxyHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	summary, err := h.mgr.Summary(r.Context())
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, summary)
}

func (h *ProxyHandler) handleClashStatus(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	status, err := h.mgr.ClashStatus(r.Context())
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, status)
}

func (h *ProxyHandler) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	report, err := h.mgr.Diagnose(r.Context())
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, report)
}

func (h *ProxyHandler) handleForceReassign(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	containerIP := chi.URLParam(r, "container_ip")
	oldGroup, newGroup, err := h.mgr.ForceReassign(r.Context(), containerIP)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{
		"old_group": oldGroup,
		"new_group": newGroup,
	})
}

type clearBlacklistRequest struct {
	Group string `json:"group,omitempty"`
}

func (h *ProxyHandler) handleClearBlacklist(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	var req clearBlacklistRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}
	cleared, err := h.mgr.ClearBlacklist(r.Context(), req.Group)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string][]string{"cleared": cleared})
}

func (h *ProxyHandler) handleRecoverMappings(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	if err := h.mgr.RecoverMappings(r.Context()); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *ProxyHandler) handleInitializeManager(w http.ResponseWriter, r *http.Request) {
	if !requireSuperAdmin(w, r) {
		return
	}
	if err := h.mgr.InitializeManager(r.Context()); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}
