package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dispider/control-plane/internal/apperr"
	"github.com/dispider/control-plane/internal/httpserver"
	"github.com/dispider/control-plane/internal/identity"
	"github.com/dispider/control-plane/pkg/container"
)

// ContainerHandler serves container lifecycle operations (§4.3, §6).
type ContainerHandler struct {
	coord *container.Coordinator
}

// NewContainerHandler creates a ContainerHandler.
func NewContainerHandler(coord *container.Coordinator) *ContainerHandler {
	return &ContainerHandler{coord: coord}
}

// Routes returns the identity-gated container routes, mounted under
// /api/v1/containers.
func (h *ContainerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/batch", h.handleBatchCreate)
	r.Get("/", h.handleList)
	r.Get("/alerts", h.handleListAlerts)
	r.Route("/{id}", func(r chi.Router) {
		r.Post("/stop", h.handleStop)
		r.Post("/restart", h.handleRestart)
		r.Delete("/", h.handleRemove)
	})
	r.Post("/projects/{project_id}/stop", h.handleBulkStop)
	return r
}

// WorkerRoutes returns the unauthenticated worker-facing status-report
// route, mounted directly on the root router (§6: "worker (unauthenticated)").
func (h *ContainerHandler) WorkerRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/status", h.handleWorkerStatus)
	return r
}

type batchCreateRequest struct {
	ProjectID int64             `json:"project_id" validate:"required"`
	Count     int               `json:"count" validate:"required,min=1,max=100"`
	Image     string            `json:"image" validate:"required"`
	Volumes   map[string]string `json:"volumes,omitempty"`
	ProxyEnv  map[string]string `json:"proxy_env,omitempty"`
}

func (h *ContainerHandler) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	if !requireMinRole(w, r, identity.RoleOwner) {
		return
	}
	var req batchCreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	rows, err := h.coord.BatchCreate(r.Context(), container.BatchCreateParams{
		ProjectID: req.ProjectID,
		Count:     req.Count,
		Image:     req.Image,
		Volumes:   req.Volumes,
		ProxyEnv:  req.ProxyEnv,
	})
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, rows)
}

func (h *ContainerHandler) handleList(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id == nil {
		httpserver.RespondErr(w, apperr.New(apperr.Unauthenticated, "authentication required"))
		return
	}
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, err.Error()))
		return
	}
	rows, err := h.coord.ListVisible(r.Context(), id.SuperAdmin, id.Subject)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, paginateSlice(rows, params))
}

func (h *ContainerHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if !requireMinRole(w, r, identity.RoleMember) {
		return
	}
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, err.Error()))
		return
	}
	alerts, err := h.coord.ListAlerts(r.Context())
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, paginateSlice(alerts, params))
}

// paginateSlice applies offset pagination to an already-fetched slice. Both
// the container list and the alert list are small, Redis-/single-table-backed
// collections (§4.3) with no natural SQL LIMIT/OFFSET boundary, so pagination
// happens in the handler rather than the query.
func paginateSlice[T any](items []T, params httpserver.OffsetParams) httpserver.OffsetPage[T] {
	total := len(items)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.PageSize
	if end > total {
		end = total
	}
	return httpserver.NewOffsetPage(items[start:end], params, total)
}

func containerDBID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *ContainerHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	if identity.FromContext(r.Context()) == nil {
		httpserver.RespondErr(w, apperr.New(apperr.Unauthenticated, "authentication required"))
		return
	}
	id, err := containerDBID(r)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, "invalid container id"))
		return
	}
	row, err := h.coord.Stop(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, row)
}

func (h *ContainerHandler) handleRestart(w http.ResponseWriter, r *http.Request) {
	if identity.FromContext(r.Context()) == nil {
		httpserver.RespondErr(w, apperr.New(apperr.Unauthenticated, "authentication required"))
		return
	}
	id, err := containerDBID(r)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, "invalid container id"))
		return
	}
	row, err := h.coord.Restart(r.Context(), id)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, row)
}

func (h *ContainerHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	if identity.FromContext(r.Context()) == nil {
		httpserver.RespondErr(w, apperr.New(apperr.Unauthenticated, "authentication required"))
		return
	}
	id, err := containerDBID(r)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, "invalid container id"))
		return
	}
	if err := h.coord.Remove(r.Context(), id); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ContainerHandler) handleBulkStop(w http.ResponseWriter, r *http.Request) {
	if !requireMinRole(w, r, identity.RoleOwner) {
		return
	}
	projectID, err := strconv.ParseInt(chi.URLParam(r, "project_id"), 10, 64)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, "invalid project id"))
		return
	}
	count, failedIDs, err := h.coord.BulkStopProject(r.Context(), projectID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"stopped_count": count,
		"failed_ids":    failedIDs,
	})
}

type workerStatusRequest struct {
	ProjectID int64  `json:"project_id" validate:"required"`
	WorkerID  string `json:"worker_id" validate:"required"`
	Status    string `json:"status" validate:"required"`
	Message   string `json:"message,omitempty"`
}

func (h *ContainerHandler) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var req workerStatusRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.coord.ReportStatus(r.Context(), req.ProjectID, req.WorkerID, req.Status, req.Message); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}
