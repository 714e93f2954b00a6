package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dispider/control-plane/internal/apperr"
	"github.com/dispider/control-plane/internal/httpserver"
	"github.com/dispider/control-plane/internal/identity"
	"github.com/dispider/control-plane/internal/telemetry"
	"github.com/dispider/control-plane/pkg/dynsql"
	"github.com/dispider/control-plane/pkg/task"
)

// TaskHandler serves the task dispatch engine's operations (§4.2, §6).
type TaskHandler struct {
	engine *task.Engine
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(engine *task.Engine) *TaskHandler {
	return &TaskHandler{engine: engine}
}

// Routes returns the identity-gated routes, mounted under /api/v1/tasks.
// project_id travels as a body field on writes and a query parameter on
// reads rather than a path segment, matching the operation table in §6.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/table", h.handleInitTaskTable)
	r.Post("/results/table", h.handleInitResultTable)
	r.Post("/bulk", h.handleBulkAdd)
	r.Get("/progress", h.handleProgress)
	r.Get("/results/count", h.handleResultsCount)
	r.Get("/columns", h.handleColumns)
	return r
}

// WorkerRoutes returns the worker-facing claim/submit/fail routes (§6: these
// are authorized by the worker_id bearing its own identity, not by a role
// check), mounted directly on the root router.
func (h *TaskHandler) WorkerRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/claim", h.handleClaim)
	r.Post("/submit", h.handleSubmit)
	r.Post("/fail", h.handleFail)
	return r
}

func projectIDQuery(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
}

type initTableRequest struct {
	ProjectID int64    `json:"project_id" validate:"required"`
	Columns   []string `json:"columns" validate:"required,min=1"`
}

func (h *TaskHandler) handleInitTaskTable(w http.ResponseWriter, r *http.Request) {
	h.initTable(w, r, dynsql.Tasks)
}

func (h *TaskHandler) handleInitResultTable(w http.ResponseWriter, r *http.Request) {
	h.initTable(w, r, dynsql.Results)
}

func (h *TaskHandler) initTable(w http.ResponseWriter, r *http.Request, kind dynsql.Kind) {
	if !requireMinRole(w, r, identity.RoleOwner) {
		return
	}
	var req initTableRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.engine.InitializeTable(r.Context(), kind, req.ProjectID, req.Columns); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

type bulkAddRequest struct {
	ProjectID int64               `json:"project_id" validate:"required"`
	Data      map[string][]string `json:"data" validate:"required"`
}

func (h *TaskHandler) handleBulkAdd(w http.ResponseWriter, r *http.Request) {
	if !requireMinRole(w, r, identity.RoleMember) {
		return
	}
	var req bulkAddRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	count, err := h.engine.BulkAddTasks(r.Context(), req.ProjectID, req.Data)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]int{"inserted_count": count})
}

type claimRequest struct {
	ProjectID int64  `json:"project_id" validate:"required"`
	WorkerID  string `json:"worker_id" validate:"required"`
}

func (h *TaskHandler) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	t, ok, err := h.engine.ClaimNext(r.Context(), req.ProjectID, req.WorkerID)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	if !ok {
		httpserver.Respond(w, http.StatusOK, nil)
		return
	}
	telemetry.TasksClaimedTotal.WithLabelValues(strconv.FormatInt(req.ProjectID, 10)).Inc()
	httpserver.Respond(w, http.StatusOK, t)
}

type submitRequest struct {
	ProjectID int64               `json:"project_id" validate:"required"`
	TaskID    int64               `json:"task_id" validate:"required"`
	Data      map[string][]string `json:"data,omitempty"`
}

func (h *TaskHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.engine.SubmitResult(r.Context(), req.ProjectID, req.TaskID, req.Data); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

type failRequest struct {
	ProjectID int64  `json:"project_id" validate:"required"`
	TaskID    int64  `json:"task_id" validate:"required"`
	Error     string `json:"error,omitempty"`
}

func (h *TaskHandler) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.engine.ReportFailure(r.Context(), req.ProjectID, req.TaskID); err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	outcome := "retried"
	if req.Error != "" {
		outcome = "retried_with_error"
	}
	telemetry.TasksFailedTotal.WithLabelValues(strconv.FormatInt(req.ProjectID, 10), outcome).Inc()
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *TaskHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	if !requireMinRole(w, r, identity.RoleMember) {
		return
	}
	pid, err := projectIDQuery(r)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, "invalid project id"))
		return
	}
	progress, err := h.engine.Progress(r.Context(), pid)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]float64{"progress": progress})
}

func (h *TaskHandler) handleResultsCount(w http.ResponseWriter, r *http.Request) {
	if !requireMinRole(w, r, identity.RoleMember) {
		return
	}
	pid, err := projectIDQuery(r)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, "invalid project id"))
		return
	}
	count, err := h.engine.ResultsCount(r.Context(), pid)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int64{"results_count": count})
}

func (h *TaskHandler) handleColumns(w http.ResponseWriter, r *http.Request) {
	if !requireMinRole(w, r, identity.RoleMember) {
		return
	}
	pid, err := projectIDQuery(r)
	if err != nil {
		httpserver.RespondErr(w, apperr.New(apperr.InvalidArgument, "invalid project id"))
		return
	}
	columns, err := h.engine.Columns(r.Context(), pid)
	if err != nil {
		httpserver.RespondErr(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, columns)
}
