// Package container implements the container lifecycle coordinator (§4.3):
// batch creation, listing, single-container operations, bulk teardown, and
// the worker status-report/alert pipeline.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slack-go/slack"

	"github.com/dispider/control-plane/internal/apperr"
	"github.com/dispider/control-plane/internal/telemetry"
	"github.com/dispider/control-plane/pkg/kv"
	"github.com/dispider/control-plane/pkg/project"
	"github.com/dispider/control-plane/pkg/runtime"
)

// Container statuses (§3).
const (
	StatusCreating   = "creating"
	StatusRunning    = "running"
	StatusExited     = "exited"
	StatusError      = "error"
	StatusUnknown    = "unknown"
	StatusRestarting = "restarting"
)

// StatusNeedsManualIntervention and StatusWorkerRunning are the two status
// values a worker's status report recognizes (§4.3); any other value is
// logged and ignored.
const (
	StatusNeedsManualIntervention = "needs_manual_intervention"
	StatusWorkerRunning           = "running"
)

const basePort = 30000

// Container mirrors a single row of the containers table.
type Container struct {
	ID         int64
	ExternalID string
	Name       string
	Image      string
	Status     string
	HostPort   int
	WorkerID   string
	ProjectID  int64
}

// Alert is a worker-reported condition awaiting operator attention.
type Alert struct {
	WorkerID  string `json:"-"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	ProjectID int64  `json:"project_id"`
}

// Coordinator manages container lifecycle against the relational store and
// the container runtime, and fans out alerts to project members.
type Coordinator struct {
	db           *pgxpool.Pool
	rt           *runtime.Client
	kvStore      *kv.Store
	projects     *project.Registry
	slackAPI     *slack.Client
	alertChannel string
	logger       *slog.Logger

	apiBaseURL string
}

// New creates a container Coordinator. slackAPI may be nil, in which case
// push notifications are skipped. alertChannel is an
// ops-channel fallback (e.g. "#alerts") notified whenever a project member
// has no push key of their own; it may be empty, in which case those
// members are simply skipped.
func New(db *pgxpool.Pool, rt *runtime.Client, kvStore *kv.Store, projects *project.Registry, slackAPI *slack.Client, alertChannel, apiBaseURL string, logger *slog.Logger) *Coordinator {
	return &Coordinator{db: db, rt: rt, kvStore: kvStore, projects: projects, slackAPI: slackAPI, alertChannel: alertChannel, apiBaseURL: apiBaseURL, logger: logger}
}

// BatchCreateParams describes a batch-create request (§4.3).
type BatchCreateParams struct {
	ProjectID int64
	Count     int
	Image     string
	Volumes   map[string]string
	ProxyEnv  map[string]string
}

// BatchCreate launches Count containers for a project. On the first runtime
// or database failure the whole batch fails with Internal; already-started
// containers are left running for the caller to reconcile.
func (c *Coordinator) BatchCreate(ctx context.Context, p BatchCreateParams) ([]Container, error) {
	exists, err := c.rt.ImageExists(ctx, p.Image)
	if err != nil {
		return nil, apperr.Wrap(apperr.ServiceUnavailable, "checking image existence", err)
	}
	if !exists {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("image %q not found", p.Image))
	}

	basePortForBatch, err := c.nextHostPort(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Container, 0, p.Count)
	for i := 0; i < p.Count; i++ {
		workerID := uuid.NewString()
		port := basePortForBatch + i
		name := fmt.Sprintf("dispider-worker-%d-%s", p.ProjectID, workerID[:8])

		row, err := c.insertCreatingRow(ctx, p.ProjectID, name, p.Image, port, workerID)
		if err != nil {
			return nil, err
		}

		env := map[string]string{
			"PROJECT_ID":   fmt.Sprintf("%d", p.ProjectID),
			"API_BASE_URL": c.apiBaseURL,
			"WORKER_ID":    workerID,
		}
		for k, v := range p.ProxyEnv {
			env[k] = v
		}

		result, err := c.rt.RunContainer(ctx, runtime.CreateSpec{
			Name:    name,
			Image:   p.Image,
			Env:     env,
			Volumes: p.Volumes,
			Ports:   map[string]string{"6080/tcp": fmt.Sprintf("%d", port)},
		})
		if err != nil {
			c.markError(ctx, row.ID)
			telemetry.ContainersCreatedTotal.WithLabelValues(fmt.Sprintf("%d", p.ProjectID), "failed").Inc()
			return nil, apperr.Wrap(apperr.Internal, fmt.Sprintf("launching container %s", name), err)
		}

		row.ExternalID = result.ExternalID
		row.Status = StatusRunning
		if err := c.commitRunning(ctx, row.ID, result.ExternalID); err != nil {
			return nil, err
		}
		telemetry.ContainersCreatedTotal.WithLabelValues(fmt.Sprintf("%d", p.ProjectID), "created").Inc()
		out = append(out, row)
	}
	return out, nil
}

func (c *Coordinator) nextHostPort(ctx context.Context) (int, error) {
	var maxPort *int
	if err := c.db.QueryRow(ctx, `SELECT max(host_port_url) FROM containers`).Scan(&maxPort); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "computing next host port", err)
	}
	if maxPort == nil {
		return basePort, nil
	}
	return *maxPort + 1, nil
}

func (c *Coordinator) insertCreatingRow(ctx context.Context, projectID int64, name, image string, port int, workerID string) (Container, error) {
	row := Container{Name: name, Image: image, Status: StatusCreating, ExternalID: "pending", HostPort: port, WorkerID: workerID, ProjectID: projectID}
	err := c.db.QueryRow(ctx,
		`INSERT INTO containers (external_id, name, image, status, host_port_url, worker_id, project_id)
		 VALUES ('pending', $1, $2, 'creating', $3, $4, $5) RETURNING id`,
		name, image, port, workerID, projectID,
	).Scan(&row.ID)
	if err != nil {
		return Container{}, apperr.Wrap(apperr.Internal, fmt.Sprintf("inserting container row %s", name), err)
	}
	return row, nil
}

func (c *Coordinator) commitRunning(ctx context.Context, id int64, externalID string) error {
	if _, err := c.db.Exec(ctx, `UPDATE containers SET external_id = $1, status = 'running' WHERE id = $2`, externalID, id); err != nil {
		return apperr.Wrap(apperr.Internal, "marking container running", err)
	}
	return nil
}

func (c *Coordinator) markError(ctx context.Context, id int64) {
	if _, err := c.db.Exec(ctx, `UPDATE containers SET status = 'error' WHERE id = $1`, id); err != nil {
		c.logger.Error("marking container errored", "container_id", id, "error", err)
	}
}

// ListVisible lists containers a caller may see: all of them for a
// super-admin, or only those in projects the caller is a member of.
func (c *Coordinator) ListVisible(ctx context.Context, isSuperAdmin bool, userSubject string) ([]Container, error) {
	if isSuperAdmin {
		return c.queryContainers(ctx, `SELECT id, external_id, name, image, status, host_port_url, worker_id, project_id FROM containers ORDER BY id`)
	}
	projectIDs, err := c.projects.MembershipProjectIDs(ctx, userSubject)
	if err != nil {
		return nil, err
	}
	if len(projectIDs) == 0 {
		return nil, nil
	}
	return c.queryContainers(ctx,
		`SELECT id, external_id, name, image, status, host_port_url, worker_id, project_id FROM containers WHERE project_id = ANY($1) ORDER BY id`,
		projectIDs)
}

func (c *Coordinator) queryContainers(ctx context.Context, query string, args ...any) ([]Container, error) {
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "listing containers", err)
	}
	defer rows.Close()

	var out []Container
	for rows.Next() {
		var row Container
		if err := rows.Scan(&row.ID, &row.ExternalID, &row.Name, &row.Image, &row.Status, &row.HostPort, &row.WorkerID, &row.ProjectID); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scanning container row", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *Coordinator) getByID(ctx context.Context, containerDBID int64) (Container, error) {
	var row Container
	err := c.db.QueryRow(ctx,
		`SELECT id, external_id, name, image, status, host_port_url, worker_id, project_id FROM containers WHERE id = $1`,
		containerDBID,
	).Scan(&row.ID, &row.ExternalID, &row.Name, &row.Image, &row.Status, &row.HostPort, &row.WorkerID, &row.ProjectID)
	if err == pgx.ErrNoRows {
		return Container{}, apperr.New(apperr.NotFound, fmt.Sprintf("container %d not found", containerDBID))
	}
	if err != nil {
		return Container{}, apperr.Wrap(apperr.Internal, "looking up container", err)
	}
	return row, nil
}

// Stop stops a single container. A runtime NotFound is mapped to a local
// status of unknown rather than surfaced as an error.
func (c *Coordinator) Stop(ctx context.Context, containerDBID int64) (Container, error) {
	row, err := c.getByID(ctx, containerDBID)
	if err != nil {
		return Container{}, err
	}
	if err := c.rt.Stop(ctx, row.ExternalID); err != nil {
		if err == runtime.ErrNotFound {
			return c.setStatus(ctx, row, StatusUnknown)
		}
		return Container{}, apperr.Wrap(apperr.Internal, "stopping container", err)
	}
	return c.setStatus(ctx, row, StatusExited)
}

// Restart restarts a single container. A runtime NotFound is mapped to a
// local status of unknown.
func (c *Coordinator) Restart(ctx context.Context, containerDBID int64) (Container, error) {
	row, err := c.getByID(ctx, containerDBID)
	if err != nil {
		return Container{}, err
	}
	if err := c.rt.Restart(ctx, row.ExternalID); err != nil {
		if err == runtime.ErrNotFound {
			return c.setStatus(ctx, row, StatusUnknown)
		}
		return Container{}, apperr.Wrap(apperr.Internal, "restarting container", err)
	}
	return c.setStatus(ctx, row, StatusRunning)
}

// Remove removes a single container. A runtime NotFound proceeds straight to
// database deletion since the container is already gone.
func (c *Coordinator) Remove(ctx context.Context, containerDBID int64) error {
	row, err := c.getByID(ctx, containerDBID)
	if err != nil {
		return err
	}
	if err := c.rt.Remove(ctx, row.ExternalID); err != nil && err != runtime.ErrNotFound {
		return apperr.Wrap(apperr.Internal, "removing container", err)
	}
	if _, err := c.db.Exec(ctx, `DELETE FROM containers WHERE id = $1`, containerDBID); err != nil {
		return apperr.Wrap(apperr.Internal, "deleting container row", err)
	}
	return nil
}

func (c *Coordinator) setStatus(ctx context.Context, row Container, status string) (Container, error) {
	if _, err := c.db.Exec(ctx, `UPDATE containers SET status = $1 WHERE id = $2`, status, row.ID); err != nil {
		return Container{}, apperr.Wrap(apperr.Internal, "updating container status", err)
	}
	row.Status = status
	return row, nil
}

// BulkStopProject stops every container in a project whose status is one of
// running, creating, or restarting, continuing past individual failures.
// Returns the count actually stopped and the ids of any that failed to stop.
func (c *Coordinator) BulkStopProject(ctx context.Context, projectID int64) (stopped int, failedIDs []int64, err error) {
	rows, err := c.db.Query(ctx,
		`SELECT id FROM containers WHERE project_id = $1 AND status = ANY($2)`,
		projectID, []string{StatusRunning, StatusCreating, StatusRestarting},
	)
	if err != nil {
		return 0, nil, apperr.Wrap(apperr.Internal, "listing containers to stop", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, nil, apperr.Wrap(apperr.Internal, "scanning container id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, apperr.Wrap(apperr.Internal, "iterating containers to stop", err)
	}

	for _, id := range ids {
		if _, err := c.Stop(ctx, id); err != nil {
			c.logger.Warn("bulk stop: failed to stop container", "container_id", id, "error", err)
			failedIDs = append(failedIDs, id)
			continue
		}
		stopped++
	}
	return stopped, failedIDs, nil
}

// ReportStatus records a worker's self-reported status. needs_manual_intervention
// writes an alert and fans out a push notification; running clears any
// pending alert; any other value is logged and dropped. Notification
// failures are logged, not surfaced (§4.3).
func (c *Coordinator) ReportStatus(ctx context.Context, projectID int64, workerID, status, message string) error {
	alertKey := "container_alert:" + workerID

	switch status {
	case StatusNeedsManualIntervention:
		alert := Alert{Status: status, Message: message, ProjectID: projectID}
		payload, err := json.Marshal(alert)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "encoding alert", err)
		}
		if err := c.kvStore.Set(ctx, alertKey, string(payload)); err != nil {
			return apperr.Wrap(apperr.Internal, "storing alert", err)
		}
		telemetry.ContainerAlertsTotal.Inc()
		c.notifyMembers(ctx, projectID, workerID, message)
	case StatusWorkerRunning:
		if err := c.kvStore.Delete(ctx, alertKey); err != nil {
			return apperr.Wrap(apperr.Internal, "clearing alert", err)
		}
	default:
		c.logger.Info("ignoring unrecognized worker status report", "worker_id", workerID, "status", status)
	}
	return nil
}

func (c *Coordinator) notifyMembers(ctx context.Context, projectID int64, workerID, message string) {
	members, err := c.projects.MembersWithRole(ctx, projectID, "owner", "admin", "member")
	if err != nil {
		c.logger.Error("looking up project members for alert notification", "project_id", projectID, "error", err)
		return
	}
	if c.slackAPI == nil {
		return
	}
	text := fmt.Sprintf("worker %s needs manual intervention: %s", workerID, message)
	fellBack := false
	for _, m := range members {
		if m.PushKey == "" {
			fellBack = true
			continue
		}
		if _, _, err := c.slackAPI.PostMessageContext(ctx, m.PushKey, slack.MsgOptionText(text, false)); err != nil {
			c.logger.Error("sending alert push notification", "user", m.UserSubject, "error", err)
		}
	}
	// Members without a push key of their own still get paged, via the
	// shared ops channel, instead of silently missing the alert.
	if fellBack && c.alertChannel != "" {
		if _, _, err := c.slackAPI.PostMessageContext(ctx, c.alertChannel, slack.MsgOptionText(text, false)); err != nil {
			c.logger.Error("sending alert push notification to fallback channel", "channel", c.alertChannel, "error", err)
		}
	}
}

// ListAlerts enumerates every pending alert.
func (c *Coordinator) ListAlerts(ctx context.Context) ([]Alert, error) {
	keys, err := c.kvStore.Keys(ctx, "container_alert:")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "listing alert keys", err)
	}

	var out []Alert
	for _, key := range keys {
		value, ok, err := c.kvStore.Get(ctx, key)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "reading alert", err)
		}
		if !ok {
			continue
		}
		var a Alert
		if err := json.Unmarshal([]byte(value), &a); err != nil {
			c.logger.Warn("skipping malformed alert", "key", key, "error", err)
			continue
		}
		a.WorkerID = strings.TrimPrefix(key, "container_alert:")
		out = append(out, a)
	}
	return out, nil
}
