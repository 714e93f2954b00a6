// Package project is the thin project registry collaborator described in
// §1: project CRUD, membership, and settings are out of scope for the core,
// but the task dispatch, container, and proxy subsystems all need to ask
// "does this project exist" and "what role does this caller hold on it".
// This package owns only those narrow lookups.
package project

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dispider/control-plane/internal/apperr"
)

// Status values a project can hold (§3).
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Project is the subset of project attributes the core cares about.
type Project struct {
	ID       int64
	Name     string
	Status   string
	Settings map[string]any
}

// Registry resolves project existence, membership, and settings against the
// relational store.
type Registry struct {
	db *pgxpool.Pool
}

// New creates a project Registry.
func New(db *pgxpool.Pool) *Registry {
	return &Registry{db: db}
}

// Get looks up a project by id.
func (r *Registry) Get(ctx context.Context, projectID int64) (Project, error) {
	var p Project
	var settingsRaw []byte
	err := r.db.QueryRow(ctx,
		`SELECT id, name, status, settings FROM projects WHERE id = $1`,
		projectID,
	).Scan(&p.ID, &p.Name, &p.Status, &settingsRaw)
	if err == pgx.ErrNoRows {
		return Project{}, apperr.New(apperr.NotFound, fmt.Sprintf("project %d not found", projectID))
	}
	if err != nil {
		return Project{}, apperr.Wrap(apperr.Internal, "looking up project", err)
	}
	if len(settingsRaw) > 0 {
		if err := json.Unmarshal(settingsRaw, &p.Settings); err != nil {
			return Project{}, apperr.Wrap(apperr.Internal, "decoding project settings", err)
		}
	}
	return p, nil
}

// Exists reports whether a project id is known, without fetching its
// details.
func (r *Registry) Exists(ctx context.Context, projectID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM projects WHERE id = $1)`, projectID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "checking project existence", err)
	}
	return exists, nil
}

// MemberRole returns the caller's role on a project, or "" if they are not a
// member.
func (r *Registry) MemberRole(ctx context.Context, projectID int64, userSubject string) (string, error) {
	var role string
	err := r.db.QueryRow(ctx,
		`SELECT role FROM project_members WHERE project_id = $1 AND user_subject = $2`,
		projectID, userSubject,
	).Scan(&role)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "looking up project membership", err)
	}
	return role, nil
}

// Member is a single project membership row with enough detail to route a
// push notification (§4.3).
type Member struct {
	UserSubject string
	Role        string
	PushKey     string // e.g. a Slack user/channel id; empty means "no push configured"
}

// MembersWithRole returns project members whose role is one of the given
// roles, for notification fan-out.
func (r *Registry) MembersWithRole(ctx context.Context, projectID int64, roles ...string) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_subject, role, COALESCE(push_key, '') FROM project_members
		 WHERE project_id = $1 AND role = ANY($2)`,
		projectID, roles,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "listing project members", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserSubject, &m.Role, &m.PushKey); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scanning project member", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "iterating project members", err)
	}
	return out, nil
}

// MembershipProjectIDs returns every project id a user is a member of, used
// to filter "list containers visible to user" for non-super-admins (§4.3).
func (r *Registry) MembershipProjectIDs(ctx context.Context, userSubject string) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT project_id FROM project_members WHERE user_subject = $1`, userSubject)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "listing project memberships", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scanning project membership", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
