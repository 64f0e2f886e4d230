package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"storyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,repo_url,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.RepoURL), nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,name,COALESCE(repo_url,''),COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.RepoURL, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,name,COALESCE(repo_url,''),COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoURL, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// UpsertCapabilityOverride replaces a project's binding for one capability.
func (r Repo) UpsertCapabilityOverride(ctx context.Context, o domain.CapabilityOverride) error {
	var settings any
	if len(o.Settings) > 0 {
		b, err := json.Marshal(o.Settings)
		if err != nil {
			return err
		}
		settings = string(b)
	}
	if o.UpdatedAt == "" {
		o.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO project_capabilities(project_id,capability,provider,settings_json,disabled,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id,capability) DO UPDATE SET provider=excluded.provider, settings_json=excluded.settings_json, disabled=excluded.disabled, updated_at=excluded.updated_at`,
		o.ProjectID, o.Capability, o.Provider, settings, boolInt(o.Disabled), o.UpdatedAt)
	return err
}

func (r Repo) GetCapabilityOverride(ctx context.Context, projectID, capability string) (domain.CapabilityOverride, error) {
	var o domain.CapabilityOverride
	var settings sql.NullString
	var disabled int
	err := r.DB.QueryRowContext(ctx,
		`SELECT project_id,capability,provider,settings_json,disabled,updated_at FROM project_capabilities WHERE project_id=? AND capability=?`,
		projectID, capability).
		Scan(&o.ProjectID, &o.Capability, &o.Provider, &settings, &disabled, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Disabled = disabled != 0
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &o.Settings); err != nil {
			return o, err
		}
	}
	return o, nil
}

func (r Repo) ListCapabilityOverrides(ctx context.Context, projectID string) ([]domain.CapabilityOverride, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT project_id,capability,provider,settings_json,disabled,updated_at FROM project_capabilities WHERE project_id=? ORDER BY capability`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CapabilityOverride
	for rows.Next() {
		var o domain.CapabilityOverride
		var settings sql.NullString
		var disabled int
		if err := rows.Scan(&o.ProjectID, &o.Capability, &o.Provider, &settings, &disabled, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Disabled = disabled != 0
		if settings.Valid && settings.String != "" {
			if err := json.Unmarshal([]byte(settings.String), &o.Settings); err != nil {
				return nil, err
			}
		}
		res = append(res, o)
	}
	return res, nil
}

func (r Repo) DeleteCapabilityOverride(ctx context.Context, projectID, capability string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM project_capabilities WHERE project_id=? AND capability=?`, projectID, capability)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
