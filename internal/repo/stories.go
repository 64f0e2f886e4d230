package repo

import (
	"context"
	"database/sql"

	"storyline/internal/domain"
)

const storyColumns = `id,project_id,title,stage,raw_input,
COALESCE(requirement,''),COALESCE(clarification_notes,''),COALESCE(confirmed_requirement,''),
COALESCE(plan,''),COALESCE(tasks_json,''),COALESCE(design,''),COALESCE(input_hashes_json,''),
created_at,updated_at`

func scanStory(scan func(dest ...any) error) (domain.Story, error) {
	var s domain.Story
	err := scan(&s.ID, &s.ProjectID, &s.Title, &s.Stage, &s.RawInput,
		&s.Requirement, &s.ClarificationNotes, &s.ConfirmedRequirement,
		&s.Plan, &s.TasksJSON, &s.Design, &s.InputHashesJSON,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertStory(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stories(id,project_id,title,stage,raw_input,requirement,clarification_notes,confirmed_requirement,plan,tasks_json,design,input_hashes_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Title, s.Stage, s.RawInput,
		nullable(s.Requirement), nullable(s.ClarificationNotes), nullable(s.ConfirmedRequirement),
		nullable(s.Plan), nullable(s.TasksJSON), nullable(s.Design), nullable(s.InputHashesJSON),
		s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateStory(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	_, err := tx.ExecContext(ctx, `UPDATE stories SET title=?, stage=?, raw_input=?, requirement=?, clarification_notes=?, confirmed_requirement=?, plan=?, tasks_json=?, design=?, input_hashes_json=?, updated_at=? WHERE id=?`,
		s.Title, s.Stage, s.RawInput,
		nullable(s.Requirement), nullable(s.ClarificationNotes), nullable(s.ConfirmedRequirement),
		nullable(s.Plan), nullable(s.TasksJSON), nullable(s.Design), nullable(s.InputHashesJSON),
		s.UpdatedAt, s.ID)
	return err
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id)
	return scanStory(row.Scan)
}

func (r Repo) GetStoryTx(ctx context.Context, tx *sql.Tx, id string) (domain.Story, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id)
	return scanStory(row.Scan)
}

func (r Repo) ListStories(ctx context.Context, projectID, stageFilter string) ([]domain.Story, error) {
	q := `SELECT ` + storyColumns + ` FROM stories WHERE project_id=?`
	args := []any{projectID}
	if stageFilter != "" {
		q += ` AND stage=?`
		args = append(args, stageFilter)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Story
	for rows.Next() {
		s, err := scanStory(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}
