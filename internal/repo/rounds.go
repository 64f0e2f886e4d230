package repo

import (
	"context"
	"database/sql"

	"storyline/internal/domain"
)

func scanRound(scan func(dest ...any) error) (domain.Round, error) {
	var rd domain.Round
	var branch sql.NullString
	var closeReason, closedAt sql.NullString
	err := scan(&rd.ID, &rd.StoryID, &rd.Number, &rd.Type, &rd.Status, &branch, &closeReason, &rd.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return rd, ErrNotFound
	}
	if err != nil {
		return rd, err
	}
	if branch.Valid {
		rd.BranchName = branch.String
	}
	if closeReason.Valid {
		rd.CloseReason = &closeReason.String
	}
	if closedAt.Valid {
		rd.ClosedAt = &closedAt.String
	}
	return rd, nil
}

func (r Repo) InsertRound(ctx context.Context, tx *sql.Tx, rd domain.Round) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rounds(id,story_id,number,type,status,branch_name,close_reason,created_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		rd.ID, rd.StoryID, rd.Number, rd.Type, rd.Status, nullable(rd.BranchName),
		nullableStringPtr(rd.CloseReason), rd.CreatedAt, nullableStringPtr(rd.ClosedAt))
	return err
}

// CloseRound marks a round closed with a reason. Closing an already closed
// round is an error at the caller's level, not here.
func (r Repo) CloseRound(ctx context.Context, tx *sql.Tx, roundID, reason, closedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE rounds SET status=?, close_reason=?, closed_at=? WHERE id=?`,
		domain.RoundStatusClosed, nullable(reason), closedAt, roundID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRound(ctx context.Context, id string) (domain.Round, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,story_id,number,type,status,branch_name,close_reason,created_at,closed_at FROM rounds WHERE id=?`, id)
	return scanRound(row.Scan)
}

// ActiveRound returns the story's single active round.
func (r Repo) ActiveRound(ctx context.Context, storyID string) (domain.Round, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,story_id,number,type,status,branch_name,close_reason,created_at,closed_at FROM rounds WHERE story_id=? AND status=?`,
		storyID, domain.RoundStatusActive)
	return scanRound(row.Scan)
}

func (r Repo) ListRounds(ctx context.Context, storyID string) ([]domain.Round, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,story_id,number,type,status,branch_name,close_reason,created_at,closed_at FROM rounds WHERE story_id=? ORDER BY number ASC`,
		storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Round
	for rows.Next() {
		rd, err := scanRound(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rd)
	}
	return res, nil
}

func (r Repo) MaxRoundNumber(ctx context.Context, tx *sql.Tx, storyID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(number),0) FROM rounds WHERE story_id=?`, storyID).Scan(&n)
	return n, err
}

func (r Repo) InsertPullRequest(ctx context.Context, tx *sql.Tx, pr domain.PullRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pull_requests(id,round_id,repo_url,number,url,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		pr.ID, pr.RoundID, pr.RepoURL, pr.Number, nullable(pr.URL), pr.Status, pr.CreatedAt, pr.UpdatedAt)
	return err
}

func (r Repo) UpdatePullRequestStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE pull_requests SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListPullRequests(ctx context.Context, roundID string) ([]domain.PullRequest, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,round_id,repo_url,number,COALESCE(url,''),status,created_at,updated_at FROM pull_requests WHERE round_id=? ORDER BY created_at ASC`,
		roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PullRequest
	for rows.Next() {
		var pr domain.PullRequest
		if err := rows.Scan(&pr.ID, &pr.RoundID, &pr.RepoURL, &pr.Number, &pr.URL, &pr.Status, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, pr)
	}
	return res, nil
}

// LatestOpenPullRequest returns the round's most recent open PR.
func (r Repo) LatestOpenPullRequest(ctx context.Context, roundID string) (domain.PullRequest, error) {
	var pr domain.PullRequest
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,round_id,repo_url,number,COALESCE(url,''),status,created_at,updated_at FROM pull_requests WHERE round_id=? AND status=? ORDER BY created_at DESC LIMIT 1`,
		roundID, domain.PRStatusOpen).
		Scan(&pr.ID, &pr.RoundID, &pr.RepoURL, &pr.Number, &pr.URL, &pr.Status, &pr.CreatedAt, &pr.UpdatedAt)
	if err == sql.ErrNoRows {
		return pr, ErrNotFound
	}
	return pr, err
}
