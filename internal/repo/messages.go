package repo

import (
	"context"

	"storyline/internal/domain"
)

// InsertMessage appends one message to a round's log. The caller assigns seq;
// the UNIQUE(round_id,seq) constraint rejects duplicates.
func (r Repo) InsertMessage(ctx context.Context, m domain.RoundMessage) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO round_messages(round_id,seq,type,content,ts) VALUES (?,?,?,?,?)`,
		m.RoundID, m.Seq, m.Type, nullable(m.Content), m.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListMessages returns a round's messages in seq order, optionally starting
// after a given seq.
func (r Repo) ListMessages(ctx context.Context, roundID string, afterSeq int64) ([]domain.RoundMessage, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,round_id,seq,type,COALESCE(content,''),ts FROM round_messages WHERE round_id=? AND seq>? ORDER BY seq ASC`,
		roundID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoundMessage
	for rows.Next() {
		var m domain.RoundMessage
		if err := rows.Scan(&m.ID, &m.RoundID, &m.Seq, &m.Type, &m.Content, &m.TS); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

// MaxSeq returns the highest seq used in a round's log, 0 when empty.
func (r Repo) MaxSeq(ctx context.Context, roundID string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM round_messages WHERE round_id=?`, roundID).Scan(&seq)
	return seq, err
}
