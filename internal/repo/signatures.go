package repo

import (
	"context"
	"database/sql"

	"expectline/internal/domain"
)

func (r Repo) UpsertSignatureTx(ctx context.Context, tx *sql.Tx, s domain.Signature) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signatures(inject_id,agent_id,kind,at) VALUES (?,?,?,?)
ON CONFLICT(inject_id,agent_id,kind) DO UPDATE SET at=excluded.at`, s.InjectID, s.AgentID, string(s.Kind), s.At)
	return err
}

// SignatureWindow holds the start/end markers recorded for one (inject, agent).
type SignatureWindow struct {
	Start string
	End   string
}

func (r Repo) GetSignatureWindow(ctx context.Context, injectID, agentID string) (SignatureWindow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kind, at FROM signatures WHERE inject_id=? AND agent_id=?`, injectID, agentID)
	if err != nil {
		return SignatureWindow{}, err
	}
	defer rows.Close()
	var w SignatureWindow
	for rows.Next() {
		var kind, at string
		if err := rows.Scan(&kind, &at); err != nil {
			return SignatureWindow{}, err
		}
		switch domain.SignatureKind(kind) {
		case domain.SignatureStart:
			w.Start = at
		case domain.SignatureEnd:
			w.End = at
		}
	}
	return w, rows.Err()
}

func (r Repo) ListSignatures(ctx context.Context, injectID string) ([]domain.Signature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT inject_id, agent_id, kind, at FROM signatures WHERE inject_id=? ORDER BY agent_id, kind`, injectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signature
	for rows.Next() {
		var s domain.Signature
		var kind string
		if err := rows.Scan(&s.InjectID, &s.AgentID, &kind, &s.At); err != nil {
			return nil, err
		}
		s.Kind = domain.SignatureKind(kind)
		res = append(res, s)
	}
	return res, rows.Err()
}
