package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TriviaNFT/trivianft/internal/domain"
)

// PGStore persists completed sessions and eligibilities to postgres.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) InsertSession(ctx context.Context, ss domain.CompletedSession) error {
	const stmt = `
INSERT INTO sessions (session_id, identity, category, season, score, total, won, perfect, avg_answer_ms, duration_ms, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (session_id) DO NOTHING;`

	_, err := s.db.Exec(ctx, stmt,
		ss.ID, ss.Identity, ss.Category, ss.Season, ss.Score, ss.Total,
		ss.Won, ss.Perfect, ss.AvgAnswerMs, ss.DurationMs, ss.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

func (s *PGStore) InsertEligibility(ctx context.Context, e domain.Eligibility) error {
	const stmt = `
INSERT INTO eligibilities (eligibility_id, type, identity, ref, status, session_id, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	_, err := s.db.Exec(ctx, stmt,
		e.ID, e.Type, e.Identity, e.Ref, e.Status, e.SessionID, e.ExpiresAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert eligibility: %w", err)
	}

	return nil
}
