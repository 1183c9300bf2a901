package leaderboard

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TriviaNFT/trivianft/internal/domain"
)

// PGStore owns the season_points table and the category aggregates over
// sessions.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// Apply locks the identity's row, folds the update in and commits. The
// running answer-time average is advanced incrementally from the sample, not
// re-averaged from history. first_achieved_at keeps its earliest value.
func (s *PGStore) Apply(ctx context.Context, u Update) (sp domain.SeasonPoints, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return sp, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const sel = `
SELECT points, perfect_count, tokens_minted, avg_answer_ms, answer_count, sessions_used, first_achieved_at
FROM season_points
WHERE identity = $1 AND season = $2
FOR UPDATE;`

	var firstAt *time.Time
	row := tx.QueryRow(ctx, sel, u.Identity, u.Season)
	err = row.Scan(&sp.Points, &sp.PerfectCount, &sp.TokensMinted, &sp.AvgAnswerMs, &sp.AnswerCount, &sp.SessionsUsed, &firstAt)
	switch {
	case err == nil:
		if firstAt != nil {
			sp.FirstAchievedAt = *firstAt
		}
	case stderrors.Is(err, pgx.ErrNoRows):
		// First update for this identity and season.
	default:
		return sp, fmt.Errorf("select season points: %w", err)
	}

	sp.Identity = u.Identity
	sp.Season = u.Season
	sp.Points += u.PointsDelta
	sp.PerfectCount += u.PerfectDelta
	sp.TokensMinted += u.TokensMintedDelta
	sp.SessionsUsed += u.SessionsDelta

	if u.AnswerCount > 0 {
		n := sp.AnswerCount + u.AnswerCount
		sp.AvgAnswerMs += float64(u.AnswerCount) * (float64(u.AvgAnswerMs) - sp.AvgAnswerMs) / float64(n)
		sp.AnswerCount = n
	}

	if sp.FirstAchievedAt.IsZero() || (!u.AchievedAt.IsZero() && u.AchievedAt.Before(sp.FirstAchievedAt)) {
		sp.FirstAchievedAt = u.AchievedAt
	}

	const upsert = `
INSERT INTO season_points (identity, season, points, perfect_count, tokens_minted, avg_answer_ms, answer_count, sessions_used, first_achieved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (identity, season) DO UPDATE SET
	points = EXCLUDED.points,
	perfect_count = EXCLUDED.perfect_count,
	tokens_minted = EXCLUDED.tokens_minted,
	avg_answer_ms = EXCLUDED.avg_answer_ms,
	answer_count = EXCLUDED.answer_count,
	sessions_used = EXCLUDED.sessions_used,
	first_achieved_at = EXCLUDED.first_achieved_at;`

	var achieved any
	if !sp.FirstAchievedAt.IsZero() {
		achieved = sp.FirstAchievedAt
	}
	_, err = tx.Exec(ctx, upsert,
		sp.Identity, sp.Season, sp.Points, sp.PerfectCount, sp.TokensMinted,
		sp.AvgAnswerMs, sp.AnswerCount, sp.SessionsUsed, achieved)
	if err != nil {
		return sp, fmt.Errorf("upsert season points: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return sp, fmt.Errorf("commit: %w", err)
	}

	return sp, nil
}

func (s *PGStore) Get(ctx context.Context, identity, season string) (domain.SeasonPoints, error) {
	records, err := s.GetMany(ctx, []string{identity}, season)
	if err != nil {
		return domain.SeasonPoints{}, err
	}
	return records[identity], nil
}

func (s *PGStore) GetMany(ctx context.Context, identities []string, season string) (map[string]domain.SeasonPoints, error) {
	const stmt = `
SELECT identity, points, perfect_count, tokens_minted, avg_answer_ms, answer_count, sessions_used, first_achieved_at
FROM season_points
WHERE identity = ANY($1) AND season = $2;`

	rows, err := s.db.Query(ctx, stmt, identities, season)
	if err != nil {
		return nil, fmt.Errorf("select season points: %w", err)
	}

	records := make(map[string]domain.SeasonPoints, len(identities))
	for rows.Next() {
		var (
			sp      domain.SeasonPoints
			firstAt *time.Time
		)
		if err := rows.Scan(&sp.Identity, &sp.Points, &sp.PerfectCount, &sp.TokensMinted,
			&sp.AvgAnswerMs, &sp.AnswerCount, &sp.SessionsUsed, &firstAt); err != nil {
			return nil, fmt.Errorf("scan season points: %w", err)
		}
		sp.Season = season
		if firstAt != nil {
			sp.FirstAchievedAt = *firstAt
		}
		records[sp.Identity] = sp
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// CategoryStanding aggregates the identity's completed sessions in one
// category. Category ladders are computed from session history, not from the
// season points table.
func (s *PGStore) CategoryStanding(ctx context.Context, identity, category, season string) (CategoryStanding, error) {
	const stmt = `
SELECT COALESCE(SUM(score), 0),
       COALESCE(COUNT(*) FILTER (WHERE perfect), 0),
       COALESCE(AVG(avg_answer_ms), 0),
       COUNT(*),
       MIN(completed_at)
FROM sessions
WHERE identity = $1 AND category = $2 AND season = $3;`

	st := CategoryStanding{Identity: identity}
	var firstAt *time.Time
	err := s.db.QueryRow(ctx, stmt, identity, category, season).
		Scan(&st.Points, &st.PerfectCount, &st.AvgAnswerMs, &st.SessionsUsed, &firstAt)
	if err != nil {
		return st, fmt.Errorf("aggregate category sessions: %w", err)
	}
	if firstAt != nil {
		st.FirstAt = *firstAt
	}

	return st, nil
}
