package reward

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
)

// PGStore owns the eligibilities, mints, forge_operations, catalog and
// player_tokens tables. Mint and forge operations live in separate tables
// sharing one shape.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) GetEligibility(ctx context.Context, id string) (domain.Eligibility, error) {
	const stmt = `
SELECT eligibility_id, type, identity, ref, status, session_id, expires_at, created_at
FROM eligibilities
WHERE eligibility_id = $1;`

	var e domain.Eligibility
	err := s.db.QueryRow(ctx, stmt, id).Scan(
		&e.ID, &e.Type, &e.Identity, &e.Ref, &e.Status, &e.SessionID, &e.ExpiresAt, &e.CreatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return e, errors.New(errors.CodeNotFound, errors.WithMessagef("eligibility not found: %s", id))
	}
	if err != nil {
		return e, fmt.Errorf("select eligibility: %w", err)
	}

	return e, nil
}

// MarkEligibility flips an active eligibility to used or expired. Used and
// expired eligibilities are immutable.
func (s *PGStore) MarkEligibility(ctx context.Context, id string, status domain.EligibilityStatus) error {
	const stmt = `
UPDATE eligibilities SET status = $2
WHERE eligibility_id = $1 AND status = 'active';`

	tag, err := s.db.Exec(ctx, stmt, id, status)
	if err != nil {
		return fmt.Errorf("update eligibility status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("eligibility %s is not active", id))
	}

	return nil
}

func opTable(kind domain.OperationKind) string {
	if kind == domain.OperationForge {
		return "forge_operations"
	}
	return "mints"
}

func (s *PGStore) CreateOperation(ctx context.Context, op domain.Operation) (domain.Operation, error) {
	// The conflict no-op update makes RETURNING yield the existing row, so a
	// redelivered event always gets the operation already bound to the
	// eligibility.
	stmt := fmt.Sprintf(`
INSERT INTO %s (operation_id, eligibility_id, forge_type, identity, destination, catalog_item_id, input_token_ids, status, tx_hashes, last_step, step_results, attempts, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
ON CONFLICT (eligibility_id) DO UPDATE SET eligibility_id = EXCLUDED.eligibility_id
RETURNING operation_id, eligibility_id, forge_type, identity, destination, catalog_item_id, input_token_ids, status, tx_hashes, last_step, step_results, attempts, error, created_at, updated_at;`,
		opTable(op.Kind))

	row := s.db.QueryRow(ctx, stmt,
		op.ID, op.EligibilityID, op.ForgeType, op.Identity, op.Destination,
		op.CatalogItemID, op.InputTokenIDs, op.Status, op.TxHashes,
		op.LastStep, op.StepResults, op.Attempts, op.Error, op.CreatedAt)

	got, err := scanOperation(row, op.Kind)
	if err != nil {
		return op, fmt.Errorf("insert operation: %w", err)
	}

	return got, nil
}

func (s *PGStore) UpdateProgress(ctx context.Context, op domain.Operation) error {
	stmt := fmt.Sprintf(`
UPDATE %s
SET catalog_item_id = $2, tx_hashes = $3, last_step = $4, step_results = $5, attempts = $6, updated_at = $7
WHERE operation_id = $1;`, opTable(op.Kind))

	_, err := s.db.Exec(ctx, stmt,
		op.ID, op.CatalogItemID, op.TxHashes, op.LastStep, op.StepResults, op.Attempts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update operation progress: %w", err)
	}

	return nil
}

func (s *PGStore) MarkOperation(ctx context.Context, op domain.Operation, status domain.OperationStatus, errMsg string) error {
	stmt := fmt.Sprintf(`
UPDATE %s SET status = $2, error = $3, last_step = $4, step_results = $5, updated_at = $6
WHERE operation_id = $1;`, opTable(op.Kind))

	_, err := s.db.Exec(ctx, stmt, op.ID, status, errMsg, op.LastStep, op.StepResults, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark operation %s: %w", status, err)
	}

	return nil
}

func (s *PGStore) GetOperation(ctx context.Context, kind domain.OperationKind, id string) (domain.Operation, error) {
	stmt := fmt.Sprintf(`
SELECT operation_id, eligibility_id, forge_type, identity, destination, catalog_item_id, input_token_ids, status, tx_hashes, last_step, step_results, attempts, error, created_at, updated_at
FROM %s WHERE operation_id = $1;`, opTable(kind))

	op, err := scanOperation(s.db.QueryRow(ctx, stmt, id), kind)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return op, errors.New(errors.CodeNotFound, errors.WithMessagef("operation not found: %s", id))
	}
	if err != nil {
		return op, fmt.Errorf("select operation: %w", err)
	}

	return op, nil
}

func (s *PGStore) PendingOperations(ctx context.Context) ([]domain.Operation, error) {
	var ops []domain.Operation

	for _, kind := range []domain.OperationKind{domain.OperationMint, domain.OperationForge} {
		stmt := fmt.Sprintf(`
SELECT operation_id, eligibility_id, forge_type, identity, destination, catalog_item_id, input_token_ids, status, tx_hashes, last_step, step_results, attempts, error, created_at, updated_at
FROM %s WHERE status = 'pending' ORDER BY created_at;`, opTable(kind))

		rows, err := s.db.Query(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("select pending %s: %w", opTable(kind), err)
		}

		for rows.Next() {
			op, err := scanOperation(rows, kind)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan pending operation: %w", err)
			}
			ops = append(ops, op)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return ops, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner, kind domain.OperationKind) (domain.Operation, error) {
	op := domain.Operation{Kind: kind}
	err := row.Scan(
		&op.ID, &op.EligibilityID, &op.ForgeType, &op.Identity, &op.Destination,
		&op.CatalogItemID, &op.InputTokenIDs, &op.Status, &op.TxHashes,
		&op.LastStep, &op.StepResults, &op.Attempts, &op.Error,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return op, err
	}
	if op.StepResults == nil {
		op.StepResults = map[string]string{}
	}
	return op, nil
}

func (s *PGStore) CountStock(ctx context.Context, category, season string) (int64, error) {
	const stmt = `
SELECT COUNT(*) FROM catalog
WHERE category = $1 AND season = $2 AND status = 'available';`

	var n int64
	if err := s.db.QueryRow(ctx, stmt, category, season).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stock: %w", err)
	}

	return n, nil
}

// ReserveItem claims one available catalog item. SKIP LOCKED keeps concurrent
// workflows from fighting over the same row.
func (s *PGStore) ReserveItem(ctx context.Context, category, season string) (domain.CatalogItem, error) {
	const stmt = `
UPDATE catalog SET status = 'reserved'
WHERE item_id = (
	SELECT item_id FROM catalog
	WHERE category = $1 AND season = $2 AND status = 'available'
	ORDER BY item_id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING item_id, category, season, name, tier, status;`

	var item domain.CatalogItem
	err := s.db.QueryRow(ctx, stmt, category, season).Scan(
		&item.ID, &item.Category, &item.Season, &item.Name, &item.Tier, &item.Status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return item, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("stock exhausted for category %s", category))
	}
	if err != nil {
		return item, fmt.Errorf("reserve catalog item: %w", err)
	}

	return item, nil
}

func (s *PGStore) GetCatalogItem(ctx context.Context, id string) (domain.CatalogItem, error) {
	const stmt = `
SELECT item_id, category, season, name, tier, status FROM catalog WHERE item_id = $1;`

	var item domain.CatalogItem
	err := s.db.QueryRow(ctx, stmt, id).Scan(
		&item.ID, &item.Category, &item.Season, &item.Name, &item.Tier, &item.Status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return item, errors.New(errors.CodeNotFound, errors.WithMessagef("catalog item not found: %s", id))
	}
	if err != nil {
		return item, fmt.Errorf("select catalog item: %w", err)
	}

	return item, nil
}

func (s *PGStore) MarkItemMinted(ctx context.Context, id string) error {
	const stmt = `UPDATE catalog SET status = 'minted' WHERE item_id = $1;`

	if _, err := s.db.Exec(ctx, stmt, id); err != nil {
		return fmt.Errorf("mark catalog item minted: %w", err)
	}

	return nil
}

func (s *PGStore) GetTokens(ctx context.Context, ids []string) ([]domain.PlayerToken, error) {
	const stmt = `
SELECT token_id, identity, asset_name, policy_id, category, season, tier, status, operation_id, created_at
FROM player_tokens
WHERE token_id = ANY($1);`

	rows, err := s.db.Query(ctx, stmt, ids)
	if err != nil {
		return nil, fmt.Errorf("select tokens: %w", err)
	}

	tokens, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.PlayerToken, error) {
		var t domain.PlayerToken
		err := r.Scan(&t.ID, &t.Identity, &t.AssetName, &t.PolicyID, &t.Category,
			&t.Season, &t.Tier, &t.Status, &t.OperationID, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect tokens: %w", err)
	}

	return tokens, nil
}

func (s *PGStore) MarkTokensBurned(ctx context.Context, ids []string) error {
	const stmt = `UPDATE player_tokens SET status = 'burned' WHERE token_id = ANY($1);`

	if _, err := s.db.Exec(ctx, stmt, ids); err != nil {
		return fmt.Errorf("mark tokens burned: %w", err)
	}

	return nil
}

func (s *PGStore) InsertToken(ctx context.Context, t domain.PlayerToken) error {
	const stmt = `
INSERT INTO player_tokens (token_id, identity, asset_name, policy_id, category, season, tier, status, operation_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (operation_id) DO NOTHING;`

	_, err := s.db.Exec(ctx, stmt,
		t.ID, t.Identity, t.AssetName, t.PolicyID, t.Category, t.Season, t.Tier, t.Status, t.OperationID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert player token: %w", err)
	}

	return nil
}
