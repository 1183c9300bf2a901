package reward

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
	"github.com/TriviaNFT/trivianft/internal/ledger"
)

const (
	stepValidateEligibility = "validate_eligibility"
	stepCheckStock          = "check_stock"
	stepReserveItem         = "reserve_item"
	stepSubmitMint          = "submit_mint"
	stepWaitMint            = "wait_mint_confirmation"
	stepFinalize            = "finalize"
)

func (s *Service) mintSteps() []step {
	return []step{
		{stepValidateEligibility, s.validateEligibility},
		{stepCheckStock, s.checkStock},
		{stepReserveItem, s.reserveItem},
		{stepSubmitMint, s.submitMint},
		{stepWaitMint, s.waitMint},
		{stepFinalize, s.finalizeMint},
	}
}

// validateEligibility checks ownership, status and expiry. Every failure here
// is permanent: retrying cannot make an expired or foreign eligibility valid.
func (s *Service) validateEligibility(ctx context.Context, op *domain.Operation) (string, error) {
	e, err := s.store.GetEligibility(ctx, op.EligibilityID)
	if err != nil {
		return "", err
	}

	if e.Identity != op.Identity {
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("eligibility %s ownership mismatch", e.ID))
	}

	switch e.Status {
	case domain.EligibilityActive:
	case domain.EligibilityUsed:
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("eligibility %s already used", e.ID))
	default:
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("eligibility %s expired", e.ID))
	}

	if time.Now().After(e.ExpiresAt) {
		// Expiry is discovered lazily, here.
		if err := s.store.MarkEligibility(ctx, e.ID, domain.EligibilityExpired); err != nil {
			return "", fmt.Errorf("mark eligibility expired: %w", err)
		}
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("eligibility %s expired", e.ID))
	}

	if op.Kind == domain.OperationMint && e.Type != domain.EligibilityCategory {
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("eligibility %s is a %s eligibility, not mintable", e.ID, e.Type))
	}
	if op.Kind == domain.OperationForge && e.Type != domain.EligibilityType(op.ForgeType) {
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("eligibility %s does not allow a %s forge", e.ID, op.ForgeType))
	}

	return e.Ref, nil
}

func (s *Service) checkStock(ctx context.Context, op *domain.Operation) (string, error) {
	category := op.StepResults[stepValidateEligibility]

	n, err := s.store.CountStock(ctx, category, s.rules.Season)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("stock exhausted for category %s", category))
	}

	return fmt.Sprintf("%d", n), nil
}

func (s *Service) reserveItem(ctx context.Context, op *domain.Operation) (string, error) {
	category := op.StepResults[stepValidateEligibility]

	item, err := s.store.ReserveItem(ctx, category, s.rules.Season)
	if err != nil {
		return "", err
	}

	op.CatalogItemID = item.ID
	return item.ID, nil
}

// submitMint submits the mint transaction and records the hash on the
// operation in the same write as the step result. A hash already recorded at
// this step's position means the submission happened on an earlier attempt,
// so the step returns it instead of submitting again.
func (s *Service) submitMint(ctx context.Context, op *domain.Operation) (string, error) {
	if hash, ok := submittedHash(op, 0); ok {
		return hash, nil
	}

	item, err := s.store.GetCatalogItem(ctx, op.CatalogItemID)
	if err != nil {
		return "", err
	}

	tx, err := s.builder.Mint(ctx, ledger.MintRequest{
		AssetName:   assetName(item.Name),
		Destination: op.Destination,
		Metadata: ledger.TokenMetadata{
			Name:     item.Name,
			Category: item.Category,
			Season:   item.Season,
			Tier:     item.Tier,
		},
	})
	if err != nil {
		return "", err
	}

	if err := s.recordSubmission(ctx, op, stepSubmitMint, tx.Hash); err != nil {
		return "", err
	}

	return tx.Hash, nil
}

func (s *Service) waitMint(ctx context.Context, op *domain.Operation) (string, error) {
	if len(op.TxHashes) == 0 {
		return "", errors.Internal(fmt.Errorf("no tx hash to confirm for operation %s", op.ID))
	}

	hash := op.TxHashes[len(op.TxHashes)-1]
	if err := s.waitConfirmation(ctx, hash); err != nil {
		return "", err
	}

	return hash, nil
}

func (s *Service) finalizeMint(ctx context.Context, op *domain.Operation) (string, error) {
	item, err := s.store.GetCatalogItem(ctx, op.CatalogItemID)
	if err != nil {
		return "", err
	}

	if err := s.store.MarkOperation(ctx, *op, domain.OperationConfirmed, ""); err != nil {
		return "", fmt.Errorf("mark operation confirmed: %w", err)
	}

	if err := s.store.MarkEligibility(ctx, op.EligibilityID, domain.EligibilityUsed); err != nil {
		return "", fmt.Errorf("mark eligibility used: %w", err)
	}

	if err := s.store.MarkItemMinted(ctx, item.ID); err != nil {
		return "", fmt.Errorf("mark catalog item minted: %w", err)
	}

	token, err := s.writeToken(ctx, op, assetName(item.Name), item.Category, item.Season, item.Tier)
	if err != nil {
		return "", err
	}

	s.eb.Publish(ctx, domain.EventRewardConfirmed{Operation: *op, Token: token})

	return token.ID, nil
}

func (s *Service) writeToken(ctx context.Context, op *domain.Operation, name, category, season, tier string) (domain.PlayerToken, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.PlayerToken{}, fmt.Errorf("generate token id: %w", err)
	}

	t := domain.PlayerToken{
		ID:          id.String(),
		Identity:    op.Identity,
		AssetName:   name,
		PolicyID:    s.builder.PolicyID(),
		Category:    category,
		Season:      season,
		Tier:        tier,
		Status:      domain.TokenOwned,
		OperationID: op.ID,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.InsertToken(ctx, t); err != nil {
		return t, fmt.Errorf("insert player token: %w", err)
	}

	return t, nil
}

// assetName strips characters the ledger's asset-name encoding rejects.
func assetName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, name)
}
