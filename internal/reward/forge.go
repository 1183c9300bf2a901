package reward

import (
	"context"
	"fmt"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
	"github.com/TriviaNFT/trivianft/internal/ledger"
)

const (
	stepValidateInputs   = "validate_inputs"
	stepValidateGrouping = "validate_grouping"
	stepSubmitBurn       = "submit_burn"
	stepWaitBurn         = "wait_burn_confirmation"
)

func (s *Service) forgeSteps() []step {
	return []step{
		{stepValidateEligibility, s.validateEligibility},
		{stepValidateInputs, s.validateInputs},
		{stepValidateGrouping, s.validateGrouping},
		{stepSubmitBurn, s.submitBurn},
		{stepWaitBurn, s.waitBurn},
		{stepSubmitMint, s.submitForgeMint},
		{stepWaitMint, s.waitMint},
		{stepFinalize, s.finalizeForge},
	}
}

// validateInputs requires every input token to exist, belong to the forging
// identity and still be owned. Any shortfall is permanent.
func (s *Service) validateInputs(ctx context.Context, op *domain.Operation) (string, error) {
	if len(op.InputTokenIDs) == 0 {
		return "", errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("forge requires input tokens"))
	}

	tokens, err := s.store.GetTokens(ctx, op.InputTokenIDs)
	if err != nil {
		return "", err
	}
	if len(tokens) != len(op.InputTokenIDs) {
		return "", errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("ownership check failed: %d of %d input tokens found",
				len(tokens), len(op.InputTokenIDs)))
	}

	for _, t := range tokens {
		if t.Identity != op.Identity {
			return "", errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("token %s ownership mismatch", t.ID))
		}
		if t.Status != domain.TokenOwned {
			return "", errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("token %s is already %s", t.ID, t.Status))
		}
	}

	return fmt.Sprintf("%d", len(tokens)), nil
}

// validateGrouping enforces the forge-type rule over the input set:
// a category forge needs all inputs from one category, a master forge one
// input from each distinct category, a season forge all inputs from one
// season.
func (s *Service) validateGrouping(ctx context.Context, op *domain.Operation) (string, error) {
	tokens, err := s.store.GetTokens(ctx, op.InputTokenIDs)
	if err != nil {
		return "", err
	}

	switch op.ForgeType {
	case domain.ForgeCategory:
		for _, t := range tokens {
			if t.Category != tokens[0].Category {
				return "", errors.New(errors.CodeFailedPrecondition,
					errors.WithMessagef("category forge requires all inputs from one category, got %s and %s",
						tokens[0].Category, t.Category))
			}
		}
		return tokens[0].Category, nil

	case domain.ForgeMaster:
		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			if seen[t.Category] {
				return "", errors.New(errors.CodeFailedPrecondition,
					errors.WithMessagef("master forge requires inputs from distinct categories, %s repeats", t.Category))
			}
			seen[t.Category] = true
		}
		return fmt.Sprintf("%d", len(seen)), nil

	case domain.ForgeSeason:
		for _, t := range tokens {
			if t.Season != tokens[0].Season {
				return "", errors.New(errors.CodeFailedPrecondition,
					errors.WithMessagef("season forge requires all inputs from one season, got %s and %s",
						tokens[0].Season, t.Season))
			}
		}
		return tokens[0].Season, nil

	default:
		return "", errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown forge type %q", op.ForgeType))
	}
}

// submitBurn burns every input token in one transaction and chains the hash
// onto the operation record. A hash already at the burn position means an
// earlier attempt submitted it, so the step only returns it.
func (s *Service) submitBurn(ctx context.Context, op *domain.Operation) (string, error) {
	if hash, ok := submittedHash(op, 0); ok {
		return hash, nil
	}

	tokens, err := s.store.GetTokens(ctx, op.InputTokenIDs)
	if err != nil {
		return "", err
	}

	units := make(map[string]uint64, len(tokens))
	for _, t := range tokens {
		units[ledger.AssetUnit(t.PolicyID, t.AssetName)]++
	}

	tx, err := s.builder.Burn(ctx, ledger.BurnRequest{
		OwnerAddress: op.Destination,
		BurnUnits:    units,
	})
	if err != nil {
		return "", err
	}

	if err := s.recordSubmission(ctx, op, stepSubmitBurn, tx.Hash); err != nil {
		return "", err
	}

	return tx.Hash, nil
}

func (s *Service) waitBurn(ctx context.Context, op *domain.Operation) (string, error) {
	hash := op.StepResults[stepSubmitBurn]
	if hash == "" {
		return "", errors.Internal(fmt.Errorf("no burn tx hash for operation %s", op.ID))
	}

	if err := s.waitConfirmation(ctx, hash); err != nil {
		return "", err
	}

	return hash, nil
}

// submitForgeMint mints the single forged output back to the player and
// chains the second hash onto the same operation record. The burn hash sits
// at position zero, so a second hash means this mint was already submitted.
func (s *Service) submitForgeMint(ctx context.Context, op *domain.Operation) (string, error) {
	if hash, ok := submittedHash(op, 1); ok {
		return hash, nil
	}

	name, tier := s.forgedToken(op)

	tx, err := s.builder.Mint(ctx, ledger.MintRequest{
		AssetName:   name,
		Destination: op.Destination,
		Metadata: ledger.TokenMetadata{
			Name:   name,
			Season: s.rules.Season,
			Tier:   tier,
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

func (s *Service) finalizeForge(ctx context.Context, op *domain.Operation) (string, error) {
	if err := s.store.MarkOperation(ctx, *op, domain.OperationConfirmed, ""); err != nil {
		return "", fmt.Errorf("mark operation confirmed: %w", err)
	}

	if err := s.store.MarkEligibility(ctx, op.EligibilityID, domain.EligibilityUsed); err != nil {
		return "", fmt.Errorf("mark eligibility used: %w", err)
	}

	if err := s.store.MarkTokensBurned(ctx, op.InputTokenIDs); err != nil {
		return "", fmt.Errorf("mark input tokens burned: %w", err)
	}

	name, tier := s.forgedToken(op)
	category := ""
	if op.ForgeType == domain.ForgeCategory {
		category = op.StepResults[stepValidateGrouping]
	}

	token, err := s.writeToken(ctx, op, name, category, s.rules.Season, tier)
	if err != nil {
		return "", err
	}

	s.eb.Publish(ctx, domain.EventRewardConfirmed{Operation: *op, Token: token})

	return token.ID, nil
}

type UnsignedForgeRequest struct {
	Identity      string
	ForgeType     domain.ForgeType
	InputTokenIDs []string
	OwnerAddress  string
}

// BuildUnsignedForge validates the input set and returns one serialized
// burn-and-mint transaction, unsigned, for client-side signing. The player
// owns the burned inputs, so the backend key cannot sign this path.
func (s *Service) BuildUnsignedForge(ctx context.Context, req UnsignedForgeRequest) (*ledger.Tx, error) {
	op := domain.Operation{
		Kind:          domain.OperationForge,
		ForgeType:     req.ForgeType,
		Identity:      req.Identity,
		Destination:   req.OwnerAddress,
		InputTokenIDs: req.InputTokenIDs,
		StepResults:   map[string]string{},
	}

	if _, err := s.validateInputs(ctx, &op); err != nil {
		return nil, err
	}
	groupRef, err := s.validateGrouping(ctx, &op)
	if err != nil {
		return nil, err
	}
	op.StepResults[stepValidateGrouping] = groupRef

	tokens, err := s.store.GetTokens(ctx, op.InputTokenIDs)
	if err != nil {
		return nil, err
	}
	units := make(map[string]uint64, len(tokens))
	for _, t := range tokens {
		units[ledger.AssetUnit(t.PolicyID, t.AssetName)]++
	}

	name, tier := s.forgedToken(&op)
	return s.builder.Forge(ctx, ledger.ForgeRequest{
		OwnerAddress: req.OwnerAddress,
		BurnUnits:    units,
		AssetName:    name,
		Metadata: ledger.TokenMetadata{
			Name:   name,
			Season: s.rules.Season,
			Tier:   tier,
		},
		Unsigned: true,
	})
}

// forgedToken names the output token for a forge. Category forges mint the
// category's top tier; master and season forges mint season-wide tokens.
func (s *Service) forgedToken(op *domain.Operation) (name, tier string) {
	switch op.ForgeType {
	case domain.ForgeCategory:
		ref := op.StepResults[stepValidateGrouping]
		return assetName(fmt.Sprintf("TOP %s %s", ref, s.rules.Season)), "category-top"
	case domain.ForgeMaster:
		return assetName(fmt.Sprintf("MASTER %s", s.rules.Season)), "master"
	default:
		return assetName(fmt.Sprintf("SEASON %s", s.rules.Season)), "season"
	}
}
