package reward

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
	"github.com/TriviaNFT/trivianft/internal/event"
	"github.com/TriviaNFT/trivianft/internal/ledger"
)

// Store is the durable side of the workflow: eligibilities, operation records
// with their step cursor, catalog stock and player tokens.
type Store interface {
	GetEligibility(ctx context.Context, id string) (domain.Eligibility, error)
	MarkEligibility(ctx context.Context, id string, status domain.EligibilityStatus) error

	// CreateOperation inserts a pending operation, or returns the existing
	// one when the eligibility already has an operation. The eligibility id
	// is the idempotency key for the entire workflow.
	CreateOperation(ctx context.Context, op domain.Operation) (domain.Operation, error)
	UpdateProgress(ctx context.Context, op domain.Operation) error
	MarkOperation(ctx context.Context, op domain.Operation, status domain.OperationStatus, errMsg string) error
	GetOperation(ctx context.Context, kind domain.OperationKind, id string) (domain.Operation, error)
	PendingOperations(ctx context.Context) ([]domain.Operation, error)

	CountStock(ctx context.Context, category, season string) (int64, error)
	ReserveItem(ctx context.Context, category, season string) (domain.CatalogItem, error)
	GetCatalogItem(ctx context.Context, id string) (domain.CatalogItem, error)
	MarkItemMinted(ctx context.Context, id string) error

	GetTokens(ctx context.Context, ids []string) ([]domain.PlayerToken, error)
	MarkTokensBurned(ctx context.Context, ids []string) error
	InsertToken(ctx context.Context, t domain.PlayerToken) error
}

// Rules bound the workflow's retry and time budget.
type Rules struct {
	MaxStepRetries uint64
	ConfirmDelay   time.Duration
	WorkflowBudget time.Duration
	Season         string
}

type Config struct {
	Store    Store
	Builder  *ledger.Builder
	EventBus *event.Bus
	Rules    Rules
}

// Service turns a validated eligibility into a completed mint or forge. Each
// step's result is memoized in the operation record, so a retry after a
// mid-workflow crash resumes from the last completed step.
type Service struct {
	store   Store
	builder *ledger.Builder
	eb      *event.Bus
	rules   Rules

	inflight sync.Map // in-flight runs keyed by eligibility id
}

func NewService(c Config) *Service {
	s := &Service{
		store:   c.Store,
		builder: c.Builder,
		eb:      c.EventBus,
		rules:   c.Rules,
	}

	if s.eb != nil {
		s.eb.Subscribe(domain.EventNameMintInitiated, func(ctx context.Context, e event.Event) error {
			return s.HandleMintInitiated(ctx, e.(domain.EventMintInitiated))
		})
		s.eb.Subscribe(domain.EventNameForgeInitiated, func(ctx context.Context, e event.Event) error {
			return s.HandleForgeInitiated(ctx, e.(domain.EventForgeInitiated))
		})
	}

	return s
}

// HandleMintInitiated starts or resumes the mint workflow for an eligibility.
// Redelivery of the same event finds the existing operation and either
// resumes it or does nothing.
func (s *Service) HandleMintInitiated(ctx context.Context, e domain.EventMintInitiated) error {
	if !s.claim(e.EligibilityID) {
		slog.InfoContext(ctx, "reward: mint already in flight, skipping redelivery",
			"eligibility", e.EligibilityID)
		return nil
	}
	defer s.release(e.EligibilityID)

	op, fresh, err := s.ensureOperation(ctx, domain.Operation{
		EligibilityID: e.EligibilityID,
		Kind:          domain.OperationMint,
		Identity:      e.Identity,
		Destination:   e.Destination,
	})
	if err != nil {
		return err
	}
	if !fresh && op.Status != domain.OperationPending {
		reopened, err := s.reopen(ctx, &op)
		if err != nil {
			return err
		}
		if !reopened {
			slog.InfoContext(ctx, "reward: mint already terminal, skipping",
				"operation", op.ID, "status", op.Status)
			return nil
		}
	}

	return s.run(ctx, &op, s.mintSteps())
}

// HandleForgeInitiated starts or resumes the forge workflow.
func (s *Service) HandleForgeInitiated(ctx context.Context, e domain.EventForgeInitiated) error {
	if !s.claim(e.EligibilityID) {
		slog.InfoContext(ctx, "reward: forge already in flight, skipping redelivery",
			"eligibility", e.EligibilityID)
		return nil
	}
	defer s.release(e.EligibilityID)

	op, fresh, err := s.ensureOperation(ctx, domain.Operation{
		EligibilityID: e.EligibilityID,
		Kind:          domain.OperationForge,
		ForgeType:     e.ForgeType,
		Identity:      e.Identity,
		Destination:   e.Destination,
		InputTokenIDs: e.InputTokenIDs,
	})
	if err != nil {
		return err
	}
	if !fresh && op.Status != domain.OperationPending {
		reopened, err := s.reopen(ctx, &op)
		if err != nil {
			return err
		}
		if !reopened {
			slog.InfoContext(ctx, "reward: forge already terminal, skipping",
				"operation", op.ID, "status", op.Status)
			return nil
		}
	}

	return s.run(ctx, &op, s.forgeSteps())
}

// GetOperation looks up one operation record for status display.
func (s *Service) GetOperation(ctx context.Context, kind domain.OperationKind, id string) (domain.Operation, error) {
	return s.store.GetOperation(ctx, kind, id)
}

// ResumePending re-runs every pending operation. Called once at startup so a
// process restart never strands a mid-workflow operation.
func (s *Service) ResumePending(ctx context.Context) error {
	ops, err := s.store.PendingOperations(ctx)
	if err != nil {
		return fmt.Errorf("scan pending operations: %w", err)
	}

	for _, op := range ops {
		op := op
		if !s.claim(op.EligibilityID) {
			continue
		}
		slog.InfoContext(ctx, "reward: resuming pending operation",
			"operation", op.ID, "kind", op.Kind, "last_step", op.LastStep)

		steps := s.mintSteps()
		if op.Kind == domain.OperationForge {
			steps = s.forgeSteps()
		}
		if err := s.run(ctx, &op, steps); err != nil {
			slog.ErrorContext(ctx, "reward: resume failed",
				"operation", op.ID, "error", err)
		}
		s.release(op.EligibilityID)
	}

	return nil
}

// claim takes the per-eligibility run slot. The bus dispatches handlers on a
// goroutine pool, so two redeliveries of the same event can arrive
// concurrently; only one run per eligibility may touch the ledger at a time.
func (s *Service) claim(eligibilityID string) bool {
	_, held := s.inflight.LoadOrStore(eligibilityID, struct{}{})
	return !held
}

func (s *Service) release(eligibilityID string) {
	s.inflight.Delete(eligibilityID)
}

// reopen re-arms a failed operation whose eligibility is still claimable, so
// a redelivered event retries it once the blocking condition clears (a
// restocked catalog, freed inputs). Confirmed operations and failures that
// consumed the eligibility stay terminal.
func (s *Service) reopen(ctx context.Context, op *domain.Operation) (bool, error) {
	if op.Status != domain.OperationFailed {
		return false, nil
	}

	e, err := s.store.GetEligibility(ctx, op.EligibilityID)
	if err != nil {
		return false, err
	}
	if e.Status != domain.EligibilityActive || time.Now().After(e.ExpiresAt) {
		return false, nil
	}

	if err := s.store.MarkOperation(ctx, *op, domain.OperationPending, ""); err != nil {
		return false, fmt.Errorf("reopen operation: %w", err)
	}
	op.Status = domain.OperationPending
	op.Error = ""

	slog.InfoContext(ctx, "reward: reopening failed operation, eligibility still active",
		"operation", op.ID, "kind", op.Kind, "last_step", op.LastStep)

	return true, nil
}

func (s *Service) ensureOperation(ctx context.Context, op domain.Operation) (domain.Operation, bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return op, false, fmt.Errorf("generate operation id: %w", err)
	}
	op.ID = id.String()
	op.Status = domain.OperationPending
	op.StepResults = map[string]string{}
	op.CreatedAt = time.Now().UTC()

	existing, err := s.store.CreateOperation(ctx, op)
	if err != nil {
		return op, false, fmt.Errorf("create operation: %w", err)
	}

	return existing, existing.ID == op.ID, nil
}

type step struct {
	name string
	run  func(ctx context.Context, op *domain.Operation) (string, error)
}

// run executes the steps in order, skipping any step whose result is already
// memoized on the operation. Transient step failures retry with exponential
// backoff up to the bound; permanent failures and exhausted retries mark the
// operation failed with the last error — never left pending indefinitely.
func (s *Service) run(ctx context.Context, op *domain.Operation, steps []step) error {
	ctx, cancel := context.WithTimeout(ctx, s.rules.WorkflowBudget)
	defer cancel()

	for _, st := range steps {
		if _, done := op.StepResults[st.name]; done {
			continue
		}

		result, err := s.runStep(ctx, op, st)
		if err != nil {
			return s.fail(ctx, op, st.name, err)
		}

		op.StepResults[st.name] = result
		op.LastStep = st.name
		if err := s.store.UpdateProgress(ctx, *op); err != nil {
			return fmt.Errorf("persist step %s: %w", st.name, err)
		}
	}

	op.Status = domain.OperationConfirmed
	workflowsTotal.WithLabelValues(string(op.Kind), string(domain.OperationConfirmed)).Inc()

	return nil
}

func (s *Service) runStep(ctx context.Context, op *domain.Operation, st step) (string, error) {
	var result string

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.rules.MaxStepRetries), ctx)

	err := backoff.Retry(func() error {
		var err error
		result, err = st.run(ctx, op)
		if err == nil {
			return nil
		}

		op.Attempts++
		err = classify(err)
		if errors.IsPermanent(err) {
			return backoff.Permanent(err)
		}

		slog.WarnContext(ctx, "reward: step failed, will retry",
			"operation", op.ID, "step", st.name, "attempt", op.Attempts, "error", err)
		return err
	}, bo)

	return result, err
}

func (s *Service) fail(ctx context.Context, op *domain.Operation, stepName string, cause error) error {
	op.Status = domain.OperationFailed
	op.Error = cause.Error()

	if err := s.store.MarkOperation(ctx, *op, domain.OperationFailed, op.Error); err != nil {
		return stderrors.Join(cause, fmt.Errorf("mark operation failed: %w", err))
	}

	workflowsTotal.WithLabelValues(string(op.Kind), string(domain.OperationFailed)).Inc()
	slog.ErrorContext(ctx, "reward: workflow failed",
		"operation", op.ID, "kind", op.Kind, "step", stepName, "error", cause)

	return cause
}

// submittedHash returns the hash a submission step recorded at index, if any.
// A hash there means the transaction already left the building: an earlier
// attempt in this run submitted it before a progress write failed, or a
// resumed operation record carries it from before a crash.
func submittedHash(op *domain.Operation, index int) (string, bool) {
	if len(op.TxHashes) > index {
		return op.TxHashes[index], true
	}
	return "", false
}

// recordSubmission chains the hash onto the operation and persists it in the
// same write as the step result, so neither a retried step nor a crash-resume
// can submit the transaction a second time.
func (s *Service) recordSubmission(ctx context.Context, op *domain.Operation, stepName, hash string) error {
	op.TxHashes = append(op.TxHashes, hash)
	op.StepResults[stepName] = hash
	op.LastStep = stepName
	if err := s.store.UpdateProgress(ctx, *op); err != nil {
		return fmt.Errorf("persist tx hash: %w", err)
	}
	return nil
}

// waitConfirmation sleeps the configured confirmation delay and then asks the
// provider. An unconfirmed or unreachable lookup is transient and retried by
// the step runner.
func (s *Service) waitConfirmation(ctx context.Context, hash string) error {
	select {
	case <-time.After(s.rules.ConfirmDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	ok, err := s.builder.Confirmed(ctx, hash)
	if err != nil {
		return fmt.Errorf("confirmation lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("transaction %s not confirmed yet", hash)
	}

	return nil
}

// classify maps raw provider errors whose message indicates a business-rule
// violation onto permanent precondition failures; everything else stays
// transient.
func classify(err error) error {
	if errors.IsPermanent(err) {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"insufficient funds",
		"invalid address",
		"ownership",
		"stock exhausted",
		"expired",
	} {
		if strings.Contains(msg, marker) {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("%s", err.Error()), errors.WithCause(err))
		}
	}

	return err
}
