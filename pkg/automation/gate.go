// Package automation runs background executions of stored automations:
// a bounded-concurrency executor with retries and rate limits, a cron
// scheduler, and a filesystem-event scheduler. Confirmations raised by
// automation runs are durable and survive process restarts.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khoj-ai/pipali/pkg/confirm"
	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/storage"
)

// ErrConfirmationTimeout is returned when a durable confirmation expires
// before the user responds. It aliases the in-memory gate's timeout so the
// tool registry can recognize both; its text is matched by the executor's
// non-retryable list, keep it stable.
var ErrConfirmationTimeout = confirm.ErrTimeout

// ErrAlreadyResolved is returned when responding to a confirmation that is
// no longer pending.
var ErrAlreadyResolved = errors.New("confirmation already resolved")

type durableFuture struct {
	executionID string
	ch          chan models.ConfirmationDecision
}

// DurableGate is the confirmation channel for automation runs. Each request
// writes a PendingConfirmation row before blocking, so an unanswered
// confirmation is visible (and answerable) across restarts. The in-memory
// future only exists in the process that raised the request; after a restart
// the row can still be resolved but the decision has no run to return to.
type DurableGate struct {
	confirmations *storage.ConfirmationRepo
	executions    *storage.ExecutionRepo
	ttl           time.Duration
	logger        *slog.Logger

	// onDenied aborts the execution whose confirmation was denied.
	onDenied func(executionID string)

	mu      sync.Mutex
	futures map[string]*durableFuture
}

// NewDurableGate creates a gate with the given confirmation TTL.
func NewDurableGate(confirmations *storage.ConfirmationRepo, executions *storage.ExecutionRepo, ttl time.Duration, logger *slog.Logger) *DurableGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &DurableGate{
		confirmations: confirmations,
		executions:    executions,
		ttl:           ttl,
		logger:        logger.With("component", "durable_gate"),
		futures:       make(map[string]*durableFuture),
	}
}

// SetDeniedHook registers the executor callback fired when a confirmation is
// denied, so the execution can be aborted rather than left running.
func (g *DurableGate) SetDeniedHook(fn func(executionID string)) {
	g.onDenied = fn
}

// Request raises a durable confirmation for an execution and blocks until it
// is resolved, expires, or the run is aborted. The execution is parked in
// awaiting_confirmation for the duration.
func (g *DurableGate) Request(ctx context.Context, executionID string, req *models.ConfirmationRequest) (models.ConfirmationDecision, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if len(req.Options) == 0 {
		req.Options = models.StandardOptions()
	}
	req.TimeoutMs = g.ttl.Milliseconds()

	now := time.Now().UTC()
	row := &models.PendingConfirmation{
		ID:          req.RequestID,
		ExecutionID: executionID,
		Request:     *req,
		Status:      models.PendingConfirmationPending,
		ExpiresAt:   now.Add(g.ttl),
		CreatedAt:   now,
	}
	// The row goes in before the future: a crash after this point leaves a
	// resolvable record, never a silent hang.
	if err := g.confirmations.Create(ctx, row); err != nil {
		return models.ConfirmationDecision{}, fmt.Errorf("persisting confirmation: %w", err)
	}
	if err := g.executions.SetStatus(ctx, executionID, models.ExecutionAwaitingConfirmation); err != nil {
		g.logger.Error("Failed to park execution", "execution_id", executionID, "error", err)
	}

	future := &durableFuture{executionID: executionID, ch: make(chan models.ConfirmationDecision, 1)}
	g.mu.Lock()
	g.futures[req.RequestID] = future
	g.mu.Unlock()

	g.logger.Info("Confirmation requested",
		"request_id", req.RequestID, "execution_id", executionID,
		"operation", req.Operation, "expires_at", row.ExpiresAt)

	timer := time.NewTimer(g.ttl)
	defer timer.Stop()

	select {
	case decision := <-future.ch:
		return decision, nil
	case <-timer.C:
		g.dropFuture(req.RequestID)
		if err := g.confirmations.Resolve(context.WithoutCancel(ctx), req.RequestID, models.PendingConfirmationExpired); err != nil {
			g.logger.Error("Failed to expire confirmation", "request_id", req.RequestID, "error", err)
		}
		return models.ConfirmationDecision{}, ErrConfirmationTimeout
	case <-ctx.Done():
		g.dropFuture(req.RequestID)
		if err := g.confirmations.Resolve(context.WithoutCancel(ctx), req.RequestID, models.PendingConfirmationExpired); err != nil {
			g.logger.Error("Failed to expire confirmation", "request_id", req.RequestID, "error", err)
		}
		return models.ConfirmationDecision{}, ctx.Err()
	}
}

// Respond resolves a durable confirmation. Approvals and guidance put the
// execution back to running; denials cancel it. The row is updated even when
// the in-memory future is gone after a restart; the decision is then lost
// and only the record remains.
func (g *DurableGate) Respond(ctx context.Context, requestID, selectedOptionID, guidance string) error {
	row, err := g.confirmations.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if row.Status != models.PendingConfirmationPending {
		return fmt.Errorf("%w: status is %s", ErrAlreadyResolved, row.Status)
	}
	if time.Now().UTC().After(row.ExpiresAt) {
		if err := g.confirmations.Resolve(ctx, requestID, models.PendingConfirmationExpired); err != nil {
			return err
		}
		return ErrConfirmationTimeout
	}

	decision := decisionFor(selectedOptionID, guidance)

	rowStatus := models.PendingConfirmationDenied
	if decision.Approved {
		rowStatus = models.PendingConfirmationApproved
	}
	if err := g.confirmations.Resolve(ctx, requestID, rowStatus); err != nil {
		return err
	}

	g.mu.Lock()
	future, ok := g.futures[requestID]
	delete(g.futures, requestID)
	g.mu.Unlock()

	if !ok {
		g.logger.Warn("Confirmation resolved without a live run; decision lost",
			"request_id", requestID, "execution_id", row.ExecutionID)
		return nil
	}

	// Guidance is a soft denial: the run keeps going with the user's steer.
	resume := decision.Approved || selectedOptionID == models.OptionGuidance
	if resume {
		if err := g.executions.SetStatus(ctx, future.executionID, models.ExecutionRunning); err != nil {
			g.logger.Error("Failed to resume execution", "execution_id", future.executionID, "error", err)
		}
	} else if g.onDenied != nil {
		g.onDenied(future.executionID)
	}

	future.ch <- decision
	return nil
}

// Pending lists unresolved durable confirmations.
func (g *DurableGate) Pending(ctx context.Context) ([]*models.PendingConfirmation, error) {
	return g.confirmations.ListPending(ctx)
}

func (g *DurableGate) dropFuture(requestID string) {
	g.mu.Lock()
	delete(g.futures, requestID)
	g.mu.Unlock()
}

func decisionFor(selectedOptionID, guidance string) models.ConfirmationDecision {
	switch selectedOptionID {
	case models.OptionYes, models.OptionYesDontAsk:
		return models.ConfirmationDecision{
			Approved:       true,
			SelectedOption: selectedOptionID,
		}
	case models.OptionGuidance:
		return models.ConfirmationDecision{
			Approved:       false,
			SelectedOption: selectedOptionID,
			DenialReason:   guidance,
		}
	default:
		return models.ConfirmationDecision{
			Approved:       false,
			SelectedOption: selectedOptionID,
			DenialReason:   "denied by user",
		}
	}
}

// executionConfirmer adapts the gate to the tools.Confirmer interface for
// one execution.
type executionConfirmer struct {
	gate        *DurableGate
	executionID string
}

func (c *executionConfirmer) RequestOperationConfirmation(ctx context.Context, req *models.ConfirmationRequest) (models.ConfirmationDecision, error) {
	return c.gate.Request(ctx, c.executionID, req)
}
