package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/storage"
	"github.com/khoj-ai/pipali/pkg/tools"
)

// Enqueue failures.
var (
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrAlreadyRunning     = errors.New("automation already running")
	ErrAutomationInactive = errors.New("automation is not active")
)

// nonRetryableErrors are matched by substring against run failures. Anything
// on this list fails the execution immediately instead of retrying.
var nonRetryableErrors = []string{
	"confirmation timeout expired",
	"automation not found",
	"user not found",
	"automation cancelled",
}

// sweepMessage marks executions cancelled by the startup crash sweep.
const sweepMessage = "interrupted by server restart"

// queueCapacity bounds the pending queue; enqueue fails beyond it.
const queueCapacity = 256

// RunRequest is what the executor hands the runner for one attempt.
type RunRequest struct {
	Automation     *models.Automation
	ConversationID string
	ExecutionID    string
	TriggerData    json.RawMessage
	Confirmer      tools.Confirmer
}

// Runner executes one automation run end to end (prompt through the research
// loop into the linked conversation). The executor owns scheduling, retries,
// and status accounting around it.
type Runner interface {
	Run(ctx context.Context, req RunRequest) error
}

type queueItem struct {
	automationID string
	executionID  string
	triggerData  json.RawMessage
}

// Stats is a snapshot of executor load for the health endpoint.
type Stats struct {
	QueueDepth int `json:"queue_depth"`
	Running    int `json:"running"`
	Workers    int `json:"workers"`
}

type runningExec struct {
	automationID string
	cancel       context.CancelFunc
}

// Executor drains a FIFO queue of automation executions with bounded
// concurrency. At most one execution per automation runs at a time.
type Executor struct {
	store  *storage.Store
	runner Runner
	gate   *DurableGate
	logger *slog.Logger

	maxRetries  int
	retryDelays []time.Duration

	queue    chan queueItem
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	workers  int
	started  bool

	mu           sync.Mutex
	running      map[string]*runningExec // execution id → cancel
	byAutomation map[string]string       // automation id → execution id
}

// NewExecutor creates an executor. maxConcurrent bounds simultaneous
// executions across the process.
func NewExecutor(store *storage.Store, runner Runner, gate *DurableGate, maxConcurrent, maxRetries int, retryDelays []time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:        store,
		runner:       runner,
		gate:         gate,
		logger:       logger.With("component", "automation_executor"),
		maxRetries:   maxRetries,
		retryDelays:  retryDelays,
		queue:        make(chan queueItem, queueCapacity),
		stopCh:       make(chan struct{}),
		workers:      maxConcurrent,
		running:      make(map[string]*runningExec),
		byAutomation: make(map[string]string),
	}
	if gate != nil {
		gate.SetDeniedHook(e.AbortExecution)
	}
	return e
}

// Recover runs the startup crash sweep: executions left non-terminal by a
// previous process are cancelled and their pending confirmations expired.
func (e *Executor) Recover(ctx context.Context) error {
	ids, err := e.store.Executions.SweepInterrupted(ctx, sweepMessage)
	if err != nil {
		return fmt.Errorf("sweeping interrupted executions: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := e.store.Confirmations.ExpireForExecutions(ctx, ids); err != nil {
		return fmt.Errorf("expiring orphaned confirmations: %w", err)
	}
	e.logger.Info("Swept interrupted executions", "count", len(ids))
	return nil
}

// Start spawns the worker goroutines. Safe to call once.
func (e *Executor) Start() {
	if e.started {
		e.logger.Warn("Executor already started, ignoring duplicate Start call")
		return
	}
	e.started = true
	e.logger.Info("Starting automation executor", "workers", e.workers)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runWorker()
		}()
	}
}

// Stop signals workers to stop and waits for in-flight executions to finish.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.logger.Info("Automation executor stopped")
}

// Enqueue creates a pending execution and queues it. Rejections (inactive,
// already running, rate limited, queue full) happen before any row is
// written, except the queue-full case which records a failed execution.
func (e *Executor) Enqueue(ctx context.Context, automationID string, triggerData json.RawMessage) (*models.AutomationExecution, error) {
	a, err := e.store.Automations.Get(ctx, automationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.New("automation not found")
		}
		return nil, err
	}
	if a.Status != models.AutomationActive {
		return nil, ErrAutomationInactive
	}

	e.mu.Lock()
	_, busy := e.byAutomation[automationID]
	e.mu.Unlock()
	if busy {
		return nil, ErrAlreadyRunning
	}

	if err := e.checkRateLimits(ctx, a); err != nil {
		return nil, err
	}

	exec := &models.AutomationExecution{
		ID:           uuid.NewString(),
		AutomationID: automationID,
		Status:       models.ExecutionPending,
		TriggerData:  triggerData,
	}
	if err := e.store.Executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}

	select {
	case e.queue <- queueItem{automationID: automationID, executionID: exec.ID, triggerData: triggerData}:
	default:
		msg := "execution queue full"
		if err := e.store.Executions.MarkTerminal(ctx, exec.ID, models.ExecutionFailed, 0, &msg); err != nil {
			e.logger.Error("Failed to mark overflow execution", "execution_id", exec.ID, "error", err)
		}
		return nil, errors.New(msg)
	}

	e.logger.Info("Execution queued", "automation_id", automationID, "execution_id", exec.ID)
	return exec, nil
}

func (e *Executor) checkRateLimits(ctx context.Context, a *models.Automation) error {
	now := time.Now().UTC()
	if a.MaxExecutionsPerHour != nil {
		n, err := e.store.Executions.CountSince(ctx, a.ID, now.Add(-time.Hour))
		if err != nil {
			return err
		}
		if n >= *a.MaxExecutionsPerHour {
			return fmt.Errorf("%w: %d executions in the last hour (max %d)", ErrRateLimited, n, *a.MaxExecutionsPerHour)
		}
	}
	if a.MaxExecutionsPerDay != nil {
		n, err := e.store.Executions.CountSince(ctx, a.ID, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if n >= *a.MaxExecutionsPerDay {
			return fmt.Errorf("%w: %d executions in the last day (max %d)", ErrRateLimited, n, *a.MaxExecutionsPerDay)
		}
	}
	return nil
}

// Abort cancels the running execution of an automation, if any.
func (e *Executor) Abort(automationID string) bool {
	e.mu.Lock()
	execID, ok := e.byAutomation[automationID]
	var cancel context.CancelFunc
	if ok {
		cancel = e.running[execID].cancel
	}
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		return true
	}
	return false
}

// AbortExecution cancels one execution by id. Used by the gate's denial hook.
func (e *Executor) AbortExecution(executionID string) {
	e.mu.Lock()
	r, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// Stats returns a load snapshot.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	running := len(e.running)
	e.mu.Unlock()
	return Stats{QueueDepth: len(e.queue), Running: running, Workers: e.workers}
}

func (e *Executor) runWorker() {
	for {
		select {
		case <-e.stopCh:
			return
		case item := <-e.queue:
			e.process(item)
		}
	}
}

func (e *Executor) process(item queueItem) {
	log := e.logger.With("automation_id", item.automationID, "execution_id", item.executionID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mutual exclusion is re-checked at dequeue: two queued executions of
	// the same automation must not overlap.
	e.mu.Lock()
	if _, busy := e.byAutomation[item.automationID]; busy {
		e.mu.Unlock()
		msg := ErrAlreadyRunning.Error()
		if err := e.store.Executions.MarkTerminal(ctx, item.executionID, models.ExecutionCancelled, 0, &msg); err != nil {
			log.Error("Failed to mark skipped execution", "error", err)
		}
		log.Info("Skipped execution; automation already running")
		return
	}
	e.running[item.executionID] = &runningExec{automationID: item.automationID, cancel: cancel}
	e.byAutomation[item.automationID] = item.executionID
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, item.executionID)
		delete(e.byAutomation, item.automationID)
		e.mu.Unlock()
	}()

	status, retries, runErr := e.execute(ctx, item, log)

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	// Terminal status is written on an uncancelled context; the run context
	// may be dead by now.
	if err := e.store.Executions.MarkTerminal(context.WithoutCancel(ctx), item.executionID, status, retries, errMsg); err != nil {
		log.Error("Failed to finalize execution", "error", err)
	}
	if runErr != nil {
		log.Warn("Execution finished", "status", status, "retries", retries, "error", runErr)
	} else {
		log.Info("Execution finished", "status", status, "retries", retries)
	}
}

func (e *Executor) execute(ctx context.Context, item queueItem, log *slog.Logger) (models.ExecutionStatus, int, error) {
	a, err := e.store.Automations.Get(ctx, item.automationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.ExecutionFailed, 0, errors.New("automation not found")
		}
		return models.ExecutionFailed, 0, err
	}
	if a.Status != models.AutomationActive {
		return models.ExecutionCancelled, 0, errors.New("automation cancelled")
	}
	if _, err := e.store.Users.Get(ctx, a.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.ExecutionFailed, 0, errors.New("user not found")
		}
		return models.ExecutionFailed, 0, err
	}

	conversationID, err := e.ensureConversation(ctx, a)
	if err != nil {
		return models.ExecutionFailed, 0, err
	}

	now := time.Now().UTC()
	if err := e.store.Executions.MarkStarted(ctx, item.executionID, now); err != nil {
		return models.ExecutionFailed, 0, fmt.Errorf("marking execution started: %w", err)
	}
	if err := e.store.Automations.MarkExecuted(ctx, a.ID, now); err != nil {
		log.Error("Failed to record last execution time", "error", err)
	}

	req := RunRequest{
		Automation:     a,
		ConversationID: conversationID,
		ExecutionID:    item.executionID,
		TriggerData:    item.triggerData,
		Confirmer:      &executionConfirmer{gate: e.gate, executionID: item.executionID},
	}

	var runErr error
	for attempt := 0; ; attempt++ {
		runErr = e.runner.Run(ctx, req)
		if runErr == nil {
			return models.ExecutionCompleted, attempt, nil
		}
		if ctx.Err() != nil {
			return models.ExecutionCancelled, attempt, errors.New("automation cancelled")
		}
		if errors.Is(runErr, ErrConfirmationTimeout) {
			return models.ExecutionCancelled, attempt, runErr
		}
		if !retryable(runErr) || attempt >= e.maxRetries {
			return models.ExecutionFailed, attempt, runErr
		}

		delay := e.retryDelay(attempt)
		log.Warn("Run attempt failed; retrying", "attempt", attempt+1, "delay", delay, "error", runErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.ExecutionCancelled, attempt, errors.New("automation cancelled")
		case <-e.stopCh:
			return models.ExecutionCancelled, attempt, errors.New("automation cancelled")
		}
	}
}

// ensureConversation returns the automation's conversation, creating and
// linking it on the first run. The link is bidirectional: the conversation
// row references the automation and vice versa.
func (e *Executor) ensureConversation(ctx context.Context, a *models.Automation) (string, error) {
	if a.ConversationID != nil {
		return *a.ConversationID, nil
	}
	conv := &models.Conversation{
		ID:           uuid.NewString(),
		UserID:       a.UserID,
		Title:        "Automation: " + a.Name,
		AutomationID: &a.ID,
	}
	if err := e.store.Conversations.Create(ctx, conv); err != nil {
		return "", fmt.Errorf("creating automation conversation: %w", err)
	}
	if err := e.store.Automations.LinkConversation(ctx, a.ID, &conv.ID); err != nil {
		return "", fmt.Errorf("linking conversation: %w", err)
	}
	a.ConversationID = &conv.ID
	return conv.ID, nil
}

func (e *Executor) retryDelay(attempt int) time.Duration {
	if attempt < len(e.retryDelays) {
		return e.retryDelays[attempt]
	}
	if len(e.retryDelays) > 0 {
		return e.retryDelays[len(e.retryDelays)-1]
	}
	return 15 * time.Second
}

func retryable(err error) bool {
	msg := err.Error()
	for _, s := range nonRetryableErrors {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}
