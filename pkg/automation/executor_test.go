package automation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/storage"
)

// stubRunner executes a scripted function per attempt.
type stubRunner struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, req RunRequest) error
	requests []RunRequest
}

func (r *stubRunner) Run(ctx context.Context, req RunRequest) error {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, req)
}

func (r *stubRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type fixture struct {
	store    *storage.Store
	gate     *DurableGate
	runner   *stubRunner
	executor *Executor
	user     *storage.User
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	store := newTestStore(t)

	user, err := store.Users.EnsureDefault(context.Background(), "", "")
	require.NoError(t, err)

	gate := NewDurableGate(store.Confirmations, store.Executions, ttl, nil)
	runner := &stubRunner{}
	executor := NewExecutor(store, runner, gate, 2, 2,
		[]time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, nil)
	executor.Start()
	t.Cleanup(executor.Stop)

	return &fixture{store: store, gate: gate, runner: runner, executor: executor, user: user}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open("", t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (f *fixture) createAutomation(t *testing.T, mutate func(*models.Automation)) *models.Automation {
	t.Helper()
	a := &models.Automation{
		ID:     uuid.NewString(),
		UserID: f.user.ID,
		Name:   "daily digest",
		Prompt: "Summarize my notes.",
		Status: models.AutomationActive,
	}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, f.store.Automations.Create(context.Background(), a))
	return a
}

func waitForStatus(t *testing.T, s *storage.Store, executionID string, want models.ExecutionStatus) *models.AutomationExecution {
	t.Helper()
	var got *models.AutomationExecution
	require.Eventually(t, func() bool {
		e, err := s.Executions.Get(context.Background(), executionID)
		if err != nil {
			return false
		}
		got = e
		return e.Status == want
	}, 3*time.Second, 5*time.Millisecond, "execution never reached %s", want)
	return got
}

func TestExecuteSuccessLinksConversation(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	a := f.createAutomation(t, nil)

	exec, err := f.executor.Enqueue(ctx, a.ID, json.RawMessage(`{"trigger":"cron"}`))
	require.NoError(t, err)
	waitForStatus(t, f.store, exec.ID, models.ExecutionCompleted)

	// First run creates the conversation and links both sides.
	updated, err := f.store.Automations.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.ConversationID)
	require.NotNil(t, updated.LastExecutedAt)

	conv, err := f.store.Conversations.Get(ctx, *updated.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.AutomationID)
	assert.Equal(t, a.ID, *conv.AutomationID)

	// Second run reuses the same conversation.
	exec2, err := f.executor.Enqueue(ctx, a.ID, nil)
	require.NoError(t, err)
	waitForStatus(t, f.store, exec2.ID, models.ExecutionCompleted)

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	require.Len(t, f.runner.requests, 2)
	assert.Equal(t, *updated.ConversationID, f.runner.requests[0].ConversationID)
	assert.Equal(t, *updated.ConversationID, f.runner.requests[1].ConversationID)
}

func TestRetriesThenSuccess(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.createAutomation(t, nil)

	var attempts int
	var mu sync.Mutex
	f.runner.fn = func(_ context.Context, _ RunRequest) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("llm temporarily unavailable")
		}
		return nil
	}

	exec, err := f.executor.Enqueue(context.Background(), a.ID, nil)
	require.NoError(t, err)
	got := waitForStatus(t, f.store, exec.ID, models.ExecutionCompleted)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 3, f.runner.calls())
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.createAutomation(t, nil)

	f.runner.fn = func(_ context.Context, _ RunRequest) error {
		return errors.New("llm temporarily unavailable")
	}

	exec, err := f.executor.Enqueue(context.Background(), a.ID, nil)
	require.NoError(t, err)
	got := waitForStatus(t, f.store, exec.ID, models.ExecutionFailed)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "llm temporarily unavailable")
	assert.Equal(t, 3, f.runner.calls())
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.createAutomation(t, nil)

	f.runner.fn = func(_ context.Context, _ RunRequest) error {
		return errors.New("run failed: user not found")
	}

	exec, err := f.executor.Enqueue(context.Background(), a.ID, nil)
	require.NoError(t, err)
	got := waitForStatus(t, f.store, exec.ID, models.ExecutionFailed)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, f.runner.calls())
}

func TestEnqueueRejections(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	_, err := f.executor.Enqueue(ctx, "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "automation not found")

	disabled := f.createAutomation(t, func(a *models.Automation) {
		a.Status = models.AutomationDisabled
	})
	_, err = f.executor.Enqueue(ctx, disabled.ID, nil)
	assert.ErrorIs(t, err, ErrAutomationInactive)
}

func TestHourlyRateLimit(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	limit := 1
	a := f.createAutomation(t, func(a *models.Automation) {
		a.MaxExecutionsPerHour = &limit
	})

	exec, err := f.executor.Enqueue(ctx, a.ID, nil)
	require.NoError(t, err)
	waitForStatus(t, f.store, exec.ID, models.ExecutionCompleted)

	_, err = f.executor.Enqueue(ctx, a.ID, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestMutualExclusion(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	a := f.createAutomation(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	f.runner.fn = func(runCtx context.Context, _ RunRequest) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return nil
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}

	exec, err := f.executor.Enqueue(ctx, a.ID, nil)
	require.NoError(t, err)
	<-started

	_, err = f.executor.Enqueue(ctx, a.ID, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	waitForStatus(t, f.store, exec.ID, models.ExecutionCompleted)
}

func TestAbortCancelsRun(t *testing.T) {
	f := newFixture(t, time.Second)
	a := f.createAutomation(t, nil)

	started := make(chan struct{})
	f.runner.fn = func(runCtx context.Context, _ RunRequest) error {
		close(started)
		<-runCtx.Done()
		return runCtx.Err()
	}

	exec, err := f.executor.Enqueue(context.Background(), a.ID, nil)
	require.NoError(t, err)
	<-started

	require.True(t, f.executor.Abort(a.ID))

	got := waitForStatus(t, f.store, exec.ID, models.ExecutionCancelled)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "automation cancelled")
}

func TestConfirmationTimeoutCancelsExecution(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	a := f.createAutomation(t, nil)

	f.runner.fn = func(runCtx context.Context, req RunRequest) error {
		_, err := req.Confirmer.RequestOperationConfirmation(runCtx, &models.ConfirmationRequest{
			Operation: "execute_command",
			Title:     "Run command?",
		})
		return err
	}

	exec, err := f.executor.Enqueue(context.Background(), a.ID, nil)
	require.NoError(t, err)

	got := waitForStatus(t, f.store, exec.ID, models.ExecutionCancelled)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "confirmation timeout expired")

	// The durable row ends up expired, not pending.
	pending, err := f.gate.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoverSweepsInterruptedExecutions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	gate := NewDurableGate(store.Confirmations, store.Executions, time.Hour, nil)
	executor := NewExecutor(store, &stubRunner{}, gate, 2, 2, nil, nil)

	// Simulate rows left behind by a crashed process.
	running := &models.AutomationExecution{
		ID: uuid.NewString(), AutomationID: "a1", Status: models.ExecutionRunning,
	}
	waiting := &models.AutomationExecution{
		ID: uuid.NewString(), AutomationID: "a2", Status: models.ExecutionAwaitingConfirmation,
	}
	done := &models.AutomationExecution{
		ID: uuid.NewString(), AutomationID: "a3", Status: models.ExecutionCompleted,
	}
	for _, e := range []*models.AutomationExecution{running, waiting, done} {
		require.NoError(t, store.Executions.Create(ctx, e))
	}
	orphan := &models.PendingConfirmation{
		ID:          uuid.NewString(),
		ExecutionID: waiting.ID,
		Request:     models.ConfirmationRequest{RequestID: uuid.NewString(), Operation: "write_file"},
		Status:      models.PendingConfirmationPending,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.Confirmations.Create(ctx, orphan))

	require.NoError(t, executor.Recover(ctx))

	for _, id := range []string{running.ID, waiting.ID} {
		e, err := store.Executions.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCancelled, e.Status)
		require.NotNil(t, e.ErrorMessage)
		assert.Equal(t, "interrupted by server restart", *e.ErrorMessage)
	}

	untouched, err := store.Executions.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, untouched.Status)

	pc, err := store.Confirmations.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingConfirmationExpired, pc.Status)
}

func TestStats(t *testing.T) {
	f := newFixture(t, time.Second)
	stats := f.executor.Stats()
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 0, stats.Running)
}
