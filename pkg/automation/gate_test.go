package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/storage"
)

type gateFixture struct {
	store *storage.Store
	gate  *DurableGate
	exec  *models.AutomationExecution
}

func newGateFixture(t *testing.T, ttl time.Duration) *gateFixture {
	t.Helper()
	store := newTestStore(t)
	exec := &models.AutomationExecution{
		ID:           uuid.NewString(),
		AutomationID: uuid.NewString(),
		Status:       models.ExecutionRunning,
	}
	require.NoError(t, store.Executions.Create(context.Background(), exec))
	return &gateFixture{
		store: store,
		gate:  NewDurableGate(store.Confirmations, store.Executions, ttl, nil),
		exec:  exec,
	}
}

// request raises a confirmation in the background and returns the request id
// once the durable row is visible.
func (f *gateFixture) request(t *testing.T, done chan<- result) string {
	t.Helper()
	req := &models.ConfirmationRequest{Operation: "write_file", Title: "Write file?"}
	go func() {
		d, err := f.gate.Request(context.Background(), f.exec.ID, req)
		done <- result{decision: d, err: err}
	}()

	var id string
	require.Eventually(t, func() bool {
		pending, err := f.gate.Pending(context.Background())
		if err != nil || len(pending) == 0 {
			return false
		}
		id = pending[0].ID
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return id
}

type result struct {
	decision models.ConfirmationDecision
	err      error
}

func TestDurableGateApprove(t *testing.T) {
	f := newGateFixture(t, time.Minute)
	ctx := context.Background()

	done := make(chan result, 1)
	id := f.request(t, done)

	// Request parked the execution while waiting.
	e, err := f.store.Executions.Get(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionAwaitingConfirmation, e.Status)

	require.NoError(t, f.gate.Respond(ctx, id, models.OptionYes, ""))

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.decision.Approved)

	pc, err := f.store.Confirmations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PendingConfirmationApproved, pc.Status)
	require.NotNil(t, pc.RespondedAt)

	e, err = f.store.Executions.Get(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, e.Status)
}

func TestDurableGateDenyFiresHook(t *testing.T) {
	f := newGateFixture(t, time.Minute)
	ctx := context.Background()

	var mu sync.Mutex
	var aborted []string
	f.gate.SetDeniedHook(func(executionID string) {
		mu.Lock()
		aborted = append(aborted, executionID)
		mu.Unlock()
	})

	done := make(chan result, 1)
	id := f.request(t, done)

	require.NoError(t, f.gate.Respond(ctx, id, models.OptionNo, ""))

	res := <-done
	require.NoError(t, res.err)
	assert.False(t, res.decision.Approved)
	assert.Equal(t, "denied by user", res.decision.DenialReason)

	pc, err := f.store.Confirmations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PendingConfirmationDenied, pc.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{f.exec.ID}, aborted)
}

func TestDurableGateGuidanceResumesExecution(t *testing.T) {
	f := newGateFixture(t, time.Minute)
	ctx := context.Background()

	done := make(chan result, 1)
	id := f.request(t, done)

	require.NoError(t, f.gate.Respond(ctx, id, models.OptionGuidance, "use a dry run first"))

	res := <-done
	require.NoError(t, res.err)
	assert.False(t, res.decision.Approved)
	assert.Equal(t, "use a dry run first", res.decision.DenialReason)

	// Guidance is a soft denial: the row reads denied but the execution
	// keeps running.
	pc, err := f.store.Confirmations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PendingConfirmationDenied, pc.Status)

	e, err := f.store.Executions.Get(ctx, f.exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, e.Status)
}

func TestDurableGateTimeout(t *testing.T) {
	f := newGateFixture(t, 20*time.Millisecond)

	req := &models.ConfirmationRequest{Operation: "write_file", Title: "Write file?"}
	_, err := f.gate.Request(context.Background(), f.exec.ID, req)
	require.ErrorIs(t, err, ErrConfirmationTimeout)

	pc, err := f.store.Confirmations.Get(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingConfirmationExpired, pc.Status)
}

func TestDurableGateRespondErrors(t *testing.T) {
	f := newGateFixture(t, time.Minute)
	ctx := context.Background()

	err := f.gate.Respond(ctx, "missing", models.OptionYes, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	done := make(chan result, 1)
	id := f.request(t, done)
	require.NoError(t, f.gate.Respond(ctx, id, models.OptionYes, ""))
	<-done

	err = f.gate.Respond(ctx, id, models.OptionYes, "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestDurableGateOrphanRespond(t *testing.T) {
	// A row without a live future (process restarted): the DB is updated,
	// the decision is lost, and Respond does not error.
	f := newGateFixture(t, time.Minute)
	ctx := context.Background()

	orphan := &models.PendingConfirmation{
		ID:          uuid.NewString(),
		ExecutionID: f.exec.ID,
		Request:     models.ConfirmationRequest{RequestID: uuid.NewString(), Operation: "write_file"},
		Status:      models.PendingConfirmationPending,
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, f.store.Confirmations.Create(ctx, orphan))

	require.NoError(t, f.gate.Respond(ctx, orphan.ID, models.OptionYes, ""))

	pc, err := f.store.Confirmations.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingConfirmationApproved, pc.Status)
}

func TestDurableGateExpiredRowRejectsResponse(t *testing.T) {
	f := newGateFixture(t, time.Minute)
	ctx := context.Background()

	stale := &models.PendingConfirmation{
		ID:          uuid.NewString(),
		ExecutionID: f.exec.ID,
		Request:     models.ConfirmationRequest{RequestID: uuid.NewString(), Operation: "write_file"},
		Status:      models.PendingConfirmationPending,
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, f.store.Confirmations.Create(ctx, stale))

	err := f.gate.Respond(ctx, stale.ID, models.OptionYes, "")
	assert.ErrorIs(t, err, ErrConfirmationTimeout)

	pc, err := f.store.Confirmations.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingConfirmationExpired, pc.Status)
}
