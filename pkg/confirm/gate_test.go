package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoj-ai/pipali/pkg/models"
)

func newRequest(op, subtype string) *models.ConfirmationRequest {
	return &models.ConfirmationRequest{
		Operation: op,
		Title:     "Approve " + op + "?",
		Context: models.ConfirmationContext{
			ToolName:      op,
			OperationType: subtype,
		},
	}
}

// captureSender records sent requests and never fails.
type captureSender struct {
	mu   sync.Mutex
	sent []*models.ConfirmationRequest
}

func (c *captureSender) send(req *models.ConfirmationRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, req)
	return nil
}

func (c *captureSender) last() *models.ConfirmationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

func (c *captureSender) waitForSent(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.sent)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent requests", n)
}

func TestApproveAndDeny(t *testing.T) {
	g := NewGate(nil)
	sender := &captureSender{}

	type result struct {
		decision models.ConfirmationDecision
		err      error
	}
	run := func(req *models.ConfirmationRequest) chan result {
		ch := make(chan result, 1)
		go func() {
			d, err := g.RequestOperationConfirmation(context.Background(), req, sender.send)
			ch <- result{d, err}
		}()
		return ch
	}

	req := newRequest("delete_file", "")
	ch := run(req)
	sender.waitForSent(t, 1)

	require.NoError(t, g.Resolve(&models.ConfirmationResponse{
		RequestID:        sender.last().RequestID,
		SelectedOptionID: models.OptionYes,
	}))
	res := <-ch
	require.NoError(t, res.err)
	assert.True(t, res.decision.Approved)
	assert.Equal(t, models.OptionYes, res.decision.SelectedOption)

	req = newRequest("delete_file", "")
	ch = run(req)
	sender.waitForSent(t, 2)

	require.NoError(t, g.Resolve(&models.ConfirmationResponse{
		RequestID:        sender.last().RequestID,
		SelectedOptionID: models.OptionNo,
	}))
	res = <-ch
	require.NoError(t, res.err)
	assert.False(t, res.decision.Approved)
	assert.Equal(t, "denied by user", res.decision.DenialReason)
}

func TestYesDontAskStoresPreference(t *testing.T) {
	g := NewGate(nil)
	sender := &captureSender{}

	ch := make(chan models.ConfirmationDecision, 1)
	go func() {
		d, _ := g.RequestOperationConfirmation(context.Background(), newRequest("execute_command", "read-only"), sender.send)
		ch <- d
	}()
	sender.waitForSent(t, 1)

	require.NoError(t, g.Resolve(&models.ConfirmationResponse{
		RequestID:        sender.last().RequestID,
		SelectedOptionID: models.OptionYesDontAsk,
	}))
	d := <-ch
	assert.True(t, d.Approved)
	assert.True(t, d.SkipFutureConfirmations)
	assert.True(t, g.HasPreference("execute_command:read-only"))

	// Same key auto-approves without a prompt.
	d, err := g.RequestOperationConfirmation(context.Background(), newRequest("execute_command", "read-only"), sender.send)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Len(t, sender.sent, 1)

	// A different sub-type is a different key and still prompts.
	go func() {
		_, _ = g.RequestOperationConfirmation(context.Background(), newRequest("execute_command", "read-write"), sender.send)
	}()
	sender.waitForSent(t, 2)
	g.RejectAll("test done")
}

func TestYesDontAskFansOutToSameKey(t *testing.T) {
	g := NewGate(nil)
	sender := &captureSender{}

	results := make(chan models.ConfirmationDecision, 3)
	for i := 0; i < 3; i++ {
		go func() {
			d, _ := g.RequestOperationConfirmation(context.Background(), newRequest("mcp_tool", "github:unsafe"), sender.send)
			results <- d
		}()
	}
	sender.waitForSent(t, 3)

	// A same-key request in flight alongside a different-key one.
	otherDone := make(chan models.ConfirmationDecision, 1)
	go func() {
		d, _ := g.RequestOperationConfirmation(context.Background(), newRequest("mcp_tool", "slack:unsafe"), sender.send)
		otherDone <- d
	}()
	sender.waitForSent(t, 4)

	require.NoError(t, g.Resolve(&models.ConfirmationResponse{
		RequestID:        sender.sent[0].RequestID,
		SelectedOptionID: models.OptionYesDontAsk,
	}))

	for i := 0; i < 3; i++ {
		d := <-results
		assert.True(t, d.Approved)
	}

	// The different-key request is untouched.
	select {
	case <-otherDone:
		t.Fatal("different-key request should still be pending")
	case <-time.After(50 * time.Millisecond):
	}
	g.RejectAll("test done")
	<-otherDone
}

func TestGuidanceIsSoftDenial(t *testing.T) {
	g := NewGate(nil)
	sender := &captureSender{}

	ch := make(chan models.ConfirmationDecision, 1)
	go func() {
		d, _ := g.RequestOperationConfirmation(context.Background(), newRequest("write_file", ""), sender.send)
		ch <- d
	}()
	sender.waitForSent(t, 1)

	require.NoError(t, g.Resolve(&models.ConfirmationResponse{
		RequestID:        sender.last().RequestID,
		SelectedOptionID: models.OptionGuidance,
		Guidance:         "write it to /tmp instead",
	}))
	d := <-ch
	assert.False(t, d.Approved)
	assert.Equal(t, "write it to /tmp instead", d.DenialReason)
	assert.False(t, g.HasPreference("write_file"))
}

func TestRejectAll(t *testing.T) {
	g := NewGate(nil)
	sender := &captureSender{}

	results := make(chan models.ConfirmationDecision, 2)
	for i := 0; i < 2; i++ {
		go func() {
			d, _ := g.RequestOperationConfirmation(context.Background(), newRequest("execute_command", "read-write"), sender.send)
			results <- d
		}()
	}
	sender.waitForSent(t, 2)

	g.RejectAll("client disconnected")
	for i := 0; i < 2; i++ {
		d := <-results
		assert.False(t, d.Approved)
		assert.Equal(t, "client disconnected", d.DenialReason)
	}
	assert.Empty(t, g.Pending())
}

func TestResolveUnknownRequest(t *testing.T) {
	g := NewGate(nil)
	err := g.Resolve(&models.ConfirmationResponse{RequestID: "nope", SelectedOptionID: models.OptionYes})
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestTimeout(t *testing.T) {
	g := NewGate(nil)
	sender := &captureSender{}

	req := newRequest("execute_command", "read-write")
	req.TimeoutMs = 20
	_, err := g.RequestOperationConfirmation(context.Background(), req, sender.send)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, g.Pending())
}

func TestContextCancellation(t *testing.T) {
	g := NewGate(nil)
	sender := &captureSender{}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.RequestOperationConfirmation(ctx, newRequest("read_webpage", ""), sender.send)
		errCh <- err
	}()
	sender.waitForSent(t, 1)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, g.Pending())
}

func TestSendFailureUnwinds(t *testing.T) {
	g := NewGate(nil)
	boom := errors.New("socket closed")
	_, err := g.RequestOperationConfirmation(context.Background(),
		newRequest("execute_command", ""), func(*models.ConfirmationRequest) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, g.Pending())
}

func TestRiskMapping(t *testing.T) {
	assert.Equal(t, models.RiskLow, CommandRisk(CommandReadOnly))
	assert.Equal(t, models.RiskMedium, CommandRisk(CommandWriteOnly))
	assert.Equal(t, models.RiskHigh, CommandRisk(CommandReadWrite))
	assert.Equal(t, models.RiskHigh, CommandRisk("mystery"))

	assert.Equal(t, models.RiskLow, MCPRisk(MCPOperationSafe))
	assert.Equal(t, models.RiskHigh, MCPRisk(MCPOperationUnsafe))
	assert.Equal(t, models.RiskHigh, MCPRisk(""))
}
