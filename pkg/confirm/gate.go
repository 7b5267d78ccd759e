// Package confirm implements the confirmation gate: tools that need user
// approval block here while the request travels to the client, and responses
// are routed back by request id.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khoj-ai/pipali/pkg/models"
)

// Errors returned by the gate.
var (
	// ErrUnknownRequest indicates a response for a request id that is not
	// in flight (already resolved, timed out, or never existed).
	ErrUnknownRequest = errors.New("unknown confirmation request")

	// ErrTimeout indicates the request's timeout elapsed before a response.
	ErrTimeout = errors.New("confirmation timeout expired")
)

// Sender delivers a confirmation request to whoever can answer it (the
// WebSocket channel for interactive runs, durable storage for automations).
type Sender func(req *models.ConfirmationRequest) error

// pendingEntry is one in-flight confirmation await.
type pendingEntry struct {
	req *models.ConfirmationRequest
	ch  chan models.ConfirmationDecision
}

// Gate multiplexes confirmation requests by request id and applies stored
// "don't ask again" preferences. One gate per conversation; preferences live
// for the lifetime of the gate.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	prefs   map[string]bool
	logger  *slog.Logger
}

// NewGate creates a confirmation gate.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending: make(map[string]*pendingEntry),
		prefs:   make(map[string]bool),
		logger:  logger.With("component", "confirmation_gate"),
	}
}

// RequestOperationConfirmation asks the user to approve an operation. It
// returns immediately with approval when a stored preference covers the
// request's key; otherwise it sends the request and blocks until a response
// arrives, the timeout elapses (TimeoutMs > 0), or ctx is cancelled.
func (g *Gate) RequestOperationConfirmation(ctx context.Context, req *models.ConfirmationRequest, send Sender) (models.ConfirmationDecision, error) {
	key := req.Key()

	g.mu.Lock()
	if g.prefs[key] {
		g.mu.Unlock()
		g.logger.Debug("Auto-approving operation from stored preference", "key", key)
		return models.ConfirmationDecision{
			Approved:       true,
			SelectedOption: models.OptionYes,
		}, nil
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if len(req.Options) == 0 {
		req.Options = models.StandardOptions()
	}
	entry := &pendingEntry{req: req, ch: make(chan models.ConfirmationDecision, 1)}
	g.pending[req.RequestID] = entry
	g.mu.Unlock()

	if err := send(req); err != nil {
		g.remove(req.RequestID)
		return models.ConfirmationDecision{}, fmt.Errorf("sending confirmation request: %w", err)
	}

	var timeout <-chan time.Time
	if req.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(req.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case decision := <-entry.ch:
		return decision, nil
	case <-timeout:
		g.remove(req.RequestID)
		return models.ConfirmationDecision{}, ErrTimeout
	case <-ctx.Done():
		g.remove(req.RequestID)
		return models.ConfirmationDecision{}, ctx.Err()
	}
}

// Resolve routes a client response to the in-flight request it answers.
// A yes_dont_ask selection stores the preference and fans out approval to
// every other in-flight request with the same key.
func (g *Gate) Resolve(resp *models.ConfirmationResponse) error {
	g.mu.Lock()
	entry, ok := g.pending[resp.RequestID]
	if !ok {
		g.mu.Unlock()
		return ErrUnknownRequest
	}
	delete(g.pending, resp.RequestID)

	decision := decisionFor(resp)

	var fanned []*pendingEntry
	if resp.SelectedOptionID == models.OptionYesDontAsk {
		key := entry.req.Key()
		g.prefs[key] = true
		for id, other := range g.pending {
			if other.req.Key() == key {
				delete(g.pending, id)
				fanned = append(fanned, other)
			}
		}
	}
	g.mu.Unlock()

	entry.ch <- decision
	for _, other := range fanned {
		other.ch <- models.ConfirmationDecision{
			Approved:                true,
			SelectedOption:          models.OptionYes,
			SkipFutureConfirmations: true,
		}
	}
	if len(fanned) > 0 {
		g.logger.Info("Fanned out approval to same-key requests",
			"key", entry.req.Key(), "count", len(fanned))
	}
	return nil
}

// RejectAll denies every in-flight request with the given reason. Used when
// the client disconnects or the run is hard-stopped.
func (g *Gate) RejectAll(reason string) {
	g.mu.Lock()
	entries := make([]*pendingEntry, 0, len(g.pending))
	for id, entry := range g.pending {
		delete(g.pending, id)
		entries = append(entries, entry)
	}
	g.mu.Unlock()

	for _, entry := range entries {
		entry.ch <- models.ConfirmationDecision{
			Approved:     false,
			DenialReason: reason,
		}
	}
	if len(entries) > 0 {
		g.logger.Info("Rejected all pending confirmations", "count", len(entries), "reason", reason)
	}
}

// Pending returns the in-flight requests, for reconnect replay.
func (g *Gate) Pending() []*models.ConfirmationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*models.ConfirmationRequest, 0, len(g.pending))
	for _, entry := range g.pending {
		out = append(out, entry.req)
	}
	return out
}

// SetPreference stores an auto-approval preference for a confirmation key.
func (g *Gate) SetPreference(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prefs[key] = true
}

// HasPreference reports whether a key is auto-approved.
func (g *Gate) HasPreference(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prefs[key]
}

func (g *Gate) remove(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, requestID)
}

// decisionFor maps a response's selected option to a decision. Guidance is a
// soft denial: the operation does not run, and the guidance text is handed to
// the agent as the denial reason.
func decisionFor(resp *models.ConfirmationResponse) models.ConfirmationDecision {
	switch resp.SelectedOptionID {
	case models.OptionYes:
		return models.ConfirmationDecision{Approved: true, SelectedOption: models.OptionYes}
	case models.OptionYesDontAsk:
		return models.ConfirmationDecision{
			Approved:                true,
			SelectedOption:          models.OptionYesDontAsk,
			SkipFutureConfirmations: true,
		}
	case models.OptionGuidance:
		reason := resp.Guidance
		if reason == "" {
			reason = "user provided guidance instead of approval"
		}
		return models.ConfirmationDecision{
			Approved:       false,
			SelectedOption: models.OptionGuidance,
			DenialReason:   reason,
		}
	default:
		reason := "denied by user"
		if resp.Guidance != "" {
			reason = resp.Guidance
		}
		return models.ConfirmationDecision{
			Approved:       false,
			SelectedOption: resp.SelectedOptionID,
			DenialReason:   reason,
		}
	}
}
