package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/khoj-ai/pipali/pkg/models"
)

// Errors returned by session transitions.
var (
	// ErrRunInProgress indicates StartRun was called while a run is active.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrNoActiveRun indicates a stop or interrupt targeted an idle session.
	ErrNoActiveRun = errors.New("no active run")

	// ErrStaleRun indicates a command referenced a run id that is no longer
	// the active run.
	ErrStaleRun = errors.New("stale run id")
)

// Session serializes all run activity for one conversation. The research
// loop driver holds the run; WebSocket commands mutate the state through
// the methods here.
type Session struct {
	ConversationID string

	mu     sync.Mutex
	state  RunState
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewSession creates an idle session for a conversation.
func NewSession(conversationID string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ConversationID: conversationID,
		state:          RunState{Phase: PhaseIdle, StopMode: StopNone},
		logger:         logger.With("conversation_id", conversationID),
	}
}

// State returns a copy of the current run state.
func (s *Session) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Queue = append([]QueuedMessage(nil), s.state.Queue...)
	return st
}

// StartRun transitions the session to running and returns the new run id and
// a context derived from parent that a hard stop cancels. Fails when a run
// is already active.
func (s *Session) StartRun(parent context.Context, clientMessageID string) (string, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase == PhaseRunning {
		return "", nil, ErrRunInProgress
	}
	runID := uuid.New().String()
	ctx, cancel := context.WithCancel(parent)
	s.state = RunState{
		Phase:           PhaseRunning,
		RunID:           runID,
		ClientMessageID: clientMessageID,
		StopMode:        StopNone,
		Queue:           s.state.Queue,
	}
	s.cancel = cancel
	s.logger.Debug("Run started", "run_id", runID, "client_message_id", clientMessageID)
	return runID, ctx, nil
}

// Interrupt queues a message behind the active run and requests a soft stop:
// the run finishes its current step, then the queued message starts a new
// run. While the run is blocked on a confirmation, the interrupt escalates
// to a hard stop because no step boundary will be reached.
func (s *Session) Interrupt(clientMessageID string, content models.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != PhaseRunning {
		return ErrNoActiveRun
	}
	s.state.Queue = append(s.state.Queue, QueuedMessage{
		ClientMessageID: clientMessageID,
		Content:         content,
	})
	if s.state.AwaitingConfirmations > 0 {
		s.state.StopMode = StopHard
		s.state.StopReason = ReasonSoftInterrupt
		if s.cancel != nil {
			s.cancel()
		}
		s.logger.Info("Soft interrupt escalated to hard stop",
			"run_id", s.state.RunID, "reason", ReasonSoftInterrupt)
		return nil
	}
	if s.state.StopMode == StopNone {
		s.state.StopMode = StopSoft
		s.state.StopReason = ReasonSoftInterrupt
	}
	s.logger.Debug("Message queued behind active run",
		"run_id", s.state.RunID, "queue_depth", len(s.state.Queue))
	return nil
}

// HardStop aborts the active run immediately and clears the queue.
func (s *Session) HardStop(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != PhaseRunning {
		return ErrNoActiveRun
	}
	s.state.StopMode = StopHard
	s.state.StopReason = reason
	s.state.Queue = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Run hard-stopped", "run_id", s.state.RunID, "reason", reason)
	return nil
}

// BeginConfirmation records one confirmation request blocking the run.
// The run counts as awaiting until every request has resolved.
func (s *Session) BeginConfirmation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AwaitingConfirmations++
}

// EndConfirmation records one confirmation request resolving.
func (s *Session) EndConfirmation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.AwaitingConfirmations > 0 {
		s.state.AwaitingConfirmations--
	}
}

// ShouldContinue reports whether the driver may start another iteration.
func (s *Session) ShouldContinue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase == PhaseRunning && s.state.StopMode == StopNone
}

// ShouldStopAfterStep reports whether a stop (soft or hard) is pending, and
// the reason. The driver checks this at every step boundary.
func (s *Session) ShouldStopAfterStep() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.StopMode == StopNone {
		return false, ""
	}
	return true, s.state.StopReason
}

// ValidateRun reports whether runID still names the active run. Commands
// carrying a stale run id are dropped.
func (s *Session) ValidateRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != PhaseRunning {
		return ErrNoActiveRun
	}
	if s.state.RunID != runID {
		return ErrStaleRun
	}
	return nil
}

// FinishRun ends the active run and pops the next queued message, if any.
// With a queued message the session stays primed for the caller to start the
// next run; otherwise it settles to stopped (when a stop reason is recorded)
// or idle.
func (s *Session) FinishRun() (*QueuedMessage, Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel = nil
	s.state.AwaitingConfirmations = 0
	runID := s.state.RunID
	s.state.RunID = ""
	s.state.ClientMessageID = ""

	// HardStop clears the queue, so anything still queued here belongs to
	// a soft interrupt (possibly escalated) and must start the next run.
	if len(s.state.Queue) > 0 {
		next := s.state.Queue[0]
		s.state.Queue = s.state.Queue[1:]
		s.state.Phase = PhaseIdle
		s.state.StopMode = StopNone
		s.state.StopReason = ""
		s.logger.Debug("Run finished with queued message pending", "run_id", runID)
		return &next, PhaseIdle
	}

	if s.state.StopMode != StopNone {
		s.state.Phase = PhaseStopped
	} else {
		s.state.Phase = PhaseIdle
	}
	s.state.StopMode = StopNone
	s.state.StopReason = ""
	s.state.Queue = nil
	return nil, s.state.Phase
}

// Abort cancels the active run's context without recording a user stop.
// Used when the client disconnects.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != PhaseRunning {
		return
	}
	s.state.StopMode = StopHard
	s.state.StopReason = reason
	s.state.Queue = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Run aborted", "run_id", s.state.RunID, "reason", reason)
}
