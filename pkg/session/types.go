// Package session tracks the per-conversation run lifecycle: at most one run
// at a time, soft interrupts that queue behind the active run, and hard stops
// that abort it.
package session

import "github.com/khoj-ai/pipali/pkg/models"

// Phase is the coarse run state of a conversation.
type Phase string

// Phases.
const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhaseStopped Phase = "stopped"
)

// StopMode records how the active run has been asked to stop.
type StopMode string

// Stop modes. A soft stop lets the run finish its current step; a hard stop
// aborts it immediately.
const (
	StopNone StopMode = "none"
	StopSoft StopMode = "soft"
	StopHard StopMode = "hard"
)

// Stop reasons reported in run_stopped events.
const (
	ReasonUserStop      = "user_stop"
	ReasonSoftInterrupt = "soft_interrupt"
	ReasonDisconnect    = "client_disconnect"
)

// QueuedMessage is a user message waiting behind the active run.
type QueuedMessage struct {
	ClientMessageID string
	Content         models.Content
}

// RunState is the full state of a conversation's session. It is a plain
// value; Session guards it with a mutex.
type RunState struct {
	Phase           Phase
	RunID           string
	ClientMessageID string
	StopMode        StopMode
	StopReason      string
	Queue           []QueuedMessage

	// AwaitingConfirmations counts the confirmation requests the run is
	// blocked on. Parallel tool calls can hold several at once. A soft
	// interrupt arriving while any remain escalates to a hard stop, since
	// the run cannot reach a step boundary until the user answers.
	AwaitingConfirmations int
}
