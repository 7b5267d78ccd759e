package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/khoj-ai/pipali/pkg/events"
	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/session"
	"github.com/khoj-ai/pipali/pkg/trajectory"
)

// TerminalFallbackMessage substitutes for an empty terminal response so the
// client never renders a blank agent turn.
const TerminalFallbackMessage = "I looked into this but couldn't come up with a final answer."

// Control-flow sentinels. These end a run without counting as failures.
var (
	// ErrAborted indicates the run's context was cancelled (hard stop or
	// disconnect).
	ErrAborted = errors.New("run aborted")

	// ErrSoftInterrupted indicates the run stopped at a step boundary to
	// yield to a queued message.
	ErrSoftInterrupted = errors.New("run soft-interrupted")
)

// Callbacks are optional per-run hooks. Nil fields are skipped.
type Callbacks struct {
	OnToolCallStart        func(thought, message string, calls []models.ToolCall)
	OnIteration            func(stepID int, it Iteration)
	OnReasoning            func(thought string)
	OnUserMessagePersisted func(stepID int)
}

// Result is a completed run's outcome.
type Result struct {
	Response       string
	IterationCount int
	ConversationID string
	StepID         int
}

// Driver runs one logical response: zero or more tool-call iterations plus a
// final agent message, persisting steps and emitting events along the way.
type Driver struct {
	llm     LLMClient
	store   *trajectory.Store
	maxIter int
	logger  *slog.Logger
}

// NewDriver creates a research loop driver.
func NewDriver(llm LLMClient, store *trajectory.Store, maxIterations int, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		llm:     llm,
		store:   store,
		maxIter: maxIterations,
		logger:  logger.With("component", "research_driver"),
	}
}

// RunInput carries one run's parameters.
type RunInput struct {
	ConversationID       string
	UserID               string
	RunID                string
	UserMessage          models.Content
	SystemPromptOverride string
	Session              *session.Session
	Executor             ToolExecutor
	Emitter              events.Emitter
	Callbacks            Callbacks
}

// Run executes the research loop. Stop conditions:
//
//   - terminal iteration → Result, complete event;
//   - context cancelled → ErrAborted, run_stopped event with the session's
//     stop reason;
//   - soft interrupt observed at a step boundary → ErrSoftInterrupted,
//     run_stopped event;
//   - adapter failure → error, error + run_stopped{error} events.
func (d *Driver) Run(ctx context.Context, in RunInput) (*Result, error) {
	log := d.logger.With("conversation_id", in.ConversationID, "run_id", in.RunID)

	steps, err := d.store.Steps(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading trajectory: %w", err)
	}
	firstRun := len(steps) == 0

	// Steps persist even when the run is aborted mid-iteration: completed
	// work survives a hard stop.
	storeCtx := context.WithoutCancel(ctx)

	// On the first run the user step stays in memory until the system
	// prompt arrives with the first iteration, preserving system→user
	// order. On later runs it is persisted up front.
	userStep := models.Step{Source: models.SourceUser, Message: in.UserMessage.String()}
	if firstRun {
		steps = append(steps, userStep)
	} else {
		persisted, err := d.store.AddStep(storeCtx, in.ConversationID, models.SourceUser,
			trajectory.StepInput{Message: in.UserMessage.String()})
		if err != nil {
			return nil, fmt.Errorf("persisting user step: %w", err)
		}
		steps = append(steps, *persisted)
		if in.Callbacks.OnUserMessagePersisted != nil {
			in.Callbacks.OnUserMessagePersisted(persisted.StepID)
		}
	}

	in.Emitter.Emit(events.Research(in.ConversationID, in.RunID))

	req := &ResearchRequest{
		ConversationID:       in.ConversationID,
		UserID:               in.UserID,
		UserMessage:          in.UserMessage,
		Trajectory:           steps,
		MaxIterations:        d.maxIter,
		SystemPromptOverride: in.SystemPromptOverride,
	}
	stream, err := d.llm.Research(ctx, req, in.Executor)
	if err != nil {
		return nil, d.failRun(in, log, err)
	}

	result := &Result{ConversationID: in.ConversationID}
	persistedUser := !firstRun

	for it := range stream {
		if it.Err != nil {
			return nil, d.failRun(in, log, it.Err)
		}

		if it.IsToolCallStart {
			if in.Callbacks.OnReasoning != nil && it.Thought != "" {
				in.Callbacks.OnReasoning(it.Thought)
			}
			if in.Callbacks.OnToolCallStart != nil {
				in.Callbacks.OnToolCallStart(it.Thought, it.Message, it.ToolCalls)
			}
			in.Emitter.Emit(events.ToolCallStart(in.ConversationID, in.RunID, events.ToolCallStartData{
				Thought:   it.Thought,
				Message:   it.Message,
				ToolCalls: it.ToolCalls,
			}))
			continue
		}

		// First completed iteration on a fresh conversation: persist the
		// system step, then the held-back user step.
		if !persistedUser {
			if _, err := d.store.AddStep(storeCtx, in.ConversationID, models.SourceSystem,
				trajectory.StepInput{Message: it.SystemPrompt}); err != nil {
				return nil, d.failRun(in, log, fmt.Errorf("persisting system step: %w", err))
			}
			persisted, err := d.store.AddStep(storeCtx, in.ConversationID, models.SourceUser,
				trajectory.StepInput{Message: userStep.Message})
			if err != nil {
				return nil, d.failRun(in, log, fmt.Errorf("persisting user step: %w", err))
			}
			if in.Callbacks.OnUserMessagePersisted != nil {
				in.Callbacks.OnUserMessagePersisted(persisted.StepID)
			}
			persistedUser = true
		}

		terminal := it.Terminal()
		message := it.Message
		if terminal && message == "" {
			message = TerminalFallbackMessage
		}

		var observation *models.Observation
		if len(it.ToolResults) > 0 {
			observation = &models.Observation{Results: it.ToolResults}
		}
		step, err := d.store.AddStep(storeCtx, in.ConversationID, models.SourceAgent, trajectory.StepInput{
			Message:     message,
			Reasoning:   it.Thought,
			ToolCalls:   it.ToolCalls,
			Observation: observation,
			Metrics:     it.Metrics,
			RawOutput:   it.Raw,
		})
		if err != nil {
			return nil, d.failRun(in, log, fmt.Errorf("persisting agent step: %w", err))
		}

		result.IterationCount++
		result.StepID = step.StepID
		if in.Callbacks.OnIteration != nil {
			in.Callbacks.OnIteration(step.StepID, it)
		}
		in.Emitter.Emit(events.Iteration(in.ConversationID, in.RunID, events.IterationData{
			Thought:     it.Thought,
			Message:     message,
			ToolCalls:   it.ToolCalls,
			ToolResults: it.ToolResults,
			StepID:      step.StepID,
			Metrics:     it.Metrics,
		}))

		if terminal {
			result.Response = message
			in.Emitter.Emit(events.Complete(in.ConversationID, in.RunID, message))
			log.Info("Run completed", "iterations", result.IterationCount, "final_step_id", step.StepID)
			return result, nil
		}

		// Step boundary: observe aborts and pending stops.
		if err := ctx.Err(); err != nil {
			reason := stopReason(in.Session)
			in.Emitter.Emit(events.RunStopped(in.ConversationID, in.RunID, reason))
			log.Info("Run aborted at step boundary", "reason", reason)
			return nil, ErrAborted
		}
		if stop, reason := shouldStop(in.Session); stop {
			in.Emitter.Emit(events.RunStopped(in.ConversationID, in.RunID, reason))
			log.Info("Run stopped at step boundary", "reason", reason)
			return nil, ErrSoftInterrupted
		}
	}

	// Stream ended without a terminal iteration: the adapter was cancelled.
	if err := ctx.Err(); err != nil {
		reason := stopReason(in.Session)
		in.Emitter.Emit(events.RunStopped(in.ConversationID, in.RunID, reason))
		log.Info("Run aborted", "reason", reason)
		return nil, ErrAborted
	}
	return nil, d.failRun(in, log, errors.New("llm stream ended without terminal iteration"))
}

func (d *Driver) failRun(in RunInput, log *slog.Logger, err error) error {
	if errors.Is(err, context.Canceled) {
		reason := stopReason(in.Session)
		in.Emitter.Emit(events.RunStopped(in.ConversationID, in.RunID, reason))
		log.Info("Run cancelled", "reason", reason)
		return ErrAborted
	}
	log.Error("Run failed", "error", err)
	in.Emitter.Emit(events.Error(in.ConversationID, in.RunID, err))
	in.Emitter.Emit(events.RunStopped(in.ConversationID, in.RunID, "error"))
	return err
}

func shouldStop(s *session.Session) (bool, string) {
	if s == nil {
		return false, ""
	}
	return s.ShouldStopAfterStep()
}

func stopReason(s *session.Session) string {
	if s == nil {
		return session.ReasonUserStop
	}
	if stop, reason := s.ShouldStopAfterStep(); stop && reason != "" {
		return reason
	}
	return session.ReasonUserStop
}
