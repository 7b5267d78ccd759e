package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/khoj-ai/pipali/pkg/automation"
	"github.com/khoj-ai/pipali/pkg/events"
	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/session"
	"github.com/khoj-ai/pipali/pkg/tools"
)

// AutomationRunner drives automation executions through the research loop.
// Each run gets a private session (automations support hard stops only, so
// interactive queueing never applies) and emits no client events.
type AutomationRunner struct {
	driver   *Driver
	registry *tools.Registry
	logger   *slog.Logger
}

// NewAutomationRunner creates the runner the automation executor calls into.
func NewAutomationRunner(driver *Driver, registry *tools.Registry, logger *slog.Logger) *AutomationRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutomationRunner{
		driver:   driver,
		registry: registry,
		logger:   logger.With("component", "automation_runner"),
	}
}

// Run executes one automation run: the automation's prompt, with the trigger
// payload appended, through the research loop into the linked conversation.
func (r *AutomationRunner) Run(ctx context.Context, req automation.RunRequest) error {
	message := req.Automation.Prompt
	if len(req.TriggerData) > 0 {
		message += "\n\nTrigger data: " + string(req.TriggerData)
	}

	sess := session.NewSession(req.ConversationID, r.logger)
	runID, runCtx, err := sess.StartRun(ctx, "")
	if err != nil {
		return fmt.Errorf("starting automation run: %w", err)
	}
	defer sess.FinishRun()

	_, err = r.driver.Run(runCtx, RunInput{
		ConversationID: req.ConversationID,
		UserID:         req.Automation.UserID,
		RunID:          runID,
		UserMessage:    models.TextContent(message),
		Session:        sess,
		Executor:       NewParallelExecutor(r.registry, req.Confirmer),
		Emitter:        events.EmitterFunc(func(events.Event) {}),
	})
	if errors.Is(err, ErrAborted) {
		return runCtx.Err()
	}
	return err
}
