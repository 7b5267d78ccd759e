package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoj-ai/pipali/pkg/events"
	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/session"
	"github.com/khoj-ai/pipali/pkg/storage"
	"github.com/khoj-ai/pipali/pkg/tools"
	"github.com/khoj-ai/pipali/pkg/trajectory"
)

// scriptedLLM replays a fixed script of iterations, executing each
// iteration's tool calls through the executor before emitting it.
type scriptedLLM struct {
	script []Iteration
}

func (m *scriptedLLM) Research(ctx context.Context, req *ResearchRequest, exec ToolExecutor) (<-chan Iteration, error) {
	ch := make(chan Iteration)
	go func() {
		defer close(ch)
		for i, it := range m.script {
			if i == 0 {
				it.SystemPrompt = "You are a local assistant."
			}
			if len(it.ToolCalls) > 0 && !it.IsToolCallStart && it.ToolResults == nil {
				results, err := exec.ExecuteCalls(ctx, it.ToolCalls)
				if err != nil {
					it = Iteration{Err: err}
				} else {
					it.ToolResults = results
				}
			}
			select {
			case ch <- it:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// triggerTool fires a side effect when executed. Running the stop inside a
// tool guarantees it lands before the iteration's step boundary.
type triggerTool struct {
	fire func()
}

func (triggerTool) Name() string                  { return "trigger" }
func (triggerTool) Description() string           { return "Fire a test hook." }
func (triggerTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (t triggerTool) Execute(context.Context, map[string]any, tools.Confirmer) (models.Content, error) {
	t.fire()
	return models.TextContent("ok"), nil
}

// echoTool returns its "text" argument.
type echoTool struct{}

func (echoTool) Name() string                { return "echo" }
func (echoTool) Description() string         { return "Echo the input." }
func (echoTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (echoTool) Execute(_ context.Context, args map[string]any, _ tools.Confirmer) (models.Content, error) {
	s, _ := args["text"].(string)
	return models.TextContent(s), nil
}

func newDriverFixture(t *testing.T, llm LLMClient) (*Driver, *storage.Store, string) {
	t.Helper()
	db, err := storage.Open("", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := trajectory.NewStore(db.Conversations, db.Steps, models.AgentInfo{Name: "pipali"})
	convID := uuid.New().String()
	require.NoError(t, db.Conversations.Create(context.Background(), &models.Conversation{
		ID: convID, UserID: "u1",
	}))
	return NewDriver(llm, store, 25, nil), db, convID
}

func newRegistryWithEcho(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil)
	r.Register(echoTool{})
	return r
}

func TestSimpleTurnPersistsSystemUserAgent(t *testing.T) {
	llm := &scriptedLLM{script: []Iteration{
		{Message: "Hello", Metrics: &models.StepMetrics{PromptTokens: 10, CompletionTokens: 2}},
	}}
	d, db, convID := newDriverFixture(t, llm)
	sess := session.NewSession(convID, nil)
	runID, ctx, err := sess.StartRun(context.Background(), "m1")
	require.NoError(t, err)

	var rec events.Recorder
	var persistedUserStep int
	res, err := d.Run(ctx, RunInput{
		ConversationID: convID,
		UserID:         "u1",
		RunID:          runID,
		UserMessage:    models.TextContent("Hi"),
		Session:        sess,
		Executor:       NewParallelExecutor(newRegistryWithEcho(t), nil),
		Emitter:        &rec,
		Callbacks: Callbacks{
			OnUserMessagePersisted: func(stepID int) { persistedUserStep = stepID },
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Response)
	assert.Equal(t, 1, res.IterationCount)

	assert.Equal(t, []string{
		events.EventTypeResearch,
		events.EventTypeIteration,
		events.EventTypeComplete,
	}, rec.Types())

	steps, err := db.Steps.List(ctx, convID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, models.SourceSystem, steps[0].Source)
	assert.Equal(t, "You are a local assistant.", steps[0].Message)
	assert.Equal(t, models.SourceUser, steps[1].Source)
	assert.Equal(t, "Hi", steps[1].Message)
	assert.Equal(t, models.SourceAgent, steps[2].Source)
	assert.Equal(t, "Hello", steps[2].Message)
	assert.Equal(t, 2, persistedUserStep)
}

func TestToolIterationThenTerminal(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "call_1", FunctionName: "echo", Arguments: map[string]any{"text": "one"}},
		{ID: "call_2", FunctionName: "echo", Arguments: map[string]any{"text": "two"}},
	}
	llm := &scriptedLLM{script: []Iteration{
		{IsToolCallStart: true, Thought: "let me check", ToolCalls: calls},
		{Thought: "let me check", ToolCalls: calls},
		{Message: "Done"},
	}}
	d, db, convID := newDriverFixture(t, llm)

	var rec events.Recorder
	var startedCalls []models.ToolCall
	res, err := d.Run(context.Background(), RunInput{
		ConversationID: convID,
		UserID:         "u1",
		RunID:          "r1",
		UserMessage:    models.TextContent("check both"),
		Executor:       NewParallelExecutor(newRegistryWithEcho(t), nil),
		Emitter:        &rec,
		Callbacks: Callbacks{
			OnToolCallStart: func(_, _ string, calls []models.ToolCall) { startedCalls = calls },
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Done", res.Response)
	assert.Equal(t, 2, res.IterationCount)
	assert.Len(t, startedCalls, 2)

	assert.Equal(t, []string{
		events.EventTypeResearch,
		events.EventTypeToolCallStart,
		events.EventTypeIteration,
		events.EventTypeIteration,
		events.EventTypeComplete,
	}, rec.Types())

	steps, err := db.Steps.List(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, steps, 4) // system, user, agent(tool), agent(final)
	toolStep := steps[2]
	require.NotNil(t, toolStep.Observation)
	require.Len(t, toolStep.Observation.Results, 2)
	assert.Equal(t, "call_1", toolStep.Observation.Results[0].SourceCallID)
	assert.Equal(t, "one", toolStep.Observation.Results[0].Content.String())
	assert.Equal(t, "call_2", toolStep.Observation.Results[1].SourceCallID)
	assert.Equal(t, "two", toolStep.Observation.Results[1].Content.String())
}

func TestSoftInterruptStopsAtStepBoundary(t *testing.T) {
	calls := []models.ToolCall{{ID: "call_1", FunctionName: "trigger"}}

	llm := &scriptedLLM{script: []Iteration{
		{ToolCalls: calls},
		{Message: "never reached"},
	}}
	d, db, convID := newDriverFixture(t, llm)
	sess := session.NewSession(convID, nil)
	runID, ctx, err := sess.StartRun(context.Background(), "m1")
	require.NoError(t, err)

	// The interrupt arrives while iteration 1 is executing its tool call.
	reg := tools.NewRegistry(nil)
	reg.Register(triggerTool{fire: func() {
		_ = sess.Interrupt("m2", models.TextContent("do this instead"))
	}})

	var rec events.Recorder
	_, err = d.Run(ctx, RunInput{
		ConversationID: convID,
		UserID:         "u1",
		RunID:          runID,
		UserMessage:    models.TextContent("start"),
		Session:        sess,
		Executor:       NewParallelExecutor(reg, nil),
		Emitter:        &rec,
	})
	assert.ErrorIs(t, err, ErrSoftInterrupted)

	types := rec.Types()
	assert.Equal(t, events.EventTypeIteration, types[len(types)-2])
	last := rec.Events()[len(types)-1]
	assert.Equal(t, events.EventTypeRunStopped, last.Type)
	assert.Equal(t, session.ReasonSoftInterrupt, last.Reason)

	// Iteration 1 was persisted before the stop.
	steps, err := db.Steps.List(context.Background(), convID)
	require.NoError(t, err)
	assert.Len(t, steps, 3) // system, user, agent(tool)
}

func TestHardStopAborts(t *testing.T) {
	calls := []models.ToolCall{{ID: "call_1", FunctionName: "trigger"}}

	llm := &scriptedLLM{script: []Iteration{
		{ToolCalls: calls},
		{ToolCalls: calls},
		{Message: "never reached"},
	}}
	d, _, convID := newDriverFixture(t, llm)
	sess := session.NewSession(convID, nil)
	runID, ctx, err := sess.StartRun(context.Background(), "m1")
	require.NoError(t, err)

	reg := tools.NewRegistry(nil)
	reg.Register(triggerTool{fire: func() {
		_ = sess.HardStop(session.ReasonUserStop)
	}})

	var rec events.Recorder
	_, err = d.Run(ctx, RunInput{
		ConversationID: convID,
		UserID:         "u1",
		RunID:          runID,
		UserMessage:    models.TextContent("go"),
		Session:        sess,
		Executor:       NewParallelExecutor(reg, nil),
		Emitter:        &rec,
	})
	assert.ErrorIs(t, err, ErrAborted)

	evts := rec.Events()
	last := evts[len(evts)-1]
	assert.Equal(t, events.EventTypeRunStopped, last.Type)
	assert.Equal(t, session.ReasonUserStop, last.Reason)
	assert.NotContains(t, rec.Types(), events.EventTypeComplete)
}

func TestLLMFailureEmitsErrorAndStops(t *testing.T) {
	llm := &scriptedLLM{script: []Iteration{
		{Err: errors.New("model unavailable")},
	}}
	d, _, convID := newDriverFixture(t, llm)

	var rec events.Recorder
	_, err := d.Run(context.Background(), RunInput{
		ConversationID: convID,
		UserID:         "u1",
		RunID:          "r1",
		UserMessage:    models.TextContent("hi"),
		Executor:       NewParallelExecutor(newRegistryWithEcho(t), nil),
		Emitter:        &rec,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")

	types := rec.Types()
	assert.Contains(t, types, events.EventTypeError)
	assert.Equal(t, events.EventTypeRunStopped, types[len(types)-1])
	evts := rec.Events()
	assert.Equal(t, "error", evts[len(evts)-1].Reason)
}

func TestEmptyTerminalMessageGetsFallback(t *testing.T) {
	llm := &scriptedLLM{script: []Iteration{{Message: ""}}}
	d, db, convID := newDriverFixture(t, llm)

	var rec events.Recorder
	res, err := d.Run(context.Background(), RunInput{
		ConversationID: convID,
		UserID:         "u1",
		RunID:          "r1",
		UserMessage:    models.TextContent("hi"),
		Executor:       NewParallelExecutor(newRegistryWithEcho(t), nil),
		Emitter:        &rec,
	})
	require.NoError(t, err)
	assert.Equal(t, TerminalFallbackMessage, res.Response)

	steps, err := db.Steps.List(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, TerminalFallbackMessage, steps[len(steps)-1].Message)
}

func TestSecondRunPersistsUserStepUpFront(t *testing.T) {
	llm := &scriptedLLM{script: []Iteration{{Message: "first"}}}
	d, db, convID := newDriverFixture(t, llm)

	var rec events.Recorder
	in := RunInput{
		ConversationID: convID,
		UserID:         "u1",
		RunID:          "r1",
		UserMessage:    models.TextContent("one"),
		Executor:       NewParallelExecutor(newRegistryWithEcho(t), nil),
		Emitter:        &rec,
	}
	_, err := d.Run(context.Background(), in)
	require.NoError(t, err)

	llm.script = []Iteration{{Message: "second"}}
	in.RunID = "r2"
	in.UserMessage = models.TextContent("two")
	_, err = d.Run(context.Background(), in)
	require.NoError(t, err)

	steps, err := db.Steps.List(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	assert.Equal(t, models.SourceSystem, steps[0].Source)
	assert.Equal(t, models.SourceUser, steps[1].Source)
	assert.Equal(t, models.SourceAgent, steps[2].Source)
	assert.Equal(t, models.SourceUser, steps[3].Source)
	assert.Equal(t, "two", steps[3].Message)
	assert.Equal(t, models.SourceAgent, steps[4].Source)
}

func TestParallelExecutorPreservesOrder(t *testing.T) {
	exec := NewParallelExecutor(newRegistryWithEcho(t), nil)
	calls := []models.ToolCall{
		{ID: "a", FunctionName: "echo", Arguments: map[string]any{"text": "1"}},
		{ID: "b", FunctionName: "echo", Arguments: map[string]any{"text": "2"}},
		{ID: "c", FunctionName: "missing_tool"},
	}
	results, err := exec.ExecuteCalls(context.Background(), calls)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].SourceCallID)
	assert.Equal(t, "1", results[0].Content.String())
	assert.Equal(t, "b", results[1].SourceCallID)
	assert.Equal(t, "c", results[2].SourceCallID)
	assert.Contains(t, results[2].Content.String(), "unknown tool")
}
