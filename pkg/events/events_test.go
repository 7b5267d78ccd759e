package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoj-ai/pipali/pkg/models"
)

func TestEventConstructors(t *testing.T) {
	e := ConversationCreated("c1")
	assert.Equal(t, EventTypeConversationCreated, e.Type)
	assert.Equal(t, "c1", e.ConversationID)
	assert.NotEmpty(t, e.Timestamp)

	e = RunStopped("c1", "r1", "user_stop")
	assert.Equal(t, "user_stop", e.Reason)
	assert.Equal(t, "r1", e.RunID)

	e = Complete("c1", "r1", "done")
	data, ok := e.Data.(CompleteData)
	require.True(t, ok)
	assert.Equal(t, "done", data.Response)
	assert.Equal(t, "c1", data.ConversationID)

	e = Error("c1", "r1", errors.New("llm unavailable"))
	assert.Equal(t, "llm unavailable", e.Error)

	e = Iteration("c1", "r1", IterationData{Message: "hi", StepID: 3})
	it, ok := e.Data.(IterationData)
	require.True(t, ok)
	assert.Equal(t, 3, it.StepID)

	req := &models.ConfirmationRequest{RequestID: "q1", Operation: "execute_command"}
	e = ConfirmationRequested("c1", "r1", req)
	assert.Same(t, req, e.Data)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Emit(ConversationCreated("c1"))
	r.Emit(Research("c1", "r1"))
	r.Emit(Complete("c1", "r1", "hello"))

	assert.Equal(t, []string{
		EventTypeConversationCreated,
		EventTypeResearch,
		EventTypeComplete,
	}, r.Types())
	assert.Len(t, r.Events(), 3)
}

func TestEmitterFunc(t *testing.T) {
	var got Event
	EmitterFunc(func(e Event) { got = e }).Emit(Research("c1", "r1"))
	assert.Equal(t, EventTypeResearch, got.Type)
}
