// Package trajectory maintains the per-conversation step log: atomic
// appends, aggregate metrics, targeted deletion, and the ATIF JSON
// interchange format.
package trajectory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/storage"
)

// Sentinel errors for delete operations.
var (
	// ErrStepNotFound indicates the targeted step id does not exist.
	ErrStepNotFound = errors.New("step not found")

	// ErrNotAgentStep indicates deleteAgentMessage targeted a non-agent step.
	ErrNotAgentStep = errors.New("step is not an agent step")

	// ErrNotUserStep indicates deleteTurn targeted a non-user step.
	ErrNotUserStep = errors.New("step is not a user step")
)

// Store provides trajectory operations over the storage layer. The research
// loop driver is the single writer per conversation; the session state
// machine guarantees that discipline.
type Store struct {
	conversations *storage.ConversationRepo
	steps         *storage.StepRepo
	agent         models.AgentInfo
}

// NewStore creates a trajectory store. agent describes the agent
// configuration stamped into exports.
func NewStore(conversations *storage.ConversationRepo, steps *storage.StepRepo, agent models.AgentInfo) *Store {
	return &Store{conversations: conversations, steps: steps, agent: agent}
}

// StepInput carries the optional fields of a new step.
type StepInput struct {
	Message     string
	Reasoning   string
	ToolCalls   []models.ToolCall
	Observation *models.Observation
	Metrics     *models.StepMetrics
	RawOutput   []byte
}

// AddStep appends a step with the next never-reused step id, stamps the
// timestamp, and recomputes the conversation's aggregate metrics.
func (s *Store) AddStep(ctx context.Context, conversationID string, source models.StepSource, in StepInput) (*models.Step, error) {
	if !models.ValidSource(source) {
		return nil, fmt.Errorf("invalid step source %q", source)
	}
	id, err := s.steps.NextStepID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	step := &models.Step{
		StepID:      id,
		Timestamp:   time.Now().UTC(),
		Source:      source,
		Message:     in.Message,
		Reasoning:   in.Reasoning,
		ToolCalls:   in.ToolCalls,
		Observation: in.Observation,
		Metrics:     in.Metrics,
		RawOutput:   in.RawOutput,
	}
	if err := s.steps.Append(ctx, conversationID, step); err != nil {
		return nil, err
	}
	if err := s.refreshMetrics(ctx, conversationID); err != nil {
		return nil, err
	}
	return step, nil
}

// Steps returns the conversation's steps in order.
func (s *Store) Steps(ctx context.Context, conversationID string) ([]models.Step, error) {
	return s.steps.List(ctx, conversationID)
}

// DeleteStep removes a single step. Returns false when the step id does not
// exist. Surviving step ids are unchanged and metrics are recomputed.
func (s *Store) DeleteStep(ctx context.Context, conversationID string, stepID int) (bool, error) {
	steps, err := s.steps.List(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if indexOf(steps, stepID) < 0 {
		return false, nil
	}
	if _, err := s.steps.Delete(ctx, conversationID, []int{stepID}); err != nil {
		return false, err
	}
	return true, s.refreshMetrics(ctx, conversationID)
}

// DeleteAgentMessage removes the targeted agent step and every consecutive
// agent step after it, up to the next non-agent step. Returns the number of
// removed steps.
func (s *Store) DeleteAgentMessage(ctx context.Context, conversationID string, stepID int) (int, error) {
	steps, err := s.steps.List(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	i := indexOf(steps, stepID)
	if i < 0 {
		return 0, ErrStepNotFound
	}
	if steps[i].Source != models.SourceAgent {
		return 0, ErrNotAgentStep
	}

	var ids []int
	for ; i < len(steps) && steps[i].Source == models.SourceAgent; i++ {
		ids = append(ids, steps[i].StepID)
	}
	n, err := s.steps.Delete(ctx, conversationID, ids)
	if err != nil {
		return 0, err
	}
	return n, s.refreshMetrics(ctx, conversationID)
}

// DeleteTurn removes a full turn: the targeted user step, any immediately
// following user steps (pre-response chaining), and all consecutive agent
// steps after them, up to the next user step or the end of the trajectory.
// Only valid when the targeted step is a user step.
func (s *Store) DeleteTurn(ctx context.Context, conversationID string, stepID int) (int, error) {
	steps, err := s.steps.List(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	i := indexOf(steps, stepID)
	if i < 0 {
		return 0, ErrStepNotFound
	}
	if steps[i].Source != models.SourceUser {
		return 0, ErrNotUserStep
	}

	var ids []int
	for ; i < len(steps) && steps[i].Source == models.SourceUser; i++ {
		ids = append(ids, steps[i].StepID)
	}
	for ; i < len(steps) && steps[i].Source == models.SourceAgent; i++ {
		ids = append(ids, steps[i].StepID)
	}
	n, err := s.steps.Delete(ctx, conversationID, ids)
	if err != nil {
		return 0, err
	}
	return n, s.refreshMetrics(ctx, conversationID)
}

// Aggregate computes the pure aggregation of per-step metrics.
func Aggregate(steps []models.Step) *models.FinalMetrics {
	fm := &models.FinalMetrics{TotalSteps: len(steps)}
	for _, step := range steps {
		m := step.Metrics
		if m == nil {
			continue
		}
		fm.TotalPromptTokens += m.PromptTokens
		fm.TotalCompletionTokens += m.CompletionTokens
		if m.CachedTokens != nil {
			fm.TotalCachedTokens += *m.CachedTokens
		}
		fm.TotalCostUSD += m.CostUSD
	}
	return fm
}

func (s *Store) refreshMetrics(ctx context.Context, conversationID string) error {
	steps, err := s.steps.List(ctx, conversationID)
	if err != nil {
		return err
	}
	return s.conversations.UpdateMetrics(ctx, conversationID, Aggregate(steps))
}

func indexOf(steps []models.Step, stepID int) int {
	for i := range steps {
		if steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}
