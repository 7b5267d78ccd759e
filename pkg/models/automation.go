package models

import (
	"encoding/json"
	"time"
)

// TriggerType identifies what fires an automation.
type TriggerType string

// Trigger types.
const (
	TriggerCron      TriggerType = "cron"
	TriggerFileWatch TriggerType = "file_watch"
)

// AutomationStatus is the lifecycle state of an automation.
type AutomationStatus string

// Automation statuses.
const (
	AutomationActive   AutomationStatus = "active"
	AutomationDisabled AutomationStatus = "disabled"
)

// Automation is a background run definition triggered by time or by
// filesystem events. An automation is linked to at most one conversation;
// all of its runs persist into that conversation.
type Automation struct {
	ID                   string           `json:"id" db:"id"`
	UserID               string           `json:"user_id" db:"user_id"`
	Name                 string           `json:"name" db:"name"`
	Prompt               string           `json:"prompt" db:"prompt"`
	TriggerType          *TriggerType     `json:"trigger_type,omitempty" db:"trigger_type"`
	TriggerConfig        json.RawMessage  `json:"trigger_config,omitempty" db:"trigger_config"`
	Status               AutomationStatus `json:"status" db:"status"`
	MaxExecutionsPerHour *int             `json:"max_executions_per_hour,omitempty" db:"max_executions_per_hour"`
	MaxExecutionsPerDay  *int             `json:"max_executions_per_day,omitempty" db:"max_executions_per_day"`
	ConversationID       *string          `json:"conversation_id,omitempty" db:"conversation_id"`
	LastExecutedAt       *time.Time       `json:"last_executed_at,omitempty" db:"last_executed_at"`
	NextScheduledAt      *time.Time       `json:"next_scheduled_at,omitempty" db:"next_scheduled_at"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
}

// CronTriggerConfig is the persisted trigger config for cron automations.
type CronTriggerConfig struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}

// FileWatchTriggerConfig is the persisted trigger config for file-watch
// automations. Paths support "~" expansion.
type FileWatchTriggerConfig struct {
	Paths      []string `json:"paths"`
	Pattern    string   `json:"pattern,omitempty"`
	Events     []string `json:"events"`
	DebounceMs int      `json:"debounce_ms,omitempty"`
}

// ExecutionStatus is the lifecycle state of a single automation execution.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionPending              ExecutionStatus = "pending"
	ExecutionRunning              ExecutionStatus = "running"
	ExecutionAwaitingConfirmation ExecutionStatus = "awaiting_confirmation"
	ExecutionCompleted            ExecutionStatus = "completed"
	ExecutionFailed               ExecutionStatus = "failed"
	ExecutionCancelled            ExecutionStatus = "cancelled"
)

// AutomationExecution is one run of an automation.
type AutomationExecution struct {
	ID           string          `json:"id" db:"id"`
	AutomationID string          `json:"automation_id" db:"automation_id"`
	Status       ExecutionStatus `json:"status" db:"status"`
	TriggerData  json.RawMessage `json:"trigger_data,omitempty" db:"trigger_data"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	RetryCount   int             `json:"retry_count" db:"retry_count"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// PendingConfirmationStatus is the state of a durable confirmation record.
type PendingConfirmationStatus string

// Pending confirmation statuses.
const (
	PendingConfirmationPending  PendingConfirmationStatus = "pending"
	PendingConfirmationApproved PendingConfirmationStatus = "approved"
	PendingConfirmationDenied   PendingConfirmationStatus = "denied"
	PendingConfirmationExpired  PendingConfirmationStatus = "expired"
)

// PendingConfirmation is the durable confirmation record for automation
// runs. Unlike the in-memory pending map owned by a run, this row survives
// process restarts.
type PendingConfirmation struct {
	ID          string                    `json:"id" db:"id"`
	ExecutionID string                    `json:"execution_id" db:"execution_id"`
	Request     ConfirmationRequest       `json:"request"`
	Status      PendingConfirmationStatus `json:"status" db:"status"`
	ExpiresAt   time.Time                 `json:"expires_at" db:"expires_at"`
	RespondedAt *time.Time                `json:"responded_at,omitempty" db:"responded_at"`
	CreatedAt   time.Time                 `json:"created_at" db:"created_at"`
}
