package models

import "time"

// RiskLevel grades how hazardous a confirmed operation is.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Standard confirmation option ids.
const (
	OptionYes        = "yes"
	OptionYesDontAsk = "yes_dont_ask"
	OptionNo         = "no"
	OptionGuidance   = "guidance"
)

// ConfirmationOption is one selectable response to a confirmation request.
type ConfirmationOption struct {
	ID                string `json:"id"`
	Label             string `json:"label"`
	Style             string `json:"style,omitempty"`
	PersistPreference bool   `json:"persist_preference,omitempty"`
}

// ConfirmationContext describes the operation awaiting approval.
type ConfirmationContext struct {
	ToolName      string         `json:"tool_name"`
	ToolArgs      map[string]any `json:"tool_args,omitempty"`
	AffectedFiles []string       `json:"affected_files,omitempty"`
	RiskLevel     RiskLevel      `json:"risk_level"`
	OperationType string         `json:"operation_type,omitempty"`
}

// ConfirmationRequest is sent to the client (or stored durably for
// automations) when a tool needs user approval before executing.
type ConfirmationRequest struct {
	RequestID       string               `json:"request_id"`
	InputType       string               `json:"input_type"`
	Title           string               `json:"title"`
	Message         string               `json:"message"`
	Operation       string               `json:"operation"`
	Context         ConfirmationContext  `json:"context"`
	Diff            string               `json:"diff,omitempty"`
	Options         []ConfirmationOption `json:"options"`
	DefaultOptionID string               `json:"default_option_id,omitempty"`
	TimeoutMs       int64                `json:"timeout_ms"`
}

// Key returns the confirmation preference key: the operation name, or
// "operation:subtype" when an operation sub-type is present.
func (r *ConfirmationRequest) Key() string {
	if r.Context.OperationType != "" {
		return r.Operation + ":" + r.Context.OperationType
	}
	return r.Operation
}

// ConfirmationResponse is the client's answer to a confirmation request.
type ConfirmationResponse struct {
	RequestID        string    `json:"request_id"`
	SelectedOptionID string    `json:"selected_option_id"`
	Guidance         string    `json:"guidance,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ConfirmationDecision is the resolved outcome handed back to the tool
// adapter that asked for approval.
type ConfirmationDecision struct {
	Approved                bool   `json:"approved"`
	SelectedOption          string `json:"selected_option"`
	SkipFutureConfirmations bool   `json:"skip_future_confirmations"`
	DenialReason            string `json:"denial_reason,omitempty"`
}

// StandardOptions returns the default yes / yes_dont_ask / no option set.
func StandardOptions() []ConfirmationOption {
	return []ConfirmationOption{
		{ID: OptionYes, Label: "Yes", Style: "primary"},
		{ID: OptionYesDontAsk, Label: "Yes, don't ask again", Style: "secondary", PersistPreference: true},
		{ID: OptionNo, Label: "No", Style: "danger"},
	}
}
