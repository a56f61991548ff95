// Package models defines the domain models shared by the workflow service.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Action names one client-initiated workflow operation.
type Action string

const (
	ActionRun                    Action = "run"
	ActionSimpleButtonAssistance Action = "simple_button_assistance"
	ActionCurrentSessionResponse Action = "get_current_session_response"
	ActionLazyLoadChatHistory    Action = "lazy_load_chat_history"
	ActionClearSession           Action = "clear_session"
	ActionRunAsync               Action = "run_async"
	ActionGetRunStatus           Action = "get_run_status"
	ActionCancelRun              Action = "cancel_run"
)

var knownActions = map[Action]bool{
	ActionRun:                    true,
	ActionSimpleButtonAssistance: true,
	ActionCurrentSessionResponse: true,
	ActionLazyLoadChatHistory:    true,
	ActionClearSession:           true,
	ActionRunAsync:               true,
	ActionGetRunStatus:           true,
	ActionCancelRun:              true,
}

// Valid reports whether the action is one the orchestrator understands.
func (a Action) Valid() bool { return knownActions[a] }

// RunContext identifies where in the LMS a workflow is invoked. It is opaque
// to the execution core apart from being used as a session partition and as
// input to context extraction.
type RunContext struct {
	CourseID       string `json:"courseId,omitempty"`
	LocationID     string `json:"locationId,omitempty"`
	UnitID         string `json:"unitId,omitempty"`
	ServiceVariant string `json:"uiSlotSelectorId,omitempty"`
}

var contextKeyEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// Key returns the context portion of a session partition key. Distinct
// contexts always yield distinct keys.
func (c RunContext) Key() string {
	return contextKeyEscaper.Replace(c.CourseID) + "|" +
		contextKeyEscaper.Replace(c.LocationID) + "|" +
		contextKeyEscaper.Replace(c.UnitID)
}

// WorkflowRunRequest is one inbound invocation. It is never persisted beyond the run.
type WorkflowRunRequest struct {
	Action    Action          `json:"action"`
	RequestID string          `json:"requestId"`
	TaskID    string          `json:"taskId,omitempty"`
	UserInput json.RawMessage `json:"userInput,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Context   RunContext      `json:"-"`
}

// InputText returns the user input as free text. A JSON string is unquoted;
// structured payloads are returned verbatim.
func (r WorkflowRunRequest) InputText() string {
	if len(r.UserInput) == 0 || string(r.UserInput) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.UserInput, &s); err == nil {
		return s
	}
	return string(r.UserInput)
}

// HistoryQuery is the structured user input of lazy_load_chat_history.
type HistoryQuery struct {
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

// StageConfig configures one stage of a processor chain.
type StageConfig struct {
	Name     string         `json:"name" mapstructure:"name"`
	Function string         `json:"function" mapstructure:"function"`
	Provider string         `json:"provider,omitempty" mapstructure:"provider"`
	Options  map[string]any `json:"options,omitempty" mapstructure:"options"`
}

// WorkflowConfiguration is the resolved, read-only blob describing how a
// workflow executes.
type WorkflowConfiguration struct {
	OrchestratorClass string         `json:"orchestratorClass" mapstructure:"orchestrator_class"`
	ProcessorConfig   []StageConfig  `json:"processorConfig" mapstructure:"processor_config"`
	ActuatorConfig    map[string]any `json:"actuatorConfig,omitempty" mapstructure:"actuator_config"`
}

// Scope selects the contexts a profile applies to. Empty fields match anything;
// non-empty fields are shell patterns.
type Scope struct {
	CourseID       string `json:"courseId,omitempty" mapstructure:"course_id"`
	LocationID     string `json:"locationId,omitempty" mapstructure:"location_id"`
	ServiceVariant string `json:"serviceVariant,omitempty" mapstructure:"service_variant"`
}

// Profile binds a workflow configuration to a scope. Its ID is the workflow
// instance id used for session partitioning.
type Profile struct {
	ID    string `json:"id" mapstructure:"id"`
	Scope Scope  `json:"scope" mapstructure:"scope"`

	WorkflowConfiguration `mapstructure:",squash"`
}
