package tracing

import "encoding/json"

// Execution detail payloads, one shape per node kind. Processors fill
// these and the runtime flattens them into the step's jsonb column via
// DetailsMap.

// ConditionCheck records one evaluated branch expression.
type ConditionCheck struct {
	Expression string `json:"condition"`
	Result     bool   `json:"result"`
	Error      string `json:"error,omitempty"`
}

// ConditionDetails captures a branch evaluation. MatchedConditionIndex
// is -1 when every branch was false and the default edge was taken.
type ConditionDetails struct {
	ConditionsEvaluated   []ConditionCheck `json:"conditions_evaluated"`
	MatchedConditionIndex int              `json:"matched_condition_index"`
	ConnectionTaken       string           `json:"connection_taken"`
}

// MessageDetails captures an outbound message.
type MessageDetails struct {
	MessageTemplate string   `json:"message_template"`
	RenderedMessage string   `json:"rendered_message"`
	MediaURLs       []string `json:"media_urls,omitempty"`
}

// QuestionDetails captures a prompt and, once the user answered, their
// response and how long it took.
type QuestionDetails struct {
	QuestionText     string        `json:"question_text"`
	RenderedQuestion string        `json:"rendered_question"`
	Options          []interface{} `json:"options,omitempty"`
	UserResponse     interface{}   `json:"user_response,omitempty"`
	ResponseTimeMS   int64         `json:"response_time_ms,omitempty"`
	InputType        string        `json:"input_type,omitempty"`
}

// ActionDetails captures the per-action results of an action node.
type ActionDetails struct {
	ActionType       string                   `json:"action_type"`
	ActionsExecuted  []map[string]interface{} `json:"actions_executed"`
	VariablesChanged map[string]interface{}   `json:"variables_changed,omitempty"`
}

// WebhookDetails captures an outbound HTTP call. URL must already be
// credential-masked and RequestHeaders redacted before tracing.
type WebhookDetails struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	ResponseStatus int               `json:"response_status,omitempty"`
	ResponseBody   interface{}       `json:"response_body,omitempty"`
	DurationMS     int64             `json:"duration_ms"`
	Error          string            `json:"error,omitempty"`
}

// ScriptDetails captures a sandboxed script run.
type ScriptDetails struct {
	Language        string                 `json:"language"`
	CodePreview     string                 `json:"code_preview"`
	Inputs          map[string]interface{} `json:"inputs,omitempty"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"`
	ConsoleLogs     []string               `json:"console_logs,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ExecutionTimeMS int64                  `json:"execution_time_ms"`
}

// maxCodePreview caps how much script source lands in trace details.
const maxCodePreview = 500

// CodePreview trims script source to the traced length.
func CodePreview(code string) string {
	if len(code) <= maxCodePreview {
		return code
	}
	return code[:maxCodePreview]
}

// DetailsMap flattens a typed detail struct into the generic map a
// step record stores.
func DetailsMap(details interface{}) map[string]interface{} {
	if details == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
