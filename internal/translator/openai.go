// Package translator bridges the two request/response schemas: the inbound
// OpenAI chat-completion shape and SambaNova's proprietary completion
// envelope. All mappings are pure functions of their inputs.
package translator

import (
	"fmt"

	"github.com/nghyane/samba-mux/internal/json"
)

// Defaults injected when the inbound request leaves a field unset. These
// mirror what the SambaNova cloud frontend itself sends.
const (
	DefaultModel       = "DeepSeek-R1"
	DefaultMaxTokens   = 7168
	DefaultTemperature = 0.0
	DefaultStopToken   = "<|eot_id|>"
)

// ChatMessage is one inbound conversation turn. Content is kept as raw
// JSON so both plain strings and structured content parts pass through to
// the upstream untouched.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatCompletionRequest is the decoded OpenAI-shaped request. Immutable
// once parsed.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        any           `json:"stop,omitempty"`
}

// ValidationError marks a malformed inbound request; the gateway answers
// 400 and no upstream call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

// ParseChatCompletionRequest decodes and validates the inbound body.
func ParseChatCompletionRequest(body []byte) (*ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the request invariants.
func (r *ChatCompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return &ValidationError{Reason: "messages must not be empty"}
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return &ValidationError{Reason: fmt.Sprintf("messages[%d] missing role", i)}
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &ValidationError{Reason: "temperature must be between 0 and 2"}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return &ValidationError{Reason: "max_tokens must be positive"}
	}
	return nil
}

// EffectiveModel returns the requested model or the default.
func (r *ChatCompletionRequest) EffectiveModel() string {
	if r.Model == "" {
		return DefaultModel
	}
	return r.Model
}

// EffectiveTemperature returns the requested temperature or the default.
func (r *ChatCompletionRequest) EffectiveTemperature() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

// EffectiveMaxTokens returns the requested budget or the default.
func (r *ChatCompletionRequest) EffectiveMaxTokens() int {
	if r.MaxTokens == nil {
		return DefaultMaxTokens
	}
	return *r.MaxTokens
}
