package translator

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/nghyane/samba-mux/internal/json"
)

// Usage is the OpenAI-shaped token accounting block. Negative values mean
// the upstream reported nothing and estimation failed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChunkDelta is the incremental content of one streaming chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice wraps a delta with its finish reason.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// CompletionChunk is one OpenAI streaming event.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// CompletionMessage is the aggregated assistant message.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionChoice is one choice of a complete response.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// ChatCompletion is the complete (non-streaming) OpenAI response.
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// StreamState tracks one streaming response translation. It is owned
// exclusively by the proxy invocation handling the request and is never
// shared across requests.
type StreamState struct {
	id      string
	model   string
	created int64

	seq          int
	roleSent     bool
	finishReason string
	content      strings.Builder
	usage        *Usage
}

// NewStreamState starts a translation session with a fresh chat id.
func NewStreamState(model string) *StreamState {
	return &StreamState{
		id:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		model:   model,
		created: time.Now().Unix(),
	}
}

// ID returns the stable chat id used for every chunk of this stream.
func (s *StreamState) ID() string { return s.id }

// Sequence returns how many chunks have been emitted so far.
func (s *StreamState) Sequence() int { return s.seq }

// FinishReason returns the upstream finish reason, if one arrived.
func (s *StreamState) FinishReason() string { return s.finishReason }

// Content returns the accumulated assistant text.
func (s *StreamState) Content() string { return s.content.String() }

// TranslateFrame converts one upstream frame payload (the JSON after the
// SSE "data:" prefix) into an OpenAI chunk. Returns nil when the frame
// carries nothing to emit (keep-alives, bare usage frames). Frames are
// translated strictly in arrival order.
func (s *StreamState) TranslateFrame(payload []byte) ([]byte, error) {
	parsed := gjson.ParseBytes(payload)

	if u := parsed.Get("usage"); u.Exists() {
		s.usage = &Usage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}

	choice := parsed.Get("choices.0")
	if !choice.Exists() {
		return nil, nil
	}

	content := choice.Get("delta.content").String()
	finish := choice.Get("finish_reason").String()

	if content == "" && finish == "" {
		return nil, nil
	}

	delta := ChunkDelta{Content: content}
	if !s.roleSent {
		delta.Role = "assistant"
		s.roleSent = true
	}
	s.content.WriteString(content)

	var finishReason *string
	if finish != "" {
		s.finishReason = finish
		finishReason = &finish
	}

	chunk := CompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Delta: delta, FinishReason: finishReason}},
	}
	s.seq++
	return json.Marshal(&chunk)
}

// FinishChunk builds the closing chunk for streams where the upstream
// never sent a finish reason before EOF.
func (s *StreamState) FinishChunk() ([]byte, error) {
	finish := s.finishReason
	if finish == "" {
		finish = "stop"
		s.finishReason = finish
	}
	chunk := CompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{}, FinishReason: &finish}},
	}
	s.seq++
	return json.Marshal(&chunk)
}

// UsageOrEstimate resolves token usage for the stream: the
// upstream-reported block when present, otherwise a local estimate from
// the request and accumulated text, otherwise the -1 sentinel. The second
// return value reports whether the numbers are estimated.
func (s *StreamState) UsageOrEstimate(req *ChatCompletionRequest) (Usage, bool) {
	if s.usage != nil {
		return *s.usage, false
	}
	if u := EstimateUsage(req, s.content.String()); u != nil {
		return *u, true
	}
	return Usage{PromptTokens: -1, CompletionTokens: -1, TotalTokens: -1}, true
}

// Completion aggregates the stream into a complete response. The second
// return value reports whether the usage block is estimated rather than
// upstream-reported.
func (s *StreamState) Completion(req *ChatCompletionRequest) (*ChatCompletion, bool) {
	finish := s.finishReason
	if finish == "" {
		finish = "stop"
	}

	usage, estimated := s.UsageOrEstimate(req)

	return &ChatCompletion{
		ID:      s.id,
		Object:  "chat.completion",
		Created: s.created,
		Model:   s.model,
		Choices: []CompletionChoice{{
			Message:      CompletionMessage{Role: "assistant", Content: strings.TrimSpace(s.content.String())},
			FinishReason: finish,
		}},
		Usage: usage,
	}, estimated
}
