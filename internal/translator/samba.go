package translator

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nghyane/samba-mux/internal/json"
)

// sambaBody is the inner completion request the SambaNova cloud expects.
// The upstream is always asked to stream; non-streaming inbound requests
// are aggregated on our side.
type sambaBody struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Stop        any           `json:"stop"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	DoSample    bool          `json:"do_sample"`
}

// sambaEnvelope wraps the body with the metadata fields the endpoint
// requires.
type sambaEnvelope struct {
	Body        sambaBody `json:"body"`
	EnvType     string    `json:"env_type"`
	Fingerprint string    `json:"fingerprint"`
}

// NewFingerprint generates the per-request anonymous fingerprint:
// prefix + 20 hex chars of a fresh UUID.
func NewFingerprint(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + hex[:20]
}

// BuildUpstreamPayload maps the canonical request onto the SambaNova
// envelope deterministically (the fingerprint aside): field renames,
// default injection, and the do_sample flag derived from temperature.
func BuildUpstreamPayload(req *ChatCompletionRequest, fingerprintPrefix string) ([]byte, error) {
	temperature := req.EffectiveTemperature()

	stop := req.Stop
	if stop == nil {
		stop = []string{DefaultStopToken}
	}

	envelope := sambaEnvelope{
		Body: sambaBody{
			Model:       req.EffectiveModel(),
			Messages:    req.Messages,
			Stream:      true,
			Stop:        stop,
			Temperature: temperature,
			MaxTokens:   req.EffectiveMaxTokens(),
			DoSample:    temperature > 0,
		},
		EnvType:     "text",
		Fingerprint: NewFingerprint(fingerprintPrefix),
	}
	return json.Marshal(envelope)
}
