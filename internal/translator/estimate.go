package translator

import (
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
	encErr  error
)

func encoder() (tokenizer.Codec, error) {
	encOnce.Do(func() {
		enc, encErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return enc, encErr
}

// EstimateUsage approximates token usage for responses where the upstream
// reported none. The count uses cl100k_base, which is close enough for
// accounting purposes across the served models. Returns nil when the
// encoder is unavailable or counting fails.
func EstimateUsage(req *ChatCompletionRequest, completion string) *Usage {
	codec, err := encoder()
	if err != nil {
		return nil
	}

	var prompt int
	if req != nil {
		for _, msg := range req.Messages {
			text := messageText(msg)
			n, err := codec.Count(text)
			if err != nil {
				return nil
			}
			prompt += n
		}
	}

	out, err := codec.Count(completion)
	if err != nil {
		return nil
	}

	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}

// messageText flattens a message's content for counting. String content is
// used as-is; array content (multimodal shape) contributes its text parts.
func messageText(msg ChatMessage) string {
	parsed := gjson.ParseBytes(msg.Content)
	switch parsed.Type {
	case gjson.String:
		return parsed.String()
	case gjson.JSON:
		if parsed.IsArray() {
			var b []byte
			parsed.ForEach(func(_, part gjson.Result) bool {
				b = append(b, part.Get("text").String()...)
				return true
			})
			return string(b)
		}
	}
	return parsed.String()
}
