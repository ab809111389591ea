// Package gateway provides the inference gateway: a structured prompt in,
// a structured response or a typed failure out. All failures are one of
// three recoverable kinds (timeout, refusal, malformed output) which
// callers bound with their own stage/iteration retry budgets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Typed gateway failures. Callers match with errors.Is.
var (
	// ErrTimeout indicates the provider did not answer in time.
	ErrTimeout = errors.New("gateway timeout")

	// ErrRefusal indicates the provider declined to answer.
	ErrRefusal = errors.New("gateway refusal")

	// ErrMalformed indicates the response did not satisfy the
	// requested output schema.
	ErrMalformed = errors.New("gateway malformed output")
)

// Request is a structured prompt.
type Request struct {
	// System primes the model with a role or posture.
	System string `json:"system,omitempty"`

	// Prompt is the user-turn content.
	Prompt string `json:"prompt"`

	// Schema, when set, constrains the output: the response text must
	// parse as JSON matching this shape. The client appends formatting
	// instructions and validates the result, returning ErrMalformed on
	// violation.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Temperature biases sampling; zero means provider default.
	Temperature float64 `json:"temperature,omitempty"`

	MaxTokens int `json:"max_tokens,omitempty"`
}

// Response is a structured inference result.
type Response struct {
	// Text is the raw response text.
	Text string `json:"text"`

	// Parsed holds the schema-validated JSON when Request.Schema was set.
	Parsed json.RawMessage `json:"parsed,omitempty"`
}

// Gateway accepts a structured prompt and returns a structured response
// or a typed failure.
type Gateway interface {
	Assess(ctx context.Context, req Request) (*Response, error)
}

// Config configures a gateway client.
type Config struct {
	Provider   string // "anthropic" or "openai"
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64 // requests per second
	Burst      int
}

// New creates a gateway client for the configured provider.
func New(cfg Config) (Gateway, error) {
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicGateway(cfg)
	case "openai":
		return newOpenAIGateway(cfg)
	default:
		return nil, fmt.Errorf("unknown gateway provider: %q", cfg.Provider)
	}
}

// retryableError wraps transient failures that merit another attempt
// within the client's own retry budget.
type retryableError struct {
	err error
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// parseAgainstSchema validates response text against the requested
// schema. The model sometimes wraps JSON in prose or code fences; strip
// before parsing.
func parseAgainstSchema(text string, schema json.RawMessage) (json.RawMessage, error) {
	if len(schema) == 0 {
		return nil, nil
	}

	candidate := extractJSON(text)
	if candidate == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformed)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Every key the schema declares must be present.
	var want map[string]any
	if err := json.Unmarshal(schema, &want); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	for key := range want {
		if _, ok := parsed[key]; !ok {
			return nil, fmt.Errorf("%w: missing key %q", ErrMalformed, key)
		}
	}

	return json.RawMessage(candidate), nil
}

// extractJSON returns the first balanced JSON object in text.
func extractJSON(text string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range text {
		if start >= 0 && inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		case '"':
			if start >= 0 {
				inString = true
			}
		}
	}
	return ""
}

// schemaInstruction appends output-format guidance to a prompt.
func schemaInstruction(prompt string, schema json.RawMessage) string {
	if len(schema) == 0 {
		return prompt
	}
	return prompt + "\n\nRespond with a single JSON object matching this shape, and nothing else:\n" + string(schema)
}
