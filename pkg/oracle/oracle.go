package oracle

import "context"

// Client is the semantic inference gateway used for query planning, document
// scoring, and graph extraction. Implementations wrap a concrete model
// backend; callers must treat every response as potentially malformed and go
// through UnmarshalLenient (CompleteStructured does this internally).
type Client interface {
	// Complete sends a single-turn prompt and returns the raw assistant text.
	Complete(
		ctx context.Context,
		prompt string,
		opts ...Option,
	) (string, error)

	// CompleteStructured sends a prompt with a JSON schema derived from out
	// and unmarshals the response into out. The raw assistant text is
	// returned alongside any error so callers can run their own degraded
	// parse on failure.
	CompleteStructured(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...Option,
	) (string, error)

	ResetMetrics()
	Metrics() CallMetrics
}

// CallMetrics contains accumulated token and timing counters for a client.
type CallMetrics struct {
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	Calls          int     `json:"calls"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// Options holds configuration for inference requests.
type Options struct {
	Model         string   // Model identifier to use for the request
	SystemPrompts []string // System prompts prepended to the request
	Temperature   float64  // Sampling temperature (0.0-2.0)
	Thinking      string   // Extended thinking mode configuration
}

// Option is a functional option for configuring inference requests.
type Option func(*Options)

// WithModel returns an Option that sets the model to use for the request.
func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

// WithSystemPrompts returns an Option that sets the system prompts
// to prepend to the request.
func WithSystemPrompts(prompts ...string) Option {
	return func(o *Options) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature returns an Option that sets the sampling temperature.
// Higher values (e.g., 1.0) produce more random outputs, while lower values
// (e.g., 0.2) make outputs more focused and deterministic.
func WithTemperature(temp float64) Option {
	return func(o *Options) {
		o.Temperature = temp
	}
}

// WithThinking returns an Option that enables extended thinking mode.
// The thinking parameter specifies the thinking budget or mode configuration.
func WithThinking(thinking string) Option {
	return func(o *Options) {
		o.Thinking = thinking
	}
}
