package openai

import (
	"math"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/veska-bio/loom/pkg/oracle"
)

// OracleOpenAIClient implements oracle.Client against an OpenAI-compatible
// chat completions endpoint.
//
// An OracleOpenAIClient should be created using NewOracleOpenAIClient.
type OracleOpenAIClient struct {
	chatModel       string
	extractionModel string

	chatURL string
	chatKey string

	metricsLock sync.Mutex
	metrics     oracle.CallMetrics

	ChatClient *openai.Client
}

// NewOracleOpenAIClientParams defines the configuration parameters for
// creating a new OracleOpenAIClient.
//
// ChatModel is used for plain-text completions, ExtractionModel for
// structured (schema-constrained) completions. ChatURL may be empty for the
// default OpenAI endpoint.
type NewOracleOpenAIClientParams struct {
	ChatModel       string
	ExtractionModel string

	ChatURL string
	ChatKey string
}

// NewOracleOpenAIClient creates and returns a new OracleOpenAIClient
// configured with the provided parameters.
//
// Example:
//
//	params := openai.NewOracleOpenAIClientParams{
//		ChatModel:       "gpt-4o-mini",
//		ExtractionModel: "gpt-4o-mini",
//		ChatKey:         os.Getenv("OPENAI_API_KEY"),
//	}
//	client := openai.NewOracleOpenAIClient(params)
func NewOracleOpenAIClient(
	params NewOracleOpenAIClientParams,
) *OracleOpenAIClient {
	chatClient := newOpenaiClient(params.ChatURL, params.ChatKey)

	return &OracleOpenAIClient{
		chatModel:       params.ChatModel,
		extractionModel: params.ExtractionModel,

		chatURL: params.ChatURL,
		chatKey: params.ChatKey,

		metricsLock: sync.Mutex{},
		metrics:     oracle.CallMetrics{},

		ChatClient: chatClient,
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}

// ResetMetrics clears all accumulated token and timing metrics to zero.
func (c *OracleOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = oracle.CallMetrics{}
	c.metricsLock.Unlock()
}

// Metrics returns the accumulated token usage and timing metrics since the
// last reset.
func (c *OracleOpenAIClient) Metrics() oracle.CallMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

func (c *OracleOpenAIClient) modifyMetrics(m oracle.CallMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.InputTokens += m.InputTokens
	c.metrics.OutputTokens += m.OutputTokens
	c.metrics.TotalTokens += m.TotalTokens
	c.metrics.DurationMs += m.DurationMs
	c.metrics.Calls++

	if c.metrics.DurationMs > 0 {
		tokensPerSecond := (float64(c.metrics.TotalTokens) * 1000.0) / float64(c.metrics.DurationMs)
		c.metrics.TokenPerSecond = float32(math.Round(tokensPerSecond*100) / 100)
	}
}
