package ollama

import (
	"math"

	"github.com/veska-bio/loom/pkg/oracle"
)

// ResetMetrics clears all accumulated token and timing metrics to zero.
func (c *OracleOllamaClient) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = oracle.CallMetrics{}
	c.metricsLock.Unlock()
}

// Metrics returns the accumulated token usage and timing metrics since the
// last reset.
func (c *OracleOllamaClient) Metrics() oracle.CallMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

func (c *OracleOllamaClient) modifyMetrics(m oracle.CallMetrics) {
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
