package metrics

import "time"

// AICallSucceeded records a completed model call and its token usage.
func AICallSucceeded(inputTokens, outputTokens, costCents int, duration time.Duration) {
	AIAPICalls.WithLabelValues("success").Inc()
	AIRequestDuration.Observe(duration.Seconds())
	AITokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	AITokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	AICostCentsTotal.Add(float64(costCents))
}

// AICallFailed records a model call that returned an error.
func AICallFailed() {
	AIAPICalls.WithLabelValues("error").Inc()
}
