package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hagglehq/haggle/server/internal/observability"
)

// MetricsOverviewResponse is the operational overview of the engine.
type MetricsOverviewResponse struct {
	TurnsTotal   int64                                      `json:"turns_total"`
	LLMCalls     int64                                      `json:"llm_calls"`
	LLMFailures  int64                                      `json:"llm_failures"`
	Fallbacks    int64                                      `json:"fallbacks"`
	SuccessRate  float64                                    `json:"success_rate"`
	AvgLatencyMs int64                                      `json:"avg_latency_ms"`
	P50LatencyMs int64                                      `json:"p50_latency_ms"`
	P95LatencyMs int64                                      `json:"p95_latency_ms"`
	Outcomes     map[string]int64                           `json:"outcomes"`
	Scenarios    map[string]*observability.ScenarioSnapshot `json:"scenarios"`
}

// getMetricsOverview returns engine counters and latency percentiles.
// GET /api/v1/system/metrics
func (s *NegotiationService) getMetricsOverview(c echo.Context) error {
	snapshot := observability.GlobalMetrics().Snapshot()

	successRate := 1.0
	if snapshot.LLMCalls > 0 {
		successRate = float64(snapshot.LLMCalls-snapshot.LLMFailures) / float64(snapshot.LLMCalls)
	}

	return c.JSON(http.StatusOK, MetricsOverviewResponse{
		TurnsTotal:   snapshot.TurnsTotal,
		LLMCalls:     snapshot.LLMCalls,
		LLMFailures:  snapshot.LLMFailures,
		Fallbacks:    snapshot.Fallbacks,
		SuccessRate:  successRate,
		AvgLatencyMs: snapshot.AvgLatencyMs,
		P50LatencyMs: snapshot.P50LatencyMs,
		P95LatencyMs: snapshot.P95LatencyMs,
		Outcomes:     snapshot.Outcomes,
		Scenarios:    snapshot.Scenarios,
	})
}
