package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters for negotiation processing: turn volume, LLM
// health and session outcomes. All recording paths are safe for concurrent
// use and cheap enough to sit on the hot path.
type Metrics struct {
	mu sync.Mutex

	turnsTotal  atomic.Int64
	llmCalls    atomic.Int64
	llmFailures atomic.Int64
	fallbacks   atomic.Int64

	// Per-scenario turn accounting, keyed by the detected prompt scenario.
	scenarios map[string]*ScenarioMetrics

	// Terminal session outcomes keyed by state name.
	outcomes map[string]*atomic.Int64

	// Ring of recent turn latencies for percentile reporting.
	durations    []time.Duration
	maxDurations int
}

// ScenarioMetrics accumulates per-scenario counters.
type ScenarioMetrics struct {
	turnCount     atomic.Int64
	totalDuration atomic.Int64 // milliseconds
	errorCount    atomic.Int64
}

// NewMetrics creates a metrics collector keeping at most maxDurations recent
// latencies.
func NewMetrics(maxDurations int) *Metrics {
	if maxDurations <= 0 {
		maxDurations = 1000
	}
	return &Metrics{
		scenarios:    make(map[string]*ScenarioMetrics),
		outcomes:     make(map[string]*atomic.Int64),
		durations:    make([]time.Duration, 0, maxDurations),
		maxDurations: maxDurations,
	}
}

var globalMetrics = NewMetrics(1000)

// GlobalMetrics returns the process-wide metrics instance.
func GlobalMetrics() *Metrics {
	return globalMetrics
}

// RecordTurn records one processed exchange under its prompt scenario.
func (m *Metrics) RecordTurn(scenario string, duration time.Duration) {
	m.turnsTotal.Add(1)

	m.mu.Lock()
	sm, ok := m.scenarios[scenario]
	if !ok {
		sm = &ScenarioMetrics{}
		m.scenarios[scenario] = sm
	}
	if len(m.durations) >= m.maxDurations {
		m.durations = m.durations[1:]
	}
	m.durations = append(m.durations, duration)
	m.mu.Unlock()

	sm.turnCount.Add(1)
	sm.totalDuration.Add(duration.Milliseconds())
}

// RecordLLMCall counts one completion attempt.
func (m *Metrics) RecordLLMCall() {
	m.llmCalls.Add(1)
}

// RecordLLMFailure counts a failed completion for a scenario.
func (m *Metrics) RecordLLMFailure(scenario string) {
	m.llmFailures.Add(1)

	m.mu.Lock()
	sm, ok := m.scenarios[scenario]
	if !ok {
		sm = &ScenarioMetrics{}
		m.scenarios[scenario] = sm
	}
	m.mu.Unlock()
	sm.errorCount.Add(1)
}

// RecordFallback counts a degraded-mode AI turn.
func (m *Metrics) RecordFallback() {
	m.fallbacks.Add(1)
}

// RecordOutcome counts a session reaching a terminal state.
func (m *Metrics) RecordOutcome(state string) {
	m.mu.Lock()
	counter, ok := m.outcomes[state]
	if !ok {
		counter = &atomic.Int64{}
		m.outcomes[state] = counter
	}
	m.mu.Unlock()
	counter.Add(1)
}

// Reset clears all counters. Intended for tests.
func (m *Metrics) Reset() {
	m.turnsTotal.Store(0)
	m.llmCalls.Store(0)
	m.llmFailures.Store(0)
	m.fallbacks.Store(0)

	m.mu.Lock()
	m.scenarios = make(map[string]*ScenarioMetrics)
	m.outcomes = make(map[string]*atomic.Int64)
	m.durations = make([]time.Duration, 0, m.maxDurations)
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time view of the collector, shaped for JSON.
type MetricsSnapshot struct {
	TurnsTotal   int64                        `json:"turns_total"`
	LLMCalls     int64                        `json:"llm_calls"`
	LLMFailures  int64                        `json:"llm_failures"`
	Fallbacks    int64                        `json:"fallbacks"`
	Outcomes     map[string]int64             `json:"outcomes"`
	Scenarios    map[string]*ScenarioSnapshot `json:"scenarios"`
	AvgLatencyMs int64                        `json:"avg_latency_ms"`
	P50LatencyMs int64                        `json:"p50_latency_ms"`
	P95LatencyMs int64                        `json:"p95_latency_ms"`
}

// ScenarioSnapshot is the per-scenario slice of a snapshot.
type ScenarioSnapshot struct {
	TurnCount    int64 `json:"turn_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
}

// Snapshot captures the current counters and latency percentiles.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	scenarios := make(map[string]*ScenarioSnapshot, len(m.scenarios))
	for name, sm := range m.scenarios {
		snap := &ScenarioSnapshot{
			TurnCount:  sm.turnCount.Load(),
			ErrorCount: sm.errorCount.Load(),
		}
		if snap.TurnCount > 0 {
			snap.AvgLatencyMs = sm.totalDuration.Load() / snap.TurnCount
		}
		scenarios[name] = snap
	}

	outcomes := make(map[string]int64, len(m.outcomes))
	for state, counter := range m.outcomes {
		outcomes[state] = counter.Load()
	}

	avg, p50, p95 := latencyStats(m.durations)
	return &MetricsSnapshot{
		TurnsTotal:   m.turnsTotal.Load(),
		LLMCalls:     m.llmCalls.Load(),
		LLMFailures:  m.llmFailures.Load(),
		Fallbacks:    m.fallbacks.Load(),
		Outcomes:     outcomes,
		Scenarios:    scenarios,
		AvgLatencyMs: avg,
		P50LatencyMs: p50,
		P95LatencyMs: p95,
	}
}

func latencyStats(durations []time.Duration) (avg, p50, p95 int64) {
	if len(durations) == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	avg = (total / time.Duration(len(sorted))).Milliseconds()
	p50 = sorted[len(sorted)/2].Milliseconds()
	p95 = sorted[(len(sorted)*95)/100].Milliseconds()
	return avg, p50, p95
}
