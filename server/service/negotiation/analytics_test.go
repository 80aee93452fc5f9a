package negotiation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyticsSession(turns []Turn, round, maxRounds int) *Session {
	return &Session{
		ID:        "analytics-test",
		Product:   bikeProduct(),
		State:     StateInProgress,
		Round:     round,
		MaxRounds: maxRounds,
		History:   turns,
	}
}

// TestAnalytics_Sentiment scores lexical tone of the human side only.
func TestAnalytics_Sentiment(t *testing.T) {
	analytics := NewAnalytics()

	tests := []struct {
		name      string
		turns     []Turn
		want      SentimentLevel
		wantTrend Trend
	}{
		{
			name:      "no history",
			turns:     nil,
			want:      SentimentNeutral,
			wantTrend: TrendSteady,
		},
		{
			name: "positive tone",
			turns: []Turn{
				{Sequence: 1, Actor: ActorBuyer, RawText: "Great bike, thanks for the details!"},
			},
			want:      SentimentPositive,
			wantTrend: TrendSteady,
		},
		{
			name: "negative tone",
			turns: []Turn{
				{Sequence: 1, Actor: ActorBuyer, RawText: "That price is ridiculous, feels like a lowball game"},
			},
			want:      SentimentNegative,
			wantTrend: TrendSteady,
		},
		{
			name: "ai turns are ignored",
			turns: []Turn{
				{Sequence: 1, Actor: ActorAI, RawText: "great great great"},
			},
			want:      SentimentNeutral,
			wantTrend: TrendSteady,
		},
		{
			name: "warming up across the session",
			turns: []Turn{
				{Sequence: 1, Actor: ActorBuyer, RawText: "this is too high"},
				{Sequence: 2, Actor: ActorBuyer, RawText: "hmm"},
				{Sequence: 3, Actor: ActorBuyer, RawText: "ok that sounds fair, thanks"},
				{Sequence: 4, Actor: ActorBuyer, RawText: "happy with that"},
			},
			want:      SentimentPositive,
			wantTrend: TrendImproving,
		},
		{
			name: "cooling down across the session",
			turns: []Turn{
				{Sequence: 1, Actor: ActorBuyer, RawText: "looks promising, interested"},
				{Sequence: 2, Actor: ActorBuyer, RawText: "this is getting frustrating"},
			},
			want:      SentimentNeutral,
			wantTrend: TrendDegrading,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := analyticsSession(tt.turns, 1, 5)
			level, trend := analytics.Sentiment(session)
			assert.Equal(t, tt.want, level)
			assert.Equal(t, tt.wantTrend, trend)
		})
	}
}

// TestAnalytics_HealthScore checks convergence raises and round burn lowers
// the score, always inside 1..10.
func TestAnalytics_HealthScore(t *testing.T) {
	analytics := NewAnalytics()

	converging := []Turn{
		{Sequence: 1, Actor: ActorBuyer, RawText: "400?", Offer: &Offer{Amount: 400}},
		{Sequence: 2, Actor: ActorAI, RawText: "480", Offer: &Offer{Amount: 480}},
		{Sequence: 3, Actor: ActorBuyer, RawText: "450", Offer: &Offer{Amount: 450}},
		{Sequence: 4, Actor: ActorAI, RawText: "460", Offer: &Offer{Amount: 460}},
	}
	// Initial gap 80, latest gap 10: most of the distance is closed.
	score := analytics.HealthScore(analyticsSession(converging, 2, 5))
	assert.Equal(t, 7, score)

	stuck := []Turn{
		{Sequence: 1, Actor: ActorBuyer, RawText: "400?", Offer: &Offer{Amount: 400}},
		{Sequence: 2, Actor: ActorAI, RawText: "480", Offer: &Offer{Amount: 480}},
		{Sequence: 3, Actor: ActorBuyer, RawText: "400", Offer: &Offer{Amount: 400}},
		{Sequence: 4, Actor: ActorAI, RawText: "480", Offer: &Offer{Amount: 480}},
	}
	stuckScore := analytics.HealthScore(analyticsSession(stuck, 4, 5))
	assert.Less(t, stuckScore, score)

	for _, session := range []*Session{
		analyticsSession(nil, 0, 5),
		analyticsSession(converging, 5, 5),
		analyticsSession(stuck, 5, 5),
	} {
		got := analytics.HealthScore(session)
		assert.GreaterOrEqual(t, got, 1)
		assert.LessOrEqual(t, got, 10)
	}
}

// TestAnalytics_HealthScoreLatencyPenalty checks slow replies drag the score.
func TestAnalytics_HealthScoreLatencyPenalty(t *testing.T) {
	analytics := NewAnalytics()
	base := time.Now()

	fast := []Turn{
		{Sequence: 1, Actor: ActorBuyer, RawText: "hello", CreatedAt: base},
		{Sequence: 2, Actor: ActorAI, RawText: "hi", CreatedAt: base.Add(10 * time.Second)},
	}
	slow := []Turn{
		{Sequence: 1, Actor: ActorBuyer, RawText: "hello", CreatedAt: base},
		{Sequence: 2, Actor: ActorAI, RawText: "hi", CreatedAt: base.Add(15 * time.Minute)},
	}

	fastScore := analytics.HealthScore(analyticsSession(fast, 1, 5))
	slowScore := analytics.HealthScore(analyticsSession(slow, 1, 5))
	assert.Equal(t, fastScore-2, slowScore)
}

// TestAnalytics_Insights verifies the advisory bundle is fully populated and
// the trend reacts to the latest exchange.
func TestAnalytics_Insights(t *testing.T) {
	analytics := NewAnalytics()

	diverging := []Turn{
		{Sequence: 1, Actor: ActorBuyer, RawText: "400", Offer: &Offer{Amount: 400}},
		{Sequence: 2, Actor: ActorAI, RawText: "450", Offer: &Offer{Amount: 450}},
		{Sequence: 3, Actor: ActorBuyer, RawText: "380", Offer: &Offer{Amount: 380}},
		{Sequence: 4, Actor: ActorAI, RawText: "480", Offer: &Offer{Amount: 480}},
	}
	session := analyticsSession(diverging, 2, 5)

	insights := analytics.Insights(session)
	require.NotNil(t, insights)
	assert.NotEmpty(t, insights.Sentiment)
	assert.NotEmpty(t, insights.SentimentTrend)
	assert.GreaterOrEqual(t, insights.HealthScore, 1)
	assert.LessOrEqual(t, insights.HealthScore, 10)
	assert.Equal(t, TrendDegrading, insights.HealthTrend)
}

// TestAnalytics_HealthTrendShortHistory stays steady with too little signal.
func TestAnalytics_HealthTrendShortHistory(t *testing.T) {
	analytics := NewAnalytics()
	session := analyticsSession([]Turn{
		{Sequence: 1, Actor: ActorBuyer, RawText: "hi"},
	}, 1, 5)

	insights := analytics.Insights(session)
	assert.Equal(t, TrendSteady, insights.HealthTrend)
}
