package negotiation

import (
	"math"
	"strings"
	"time"
)

// SentimentLevel is the overall lexical tone of the human side.
type SentimentLevel string

const (
	SentimentPositive SentimentLevel = "positive"
	SentimentNeutral  SentimentLevel = "neutral"
	SentimentNegative SentimentLevel = "negative"
)

// Trend describes how a signal moves across the session.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendSteady    Trend = "steady"
	TrendDegrading Trend = "degrading"
)

// Insights bundles the advisory signals fed back into prompt composition.
// They never block state transitions.
type Insights struct {
	Sentiment      SentimentLevel `json:"sentiment"`
	SentimentTrend Trend          `json:"sentiment_trend"`
	HealthScore    int            `json:"health_score"` // 1..10
	HealthTrend    Trend          `json:"health_trend"`
}

// Analytics derives sentiment and momentum signals from session history.
type Analytics struct {
	positiveWords []string
	negativeWords []string
}

// NewAnalytics creates an analytics service with the default lexicons.
func NewAnalytics() *Analytics {
	return &Analytics{
		positiveWords: []string{
			"great", "thanks", "thank you", "fair", "good", "appreciate",
			"love", "perfect", "happy", "interested", "works for me", "nice",
		},
		negativeWords: []string{
			"too high", "too low", "ridiculous", "unfair", "waste",
			"frustrat", "annoyed", "insult", "lowball", "terrible", "bad faith",
		},
	}
}

// Insights computes the full advisory bundle for a session.
func (a *Analytics) Insights(session *Session) *Insights {
	overall, sentimentTrend := a.Sentiment(session)
	score := a.HealthScore(session)
	return &Insights{
		Sentiment:      overall,
		SentimentTrend: sentimentTrend,
		HealthScore:    score,
		HealthTrend:    a.healthTrend(session, score),
	}
}

// Sentiment scores lexical cues across human turns and compares the early
// half against the late half for the trend.
func (a *Analytics) Sentiment(session *Session) (SentimentLevel, Trend) {
	var scores []int
	for _, turn := range session.History {
		if turn.Actor != ActorBuyer && turn.Actor != ActorSeller {
			continue
		}
		scores = append(scores, a.scoreText(turn.RawText))
	}
	if len(scores) == 0 {
		return SentimentNeutral, TrendSteady
	}

	total := 0
	for _, s := range scores {
		total += s
	}
	overall := SentimentNeutral
	if total > 0 {
		overall = SentimentPositive
	} else if total < 0 {
		overall = SentimentNegative
	}

	if len(scores) < 2 {
		return overall, TrendSteady
	}
	half := len(scores) / 2
	early, late := 0, 0
	for _, s := range scores[:half] {
		early += s
	}
	for _, s := range scores[half:] {
		late += s
	}
	switch {
	case late > early:
		return overall, TrendImproving
	case late < early:
		return overall, TrendDegrading
	default:
		return overall, TrendSteady
	}
}

func (a *Analytics) scoreText(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, w := range a.positiveWords {
		if strings.Contains(lower, w) {
			score++
		}
	}
	for _, w := range a.negativeWords {
		if strings.Contains(lower, w) {
			score--
		}
	}
	return score
}

// HealthScore summarizes negotiation momentum on a 1..10 scale from offer
// convergence, round utilization and response latency.
func (a *Analytics) HealthScore(session *Session) int {
	return a.healthScoreOver(session, session.History)
}

func (a *Analytics) healthScoreOver(session *Session, history []Turn) int {
	score := 5.0

	// Offer convergence: how much of the initial gap has been closed.
	offers := offerAmounts(history)
	if len(offers) >= 2 {
		initialGap := math.Abs(offers[1] - offers[0])
		currentGap := math.Abs(offers[len(offers)-1] - offers[len(offers)-2])
		if initialGap > 0 {
			converged := 1 - currentGap/initialGap
			score += 3 * clampRange(converged, -1, 1)
		}
	}

	// Round utilization: burning rounds without agreement drags the score.
	if session.MaxRounds > 0 {
		utilization := float64(session.Round) / float64(session.MaxRounds)
		score -= 2 * utilization
	}

	// Response latency: slow replies signal fading interest.
	if gap := averageTurnGap(history); gap > 10*time.Minute {
		score -= 2
	} else if gap > 2*time.Minute {
		score -= 1
	}

	return int(clampRange(math.Round(score), 1, 10))
}

// healthTrend recomputes the score without the last exchange; a falling score
// biases scenario detection toward closing.
func (a *Analytics) healthTrend(session *Session, current int) Trend {
	if len(session.History) < 4 {
		return TrendSteady
	}
	previous := a.healthScoreOver(session, session.History[:len(session.History)-2])
	switch {
	case current > previous:
		return TrendImproving
	case current < previous:
		return TrendDegrading
	default:
		return TrendSteady
	}
}

func offerAmounts(history []Turn) []float64 {
	var amounts []float64
	for _, turn := range history {
		if turn.Offer != nil {
			amounts = append(amounts, turn.Offer.Amount)
		}
	}
	return amounts
}

func averageTurnGap(history []Turn) time.Duration {
	if len(history) < 2 {
		return 0
	}
	var total time.Duration
	count := 0
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.IsZero() || history[i-1].CreatedAt.IsZero() {
			continue
		}
		delta := history[i].CreatedAt.Sub(history[i-1].CreatedAt)
		if delta > 0 {
			total += delta
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}
