package negotiation

// ScenarioKind classifies the negotiation stage and tone used to select
// prompt framing. Detection is a total function over session state so prompt
// dispatch stays exhaustive instead of string-keyed.
type ScenarioKind string

const (
	// ScenarioOpening covers the first exchanges (< 20% of rounds used).
	ScenarioOpening ScenarioKind = "opening"
	// ScenarioExploration covers the probing middle game (< 60%).
	ScenarioExploration ScenarioKind = "exploration"
	// ScenarioActive covers committed back-and-forth (< 90%).
	ScenarioActive ScenarioKind = "active"
	// ScenarioClosing covers the endgame (>= 90% of rounds used).
	ScenarioClosing ScenarioKind = "closing"
	// ScenarioUrgentClosing is the closing stage under high urgency.
	ScenarioUrgentClosing ScenarioKind = "urgent_closing"
	// ScenarioNearAcceptance fires when the standing offer is already within
	// the acceptance band of the minimum price, regardless of round count.
	ScenarioNearAcceptance ScenarioKind = "near_acceptance"
)

// Stage ratio thresholds.
const (
	openingThreshold     = 0.2
	explorationThreshold = 0.6
	activeThreshold      = 0.9
	highUrgency          = 0.7
)

// DetectScenario maps session state to a scenario kind. More specific
// predicates win: near-acceptance > closing > active > exploration > opening,
// and urgency-flavored variants are preferred once urgency reaches the high
// band. A degrading health trend from analytics pulls the stage toward
// closing sooner than the round count alone would.
func DetectScenario(session *Session, policy PricingPolicy, insights *Insights) ScenarioKind {
	if session.CurrentOffer != nil && policy.NearAcceptance(session.CurrentOffer.Amount, session.Product) {
		return ScenarioNearAcceptance
	}

	progress := 1.0
	if session.MaxRounds > 0 {
		progress = float64(session.Round) / float64(session.MaxRounds)
	}
	if insights != nil && insights.HealthTrend == TrendDegrading {
		progress = activeThreshold
	}

	urgent := session.AIContext.UrgencyLevel >= highUrgency

	switch {
	case progress >= activeThreshold:
		if urgent {
			return ScenarioUrgentClosing
		}
		return ScenarioClosing
	case progress >= explorationThreshold:
		return ScenarioActive
	case progress >= openingThreshold:
		return ScenarioExploration
	default:
		return ScenarioOpening
	}
}
