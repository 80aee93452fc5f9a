package negotiation

import "math"

// Pricing tuning constants.
const (
	// baseConcession is the concession fraction at the start of a negotiation.
	baseConcession = 0.2
	// deadlineConcession is the extra concession fraction added as the round
	// count approaches the limit.
	deadlineConcession = 0.6
	// urgencyRetention scales how much of the concession an urgent
	// price-setting side holds back.
	urgencyRetention = 0.5
	// nearAcceptanceRatio is the relative distance from the minimum price
	// under which an offer counts as near-acceptance.
	nearAcceptanceRatio = 0.05
)

// PricingPolicy computes acceptable offer ranges and counter-offer targets.
// All methods are pure; the zero value is ready to use.
type PricingPolicy struct{}

// SuggestedCounter moves the standing price a fraction of the remaining gap
// toward the counterpart's offer. The fraction grows as round approaches
// maxRounds and shrinks with the urgency retained by the price-setting side.
// The result always lies within [MinPrice, BasePrice].
func (PricingPolicy) SuggestedCounter(product ProductContext, offerAmount float64, round, maxRounds int, urgency float64, side Role) float64 {
	lo, hi := product.MinPrice, product.BasePrice
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo == hi {
		return lo
	}

	// At the deadline the policy stops stepping and names its walk-away value.
	if maxRounds > 0 && round >= maxRounds {
		if side == RoleBuyer {
			return hi
		}
		return lo
	}

	progress := 0.0
	if maxRounds > 0 {
		progress = clamp01(float64(round) / float64(maxRounds))
	}
	fraction := (baseConcession + deadlineConcession*progress) * (1 - urgencyRetention*clamp01(urgency))

	var counter float64
	if side == RoleBuyer {
		// The AI argues the buyer side: creep up from the floor toward the ask.
		anchor := lo
		gap := clampRange(offerAmount, lo, hi) - anchor
		counter = anchor + gap*fraction
	} else {
		// Seller side: concede down from the ask toward the buyer's offer.
		anchor := hi
		gap := anchor - clampRange(offerAmount, lo, hi)
		counter = anchor - gap*fraction
	}

	return math.Round(clampRange(counter, lo, hi)*100) / 100
}

// IsAcceptable reports whether the offer clears the given side's bound: the
// seller accepts anything at or above the minimum price, the buyer anything
// at or below the base price.
func (PricingPolicy) IsAcceptable(offerAmount float64, product ProductContext, side Role) bool {
	if side == RoleBuyer {
		return offerAmount >= 0 && offerAmount <= product.BasePrice
	}
	return offerAmount >= product.MinPrice
}

// NearAcceptance reports whether the offer is within the near-acceptance band
// of the minimum price, which biases prompt scenario selection.
func (PricingPolicy) NearAcceptance(offerAmount float64, product ProductContext) bool {
	if product.MinPrice <= 0 {
		return false
	}
	return math.Abs(offerAmount-product.MinPrice) <= product.MinPrice*nearAcceptanceRatio
}

// PlausibleAmount reports whether an extracted price is usable at all:
// non-negative and not absurdly above the listing price.
func (PricingPolicy) PlausibleAmount(amount float64, product ProductContext) bool {
	if amount < 0 {
		return false
	}
	if product.BasePrice > 0 && amount > product.BasePrice*1.5 {
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
