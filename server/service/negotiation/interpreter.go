package negotiation

import (
	"regexp"
	"strconv"
	"strings"
)

// Interpretation is the structured reading of one raw message: the detected
// action, an extracted price if any, how certain the reading is, and the
// sanitized text safe to store and display.
type Interpretation struct {
	Action     Action
	Amount     *float64
	Confidence float64
	Sanitized  string
}

// Interpreter converts raw LLM (or human) text into a structured action. It
// never fails: ambiguous input degrades to ActionContinue with low
// confidence, and unsafe content is sanitized in place rather than rejected.
type Interpreter struct {
	policy PricingPolicy

	acceptMarkers []string
	rejectMarkers []string

	explicitPrice *regexp.Regexp
	barePrice     *regexp.Regexp
	emailPattern  *regexp.Regexp
	phonePattern  *regexp.Regexp
	profanity     []string
}

// NewInterpreter creates an interpreter with the default marker catalog.
func NewInterpreter() *Interpreter {
	return &Interpreter{
		acceptMarkers: []string{
			"i accept", "we accept", "accept your offer", "accepted",
			"it's a deal", "its a deal", "deal!", "we have a deal",
			"i'll take it", "ill take it", "i will take it",
			"sold", "agreed", "you've got a deal", "that works for me",
		},
		rejectMarkers: []string{
			"no deal", "i reject", "we reject", "rejected",
			"not interested", "i'll pass", "ill pass", "i must decline",
			"have to decline", "can't accept", "cannot accept",
			"won't work", "will not work", "walk away", "withdrawing my offer",
		},
		// "$450", "$ 1,299.99", "USD 450"
		explicitPrice: regexp.MustCompile(`(?i)(?:\$|usd|eur|gbp)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`),
		// bare numbers with at least two digits, e.g. "how about 450"
		barePrice:    regexp.MustCompile(`\b([0-9]{2,}(?:,[0-9]{3})*(?:\.[0-9]{1,2})?)\b`),
		emailPattern: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		phonePattern: regexp.MustCompile(`\+?[0-9][0-9\-\s]{7,}[0-9]`),
		profanity: []string{
			"damn", "hell no", "bullshit", "crap", "screw you",
		},
	}
}

// Interpret reads raw text in the context of a session. Arbitrary or garbled
// input always yields a structured result.
func (i *Interpreter) Interpret(raw string, session *Session) Interpretation {
	sanitized, penalized := i.sanitize(raw)
	lower := strings.ToLower(sanitized)

	amount, explicit := i.extractPrice(lower, session.Product)

	result := Interpretation{Action: ActionContinue, Confidence: 0.3, Sanitized: sanitized}

	switch {
	case i.matchesAny(lower, i.acceptMarkers):
		result.Action = ActionAccept
		result.Confidence = 0.9
		result.Amount = amount
	case amount != nil:
		result.Action = ActionCounter
		result.Amount = amount
		if explicit {
			result.Confidence = 0.9
		} else {
			result.Confidence = 0.6
		}
	case i.matchesAny(lower, i.rejectMarkers):
		result.Action = ActionReject
		result.Confidence = 0.85
	}

	if penalized {
		result.Confidence -= 0.2
	}
	result.Confidence = clamp01(result.Confidence)

	return result
}

func (i *Interpreter) matchesAny(lower string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// extractPrice returns the proposed amount, preferring explicit currency
// notation over bare numbers. When several prices appear ("can't do 400, but
// 450 works") the last one is taken as the live proposal.
func (i *Interpreter) extractPrice(lower string, product ProductContext) (amount *float64, explicit bool) {
	pick := func(matches [][]string) *float64 {
		for idx := len(matches) - 1; idx >= 0; idx-- {
			value, err := strconv.ParseFloat(strings.ReplaceAll(matches[idx][1], ",", ""), 64)
			if err != nil {
				continue
			}
			if i.policy.PlausibleAmount(value, product) {
				return &value
			}
		}
		return nil
	}

	if v := pick(i.explicitPrice.FindAllStringSubmatch(lower, -1)); v != nil {
		return v, true
	}
	if v := pick(i.barePrice.FindAllStringSubmatch(lower, -1)); v != nil {
		return v, false
	}
	return nil, false
}

// sanitize redacts PII and masks profanity. Detection lowers confidence
// instead of rejecting the whole turn.
func (i *Interpreter) sanitize(raw string) (string, bool) {
	cleaned := strings.TrimSpace(raw)
	hit := false

	if i.emailPattern.MatchString(cleaned) {
		cleaned = i.emailPattern.ReplaceAllString(cleaned, "[redacted]")
		hit = true
	}
	if i.phonePattern.MatchString(cleaned) {
		cleaned = i.phonePattern.ReplaceAllString(cleaned, "[redacted]")
		hit = true
	}
	lower := strings.ToLower(cleaned)
	for _, word := range i.profanity {
		mask := strings.Repeat("*", len(word))
		for {
			idx := strings.Index(lower, word)
			if idx < 0 {
				break
			}
			cleaned = cleaned[:idx] + mask + cleaned[idx+len(word):]
			lower = lower[:idx] + mask + lower[idx+len(word):]
			hit = true
		}
	}

	return cleaned, hit
}
