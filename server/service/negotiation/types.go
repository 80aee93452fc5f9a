// Package negotiation implements the marketplace negotiation engine: a
// stateful, multi-round conversation between a human (buyer or seller) and an
// AI counterpart. The engine composes prompts, interprets model output into
// structured actions, enforces round limits and terminal states, and tracks
// conversation analytics that feed back into later prompts.
//
// HTTP transport, persistence drivers and the LLM client are external
// collaborators; the engine reaches them only through the SessionStore and
// ai.Completer interfaces.
package negotiation

import (
	"time"
)

// State is the lifecycle state of a negotiation session.
type State string

const (
	StateInitiated  State = "INITIATED"
	StateInProgress State = "IN_PROGRESS"
	StateAccepted   State = "ACCEPTED"
	StateRejected   State = "REJECTED"
	StateExpired    State = "EXPIRED"
	StateCancelled  State = "CANCELLED"
)

// IsTerminal reports whether the state absorbs all further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateExpired, StateCancelled:
		return true
	default:
		return false
	}
}

// Role identifies a human negotiation side.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Actor identifies who produced a turn.
type Actor string

const (
	ActorBuyer  Actor = "buyer"
	ActorSeller Actor = "seller"
	ActorAI     Actor = "ai"
	ActorSystem Actor = "system"
)

// Action is the interpreted intent of a turn.
type Action string

const (
	ActionContinue Action = "CONTINUE"
	ActionAccept   Action = "ACCEPT"
	ActionReject   Action = "REJECT"
	ActionCounter  Action = "COUNTER"
)

// ProductContext carries the listing facts a negotiation is anchored on.
type ProductContext struct {
	Title     string  `json:"title"`
	BasePrice float64 `json:"base_price"`
	MinPrice  float64 `json:"min_price"`
	Currency  string  `json:"currency"`
	Category  string  `json:"category"`
	Condition string  `json:"condition"`
}

// Participants records which human role opened the session and which role the
// AI argues for.
type Participants struct {
	InitiatorRole   Role `json:"initiator_role"`
	CounterpartRole Role `json:"counterpart_role"`
}

// Offer is a concrete price proposal.
type Offer struct {
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	ProposedBy Actor   `json:"proposed_by"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// AIContext tunes the AI counterpart's behavior for one session.
type AIContext struct {
	Personality      string   `json:"personality"`
	PriceFlexibility float64  `json:"price_flexibility"` // 0..1
	UrgencyLevel     float64  `json:"urgency_level"`     // 0..1
	MarketSignals    []string `json:"market_signals,omitempty"`
}

// Turn is one atomic exchange step. Turns are created by the engine and never
// mutated afterwards.
type Turn struct {
	Sequence   int       `json:"sequence"`
	Actor      Actor     `json:"actor"`
	RawText    string    `json:"raw_text"`
	Action     Action    `json:"action"`
	Offer      *Offer    `json:"offer,omitempty"`
	Confidence float64   `json:"confidence"`
	Fallback   bool      `json:"fallback,omitempty"` // degraded-mode AI turn, confidence is always 0
	CreatedAt  time.Time `json:"created_at"`
}

// Session is the full record of one buyer-product negotiation attempt.
// History is append-only; insertion order is the conversation.
type Session struct {
	ID           string         `json:"id"`
	Product      ProductContext `json:"product"`
	Participants Participants   `json:"participants"`
	State        State          `json:"state"`
	Round        int            `json:"round"`
	MaxRounds    int            `json:"max_rounds"`
	CurrentOffer *Offer         `json:"current_offer,omitempty"`
	FinalPrice   *float64       `json:"final_price,omitempty"`
	History      []Turn         `json:"history"`
	AIContext    AIContext      `json:"ai_context"`
	Branch       string         `json:"branch,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NextSequence returns the sequence number for the next appended turn.
func (s *Session) NextSequence() int {
	if len(s.History) == 0 {
		return 1
	}
	return s.History[len(s.History)-1].Sequence + 1
}

// LastOfferBy returns the most recent offer proposed by the given actor, or
// nil when the actor never made one.
func (s *Session) LastOfferBy(actor Actor) *Offer {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Actor == actor && s.History[i].Offer != nil {
			o := *s.History[i].Offer
			return &o
		}
	}
	return nil
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	dup := *s
	dup.History = make([]Turn, len(s.History))
	for i, turn := range s.History {
		dup.History[i] = turn
		if turn.Offer != nil {
			o := *turn.Offer
			dup.History[i].Offer = &o
		}
	}
	if s.CurrentOffer != nil {
		o := *s.CurrentOffer
		dup.CurrentOffer = &o
	}
	if s.FinalPrice != nil {
		p := *s.FinalPrice
		dup.FinalPrice = &p
	}
	dup.AIContext.MarketSignals = append([]string(nil), s.AIContext.MarketSignals...)
	return &dup
}

// SessionUpdate is one atomic mutation applied by the store: appended turns
// plus any state transitions that belong to the same exchange.
type SessionUpdate struct {
	Turns        []Turn
	State        *State
	Round        *int
	CurrentOffer *Offer
	FinalPrice   *float64
}

// SessionSummary is a listing row for dashboard-style consumers.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	State     State     `json:"state"`
	Round     int       `json:"round"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionView is the caller-facing projection of a session: everything a chat
// UI needs, nothing it should not mutate.
type SessionView struct {
	ID           string   `json:"id"`
	State        State    `json:"state"`
	Round        int      `json:"round"`
	MaxRounds    int      `json:"max_rounds"`
	CurrentOffer *Offer   `json:"current_offer,omitempty"`
	FinalPrice   *float64 `json:"final_price,omitempty"`
	Turns        []Turn   `json:"turns"`
	HealthScore  int      `json:"health_score,omitempty"`
	Degraded     bool     `json:"degraded,omitempty"` // last AI turn came from the fallback path
}
