package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	engerr "github.com/hagglehq/haggle/internal/errors"
	"github.com/hagglehq/haggle/plugin/ai"
	"github.com/hagglehq/haggle/server/internal/observability"
)

// SessionStore is the persistence contract the engine needs. Implementations
// must apply each SessionUpdate atomically and refuse appends to terminal
// sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, session *Session) error
	Append(ctx context.Context, id string, update SessionUpdate) (*Session, error)
}

// Options tunes engine behavior at construction time.
type Options struct {
	// MaxRoundsDefault applies when StartNegotiation gets no explicit limit.
	MaxRoundsDefault int
	// HistoryWindow bounds turns included in prompts and SessionViews.
	HistoryWindow int
	// FailFast rejects concurrent submissions for one session with
	// CONCURRENT_MODIFICATION instead of queueing them.
	FailFast bool
	// Generation is passed to every LLM call.
	Generation ai.GenerationConfig
}

// Engine is the negotiation state machine. It serializes turns per session,
// composes prompts, calls the LLM, interprets the response and applies the
// resulting transition. An unreachable LLM degrades to a deterministic
// pricing fallback; it never corrupts session state.
type Engine struct {
	store       SessionStore
	llm         ai.Completer // nil means every AI turn takes the fallback path
	policy      PricingPolicy
	composer    *Composer
	interpreter *Interpreter
	analytics   *Analytics
	opts        Options
	logger      *slog.Logger

	locks sync.Map // session ID -> *sync.Mutex
}

// NewEngine creates an engine. llm may be nil for offline operation.
func NewEngine(store SessionStore, llm ai.Completer, opts Options, logger *slog.Logger) *Engine {
	if opts.MaxRoundsDefault <= 0 {
		opts.MaxRoundsDefault = 5
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		llm:         llm,
		composer:    NewComposer(opts.HistoryWindow),
		interpreter: NewInterpreter(),
		analytics:   NewAnalytics(),
		opts:        opts,
		logger:      logger,
	}
}

// StartNegotiation creates a session, records the initiator's opening turn
// and eagerly produces the AI counterpart's first response in the same call.
func (e *Engine) StartNegotiation(ctx context.Context, product ProductContext, participants Participants, openingMessage string, initialOffer *float64, aiCtx AIContext, maxRounds int) (*Session, error) {
	if err := validateProduct(product); err != nil {
		return nil, err
	}
	if participants.InitiatorRole != RoleBuyer && participants.InitiatorRole != RoleSeller {
		return nil, engerr.InvalidArgument(fmt.Sprintf("unknown initiator role: %s", participants.InitiatorRole))
	}
	if participants.CounterpartRole == "" {
		participants.CounterpartRole = otherRole(participants.InitiatorRole)
	}
	if initialOffer != nil && *initialOffer < 0 {
		return nil, engerr.InvalidArgument("initial offer must be non-negative")
	}
	if maxRounds <= 0 {
		maxRounds = e.opts.MaxRoundsDefault
	}

	now := time.Now()
	session := &Session{
		ID:           shortuuid.New(),
		Product:      product,
		Participants: participants,
		State:        StateInitiated,
		MaxRounds:    maxRounds,
		AIContext:    aiCtx,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	reqCtx := observability.NewRequestContext(e.logger, session.ID, string(participants.InitiatorRole))

	human := e.humanTurn(session, participants.InitiatorRole, openingMessage, initialOffer)
	session.History = append(session.History, human)
	if human.Offer != nil {
		session.CurrentOffer = human.Offer
	}
	session.State = StateInProgress
	session.Round = 1

	aiTurn, transition := e.aiRespond(ctx, reqCtx, session)
	session.History = append(session.History, aiTurn)
	applyTransition(session, transition)

	if err := e.store.Create(ctx, session); err != nil {
		return nil, engerr.Engine("failed to persist new session", err)
	}

	reqCtx.Info("negotiation started",
		slog.Int(observability.LogFieldRound, session.Round),
		slog.String("state", string(session.State)))
	return session, nil
}

// SubmitTurn processes one human message for an in-progress session and
// returns the updated session plus the turns appended by this exchange.
// When the round limit is already exhausted the session transitions to
// Expired and a ROUND_LIMIT error is returned alongside the updated session.
func (e *Engine) SubmitTurn(ctx context.Context, sessionID string, actorRole Role, rawText string, offerAmount *float64) (*Session, []Turn, error) {
	if actorRole != RoleBuyer && actorRole != RoleSeller {
		return nil, nil, engerr.InvalidArgument(fmt.Sprintf("unknown actor role: %s", actorRole))
	}

	unlock, err := e.lockSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	session, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.State.IsTerminal() {
		e.forgetLock(sessionID)
		return session, nil, engerr.InvalidState(fmt.Sprintf("session %s is %s", sessionID, session.State))
	}
	if session.Round >= session.MaxRounds {
		expired := StateExpired
		updated, appendErr := e.store.Append(ctx, sessionID, SessionUpdate{State: &expired})
		if appendErr != nil {
			return nil, nil, appendErr
		}
		observability.GlobalMetrics().RecordOutcome(string(StateExpired))
		e.forgetLock(sessionID)
		return updated, nil, engerr.RoundLimit(fmt.Sprintf("session %s exhausted %d rounds", sessionID, session.MaxRounds))
	}

	reqCtx := observability.NewRequestContext(e.logger, sessionID, string(actorRole))

	working := session.Clone()
	human := e.humanTurn(working, actorRole, rawText, offerAmount)

	// A plain acceptance of the AI's standing offer closes the deal without
	// an LLM round-trip. An accept bundled with a different number is a
	// counter and takes the normal path.
	if accepted, price := e.humanAccepts(working, human); accepted {
		human.Action = ActionAccept
		round := working.Round + 1
		state := StateAccepted
		updated, appendErr := e.store.Append(ctx, sessionID, SessionUpdate{
			Turns:      []Turn{human},
			State:      &state,
			Round:      &round,
			FinalPrice: &price,
		})
		if appendErr != nil {
			return nil, nil, appendErr
		}
		observability.GlobalMetrics().RecordOutcome(string(StateAccepted))
		e.forgetLock(sessionID)
		reqCtx.Info("offer accepted by human", slog.Float64("final_price", price))
		return updated, []Turn{human}, nil
	}

	// An accept that did not match the standing offer is a counter when it
	// names a price, otherwise just conversation.
	if human.Action == ActionAccept {
		if human.Offer != nil {
			human.Action = ActionCounter
		} else {
			human.Action = ActionContinue
		}
	}

	working.History = append(working.History, human)
	working.Round++
	if human.Action == ActionCounter && human.Offer != nil {
		working.CurrentOffer = human.Offer
	}

	update := SessionUpdate{Turns: []Turn{human}, Round: &working.Round}
	if human.Offer != nil && human.Action == ActionCounter {
		update.CurrentOffer = human.Offer
	}

	if human.Action == ActionReject {
		rejected := StateRejected
		update.State = &rejected
	} else {
		aiTurn, transition := e.aiRespond(ctx, reqCtx, working)
		update.Turns = append(update.Turns, aiTurn)
		update.State = transition.state
		update.FinalPrice = transition.finalPrice
		if transition.offer != nil {
			update.CurrentOffer = transition.offer
		}
	}

	updated, err := e.store.Append(ctx, sessionID, update)
	if err != nil {
		return nil, nil, err
	}
	if updated.State.IsTerminal() {
		observability.GlobalMetrics().RecordOutcome(string(updated.State))
		e.forgetLock(sessionID)
	}

	reqCtx.Info("turn processed",
		slog.Int(observability.LogFieldRound, updated.Round),
		slog.String("state", string(updated.State)),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()))
	return updated, update.Turns, nil
}

// Cancel transitions any non-terminal session to Cancelled. Cancelling an
// already-terminal session is a no-op, not an error.
func (e *Engine) Cancel(ctx context.Context, sessionID string) (*Session, error) {
	unlock, err := e.lockSession(sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State.IsTerminal() {
		e.forgetLock(sessionID)
		return session, nil
	}

	cancelled := StateCancelled
	updated, err := e.store.Append(ctx, sessionID, SessionUpdate{State: &cancelled})
	if err != nil {
		return nil, err
	}
	observability.GlobalMetrics().RecordOutcome(string(StateCancelled))
	e.forgetLock(sessionID)
	e.logger.Info("negotiation cancelled", slog.String(observability.LogFieldSessionID, sessionID))
	return updated, nil
}

// GetSession loads a session.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return e.store.Get(ctx, sessionID)
}

// View projects a session into its caller-facing shape.
func (e *Engine) View(session *Session) SessionView {
	turns := session.History
	if len(turns) > e.opts.HistoryWindow {
		turns = turns[len(turns)-e.opts.HistoryWindow:]
	}
	degraded := false
	for i := len(session.History) - 1; i >= 0; i-- {
		if session.History[i].Actor == ActorAI {
			degraded = session.History[i].Fallback
			break
		}
	}
	return SessionView{
		ID:           session.ID,
		State:        session.State,
		Round:        session.Round,
		MaxRounds:    session.MaxRounds,
		CurrentOffer: session.CurrentOffer,
		FinalPrice:   session.FinalPrice,
		Turns:        turns,
		HealthScore:  e.analytics.HealthScore(session),
		Degraded:     degraded,
	}
}

// transition is the state change an AI turn carries with it.
type transition struct {
	state      *State
	finalPrice *float64
	offer      *Offer
}

// aiRespond produces the AI's turn for the session as currently staged. LLM
// failures degrade to a deterministic pricing fallback with confidence 0; the
// session stays in progress.
func (e *Engine) aiRespond(ctx context.Context, reqCtx *observability.RequestContext, session *Session) (Turn, transition) {
	side := aiSide(session)
	insights := e.analytics.Insights(session)
	scenario := DetectScenario(session, e.policy, insights)
	prompt := e.composer.Compose(session, insights)
	metrics := observability.GlobalMetrics()

	var raw string
	var err error
	if e.llm == nil {
		err = engerr.Provider("no llm provider configured", nil)
	} else {
		metrics.RecordLLMCall()
		raw, err = e.llm.Complete(ctx, prompt.System, prompt.User, e.opts.Generation)
	}
	defer metrics.RecordTurn(string(scenario), reqCtx.Duration())
	if err != nil {
		metrics.RecordLLMFailure(string(scenario))
		metrics.RecordFallback()
		reqCtx.Warn("llm call failed, using pricing fallback",
			slog.String(observability.LogFieldScenario, string(scenario)),
			slog.String(observability.LogFieldErrorCode, string(engerr.GetCodeFromError(err, engerr.ErrCodeProvider))))
		fallback := e.fallbackTurn(session, side)
		return fallback, transition{offer: fallback.Offer}
	}

	interp := e.interpreter.Interpret(raw, session)
	turn := Turn{
		Sequence:   session.NextSequence(),
		Actor:      ActorAI,
		RawText:    interp.Sanitized,
		Action:     interp.Action,
		Confidence: interp.Confidence,
		CreatedAt:  time.Now(),
	}

	switch interp.Action {
	case ActionAccept:
		if session.CurrentOffer == nil {
			// Nothing on the table to accept; keep talking.
			turn.Action = ActionContinue
			turn.Confidence = math.Min(turn.Confidence, 0.4)
			return turn, transition{}
		}
		accepted := StateAccepted
		final := clampRange(session.CurrentOffer.Amount, session.Product.MinPrice, session.Product.BasePrice)
		return turn, transition{state: &accepted, finalPrice: &final}
	case ActionReject:
		rejected := StateRejected
		return turn, transition{state: &rejected}
	case ActionCounter:
		offer := &Offer{
			Amount:     *interp.Amount,
			Currency:   session.Product.Currency,
			ProposedBy: ActorAI,
		}
		turn.Offer = offer
		return turn, transition{offer: offer}
	default:
		return turn, transition{}
	}
}

// fallbackTurn builds the deterministic rule-based counter-offer used when
// the LLM is unavailable. Actor stays ai but the turn is flagged so callers
// can detect degraded-mode responses.
func (e *Engine) fallbackTurn(session *Session, side Role) Turn {
	standing := session.Product.BasePrice
	if session.CurrentOffer != nil {
		standing = session.CurrentOffer.Amount
	}
	amount := e.policy.SuggestedCounter(session.Product, standing,
		session.Round, session.MaxRounds, session.AIContext.UrgencyLevel, side)

	offer := &Offer{
		Amount:     amount,
		Currency:   session.Product.Currency,
		ProposedBy: ActorAI,
		Reasoning:  "rule-based counter while the assistant is unavailable",
	}
	return Turn{
		Sequence:   session.NextSequence(),
		Actor:      ActorAI,
		RawText:    fmt.Sprintf("I can do %s %.2f for the %s. Let me know if that works for you.", offer.Currency, offer.Amount, session.Product.Title),
		Action:     ActionCounter,
		Offer:      offer,
		Confidence: 0,
		Fallback:   true,
		CreatedAt:  time.Now(),
	}
}

// humanTurn builds the turn record for a human submission. An explicit offer
// amount wins over anything extracted from the text.
func (e *Engine) humanTurn(session *Session, role Role, rawText string, offerAmount *float64) Turn {
	interp := e.interpreter.Interpret(rawText, session)
	if offerAmount != nil {
		interp.Amount = offerAmount
		if interp.Action == ActionContinue {
			interp.Action = ActionCounter
		}
		interp.Confidence = 1
	}

	turn := Turn{
		Sequence:   session.NextSequence(),
		Actor:      Actor(role),
		RawText:    interp.Sanitized,
		Action:     interp.Action,
		Confidence: interp.Confidence,
		CreatedAt:  time.Now(),
	}
	if interp.Amount != nil && (interp.Action == ActionCounter || interp.Action == ActionAccept) {
		turn.Offer = &Offer{
			Amount:     *interp.Amount,
			Currency:   session.Product.Currency,
			ProposedBy: Actor(role),
		}
	}
	return turn
}

// humanAccepts decides the no-LLM acceptance path: the human accepted the
// AI's standing offer either bare or restating the same number. An accept
// with a different number is a counter.
func (e *Engine) humanAccepts(session *Session, human Turn) (bool, float64) {
	if human.Action != ActionAccept {
		return false, 0
	}
	offer := session.CurrentOffer
	if offer == nil || offer.ProposedBy != ActorAI {
		return false, 0
	}
	if human.Offer != nil && math.Abs(human.Offer.Amount-offer.Amount) > 0.009 {
		return false, 0
	}
	return true, offer.Amount
}

// lockSession acquires the per-session mutex. Under FailFast a held lock
// surfaces CONCURRENT_MODIFICATION instead of queueing.
func (e *Engine) lockSession(sessionID string) (func(), error) {
	v, _ := e.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if e.opts.FailFast {
		if !mu.TryLock() {
			return nil, engerr.ConcurrentModification(sessionID)
		}
	} else {
		mu.Lock()
	}
	return mu.Unlock, nil
}

// forgetLock drops a session's mutex entry once the session is terminal, so
// the lock map does not grow for the life of the process. Safe while the lock
// is still held: a waiter on the old mutex (or a fresh caller on a new one)
// only ever observes the terminal state, and the store refuses appends to
// terminal sessions.
func (e *Engine) forgetLock(sessionID string) {
	e.locks.Delete(sessionID)
}

func applyTransition(session *Session, t transition) {
	if t.state != nil {
		session.State = *t.state
	}
	if t.finalPrice != nil {
		session.FinalPrice = t.finalPrice
	}
	if t.offer != nil {
		session.CurrentOffer = t.offer
	}
}

func validateProduct(product ProductContext) error {
	if product.Title == "" {
		return engerr.InvalidArgument("product title is required")
	}
	if product.BasePrice <= 0 {
		return engerr.InvalidArgument("base price must be positive")
	}
	if product.MinPrice < 0 || product.MinPrice > product.BasePrice {
		return engerr.InvalidArgument("min price must lie within [0, base price]")
	}
	return nil
}

func otherRole(role Role) Role {
	if role == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}
