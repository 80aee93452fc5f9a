package negotiation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerr "github.com/hagglehq/haggle/internal/errors"
	"github.com/hagglehq/haggle/plugin/ai"
	"github.com/hagglehq/haggle/server/service/negotiation"
	"github.com/hagglehq/haggle/store"
)

// scriptedCompleter replays canned model replies and counts calls.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (c *scriptedCompleter) Complete(_ context.Context, _, _ string, _ ai.GenerationConfig) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	idx := c.calls - 1
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}
	return c.replies[idx], nil
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// blockingCompleter parks inside Complete until released, for lock tests.
type blockingCompleter struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCompleter) Complete(_ context.Context, _, _ string, _ ai.GenerationConfig) (string, error) {
	c.entered <- struct{}{}
	<-c.release
	return "Let me think about that.", nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProduct() negotiation.ProductContext {
	return negotiation.ProductContext{
		Title:     "Vintage road bike",
		BasePrice: 500,
		MinPrice:  350,
		Currency:  "USD",
		Category:  "sports",
		Condition: "used - good",
	}
}

func newTestEngine(llm ai.Completer, failFast bool) (*negotiation.Engine, *store.Store) {
	st := store.New(nil, nil, time.Hour, quietLogger())
	engine := negotiation.NewEngine(st, llm, negotiation.Options{
		MaxRoundsDefault: 5,
		HistoryWindow:    10,
		FailFast:         failFast,
	}, quietLogger())
	return engine, st
}

func seedSession(t *testing.T, st *store.Store, session *negotiation.Session) {
	t.Helper()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
		session.UpdatedAt = session.CreatedAt
	}
	require.NoError(t, st.Create(context.Background(), session))
}

// TestEngine_StartNegotiation covers the opening exchange: human turn plus an
// eager AI response in one call.
func TestEngine_StartNegotiation(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"I could let it go for $470."}}
	engine, _ := newTestEngine(llm, false)

	offer := 400.0
	session, err := engine.StartNegotiation(context.Background(), testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Would you take $400 for it?", &offer, negotiation.AIContext{}, 0)

	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, negotiation.StateInProgress, session.State)
	assert.Equal(t, 1, session.Round)
	assert.Equal(t, 5, session.MaxRounds)
	assert.Equal(t, negotiation.RoleSeller, session.Participants.CounterpartRole)

	require.Len(t, session.History, 2)
	human, aiTurn := session.History[0], session.History[1]
	assert.Equal(t, negotiation.ActorBuyer, human.Actor)
	assert.Equal(t, negotiation.ActionCounter, human.Action)
	require.NotNil(t, human.Offer)
	assert.InDelta(t, 400, human.Offer.Amount, 0.001)

	assert.Equal(t, negotiation.ActorAI, aiTurn.Actor)
	assert.Equal(t, negotiation.ActionCounter, aiTurn.Action)
	require.NotNil(t, aiTurn.Offer)
	assert.InDelta(t, 470, aiTurn.Offer.Amount, 0.001)
	assert.False(t, aiTurn.Fallback)

	require.NotNil(t, session.CurrentOffer)
	assert.InDelta(t, 470, session.CurrentOffer.Amount, 0.001)
	assert.Equal(t, negotiation.ActorAI, session.CurrentOffer.ProposedBy)
	assert.Equal(t, 1, llm.callCount())
}

// TestEngine_StartNegotiation_Validation rejects unusable listings up front.
func TestEngine_StartNegotiation_Validation(t *testing.T) {
	engine, _ := newTestEngine(nil, false)
	ctx := context.Background()

	tests := []struct {
		name         string
		product      negotiation.ProductContext
		participants negotiation.Participants
	}{
		{
			name:         "missing title",
			product:      negotiation.ProductContext{BasePrice: 100, MinPrice: 50},
			participants: negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		},
		{
			name:         "non-positive base price",
			product:      negotiation.ProductContext{Title: "x", BasePrice: 0},
			participants: negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		},
		{
			name:         "floor above ask",
			product:      negotiation.ProductContext{Title: "x", BasePrice: 100, MinPrice: 200},
			participants: negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		},
		{
			name:         "unknown initiator role",
			product:      testProduct(),
			participants: negotiation.Participants{InitiatorRole: "observer"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.StartNegotiation(ctx, tt.product, tt.participants, "hi", nil, negotiation.AIContext{}, 0)
			require.Error(t, err)
			assert.True(t, engerr.IsCode(err, engerr.ErrCodeInvalidArgument))
		})
	}
}

// TestEngine_StartNegotiation_FallbackWithoutLLM degrades to the pricing rule
// instead of failing when no provider is configured.
func TestEngine_StartNegotiation_FallbackWithoutLLM(t *testing.T) {
	engine, _ := newTestEngine(nil, false)

	offer := 400.0
	session, err := engine.StartNegotiation(context.Background(), testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Would you take $400?", &offer, negotiation.AIContext{}, 0)

	require.NoError(t, err)
	assert.Equal(t, negotiation.StateInProgress, session.State)
	require.Len(t, session.History, 2)

	aiTurn := session.History[1]
	assert.True(t, aiTurn.Fallback)
	assert.Zero(t, aiTurn.Confidence)
	assert.Equal(t, negotiation.ActionCounter, aiTurn.Action)
	require.NotNil(t, aiTurn.Offer)
	assert.GreaterOrEqual(t, aiTurn.Offer.Amount, 350.0)
	assert.LessOrEqual(t, aiTurn.Offer.Amount, 500.0)

	// The fallback counter becomes the standing offer, so a later plain
	// accept can close the deal.
	require.NotNil(t, session.CurrentOffer)
	assert.Equal(t, negotiation.ActorAI, session.CurrentOffer.ProposedBy)
	assert.InDelta(t, aiTurn.Offer.Amount, session.CurrentOffer.Amount, 0.001)

	view := engine.View(session)
	assert.True(t, view.Degraded)
}

// TestEngine_SubmitTurn_CounterExchange runs a normal human counter followed
// by an AI counter.
func TestEngine_SubmitTurn_CounterExchange(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"How about $480?", "I can do $460."}}
	engine, _ := newTestEngine(llm, false)
	ctx := context.Background()

	session, err := engine.StartNegotiation(ctx, testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Is this still available?", nil, negotiation.AIContext{}, 0)
	require.NoError(t, err)

	updated, turns, err := engine.SubmitTurn(ctx, session.ID, negotiation.RoleBuyer, "Could you do 420?", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Round)
	assert.Equal(t, negotiation.StateInProgress, updated.State)
	require.Len(t, turns, 2)
	require.Len(t, updated.History, 4)

	require.NotNil(t, updated.CurrentOffer)
	assert.InDelta(t, 460, updated.CurrentOffer.Amount, 0.001)
	assert.Equal(t, negotiation.ActorAI, updated.CurrentOffer.ProposedBy)
	assert.Equal(t, 2, llm.callCount())
}

// TestEngine_SubmitTurn_HumanAcceptSkipsLLM closes the deal on a plain accept
// of the AI's standing offer without another model call.
func TestEngine_SubmitTurn_HumanAcceptSkipsLLM(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"Best I can do is $450."}}
	engine, _ := newTestEngine(llm, false)
	ctx := context.Background()

	session, err := engine.StartNegotiation(ctx, testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Would you take $400?", floatPtrT(400), negotiation.AIContext{}, 0)
	require.NoError(t, err)
	require.NotNil(t, session.CurrentOffer)
	require.InDelta(t, 450, session.CurrentOffer.Amount, 0.001)

	updated, turns, err := engine.SubmitTurn(ctx, session.ID, negotiation.RoleBuyer, "I accept", nil)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateAccepted, updated.State)
	assert.Equal(t, 2, updated.Round)
	require.NotNil(t, updated.FinalPrice)
	assert.InDelta(t, 450, *updated.FinalPrice, 0.001)
	require.Len(t, turns, 1)
	assert.Equal(t, negotiation.ActionAccept, turns[0].Action)
	assert.Equal(t, 1, llm.callCount(), "acceptance must not round-trip through the model")
}

// TestEngine_SubmitTurn_AcceptWithDifferentNumberIsCounter treats "I accept
// at <other price>" as a counter-offer, not an acceptance.
func TestEngine_SubmitTurn_AcceptWithDifferentNumberIsCounter(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"$450 and it's yours.", "Meet me at $430."}}
	engine, _ := newTestEngine(llm, false)
	ctx := context.Background()

	session, err := engine.StartNegotiation(ctx, testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Would you take $400?", floatPtrT(400), negotiation.AIContext{}, 0)
	require.NoError(t, err)

	updated, turns, err := engine.SubmitTurn(ctx, session.ID, negotiation.RoleBuyer, "I accept, but only at $410", nil)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateInProgress, updated.State)
	assert.Nil(t, updated.FinalPrice)
	require.Len(t, turns, 2)
	assert.Equal(t, negotiation.ActionCounter, turns[0].Action)
	assert.Equal(t, 2, llm.callCount())
}

// TestEngine_SubmitTurn_RejectEndsWithoutLLM ends on a human walk-away.
func TestEngine_SubmitTurn_RejectEndsWithoutLLM(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"I could go to $470."}}
	engine, _ := newTestEngine(llm, false)
	ctx := context.Background()

	session, err := engine.StartNegotiation(ctx, testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Is this available?", nil, negotiation.AIContext{}, 0)
	require.NoError(t, err)

	updated, turns, err := engine.SubmitTurn(ctx, session.ID, negotiation.RoleBuyer, "No deal, not interested.", nil)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateRejected, updated.State)
	require.Len(t, turns, 1)
	assert.Equal(t, negotiation.ActionReject, turns[0].Action)
	assert.Equal(t, 1, llm.callCount())
}

// TestEngine_SubmitTurn_RoundLimitExpires transitions an exhausted session to
// Expired and reports ROUND_LIMIT alongside the updated session.
func TestEngine_SubmitTurn_RoundLimitExpires(t *testing.T) {
	engine, st := newTestEngine(nil, false)
	ctx := context.Background()

	seedSession(t, st, &negotiation.Session{
		ID:      "sess-exhausted",
		Product: testProduct(),
		Participants: negotiation.Participants{
			InitiatorRole: negotiation.RoleBuyer, CounterpartRole: negotiation.RoleSeller,
		},
		State:     negotiation.StateInProgress,
		Round:     3,
		MaxRounds: 3,
	})

	updated, turns, err := engine.SubmitTurn(ctx, "sess-exhausted", negotiation.RoleBuyer, "420?", nil)
	require.Error(t, err)
	assert.True(t, engerr.IsCode(err, engerr.ErrCodeRoundLimit))
	require.NotNil(t, updated)
	assert.Equal(t, negotiation.StateExpired, updated.State)
	assert.Empty(t, turns)

	// Terminal now: the next submission is an invalid-state error.
	_, _, err = engine.SubmitTurn(ctx, "sess-exhausted", negotiation.RoleBuyer, "hello?", nil)
	require.Error(t, err)
	assert.True(t, engerr.IsCode(err, engerr.ErrCodeInvalidState))
}

// TestEngine_SubmitTurn_TerminalSessionRejected refuses turns on closed
// sessions without touching history.
func TestEngine_SubmitTurn_TerminalSessionRejected(t *testing.T) {
	engine, st := newTestEngine(nil, false)
	ctx := context.Background()

	final := 450.0
	seedSession(t, st, &negotiation.Session{
		ID:      "sess-done",
		Product: testProduct(),
		Participants: negotiation.Participants{
			InitiatorRole: negotiation.RoleBuyer, CounterpartRole: negotiation.RoleSeller,
		},
		State:      negotiation.StateAccepted,
		Round:      2,
		MaxRounds:  5,
		FinalPrice: &final,
	})

	returned, turns, err := engine.SubmitTurn(ctx, "sess-done", negotiation.RoleBuyer, "actually...", nil)
	require.Error(t, err)
	assert.True(t, engerr.IsCode(err, engerr.ErrCodeInvalidState))
	assert.Empty(t, turns)
	require.NotNil(t, returned)
	assert.Equal(t, negotiation.StateAccepted, returned.State)

	after, err := engine.GetSession(ctx, "sess-done")
	require.NoError(t, err)
	assert.Empty(t, after.History)
}

// TestEngine_SubmitTurn_FallbackOnProviderError keeps the session alive when
// the model errors mid-negotiation.
func TestEngine_SubmitTurn_FallbackOnProviderError(t *testing.T) {
	llm := &scriptedCompleter{err: errors.New("connection reset")}
	engine, _ := newTestEngine(llm, false)
	ctx := context.Background()

	session, err := engine.StartNegotiation(ctx, testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Would you take $400?", floatPtrT(400), negotiation.AIContext{}, 0)
	require.NoError(t, err)

	updated, turns, err := engine.SubmitTurn(ctx, session.ID, negotiation.RoleBuyer, "How about 420?", nil)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateInProgress, updated.State)
	require.Len(t, turns, 2)
	assert.True(t, turns[1].Fallback)
	assert.Zero(t, turns[1].Confidence)
	assert.True(t, engine.View(updated).Degraded)
}

// TestEngine_SubmitTurn_LLMAcceptClampsFinalPrice clamps an AI acceptance of
// a below-floor offer back into the listing's bounds.
func TestEngine_SubmitTurn_LLMAcceptClampsFinalPrice(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"I accept"}}
	engine, st := newTestEngine(llm, false)
	ctx := context.Background()

	seedSession(t, st, &negotiation.Session{
		ID:      "sess-clamp",
		Product: testProduct(),
		Participants: negotiation.Participants{
			InitiatorRole: negotiation.RoleBuyer, CounterpartRole: negotiation.RoleSeller,
		},
		State:     negotiation.StateInProgress,
		Round:     1,
		MaxRounds: 5,
	})

	updated, _, err := engine.SubmitTurn(ctx, "sess-clamp", negotiation.RoleBuyer, "Would you take $300?", nil)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateAccepted, updated.State)
	require.NotNil(t, updated.FinalPrice)
	assert.InDelta(t, 350, *updated.FinalPrice, 0.001)
}

// TestEngine_SubmitTurn_AIAcceptWithoutStandingOffer downgrades a model
// acceptance to conversation when nothing is on the table.
func TestEngine_SubmitTurn_AIAcceptWithoutStandingOffer(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"I accept"}}
	engine, st := newTestEngine(llm, false)
	ctx := context.Background()

	seedSession(t, st, &negotiation.Session{
		ID:      "sess-nothing",
		Product: testProduct(),
		Participants: negotiation.Participants{
			InitiatorRole: negotiation.RoleBuyer, CounterpartRole: negotiation.RoleSeller,
		},
		State:     negotiation.StateInProgress,
		Round:     1,
		MaxRounds: 5,
	})

	updated, turns, err := engine.SubmitTurn(ctx, "sess-nothing", negotiation.RoleBuyer, "Tell me about the frame", nil)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateInProgress, updated.State)
	require.Len(t, turns, 2)
	assert.Equal(t, negotiation.ActionContinue, turns[1].Action)
	assert.LessOrEqual(t, turns[1].Confidence, 0.4)
	assert.Nil(t, updated.FinalPrice)
}

// TestEngine_SubmitTurn_RejectsForgedActorRoles refuses submissions claiming
// to speak as the AI or any other non-human role; only buyer and seller may
// author turns through the public surface.
func TestEngine_SubmitTurn_RejectsForgedActorRoles(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"I could do $470."}}
	engine, _ := newTestEngine(llm, false)
	ctx := context.Background()

	session, err := engine.StartNegotiation(ctx, testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Would you take $400?", floatPtrT(400), negotiation.AIContext{}, 0)
	require.NoError(t, err)

	for _, role := range []negotiation.Role{"ai", "system", "", "admin"} {
		t.Run(string(role), func(t *testing.T) {
			_, turns, err := engine.SubmitTurn(ctx, session.ID, role, "How about $10?", nil)
			require.Error(t, err)
			assert.True(t, engerr.IsCode(err, engerr.ErrCodeInvalidArgument))
			assert.Empty(t, turns)
		})
	}

	// The forged submissions never touched the session: the AI's counter is
	// still the standing offer and no turn was appended.
	after, err := engine.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, after.History, 2)
	require.NotNil(t, after.CurrentOffer)
	assert.Equal(t, negotiation.ActorAI, after.CurrentOffer.ProposedBy)
	assert.InDelta(t, 470, after.CurrentOffer.Amount, 0.001)
}

// TestEngine_SubmitTurn_UnknownSession surfaces SESSION_NOT_FOUND.
func TestEngine_SubmitTurn_UnknownSession(t *testing.T) {
	engine, _ := newTestEngine(nil, false)
	_, _, err := engine.SubmitTurn(context.Background(), "no-such-session", negotiation.RoleBuyer, "hi", nil)
	require.Error(t, err)
	assert.True(t, engerr.IsCode(err, engerr.ErrCodeSessionNotFound))
}

// TestEngine_Cancel_Idempotent cancels once and is a no-op afterwards.
func TestEngine_Cancel_Idempotent(t *testing.T) {
	engine, _ := newTestEngine(nil, false)
	ctx := context.Background()

	session, err := engine.StartNegotiation(ctx, testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Hello", nil, negotiation.AIContext{}, 0)
	require.NoError(t, err)

	cancelled, err := engine.Cancel(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateCancelled, cancelled.State)

	again, err := engine.Cancel(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateCancelled, again.State)
}

// TestEngine_Cancel_LeavesOtherTerminalStates does not overwrite an accepted
// outcome.
func TestEngine_Cancel_LeavesOtherTerminalStates(t *testing.T) {
	engine, st := newTestEngine(nil, false)
	ctx := context.Background()

	seedSession(t, st, &negotiation.Session{
		ID:      "sess-won",
		Product: testProduct(),
		Participants: negotiation.Participants{
			InitiatorRole: negotiation.RoleBuyer, CounterpartRole: negotiation.RoleSeller,
		},
		State:     negotiation.StateAccepted,
		Round:     2,
		MaxRounds: 5,
	})

	session, err := engine.Cancel(ctx, "sess-won")
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateAccepted, session.State)
}

// TestEngine_FailFastConcurrency rejects a second in-flight turn for the same
// session instead of queueing it.
func TestEngine_FailFastConcurrency(t *testing.T) {
	llm := &blockingCompleter{entered: make(chan struct{}), release: make(chan struct{})}
	engine, st := newTestEngine(llm, true)
	ctx := context.Background()

	seedSession(t, st, &negotiation.Session{
		ID:      "sess-busy",
		Product: testProduct(),
		Participants: negotiation.Participants{
			InitiatorRole: negotiation.RoleBuyer, CounterpartRole: negotiation.RoleSeller,
		},
		State:     negotiation.StateInProgress,
		Round:     1,
		MaxRounds: 5,
	})

	done := make(chan error, 1)
	go func() {
		_, _, err := engine.SubmitTurn(ctx, "sess-busy", negotiation.RoleBuyer, "first message", nil)
		done <- err
	}()

	<-llm.entered
	_, _, err := engine.SubmitTurn(ctx, "sess-busy", negotiation.RoleBuyer, "second message", nil)
	require.Error(t, err)
	assert.True(t, engerr.IsCode(err, engerr.ErrCodeConcurrentModification))

	close(llm.release)
	require.NoError(t, <-done)
}

// TestEngine_RoundMonotonicity checks exactly one round per human+AI exchange.
func TestEngine_RoundMonotonicity(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"How about $480?"}}
	engine, _ := newTestEngine(llm, false)
	ctx := context.Background()

	session, err := engine.StartNegotiation(ctx, testProduct(),
		negotiation.Participants{InitiatorRole: negotiation.RoleBuyer},
		"Hi there", nil, negotiation.AIContext{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, session.Round)

	for want := 2; want <= 4; want++ {
		session, _, err = engine.SubmitTurn(ctx, session.ID, negotiation.RoleBuyer, "still thinking", nil)
		require.NoError(t, err)
		assert.Equal(t, want, session.Round)
	}
}

func floatPtrT(v float64) *float64 {
	return &v
}
