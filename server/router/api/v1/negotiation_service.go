// Package v1 exposes the negotiation engine over a thin JSON REST surface.
// Every handler returns either a SessionView or one categorized engine
// error; raw infrastructure failures never cross this boundary.
package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	engerr "github.com/hagglehq/haggle/internal/errors"
	"github.com/hagglehq/haggle/server/middleware"
	"github.com/hagglehq/haggle/server/service/negotiation"
	"github.com/hagglehq/haggle/store"
)

// NegotiationService wires the engine into echo.
type NegotiationService struct {
	Engine  *negotiation.Engine
	Store   *store.Store
	Limiter *middleware.RateLimiter
}

// NewNegotiationService creates the API service.
func NewNegotiationService(engine *negotiation.Engine, st *store.Store) *NegotiationService {
	return &NegotiationService{
		Engine:  engine,
		Store:   st,
		Limiter: middleware.NewRateLimiter(time.Second, 5),
	}
}

// Register mounts the API under /api/v1.
func (s *NegotiationService) Register(e *echo.Echo) {
	e.Use(echomw.Recover())

	g := e.Group("/api/v1")
	g.POST("/negotiations", s.startNegotiation)
	g.GET("/negotiations", s.listNegotiations)
	g.GET("/negotiations/:id", s.getNegotiation)
	g.POST("/negotiations/:id/turns", s.submitTurn)
	g.POST("/negotiations/:id/cancel", s.cancelNegotiation)
	g.GET("/system/metrics", s.getMetricsOverview)
}

type startRequest struct {
	Product       negotiation.ProductContext `json:"product"`
	InitiatorRole negotiation.Role           `json:"initiator_role"`
	Message       string                     `json:"message"`
	OfferAmount   *float64                   `json:"offer_amount,omitempty"`
	MaxRounds     int                        `json:"max_rounds,omitempty"`
	AIContext     negotiation.AIContext      `json:"ai_context,omitempty"`
}

type turnRequest struct {
	ActorRole   negotiation.Role `json:"actor_role"`
	Message     string           `json:"message"`
	OfferAmount *float64         `json:"offer_amount,omitempty"`
}

func (s *NegotiationService) startNegotiation(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, engerr.InvalidArgument("malformed request body"))
	}

	session, err := s.Engine.StartNegotiation(c.Request().Context(), req.Product,
		negotiation.Participants{InitiatorRole: req.InitiatorRole},
		req.Message, req.OfferAmount, req.AIContext, req.MaxRounds)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, s.Engine.View(session))
}

func (s *NegotiationService) submitTurn(c echo.Context) error {
	sessionID := c.Param("id")
	if !s.Limiter.Allow(sessionID) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "slow down")
	}

	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, engerr.InvalidArgument("malformed request body"))
	}

	session, _, err := s.Engine.SubmitTurn(c.Request().Context(), sessionID, req.ActorRole, req.Message, req.OfferAmount)
	if err != nil {
		// Round exhaustion is informational: the session expired, which the
		// view already communicates.
		if engerr.IsCode(err, engerr.ErrCodeRoundLimit) && session != nil {
			return c.JSON(http.StatusOK, s.Engine.View(session))
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s.Engine.View(session))
}

func (s *NegotiationService) cancelNegotiation(c echo.Context) error {
	session, err := s.Engine.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s.Engine.View(session))
}

func (s *NegotiationService) getNegotiation(c echo.Context) error {
	session, err := s.Engine.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s.Engine.View(session))
}

func (s *NegotiationService) listNegotiations(c echo.Context) error {
	summaries, err := s.Store.ListSessions(c.Request().Context(), 50)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, summaries)
}

type errorBody struct {
	Code    engerr.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// writeError maps engine error codes to HTTP statuses.
func writeError(c echo.Context, err error) error {
	code := engerr.GetCodeFromError(err, engerr.ErrCodeEngine)
	status := http.StatusInternalServerError
	switch code {
	case engerr.ErrCodeSessionNotFound:
		status = http.StatusNotFound
	case engerr.ErrCodeInvalidArgument:
		status = http.StatusBadRequest
	case engerr.ErrCodeInvalidState, engerr.ErrCodeRoundLimit:
		status = http.StatusConflict
	case engerr.ErrCodeConcurrentModification:
		status = http.StatusTooManyRequests
	case engerr.ErrCodeTimeout, engerr.ErrCodeProvider:
		status = http.StatusBadGateway
	}
	return c.JSON(status, errorBody{Code: code, Message: err.Error()})
}
