package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"tradeguard/internal/engine"
	"tradeguard/internal/safety"

	"github.com/gin-gonic/gin"
)

type listQuery struct {
	Limit int    `form:"limit"`
	Topic string `form:"topic"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type proposeTradeRequest struct {
	Kind       string  `json:"kind" binding:"required,oneof=ENTRY CLOSE"`
	Strategy   string  `json:"strategy" binding:"required,min=1"`
	Symbol     string  `json:"symbol" binding:"required,min=1"`
	Direction  string  `json:"direction" binding:"omitempty,oneof=LONG SHORT"`
	EntryPrice float64 `json:"entry_price"`
	StopPrice  float64 `json:"stop_price"`
	Target     float64 `json:"target_price"`
	Premium    float64 `json:"premium"`
	Contracts  int     `json:"contracts"`
	Balance    float64 `json:"balance"`
	PositionID string  `json:"position_id"`
}

type recordFillRequest struct {
	RequestID  string    `json:"request_id"`
	PositionID string    `json:"position_id" binding:"required,min=1"`
	Kind       string    `json:"kind" binding:"required,oneof=OPEN CLOSE"`
	Strategy   string    `json:"strategy" binding:"required,min=1"`
	Symbol     string    `json:"symbol" binding:"required,min=1"`
	Direction  string    `json:"direction" binding:"omitempty,oneof=LONG SHORT"`
	Price      float64   `json:"price"`
	Target     float64   `json:"target_price"`
	StopPrice  float64   `json:"stop_price"`
	Premium    float64   `json:"premium"`
	Contracts  int       `json:"contracts"`
	MaxHold    string    `json:"max_hold"` // duration string, e.g. "48h"
	ExpiresAt  time.Time `json:"expires_at"`
	PnL        float64   `json:"pnl"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// getStatus returns the dashboard view of the safety core.
func (s *Server) getStatus(c *gin.Context) {
	st := s.Gate.Status()
	c.JSON(http.StatusOK, gin.H{
		"symbol":    s.Meta.Symbol,
		"mock_feed": s.Meta.UseMockFeed,
		"version":   s.Meta.Version,
		"status":    st,
	})
}

// getRegimes returns the current classification and the full per-regime
// override table.
func (s *Server) getRegimes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"current":   s.Regimes.State(),
		"overrides": s.Regimes.Table(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) listEvents(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	rows, err := s.Journal.ListEvents(c.Request.Context(), q.Topic, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

func (s *Server) listValidations(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	rows, err := s.Journal.ListValidations(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"validations": rows})
}

func (s *Server) listTrades(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	rows, err := s.Journal.ListTrades(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": rows})
}

func (s *Server) listRestarts(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	rows, err := s.Journal.ListRestarts(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"restarts": rows})
}

// proposeTrade submits a trade proposal to the decision loop and waits for
// the verdict. The loop validates at the next tick; validation never runs on
// the request goroutine.
func (s *Server) proposeTrade(c *gin.Context) {
	var body proposeTradeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	req := safety.NewTradeRequest(safety.RequestKind(body.Kind), body.Strategy, body.Symbol)
	req.Direction = body.Direction
	req.EntryPrice = body.EntryPrice
	req.StopPrice = body.StopPrice
	req.Target = body.Target
	req.Premium = body.Premium
	req.Contracts = body.Contracts
	req.Balance = body.Balance
	req.PositionID = body.PositionID

	res, err := s.Inbox.Propose(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, engine.ErrLoopStopped) {
			respondError(c, http.StatusServiceUnavailable, "LOOP_STOPPED", "decision loop is not running")
			return
		}
		respondError(c, http.StatusGatewayTimeout, "PROPOSAL_TIMEOUT", err.Error())
		return
	}

	c.JSON(http.StatusOK, res)
}

// recordFill reports an executed trade back to the gate.
func (s *Server) recordFill(c *gin.Context) {
	var body recordFillRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	var maxHold time.Duration
	if body.MaxHold != "" {
		var err error
		maxHold, err = time.ParseDuration(body.MaxHold)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid max_hold duration")
			return
		}
	}

	fill := safety.Fill{
		RequestID:  body.RequestID,
		PositionID: body.PositionID,
		Kind:       safety.FillKind(body.Kind),
		Strategy:   body.Strategy,
		Symbol:     body.Symbol,
		Direction:  body.Direction,
		Price:      body.Price,
		Target:     body.Target,
		StopPrice:  body.StopPrice,
		Premium:    body.Premium,
		Contracts:  body.Contracts,
		MaxHold:    safety.Duration(maxHold),
		ExpiresAt:  body.ExpiresAt,
		PnL:        body.PnL,
		Time:       time.Now().UTC(),
	}
	s.Gate.RecordFill(fill)
	if s.Audit != nil {
		s.Audit.RecordTrade(fill)
	}

	c.JSON(http.StatusOK, gin.H{"recorded": true, "position_id": fill.PositionID})
}

// setKillSwitch toggles the kill switch. Activation needs no confirmation;
// stopping everything must never be gated.
func (s *Server) setKillSwitch(c *gin.Context) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	operator := CurrentOperator(c)
	s.Gate.SetKillSwitch(body.Active, operator)
	log.Printf("[API] kill switch set to %v by %s", body.Active, operator)
	c.JSON(http.StatusOK, gin.H{"kill_switch": body.Active})
}

func (s *Server) enterSafeMode(c *gin.Context) {
	var body struct {
		Reason string `json:"reason" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "reason is required")
		return
	}

	s.Gate.EnterSafeMode(body.Reason, false)
	c.JSON(http.StatusOK, gin.H{"safe_mode": true, "reason": body.Reason})
}

// clearSafeMode lifts safe mode. Clearing is the dangerous direction, so it
// requires the separate safe-mode secret on top of operator auth.
func (s *Server) clearSafeMode(c *gin.Context) {
	var body struct {
		Confirm string `json:"confirm" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "confirmation secret is required")
		return
	}

	if s.SafeModeSecretHash == "" {
		respondError(c, http.StatusServiceUnavailable, "CONFIRMATION_NOT_CONFIGURED", "safe-mode confirmation is not configured")
		return
	}
	if err := checkSecret(s.SafeModeSecretHash, body.Confirm); err != nil {
		respondError(c, http.StatusForbidden, "INVALID_CONFIRMATION", "confirmation secret does not match")
		return
	}

	s.Gate.ClearSafeMode(CurrentOperator(c))
	c.JSON(http.StatusOK, gin.H{"safe_mode": false})
}

// reloadLimits re-reads the limits file and applies the runtime-safe subset.
func (s *Server) reloadLimits(c *gin.Context) {
	s.limitsMu.Lock()
	merged, err := s.limits.ReloadNonCritical(s.limitsPath)
	if err != nil {
		s.limitsMu.Unlock()
		respondError(c, http.StatusBadRequest, "RELOAD_FAILED", err.Error())
		return
	}
	s.limits = merged
	s.limitsMu.Unlock()

	s.Gate.SetLimits(merged)
	log.Printf("[API] limits reloaded from %s by %s", s.limitsPath, CurrentOperator(c))
	c.JSON(http.StatusOK, gin.H{
		"reloaded":         true,
		"min_reward_risk":  merged.Validation.MinRewardRisk,
		"manual_threshold": merged.Validation.ManualApprovalThreshold,
	})
}
