package dashboard

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/decision"
)

// minJustificationLen guards the mobile-authorised mutators: a close with
// no stated reason is almost always a fat finger.
const minJustificationLen = 10

type actionRequest struct {
	Action        string      `json:"action" binding:"required"`
	Symbol        string      `json:"symbol"`
	Justification string      `json:"justification"`
	Limit         int         `json:"limit"`
	EventIDs      []uuid.UUID `json:"event_ids"`
	Key           string      `json:"key"`
	Value         string      `json:"value"`
}

func (r *actionRequest) limit(def int) int {
	if r.Limit > 0 && r.Limit <= 500 {
		return r.Limit
	}
	return def
}

// handleAction dispatches the dashboard action protocol. Read actions
// return data; mutating actions require a justification and run through
// the same executor path as advisor decisions.
func (s *Server) handleAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	switch req.Action {
	case "get_portfolio_summary":
		portfolio, err := s.eng.Portfolio(ctx)
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, portfolio)

	case "get_positions":
		positions, err := s.store.GetOpenPositions(ctx)
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"positions": positions})

	case "get_closed_trades":
		closed, err := s.store.GetClosedPositionsSince(ctx, time.Now().AddDate(0, 0, -30))
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"positions": closed})

	case "get_signals":
		signals, err := s.store.GetRecentSignals(ctx, req.limit(50))
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"signals": signals})

	case "get_decisions":
		decisions, err := s.store.GetRecentDecisions(ctx, req.limit(50))
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"decisions": decisions})

	case "get_events":
		events, err := s.store.GetRecentEvents(ctx, req.limit(50))
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})

	case "mark_events_posted":
		if err := s.store.MarkEventsPosted(ctx, req.EventIDs); err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"marked": len(req.EventIDs)})

	case "get_event_stats":
		stats, err := s.store.GetEventStats(ctx)
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)

	case "get_exit_scanner_status":
		c.JSON(http.StatusOK, s.exits.Status())

	case "pause_trading":
		s.setPaused(c, true)

	case "resume_trading":
		s.setPaused(c, false)

	case "close_position":
		s.handleClosePosition(c, &req)

	case "close_all_positions":
		s.handleCloseAll(c, &req)

	case "analyze_position":
		s.handleAnalyzePosition(c, &req)

	case "update_settings":
		s.handleUpdateSettings(c, &req)

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", req.Action)})
	}
}

func (s *Server) setPaused(c *gin.Context, paused bool) {
	if err := s.store.SetPaused(c.Request.Context(), paused); err != nil {
		serverError(c, err)
		return
	}
	log.Info().Bool("paused", paused).Msg("Trading pause state changed via dashboard")
	c.JSON(http.StatusOK, gin.H{"paused": paused})
}

func (s *Server) handleClosePosition(c *gin.Context, req *actionRequest) {
	if !validJustification(c, req) {
		return
	}
	if req.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	ctx := c.Request.Context()
	pos, err := s.store.GetOpenPosition(ctx, req.Symbol)
	if err != nil {
		serverError(c, err)
		return
	}
	if pos == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no open position for %s", req.Symbol)})
		return
	}

	d := manualDecision(req.Symbol, db.ActionSell, req.Justification)
	if err := s.store.InsertDecision(ctx, d); err != nil {
		serverError(c, err)
		return
	}
	if err := s.exec.Execute(ctx, d, pos.Tier); err != nil {
		serverError(c, err)
		return
	}

	s.exits.RecordExit(req.Symbol)
	c.JSON(http.StatusOK, gin.H{"closed": req.Symbol, "decision_id": d.ID})
}

func (s *Server) handleCloseAll(c *gin.Context, req *actionRequest) {
	if !validJustification(c, req) {
		return
	}

	ctx := c.Request.Context()
	positions, err := s.store.GetOpenPositions(ctx)
	if err != nil {
		serverError(c, err)
		return
	}

	var closed []string
	var failures []string
	for _, pos := range positions {
		d := manualDecision(pos.Symbol, db.ActionSell, req.Justification)
		if err := s.store.InsertDecision(ctx, d); err != nil {
			failures = append(failures, pos.Symbol)
			continue
		}
		if err := s.exec.Execute(ctx, d, pos.Tier); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Manual close failed")
			failures = append(failures, pos.Symbol)
			continue
		}
		s.exits.RecordExit(pos.Symbol)
		closed = append(closed, pos.Symbol)
	}

	c.JSON(http.StatusOK, gin.H{"closed": closed, "failed": failures})
}

// handleAnalyzePosition runs a full deep-advisor evaluation of an open
// position without executing the verdict
func (s *Server) handleAnalyzePosition(c *gin.Context, req *actionRequest) {
	if req.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	ctx := c.Request.Context()
	pos, err := s.store.GetOpenPosition(ctx, req.Symbol)
	if err != nil {
		serverError(c, err)
		return
	}
	if pos == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no open position for %s", req.Symbol)})
		return
	}

	snap, err := s.store.GetLatestSnapshot(ctx, req.Symbol)
	if err != nil {
		serverError(c, err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no snapshot for %s", req.Symbol)})
		return
	}

	portfolio, err := s.eng.Portfolio(ctx)
	if err != nil {
		serverError(c, err)
		return
	}

	d, err := s.maker.Decide(ctx, decision.Request{
		Symbol:    req.Symbol,
		Tier:      pos.Tier,
		Source:    db.SourceManual,
		Snapshot:  snap,
		Position:  pos,
		Portfolio: portfolio.Render(),
		Extra:     "This is an on-demand analysis. Evaluate the position but expect no execution.",
	})
	if err != nil {
		serverError(c, err)
		return
	}

	if err := s.store.MarkDecisionNotExecuted(ctx, d.ID, "analysis only, not executed"); err != nil {
		log.Warn().Err(err).Msg("Failed to annotate analysis decision")
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":     req.Symbol,
		"action":     d.Action,
		"confidence": d.Confidence,
		"reasoning":  d.Reasoning,
	})
}

func (s *Server) handleUpdateSettings(c *gin.Context, req *actionRequest) {
	if req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	if err := s.store.SetSetting(c.Request.Context(), req.Key, req.Value); err != nil {
		serverError(c, err)
		return
	}
	log.Info().Str("key", req.Key).Msg("Setting updated via dashboard")
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "value": req.Value})
}

func manualDecision(symbol string, action db.DecisionAction, justification string) *db.Decision {
	return &db.Decision{
		ID:         uuid.New(),
		Symbol:     symbol,
		Source:     db.SourceManual,
		Action:     action,
		Confidence: 1.0,
		Reasoning:  justification,
		CreatedAt:  time.Now().UTC(),
	}
}

func validJustification(c *gin.Context, req *actionRequest) bool {
	if len(req.Justification) < minJustificationLen {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("justification of at least %d characters is required", minJustificationLen),
		})
		return false
	}
	return true
}

func serverError(c *gin.Context, err error) {
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Dashboard action failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
