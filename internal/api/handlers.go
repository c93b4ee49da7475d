package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"binance-futures-fleet/internal/database"
	"binance-futures-fleet/internal/manager"
)

const defaultHistoryLimit = 100

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.fleet.Census())
}

func (s *Server) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.fleet.Census().Coordinator)
}

// handleListBots merges the persisted configs with live status for the bots
// that are running.
func (s *Server) handleListBots(c *gin.Context) {
	configs, err := s.store.ListBots(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("error listing bots")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list bots"})
		return
	}

	type botView struct {
		database.BotConfig
		Running bool    `json:"running"`
		Live    *botRef `json:"live,omitempty"`
	}

	out := make([]botView, 0, len(configs))
	for _, cfg := range configs {
		v := botView{BotConfig: cfg}
		if st, ok := s.fleet.BotStatus(cfg.ID); ok {
			v.Running = true
			v.Live = &botRef{
				Symbol:       st.Symbol,
				PositionOpen: st.PositionOpen,
				Side:         st.Side,
				EntryPrice:   st.EntryPrice,
				Quantity:     st.Quantity,
				PyramidCount: st.PyramidCount,
			}
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"bots": out})
}

type botRef struct {
	Symbol       string  `json:"symbol"`
	PositionOpen bool    `json:"position_open"`
	Side         string  `json:"side,omitempty"`
	EntryPrice   float64 `json:"entry_price,omitempty"`
	Quantity     float64 `json:"quantity,omitempty"`
	PyramidCount int     `json:"pyramid_count"`
}

func (s *Server) handleAddBots(c *gin.Context) {
	var req manager.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	created, err := s.fleet.AddBots(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bots": created})
}

func (s *Server) handleGetBot(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	cfg, err := s.store.GetBotConfig(ctx, id)
	if err != nil {
		if err == database.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
			return
		}
		s.logger.Error().Err(err).Str("bot", id).Msg("error fetching bot")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch bot"})
		return
	}

	positions, err := s.store.OpenPositions(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("bot", id).Msg("error fetching positions")
	}
	stats, err := s.store.Statistics(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("bot", id).Msg("error fetching statistics")
	}

	resp := gin.H{
		"config":     cfg,
		"positions":  positions,
		"statistics": stats,
	}
	if st, ok := s.fleet.BotStatus(id); ok {
		resp["live"] = st
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStopBot(c *gin.Context) {
	id := c.Param("id")
	if err := s.fleet.StopBot(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": id})
}

func (s *Server) handleStopAll(c *gin.Context) {
	if err := s.fleet.StopAll(c.Request.Context()); err != nil {
		s.logger.Error().Err(err).Msg("error stopping fleet")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": "all"})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.store.OpenPositions(c.Request.Context(), c.Query("bot_id"))
	if err != nil {
		s.logger.Error().Err(err).Msg("error listing positions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list positions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	trades, err := s.store.TradeHistory(c.Request.Context(), c.Query("bot_id"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("error listing trade history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleStatistics(c *gin.Context) {
	stats, err := s.store.AllStatistics(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("error listing statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list statistics"})
		return
	}

	var totalPnL float64
	var totalTrades, wins int
	for _, st := range stats {
		totalPnL += st.TotalPnL
		totalTrades += st.TotalTrades
		wins += st.WinningTrades
	}
	c.JSON(http.StatusOK, gin.H{
		"bots":           stats,
		"total_pnl":      totalPnL,
		"total_trades":   totalTrades,
		"winning_trades": wins,
	})
}

func (s *Server) handleBlacklist(c *gin.Context) {
	entries, err := s.store.Blacklist(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("error listing blacklist")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list blacklist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blacklist": entries})
}

func (s *Server) handleAddBlacklist(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	symbol := strings.ToUpper(req.Symbol)
	if err := s.store.AddToBlacklist(c.Request.Context(), symbol, req.Reason); err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("error adding to blacklist")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to blacklist symbol"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"symbol": symbol})
}
