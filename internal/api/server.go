// Package api exposes the fleet over HTTP: a REST surface for control and
// inspection, a Prometheus metrics endpoint, and a websocket event feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"binance-futures-fleet/internal/bot"
	"binance-futures-fleet/internal/database"
	"binance-futures-fleet/internal/events"
	"binance-futures-fleet/internal/manager"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr           string
	AllowOrigins   []string
	ProductionMode bool
}

// Store is the read/write persistence surface the handlers use.
// *database.Repository implements it.
type Store interface {
	ListBots(ctx context.Context) ([]database.BotConfig, error)
	GetBotConfig(ctx context.Context, id string) (*database.BotConfig, error)
	OpenPositions(ctx context.Context, botID string) ([]database.BotPosition, error)
	TradeHistory(ctx context.Context, botID string, limit int) ([]database.TradeRecord, error)
	Statistics(ctx context.Context, botID string) (*database.BotStatistics, error)
	AllStatistics(ctx context.Context) ([]database.BotStatistics, error)
	Blacklist(ctx context.Context) ([]database.BlacklistEntry, error)
	AddToBlacklist(ctx context.Context, symbol, reason string) error
}

// Fleet is the control surface over the running bots. *manager.Manager
// implements it.
type Fleet interface {
	AddBots(ctx context.Context, req manager.AddRequest) ([]database.BotConfig, error)
	StopBot(ctx context.Context, id string) error
	StopAll(ctx context.Context) error
	Census() manager.Census
	BotStatus(id string) (bot.Status, bool)
	Statuses() []bot.Status
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	store      Store
	fleet      Fleet
	hub        *WSHub
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer wires the router. The event bus feeds the websocket hub; every
// fleet event reaches every connected client.
func NewServer(cfg Config, store Store, fleet Fleet, bus *events.EventBus, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		store:     store,
		fleet:     fleet,
		hub:       NewWSHub(logger),
		gatherer:  gatherer,
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run()
	bus.SubscribeAll(s.hub.BroadcastEvent)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.router.GET("/ws", s.hub.ServeWS)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/queue", s.handleQueue)

		api.GET("/bots", s.handleListBots)
		api.POST("/bots", s.handleAddBots)
		api.GET("/bots/:id", s.handleGetBot)
		api.POST("/bots/:id/stop", s.handleStopBot)
		api.POST("/stop-all", s.handleStopAll)

		api.GET("/positions", s.handlePositions)
		api.GET("/history", s.handleHistory)
		api.GET("/statistics", s.handleStatistics)

		api.GET("/blacklist", s.handleBlacklist)
		api.POST("/blacklist", s.handleAddBlacklist)
	}
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Stop is called. It returns the listen error, if any.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("error serving api: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("api server stopping")
	return s.httpServer.Shutdown(ctx)
}
