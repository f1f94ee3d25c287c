// Package api serves the read-only status HTTP surface. It never mutates
// trading state; every handler is a view over the engine and repositories.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-trader/internal/engine"
	"futures-trader/internal/repository"
)

// StatsProvider is anything exposing runtime statistics.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Config holds the server settings.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins string
}

// Server is the status HTTP server.
type Server struct {
	mu sync.Mutex

	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
	trading    engine.TradingEngine
	records    *repository.RecordRepository
	stats      map[string]StatsProvider
	startedAt  time.Time
	logger     zerolog.Logger
}

// NewServer creates the server. trading and records may be nil when the
// process runs without an execution core.
func NewServer(cfg Config, trading engine.TradingEngine, records *repository.RecordRepository, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       cfg,
		router:    router,
		trading:   trading,
		records:   records,
		stats:     make(map[string]StatsProvider),
		startedAt: time.Now(),
		logger:    logger.With().Str("component", "api_server").Logger(),
	}
	s.setupRoutes()
	return s
}

// RegisterStats attaches a named component to the /api/status view.
func (s *Server) RegisterStats(name string, provider StatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] = provider
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/account", s.handleAccount)
	api.GET("/positions", s.handlePositions)
	api.GET("/pending", s.handlePending)
	api.GET("/records", s.handleRecords)
	api.GET("/alerts/stats", s.handleAlertStats)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("status server started")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	components := make(map[string]interface{}, len(names))
	for _, name := range names {
		components[name] = s.stats[name].GetStats()
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"components":     components,
	})
}

func (s *Server) handleAlertStats(c *gin.Context) {
	s.mu.Lock()
	provider, ok := s.stats["aggregator"]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no aggregator running"})
		return
	}
	c.JSON(http.StatusOK, provider.GetStats())
}

func (s *Server) handleAccount(c *gin.Context) {
	if s.trading == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trading engine running"})
		return
	}
	summary, err := s.trading.GetAccountSummary()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handlePositions(c *gin.Context) {
	if s.trading == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trading engine running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": s.trading.GetPositionsSummary()})
}

func (s *Server) handlePending(c *gin.Context) {
	if s.trading == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trading engine running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": s.trading.GetPendingOrdersSummary()})
}

func (s *Server) handleRecords(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record repository"})
		return
	}
	source := repository.Source(c.Query("source"))
	switch c.DefaultQuery("status", "all") {
	case "open":
		c.JSON(http.StatusOK, gin.H{"records": s.records.Open(source)})
	case "closed":
		c.JSON(http.StatusOK, gin.H{"records": s.records.Closed(source)})
	default:
		c.JSON(http.StatusOK, gin.H{"records": s.records.All()})
	}
}
