// Package api exposes the subscription engine over HTTP. It is a thin
// translation layer: all decisions live in the service and domain packages.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/subtrackd/subtrack-backend/internal/infrastructure/storage"
	"github.com/subtrackd/subtrack-backend/internal/service"
)

// Config holds API server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server is the HTTP API server.
type Server struct {
	config Config
	engine *service.Engine
	logger *slog.Logger
	router *gin.Engine
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg Config, engine *service.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{config: cfg, engine: engine, logger: logger, router: router}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check (no /api prefix - for load balancers)
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")
	{
		api.POST("/users/:userId/detect", s.detectCandidates)
		api.POST("/transactions/:id/match", s.matchTransaction)
		api.GET("/subscriptions/:id/suggestions", s.suggestHistorical)
		api.POST("/subscriptions/:id/link", s.linkTransactions)
		api.POST("/subscriptions/:id/unlink", s.unlinkTransactions)
	}
}

// Run starts the HTTP server and blocks.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.logger.Info("starting API server", "addr", addr)
	return s.router.Run(addr)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) detectCandidates(c *gin.Context) {
	result, err := s.engine.DetectSubscriptionCandidates(c.Param("userId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) matchTransaction(c *gin.Context) {
	tx, err := s.engine.GetTransaction(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	outcome, err := s.engine.MatchTransactionToSubscriptions(tx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if outcome == nil {
		c.JSON(http.StatusOK, gin.H{"matched": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"matched": true, "match": outcome})
}

func (s *Server) suggestHistorical(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	txs, err := s.engine.SuggestHistoricalMatches(c.Param("id"), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*storage.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type linkRequest struct {
	UserID         string   `json:"user_id" binding:"required"`
	TransactionIDs []string `json:"transaction_ids" binding:"required"`
	Source         string   `json:"source"`
}

func (s *Server) linkTransactions(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var source storage.MatchSource
	switch req.Source {
	case "", string(storage.MatchSourceManual):
		source = storage.MatchSourceManual
	case string(storage.MatchSourceRule):
		source = storage.MatchSourceRule
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown source %q", req.Source)})
		return
	}

	if err := s.engine.LinkTransactions(c.Param("id"), req.UserID, req.TransactionIDs, source); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"linked": len(req.TransactionIDs)})
}

func (s *Server) unlinkTransactions(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.engine.UnlinkTransactions(c.Param("id"), req.UserID, req.TransactionIDs); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlinked": len(req.TransactionIDs)})
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
