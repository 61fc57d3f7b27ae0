package settler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Server struct {
	orch    *Orchestrator
	store   *Store
	sweeper *Sweeper
	metrics *Metrics
	logger  *zerolog.Logger
}

func NewServer(orch *Orchestrator, store *Store, sweeper *Sweeper, metrics *Metrics, logger *zerolog.Logger) *Server {
	return &Server{
		orch:    orch,
		store:   store,
		sweeper: sweeper,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *Server) RunWithContext(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Setup routes
	router.POST("/settlements", s.admitSettlement)
	router.GET("/settlements/:id", s.getSettlement)
	router.GET("/settlements/:id/history", s.getHistory)
	router.DELETE("/settlements/:id", s.withdrawSettlement)
	router.POST("/settlements/:id/override", s.overrideSettlement)
	router.POST("/sweep", s.triggerSweep)
	router.GET("/stats/settlements", s.getStats)
	router.GET("/alerts", s.getAlerts)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful server shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	// Start server
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) admitSettlement(c *gin.Context) {
	var req SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	st, err := s.orch.Admit(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrConflictingRequest) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"settlement": st})
}

func (s *Server) getSettlement(c *gin.Context) {
	view, err := s.orch.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "settlement not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get settlement"})
		return
	}

	c.JSON(http.StatusOK, view)
}

func (s *Server) getHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetSettlement(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "settlement not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get settlement"})
		return
	}

	history, err := s.store.GetHistory(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) withdrawSettlement(c *gin.Context) {
	err := s.orch.Withdraw(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "settlement not found"})
			return
		}
		if errors.Is(err, ErrNotWithdrawable) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to withdraw settlement"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": SettlementWithdrawn})
}

type overrideRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) overrideSettlement(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := s.orch.Override(c.Param("id"), SettlementStatus(req.Status), req.Reason)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "settlement not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

func (s *Server) triggerSweep(c *gin.Context) {
	if err := s.sweeper.Sweep(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "swept"})
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.store.GetSettlementStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlements": stats})
}

func (s *Server) getAlerts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	alerts, err := s.store.ListAlerts(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}
