package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/jobs"
	"github.com/nmasdoufi/cmdbscan/pkg/logging"
)

// Triggerer enqueues scan jobs.
type Triggerer interface {
	Trigger() (jobs.Ack, error)
}

// ConfigStore reads and writes the scan configuration.
type ConfigStore interface {
	Load() (config.ScanConfig, error)
	Save(config.ScanConfig) error
}

// Server exposes the scan trigger and configuration over HTTP.
type Server struct {
	trigger Triggerer
	store   ConfigStore
	log     *logging.Logger
	router  *gin.Engine
}

// NewServer builds the router.
func NewServer(trigger Triggerer, store ConfigStore, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{trigger: trigger, store: store, log: log}
	s.initRouter()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.accessLog())

	api := s.router.Group("/api")
	api.POST("/scan", s.handleTrigger)
	api.GET("/scan/config", s.handleGetConfig)
	api.POST("/scan/config", s.handleSaveConfig)
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

func (s *Server) handleTrigger(c *gin.Context) {
	ack, err := s.trigger.Trigger()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, ack)
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed):
		c.JSON(http.StatusServiceUnavailable, ack)
	case errors.Is(err, config.ErrInvalidScanConfig):
		c.JSON(http.StatusBadRequest, ack)
	default:
		c.JSON(http.StatusInternalServerError, jobs.Ack{Result: false, Message: err.Error()})
	}
}

func (s *Server) handleGetConfig(c *gin.Context) {
	cfg, err := s.store.Load()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"result": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": true, "config": cfg.Redact()})
}

func (s *Server) handleSaveConfig(c *gin.Context) {
	var cfg config.ScanConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"result": false, "message": err.Error()})
		return
	}
	// A masked secret means "keep what is stored".
	if cfg.SSHPassword == config.Redacted || cfg.SSHPrivateKey == config.Redacted {
		if old, err := s.store.Load(); err == nil {
			if cfg.SSHPassword == config.Redacted {
				cfg.SSHPassword = old.SSHPassword
			}
			if cfg.SSHPrivateKey == config.Redacted {
				cfg.SSHPrivateKey = old.SSHPrivateKey
			}
		}
	}
	if err := s.store.Save(cfg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrInvalidScanConfig) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"result": false, "message": err.Error()})
		return
	}
	s.log.Info("scan config saved", "networks", len(cfg.Networks), "mode", cfg.Mode)
	c.JSON(http.StatusOK, gin.H{"result": true, "message": "scan config saved"})
}
