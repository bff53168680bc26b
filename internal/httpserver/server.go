package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vivarium-lab/vivarium/internal/backup"
	"github.com/vivarium-lab/vivarium/internal/certs"
	"github.com/vivarium-lab/vivarium/internal/integrity"
)

const defaultHistoryLimit = 30

// BackupController is the scheduler surface the API exposes.
type BackupController interface {
	GetStatus() backup.SchedulerStatus
	GetHistory(limit int) []backup.Record
	Trigger() (backup.Record, error)
}

// IntegrityController is the checker surface the API exposes.
type IntegrityController interface {
	GetStatus() integrity.SchedulerStatus
	GetHistory(limit int) []integrity.Record
	RunCheck() (integrity.Record, error)
}

// HealthStore is the narrow store contract required by the health endpoint.
type HealthStore interface {
	TableRowCounts() (map[string]int64, error)
}

// envelope is the uniform JSON response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server provides the persistence-safety control API.
type Server struct {
	addr      string
	store     HealthStore
	backups   BackupController
	checks    IntegrityController
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	secure    bool
}

// NewServer creates the control API server.
func NewServer(addr string, store HealthStore, backups BackupController, checks IntegrityController) *Server {
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		store:   store,
		backups: backups,
		checks:  checks,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Secure reports whether the server is serving TLS.
func (s *Server) Secure() bool { return s.secure }

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/status", s.handleStatus)
	r.GET("/api/history", s.handleHistory)
	r.POST("/api/trigger", s.handleTrigger)
	r.GET("/api/integrity", s.handleIntegrityHistory)
	r.POST("/api/integrity/check", s.handleIntegrityCheck)

	return r
}

func (s *Server) httpServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
}

// Start begins serving plain HTTP.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.server = s.httpServer(s.router())
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// StartTLS begins serving HTTPS with the provisioned bundle.
func (s *Server) StartTLS(bundle certs.Bundle) error {
	cert, err := tls.LoadX509KeyPair(bundle.CertPath, bundle.KeyPath)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	tlsListener := tls.NewListener(listener, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})

	s.server = s.httpServer(s.router())
	s.startTime = time.Now()
	s.secure = true

	go s.server.Serve(tlsListener)
	return nil
}

// Stop gracefully shuts down the server, letting in-flight requests finish.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	counts, err := s.store.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, envelope{Success: false, Error: "failed to read health metrics"})
		return
	}

	c.JSON(http.StatusOK, envelope{Success: true, Data: gin.H{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).String(),
		"row_counts": counts,
	}})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: gin.H{
		"backup":    s.backups.GetStatus(),
		"integrity": s.checks.GetStatus(),
	}})
}

func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: s.backups.GetHistory(queryLimit(c))})
}

func (s *Server) handleTrigger(c *gin.Context) {
	rec, err := s.backups.Trigger()
	if errors.Is(err, backup.ErrBusy) {
		c.JSON(http.StatusConflict, envelope{Success: false, Error: "a backup is already running"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, envelope{Success: false, Error: err.Error()})
		return
	}
	if rec.Status == backup.StatusFailure {
		c.JSON(http.StatusInternalServerError, envelope{Success: false, Data: rec, Error: rec.Error})
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Data: rec})
}

func (s *Server) handleIntegrityHistory(c *gin.Context) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: s.checks.GetHistory(queryLimit(c))})
}

func (s *Server) handleIntegrityCheck(c *gin.Context) {
	rec, err := s.checks.RunCheck()
	if errors.Is(err, integrity.ErrBusy) {
		c.JSON(http.StatusConflict, envelope{Success: false, Error: "an integrity check is already running"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, envelope{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true, Data: rec})
}

func queryLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}
