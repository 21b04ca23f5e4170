package server

// Routes are split into two engines:
//   - Control plane: JWT-protected read API, status page and /metrics.
//   - Data plane: Bearer station token; receives station uploads.

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/metrics"
	"github.com/vesaa/opensqm/internal/models"
	"github.com/vesaa/opensqm/internal/plot"
	"gorm.io/gorm"
)

// Server holds the datacenter state shared by both route groups.
type Server struct {
	store        *Store
	jwtSecret    []byte
	stationToken string
	adminUser    string
	adminPass    string
	logger       *log.Logger
}

// New builds a Server from the datacenter keys of cfg.
func New(store *Store, cfg *config.Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		store:        store,
		jwtSecret:    []byte(cfg.JWTSecret),
		stationToken: cfg.DatacenterToken,
		adminUser:    cfg.AdminUser,
		adminPass:    cfg.AdminPass,
		logger:       logger,
	}
}

// RegisterControlRoutes wires up the control-plane API.
//
//	Public:   POST /api/login, GET /api/health, GET /metrics
//	JWT:      GET /api/stations[/:id/records|/:id/summary]
func (s *Server) RegisterControlRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", s.JWTMiddleware())
	{
		auth.GET("/stations", s.handleStations)
		auth.GET("/stations/:id/records", s.handleStationRecords)
		auth.GET("/stations/:id/summary", s.handleStationSummary)
	}
}

// RegisterDataRoutes wires up the data-plane API. All /api routes require
// the station token.
func (s *Server) RegisterDataRoutes(r *gin.Engine) {
	api := r.Group("/api", s.StationTokenMiddleware())
	{
		api.POST("/stations/register", s.handleRegister)
		api.POST("/nights", s.handleNight)
		api.POST("/records", s.handleRecords)
	}

	// Data-plane health (no auth, used by load-balancers)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// ── Control-plane handlers ────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "..." }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if s.adminPass == "" || body.Username != s.adminUser || body.Password != s.adminPass {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"type":       "Bearer",
	})
}

func (s *Server) handleStations(c *gin.Context) {
	stations, err := s.store.Stations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stations})
}

// stationParam resolves :id, writing the error response itself.
func (s *Server) stationParam(c *gin.Context) (*models.Station, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	st, err := s.store.Station(uint(id))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "station not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return st, true
}

// nightQuery parses ?night=YYYY-MM-DD; absent means the latest night.
func nightQuery(c *gin.Context) (time.Time, bool) {
	q := c.Query("night")
	if q == "" {
		return time.Time{}, true
	}
	night, err := time.ParseInLocation("2006-01-02", q, time.UTC)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "night must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return night, true
}

// handleStationRecords returns one night of a station's measurements.
//
//	GET /api/stations/:id/records?night=2024-09-01
func (s *Server) handleStationRecords(c *gin.Context) {
	st, ok := s.stationParam(c)
	if !ok {
		return
	}
	night, ok := nightQuery(c)
	if !ok {
		return
	}
	rows, err := s.store.Records(st.ID, night)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"station": st.DeviceID, "data": rows})
}

// handleStationSummary computes the night statistics from stored measurements.
//
//	GET /api/stations/:id/summary?night=2024-09-01
func (s *Server) handleStationSummary(c *gin.Context) {
	st, ok := s.stationParam(c)
	if !ok {
		return
	}
	night, ok := nightQuery(c)
	if !ok {
		return
	}
	rows, err := s.store.Records(st.ID, night)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	recs := make([]models.Record, 0, len(rows))
	for _, m := range rows {
		recs = append(recs, m.Record())
	}
	sum, err := plot.Summarize(recs)
	if errors.Is(err, plot.ErrNoData) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no records for this night"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"station": st.DeviceID, "data": sum})
}

// ── Data-plane handlers ───────────────────────────────────────────────────────

func (s *Server) handleRegister(c *gin.Context) {
	var payload models.RegisterPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := s.store.UpsertStation(payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": st.ID, "device_id": st.DeviceID})
}

func (s *Server) handleNight(c *gin.Context) {
	var payload models.NightPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.StartNight(payload.DeviceID, payload.Night); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleRecords stores a record batch. A batch id seen before is
// acknowledged with "duplicate": true and nothing is inserted.
func (s *Server) handleRecords(c *gin.Context) {
	var batch models.RecordBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dup, err := s.store.SaveBatch(batch)
	if err != nil {
		s.logger.Printf("[datacenter] batch %s from %s: %v", batch.BatchID, batch.DeviceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if dup {
		metrics.DuplicateBatches.Inc()
	} else {
		metrics.UploadedRecords.WithLabelValues(batch.DeviceID).Add(float64(len(batch.Records)))
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batch.BatchID, "records": len(batch.Records), "duplicate": dup})
}
