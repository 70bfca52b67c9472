package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cascadeflow/config"
	"cascadeflow/internal/engine"
	"cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/internal/storage"
	"cascadeflow/logger"
)

const (
	defaultHistoryLimit = 200
	defaultStaleAfter   = 2 * time.Minute
)

// Server hosts the read-only monitoring API: engine health, signal history,
// velocity snapshots and the stored significant-event/rollup tiers.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	engine        *engine.Engine
	tiered        *storage.Tiered
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
	httpServer    *http.Server
}

// NewServer constructs the API server when the dashboard is enabled. When
// disabled the returned server is nil and every method is a no-op.
func NewServer(cfg config.DashboardConfig, eng *engine.Engine, tiered *storage.Tiered, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Listen = normalizeAddress(cfg.Listen)

	ms := newMetricStore(defaultHistoryLimit)
	handlerID := metrics.RegisterMetricHandler(ms.handle)

	ls := newLogStore(defaultHistoryLimit)
	log.AddHook(ls)

	return &Server{
		cfg:           cfg,
		log:           log,
		engine:        eng,
		tiered:        tiered,
		metricStore:   ms,
		logStore:      ls,
		metricHandler: handlerID,
		sampler:       newResourceSampler(defaultHistoryLimit, 5*time.Second, "/", log),
	}, nil
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"listen": s.cfg.Listen,
	}).Info("dashboard api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.sampler != nil {
		s.sampler.stop()
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Listen
}

// staleVenue marks a symbol/venue pair whose last event exceeds the
// configured maximum age while the engine is otherwise live.
type staleVenue struct {
	Symbol string  `json:"symbol"`
	Venue  string  `json:"venue"`
	AgeSec float64 `json:"age_sec"`
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/status", s.handleStatus)
	router.GET("/api/signals/:symbol", s.handleSignals)
	router.GET("/api/snapshot/:symbol", s.handleSnapshot)
	router.GET("/api/events", s.handleEvents)
	router.GET("/api/rollups", s.handleRollups)

	router.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.metricStore.snapshot()})
	})
	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})
	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	return router, nil
}

func (s *Server) handleStatus(c *gin.Context) {
	diag := s.engine.Diagnostics()

	staleAfter := s.cfg.StaleAfter.Std()
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	stale := []staleVenue{}
	for _, sym := range diag.Symbols {
		for venue, age := range sym.LastEventAges {
			if age > staleAfter {
				stale = append(stale, staleVenue{
					Symbol: sym.Symbol,
					Venue:  venue,
					AgeSec: age.Seconds(),
				})
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"diagnostics":     diag,
		"stale_venues":    stale,
		"stale_after_sec": staleAfter.Seconds(),
		"store_available": s.tiered != nil && s.tiered.Store() != nil,
	})
}

func (s *Server) handleSignals(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))

	n := defaultHistoryLimit
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
			return
		}
		n = parsed
	}

	history := s.engine.SignalHistory(symbol, n)
	if history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "signals": history})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))

	velocity := s.engine.Snapshot(symbol)
	if velocity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
		return
	}

	payload := gin.H{"symbol": symbol, "velocity": velocity}
	if s.tiered != nil {
		if sig := s.tiered.Cache().LatestSignal(symbol); sig != nil {
			payload["signal"] = sig
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.tiered == nil || s.tiered.Store() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event store unavailable"})
		return
	}

	q := storage.EventQuery{
		Symbol: strings.ToUpper(c.Query("symbol")),
		Venue:  strings.ToLower(c.Query("venue")),
		FromMs: queryInt64(c, "from_ms"),
		ToMs:   queryInt64(c, "to_ms"),
		Limit:  int(queryInt64(c, "limit")),
	}
	if side := strings.ToUpper(c.Query("side")); side != "" {
		q.Side = models.Side(side)
	}
	if raw := c.Query("min_usd"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_usd must be numeric"})
			return
		}
		q.MinUSD = v
	}

	events, err := s.tiered.Store().QueryEvents(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleRollups(c *gin.Context) {
	if s.tiered == nil || s.tiered.RollupStore() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rollup store unavailable"})
		return
	}

	period := storage.RollupPeriod(strings.ToLower(c.DefaultQuery("period", string(storage.RollupHourly))))
	if period != storage.RollupHourly && period != storage.RollupDaily {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period must be hourly or daily"})
		return
	}
	symbol := strings.ToUpper(c.Query("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	rollups, err := s.tiered.RollupStore().Query(c.Request.Context(), period, symbol,
		queryInt64(c, "from_ms"), queryInt64(c, "to_ms"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rollups": rollups})
}

func queryInt64(c *gin.Context, name string) int64 {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
