package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/marketdata/collector"
	"github.com/Aidin1998/marketbus/internal/marketdata/instrument"
	"github.com/Aidin1998/marketbus/internal/marketdata/record"
	"github.com/Aidin1998/marketbus/internal/marketdata/transport"
	apierrors "github.com/Aidin1998/marketbus/pkg/errors"
)

// maxHistory bounds one /history response.
const maxHistory = 10_000

// Server represents the HTTP server
type Server struct {
	logger      *zap.Logger
	collector   *collector.Collector
	instruments *instrument.MemoryProvider
	gatherer    prometheus.Gatherer
	codec       *transport.JSONCodec
	router      *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new HTTP server. A nil gatherer serves the default
// registry on /metrics; a nil provider serves an empty catalogue.
func NewServer(logger *zap.Logger, c *collector.Collector, instruments *instrument.MemoryProvider, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if instruments == nil {
		instruments = instrument.NewMemoryProvider()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		logger:      logger.Named("http"),
		collector:   c,
		instruments: instruments,
		gatherer:    gatherer,
		codec:       transport.NewJSONCodec(c.Scheme()),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Accept"},
		ExposeHeaders: []string{"Content-Length", "X-Truncated"},
		MaxAge:        12 * time.Hour,
	}))
	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	ws := transport.NewWebSocketHandler(s.collector, s.logger)

	s.router.GET("/healthz", s.healthCheck)
	s.router.GET("/stats", s.stats)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.router.GET("/ws", gin.WrapH(ws))
	s.router.GET("/history/:record/:symbol", s.history)
	s.router.GET("/instruments", s.listInstruments)
	s.router.GET("/instruments/:symbol", s.getInstrument)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "collector": s.collector.Name()})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.Counters())
}

// history returns stored records between from and to, inclusive. from greater
// than to walks backwards.
func (s *Server) history(c *gin.Context) {
	schema, ok := s.collector.Scheme().Lookup(c.Param("record"))
	if !ok {
		problem(c, apierrors.NewUnknownRecordError(c.Param("record"), c.Request.URL.Path))
		return
	}
	from, err := queryInt(c, "from", record.TimeMin)
	if err != nil {
		problem(c, apierrors.NewValidationError(err.Error(), c.Request.URL.Path))
		return
	}
	to, err := queryInt(c, "to", record.TimeMax)
	if err != nil {
		problem(c, apierrors.NewValidationError(err.Error(), c.Request.URL.Path))
		return
	}
	buf := record.NewBuffer(maxHistory)
	truncated := s.collector.ExamineDataRange(schema, c.Param("symbol"), from, to, buf)
	payload, err := s.codec.Encode(buf.Events())
	if err != nil {
		problem(c, apierrors.NewInternalError(err.Error(), c.Request.URL.Path))
		return
	}
	c.Header("X-Truncated", strconv.FormatBool(truncated))
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Server) listInstruments(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		problem(c, apierrors.NewValidationError(err.Error(), c.Request.URL.Path))
		return
	}
	c.JSON(http.StatusOK, s.instruments.Prefix(c.Query("prefix"), int(limit)))
}

func (s *Server) getInstrument(c *gin.Context) {
	p, err := s.instruments.Lookup(c.Request.Context(), c.Param("symbol"))
	switch {
	case errors.Is(err, instrument.ErrNotFound):
		problem(c, apierrors.NewInvalidSymbolError(err.Error(), c.Request.URL.Path))
	case err != nil:
		problem(c, apierrors.NewInternalError(err.Error(), c.Request.URL.Path))
	default:
		c.JSON(http.StatusOK, gin.H{"instrument": p, "exchange_name": p.ExchangeName()})
	}
}

func problem(c *gin.Context, p *apierrors.ProblemDetails) {
	body, err := json.Marshal(p)
	if err != nil {
		c.AbortWithStatus(p.Status)
		return
	}
	c.Data(p.Status, apierrors.ContentType, body)
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + key + " " + strconv.Quote(v))
	}
	return n, nil
}

// Start serves on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string, readTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
