// Package server exposes the websocket JSON event protocol: one
// connection drives one transcription session through a small state
// machine (awaiting start, streaming, closing).
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/livescribe/pkg/ingest"
	"github.com/harunnryd/livescribe/pkg/insight"
	"github.com/harunnryd/livescribe/pkg/logging"
	"github.com/harunnryd/livescribe/pkg/metrics"
	"github.com/harunnryd/livescribe/pkg/room"
	"github.com/harunnryd/livescribe/pkg/stt"
)

type Config struct {
	Addr           string   `mapstructure:"addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadLimitBytes int64    `mapstructure:"read_limit_bytes"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.ReadLimitBytes <= 0 {
		c.ReadLimitBytes = 4 << 20 // a ~1s pcm16 chunk is well under this
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Defaults are the per-session settings applied when a start event
// leaves them unset.
type Defaults struct {
	SampleRate        int
	Model             string
	BatchWindowSec    float64
	MaxBatchWindowSec float64
	FlushIntervalSec  float64
	MaxBufferSec      float64
	QueueCapacity     int
	Insight           insight.Config
	CloseWait         time.Duration
}

func (d Defaults) withDefaults() Defaults {
	if d.SampleRate <= 0 {
		d.SampleRate = 16000
	}
	if d.BatchWindowSec <= 0 {
		d.BatchWindowSec = 5
	}
	if d.MaxBatchWindowSec <= 0 {
		d.MaxBatchWindowSec = 10
	}
	if d.CloseWait <= 0 {
		d.CloseWait = 5 * time.Second
	}
	return d
}

// Deps are the collaborators every connection shares.
type Deps struct {
	Registry    *ingest.Registry
	Insights    *insight.Manager
	Rooms       *room.Manager
	Transcriber stt.Transcriber
	Observer    metrics.Observer
}

// Server accepts websocket connections and runs one conn per client.
type Server struct {
	cfg      Config
	defaults Defaults
	upgrader websocket.Upgrader
	logger   *slog.Logger

	registry    *ingest.Registry
	insights    *insight.Manager
	rooms       *room.Manager
	transcriber stt.Transcriber
	obs         metrics.Observer

	baseCtx    context.Context
	cancelBase context.CancelFunc
	server     *http.Server
	draining   atomic.Bool
}

func New(cfg Config, defaults Defaults, deps Deps) *Server {
	cfg = cfg.withDefaults()
	obs := deps.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	s := &Server{
		cfg:      cfg,
		defaults: defaults.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:      logging.NewComponentLogger(slog.Default(), "server"),
		registry:    deps.Registry,
		insights:    deps.Insights,
		rooms:       deps.Rooms,
		transcriber: deps.Transcriber,
		obs:         obs,
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

// Start begins serving. It returns immediately; the listener runs until
// ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.Handle(s.cfg.WebsocketPath, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server_error", "error", err.Error())
		}
	}()
	s.logger.Info("listening", "addr", s.cfg.Addr, "ws_path", s.cfg.WebsocketPath)
	return nil
}

// Stop refuses new connections, closes the listener, and force-closes
// any sessions still registered.
func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.cancelBase != nil {
		s.cancelBase()
	}
	if s.server != nil {
		_ = s.server.Close()
	}
	for _, sum := range s.registry.CloseAll() {
		s.logger.Info("session_force_closed",
			"session_id", sum.SessionID,
			"batches", sum.TotalBatches,
		)
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimitBytes)
	newConn(s, ws).run()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
