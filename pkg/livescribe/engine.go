// Package livescribe is the composition root: it loads configuration,
// builds the vendor backends, and wires the registry, room manager,
// insight pool and websocket server together.
package livescribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/harunnryd/livescribe/pkg/ingest"
	"github.com/harunnryd/livescribe/pkg/insight"
	"github.com/harunnryd/livescribe/pkg/logging"
	"github.com/harunnryd/livescribe/pkg/metrics"
	"github.com/harunnryd/livescribe/pkg/room"
	"github.com/harunnryd/livescribe/pkg/server"
)

// Engine owns every process-lifetime component. There are no package
// level singletons: construct one Engine and pass it around.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	registry *ingest.Registry
	rooms    *room.Manager
	insights *insight.Manager
	server   *server.Server

	obs      metrics.Observer
	asyncObs *metrics.AsyncObserver
}

func NewEngine(cfg Config) (*Engine, error) {
	logger := logging.SetDefault(cfg.LogLevel, cfg.LogFormat)

	var obs metrics.Observer = metrics.NoopObserver{}
	var asyncObs *metrics.AsyncObserver
	if cfg.Observability.Metrics == "jsonl" {
		asyncObs = metrics.NewAsyncObserver(metrics.NewJSONLObserver(os.Stdout), cfg.Observability.AsyncBuffer)
		obs = asyncObs
	}

	transcriber, err := BuildTranscriber(cfg.Vendors.STT)
	if err != nil {
		return nil, fmt.Errorf("build transcriber: %w", err)
	}

	client, err := BuildLLMClient(cfg.Vendors.LLM)
	if err != nil {
		return nil, fmt.Errorf("build llm client: %w", err)
	}
	var insights *insight.Manager
	if client != nil {
		insights = insight.NewManager(client, obs, insight.ManagerConfig{
			Workers:       cfg.Insights.Workers,
			QueueCapacity: cfg.Insights.QueueCapacity,
		})
	}

	registry := ingest.NewRegistry()
	rooms := room.NewManager()

	srv := server.New(cfg.Server, server.Defaults{
		SampleRate:        cfg.Batching.SampleRate,
		BatchWindowSec:    cfg.Batching.BatchWindowSec,
		MaxBatchWindowSec: cfg.Batching.MaxBatchWindowSec,
		FlushIntervalSec:  cfg.Batching.FlushIntervalSec,
		MaxBufferSec:      cfg.Batching.MaxBufferSec,
		QueueCapacity:     cfg.Batching.QueueCapacity,
		Insight: insight.Config{
			MinTokens:        cfg.Insights.MinTokens,
			MinInterval:      time.Duration(cfg.Insights.MinIntervalSec * float64(time.Second)),
			RetainTokens:     cfg.Insights.RetainTokens,
			MaxContextTokens: cfg.Insights.MaxContextTokens,
			ContextWindow:    cfg.Insights.ContextSegmentWindow,
			NoveltyThreshold: cfg.Insights.NoveltyOverlapThreshold,
		},
		CloseWait: time.Duration(cfg.Insights.CloseWaitSec * float64(time.Second)),
	}, server.Deps{
		Registry:    registry,
		Insights:    insights,
		Rooms:       rooms,
		Transcriber: transcriber,
		Observer:    obs,
	})

	return &Engine{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "engine"),
		registry: registry,
		rooms:    rooms,
		insights: insights,
		server:   srv,
		obs:      obs,
		asyncObs: asyncObs,
	}, nil
}

// Start brings the websocket server up. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("engine_starting",
		"environment", e.cfg.Environment,
		"stt_provider", e.cfg.Vendors.STT.Provider,
		"llm_provider", e.cfg.Vendors.LLM.Provider,
		"insights_enabled", e.insights != nil,
	)
	return e.server.Start(ctx)
}

// Drain tears everything down in dependency order: stop accepting
// connections and close sessions, then stop the insight pool, then
// flush metrics.
func (e *Engine) Drain() error {
	e.logger.Info("engine_draining")
	err := e.server.Stop()
	if e.insights != nil {
		e.insights.Close()
	}
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	e.logger.Info("engine_stopped")
	return err
}

// Registry exposes the session registry, mainly for tests.
func (e *Engine) Registry() *ingest.Registry { return e.registry }

// Rooms exposes the room manager, mainly for tests.
func (e *Engine) Rooms() *room.Manager { return e.rooms }
