// Package runtime wires the lectern daemon together: telemetry,
// artifact store, journal, bus, session manager, HTTP API and the idle
// session sweeper.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lecternlabs/lectern/internal/api"
	"github.com/lecternlabs/lectern/internal/artifact"
	"github.com/lecternlabs/lectern/internal/bus"
	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/journal"
	"github.com/lecternlabs/lectern/internal/natsserver"
	"github.com/lecternlabs/lectern/internal/pipeline"
	"github.com/lecternlabs/lectern/internal/protocol"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	wg     sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is cancelled, then
// shuts down in reverse order. Startup failures return immediately;
// the process is expected to exit on error.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	store, err := artifact.NewStore(r.cfg.Store.Dir, r.logger)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	jnl, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}

	var busClient *bus.Client
	publisher := pipeline.Publisher(pipeline.NopPublisher{})
	if r.cfg.Bus.Enabled {
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("connect to bus: %w", err)
		}
		publisher = busClient
	}

	dropJournalSession := func(string) {}
	if jnl.Enabled() && r.cfg.Journal.RetentionMode == "session" {
		dropJournalSession = func(id string) {
			dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer dcancel()
			if err := jnl.DeleteSession(dctx, id); err != nil {
				r.logger.Warn("failed to drop journal session",
					slog.String("session_id", id),
					slog.String("error", err.Error()))
			}
		}
	}

	// The journal is fed off the bus so it sees the same stream any
	// other subscriber does. Without a bus it taps the controller
	// directly.
	if jnl.Enabled() {
		if busClient != nil {
			if _, err := busClient.SubscribeStageEvents(func(evt protocol.StageEvent) {
				r.recordStageEvent(jnl, evt)
			}); err != nil {
				return fmt.Errorf("subscribe stage events: %w", err)
			}
		} else {
			publisher = &journalPublisher{runtime: r, journal: jnl}
		}
	}

	meter := otel.Meter("github.com/lecternlabs/lectern/runtime")
	pipelineMetrics, err := pipeline.NewMetrics(meter)
	if err != nil {
		r.logger.Warn("failed to initialize pipeline metrics", slog.String("error", err.Error()))
	}

	stages, err := BuildStages(r.cfg)
	if err != nil {
		return fmt.Errorf("configure stage backends: %w", err)
	}

	maxUploadBytes := int64(r.cfg.Store.MaxUploadMB) << 20
	manager := pipeline.NewManager(store, stages, r.cfg.Sessions.MaxActive, pipeline.Options{
		Publisher: publisher,
		Logger:    r.logger,
		Metrics:   pipelineMetrics,
		Timeouts: pipeline.Timeouts{
			Extract:    time.Duration(r.cfg.Extract.TimeoutS) * time.Second,
			Denoise:    time.Duration(r.cfg.Denoise.TimeoutS) * time.Second,
			Transcribe: time.Duration(r.cfg.STT.TimeoutS) * time.Second,
		},
		MaxUploadBytes: maxUploadBytes,
		AllowedTypes:   r.cfg.Store.AllowedTypes,
	})
	if err := pipeline.RegisterActiveSessions(meter, manager.ActiveCount); err != nil {
		r.logger.Warn("failed to register active sessions gauge", slog.String("error", err.Error()))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	api.New(manager, api.Options{
		Journal:          jnl,
		Logger:           r.logger,
		MaxUploadBytes:   maxUploadBytes,
		OnSessionRemoved: dropJournalSession,
	}).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	var metricsServer *http.Server
	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	if r.cfg.Sessions.SweepIntervalS > 0 && r.cfg.Sessions.IdleTTLMin > 0 {
		r.wg.Add(1)
		go r.sweepLoop(ctx, manager, jnl, dropJournalSession)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("environment", r.cfg.Environment))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.cfg.Journal.RetentionMode == "session" {
		for _, snap := range manager.Snapshots() {
			dropJournalSession(snap.SessionID)
		}
	}
	manager.Close()
	busClient.Close()
	embedded.Shutdown()
	if err := jnl.Close(); err != nil {
		r.logger.Error("journal close error", slog.String("error", err.Error()))
	}
	if err := store.Close(); err != nil {
		r.logger.Error("artifact store close error", slog.String("error", err.Error()))
	}
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// recordStageEvent persists one event, ensuring the session row exists
// first. Journal failures never disturb the pipeline.
func (r *Runtime) recordStageEvent(jnl *journal.Journal, evt protocol.StageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	source := ""
	if evt.Type == protocol.EventStageSucceeded && evt.Stage == string(pipeline.StageUpload) {
		source = evt.Message
	}
	if err := jnl.RecordSession(ctx, evt.SessionID, source); err != nil {
		r.logger.Warn("failed to record journal session",
			slog.String("session_id", evt.SessionID),
			slog.String("error", err.Error()))
		return
	}
	if err := jnl.RecordEvent(ctx, evt); err != nil {
		r.logger.Warn("failed to record journal event",
			slog.String("session_id", evt.SessionID),
			slog.String("error", err.Error()))
	}
}

// journalPublisher feeds the journal directly when no bus is
// configured.
type journalPublisher struct {
	runtime *Runtime
	journal *journal.Journal
}

func (p *journalPublisher) PublishStageEvent(evt protocol.StageEvent) error {
	p.runtime.recordStageEvent(p.journal, evt)
	return nil
}

func (r *Runtime) sweepLoop(ctx context.Context, manager *pipeline.Manager, jnl *journal.Journal, dropJournalSession func(string)) {
	defer r.wg.Done()

	interval := time.Duration(r.cfg.Sessions.SweepIntervalS) * time.Second
	ttl := time.Duration(r.cfg.Sessions.IdleTTLMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := manager.SweepIdle(ttl)
			for _, id := range swept {
				dropJournalSession(id)
			}
			if len(swept) > 0 {
				r.logger.Info("idle sweep", slog.Int("sessions", len(swept)))
			}
			if err := jnl.Prune(ctx); err != nil {
				r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
