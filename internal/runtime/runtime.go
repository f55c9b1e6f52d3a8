package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/callscribe/internal/bus"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/eventstore"
	"github.com/loqalabs/callscribe/internal/forwarder"
	"github.com/loqalabs/callscribe/internal/ingest"
	"github.com/loqalabs/callscribe/internal/natsserver"
	"github.com/loqalabs/callscribe/internal/pipeline"
	"github.com/loqalabs/callscribe/internal/protocol"
	"github.com/loqalabs/callscribe/internal/speaker"
	"github.com/loqalabs/callscribe/internal/stt"
	"github.com/loqalabs/callscribe/internal/vad"
)

const (
	transcriptStream = "TRANSCRIPTS"
	webrtcVADMode    = 2
	pruneInterval    = time.Hour
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	tunables    *config.TunableStore
	coordinator *pipeline.Coordinator
	ingest      *ingest.Service
	forwarder   *forwarder.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// setup brings the bus, storage and pipeline up in dependency order.
func (r *Runtime) setup(ctx context.Context) error {
	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = srv
	busCfg := r.cfg.Bus
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := r.bus.EnsureStream(transcriptStream, []string{protocol.SubjectSegmentPrefix + ".>"}, maxAge); err != nil {
		r.logger.Warn("transcript stream unavailable, segments will not be retained on the bus", slog.String("error", err.Error()))
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.store.Ensure(); err != nil {
		return err
	}

	r.tunables, err = config.NewTunableStore(r.cfg.Transcription, r.cfg.TunablesPath, r.logger.With(slog.String("component", "tunables")))
	if err != nil {
		return err
	}

	backends, err := stt.NewBackends(r.cfg.Backends, &http.Client{})
	if err != nil {
		return fmt.Errorf("configure transcription backends: %w", err)
	}
	timeout := time.Duration(r.cfg.Backends.TimeoutMS) * time.Millisecond
	router := stt.NewRouter(r.tunables.Current, timeout, r.logger, backends...)

	r.coordinator = pipeline.New(pipeline.Options{
		Tunables:  r.tunables.Current,
		Router:    router,
		Streamer:  stt.NewDeepgramStreamer(r.cfg.Backends.Deepgram, r.cfg.Streaming, r.logger),
		Speakers:  speaker.NewRegistry(r.cfg.Speakers),
		Sink:      pipeline.NewFanOut(r.logger, bus.NewSegmentPublisher(r.bus), r.store),
		Detectors: vad.WebRTCFactory(webrtcVADMode),
		Logger:    r.logger,
	})

	r.ingest = ingest.NewService(ctx, r.cfg.Ingest, r.bus, r.coordinator, r.store, r.logger)
	if err := r.ingest.Start(); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}
	r.forwarder = forwarder.NewService(ctx, r.cfg.Forwarder, r.bus, r.logger)
	if err := r.forwarder.Start(); err != nil {
		return fmt.Errorf("start forwarder: %w", err)
	}
	return nil
}

func (r *Runtime) teardown() {
	if r.forwarder != nil {
		r.forwarder.Close()
	}
	if r.ingest != nil {
		r.ingest.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.nats.Shutdown()
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
