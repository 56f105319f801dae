package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/eventstore"
	"github.com/loqalabs/loqa-bridge/internal/natsserver"
	"github.com/loqalabs/loqa-bridge/internal/session"
	"github.com/loqalabs/loqa-bridge/internal/telemetry"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	addr       atomic.Value
	ready      atomic.Bool
	wg         sync.WaitGroup

	providers *telemetry.Providers
	embedded  *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	session   *session.Session
	subs      []*nats.Subscription
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the bound HTTP address once the listener is up.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start wires the bridge and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		r.close()
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port))
	if err != nil {
		r.close()
		return fmt.Errorf("listen: %w", err)
	}
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	if r.cfg.Session.AutoStart {
		if err := r.session.Start(ctx); err != nil {
			r.logger.Warn("session auto-start failed", slogError(err))
		}
	}

	r.addr.Store(ln.Addr().String())
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.session.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	r.closeWith(shutdownCtx)
	return nil
}

func (r *Runtime) setup(ctx context.Context) error {
	providers, err := telemetry.Setup(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.providers = providers

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	deps, err := buildDeps(r.cfg, r.bus, r.logger)
	if err != nil {
		return err
	}
	recorders := telemetry.Fanout{providers.Metrics, telemetry.NewJournal(store, r.logger)}
	if r.bus != nil && r.cfg.Telemetry.Subject != "" {
		recorders = append(recorders, telemetry.NewBusPublisher(r.bus.Conn(), r.cfg.Telemetry.Subject, r.logger))
	}
	deps.Recorder = recorders

	opts, err := session.OptionsFromConfig(r.cfg)
	if err != nil {
		return err
	}
	// Sessions outlive individual control requests and are stopped explicitly.
	r.session = session.New(context.WithoutCancel(ctx), deps, opts, r.logger)

	if r.bus != nil {
		subs, err := newControl(r.session, r.logger).subscribe(r.bus.Conn(), r.cfg.Bus.ControlPrefix)
		if err != nil {
			return fmt.Errorf("subscribe control subjects: %w", err)
		}
		r.subs = subs
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		r.cfg.Bus.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.providers != nil && r.providers.Handler != nil {
		mux.Handle("/metrics", r.providers.Handler)
	}
	newControl(r.session, r.logger).register(mux)
	return mux
}

func (r *Runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.closeWith(ctx)
}

func (r *Runtime) closeWith(ctx context.Context) {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.providers != nil {
		if err := r.providers.Shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
