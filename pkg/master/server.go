package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dd0wney/cluso-fleet/pkg/identity"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// Master is the fleet orchestrator.
type Master struct {
	watcher *ConfigWatcher
	keys    *identity.KeyPair
	store   *registry.Store
	hub     *hub
	limiter *connLimiter
	metrics *metrics.Registry
	logger  logging.Logger

	notifier   Notifier
	goals      GoalSource
	reconciler *Reconciler
	dispatcher *dispatcher
	sql        *SQLProxy
	surveyor   *Surveyor

	upgrader      websocket.Upgrader
	server        *http.Server
	metricsServer *http.Server

	now func() time.Time
}

// New wires an orchestrator from an already-validated config. The master
// keypair identifies this orchestrator to every worker.
func New(watcher *ConfigWatcher, keys *identity.KeyPair, store *registry.Store, logger logging.Logger) (*Master, error) {
	cfg := watcher.Current()

	m := &Master{
		watcher: watcher,
		keys:    keys,
		store:   store,
		hub:     newHub(),
		limiter: newConnLimiter(cfg.RateLimitWindow, cfg.RateLimitCount),
		metrics: metrics.NewRegistry(),
		logger:  logger.With(logging.Component("master")),
		now:     time.Now,
	}

	m.goals = FixedGoalSource(cfg.GoalPartitions)
	if cfg.RecommendationURL != "" {
		m.goals = NewHTTPGoalSource(cfg.RecommendationURL, cfg.RecommendationInterval, cfg.GoalPartitions)
	}

	m.notifier = noopNotifier{}
	if n := NewMailNotifier(cfg.Notify, m.logger); n != nil {
		m.notifier = n
	}

	if cfg.DatabaseURL != "" {
		sql, err := NewSQLProxy(cfg.DatabaseURL, m.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQL proxy: %w", err)
		}
		m.sql = sql
	}

	if cfg.SurveyAddr != "" {
		sv, err := NewSurveyor(cfg.SurveyAddr, cfg.SurveyInterval, store, m.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize surveyor: %w", err)
		}
		m.surveyor = sv
	}

	m.dispatcher = newDispatcher(m, m.logger)
	m.reconciler = NewReconciler(m, m.logger)

	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Workers are authenticated by signature, not origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return m, nil
}

// noopNotifier is the Notifier used when no SMTP host is configured.
type noopNotifier struct{}

func (noopNotifier) IdentityMinted(string, string)    {}
func (noopNotifier) WorkerPresumedDead(string, int64) {}

// Config returns the current hot-reloadable config.
func (m *Master) Config() *Config {
	return m.watcher.Current()
}

// Handler returns the orchestrator's HTTP handler. Only websocket upgrades
// are served; anything else gets 501 so a stray browser or probe learns
// immediately there is no HTTP surface here.
func (m *Master) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			http.Error(w, "websocket connections only", http.StatusNotImplemented)
			return
		}
		m.serveWorker(w, r)
	})
	return mux
}

// Start runs the listener, the metrics endpoint, and every background loop.
// It blocks until ctx is cancelled. A bind failure is fatal: an orchestrator
// that cannot listen has nothing else to do.
func (m *Master) Start(ctx context.Context) error {
	cfg := m.Config()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", cfg.ListenAddr, err)
	}

	m.server = &http.Server{Handler: m.Handler()}
	m.metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: m.metrics.Handler()}

	errCh := make(chan error, 2)
	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Warn("metrics endpoint failed", logging.Error(err))
		}
	}()

	go m.watcher.Run(ctx)
	go m.limiter.Run(ctx)
	go m.reconciler.Run(ctx)
	go m.dispatcher.Run(ctx)
	if m.surveyor != nil {
		go m.surveyor.Run(ctx)
	}

	m.logger.Info("orchestrator listening",
		logging.String("addr", cfg.ListenAddr),
		logging.String("metrics_addr", cfg.MetricsAddr),
		logging.Int("known_workers", m.store.Len()))

	select {
	case <-ctx.Done():
		return m.shutdown()
	case err := <-errCh:
		return err
	}
}

func (m *Master) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.hub.closeAll()
	if m.sql != nil {
		m.sql.Close()
	}
	if m.surveyor != nil {
		m.surveyor.Close()
	}
	_ = m.metricsServer.Shutdown(ctx)
	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown did not complete cleanly: %w", err)
	}

	if err := m.store.Persist(ctx); err != nil {
		m.logger.Warn("failed to persist registry on shutdown", logging.Error(err))
	}
	m.logger.Info("orchestrator stopped")
	return nil
}
