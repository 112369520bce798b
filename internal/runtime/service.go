// Package runtime orchestrates the pieces a buskit service is made of:
// bus connection, audit pipeline, authorization enforcer, secrets
// boundary, registrar identity, and the discovery heartbeat. A service
// binary wires its handlers into a Service and calls Run; the runtime
// owns startup order, signal handling, and shutdown.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buskit-dev/buskit/internal/runtime/audit"
	"github.com/buskit-dev/buskit/internal/runtime/authz"
	"github.com/buskit-dev/buskit/internal/runtime/bus"
	"github.com/buskit-dev/buskit/internal/runtime/config"
	"github.com/buskit-dev/buskit/internal/runtime/envelope"
	kiterrors "github.com/buskit-dev/buskit/internal/runtime/errors"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
	"github.com/buskit-dev/buskit/internal/runtime/registration"
	"github.com/buskit-dev/buskit/internal/runtime/registry"
	"github.com/buskit-dev/buskit/internal/runtime/secrets"
)

// State is the lifecycle position of a Service.
type State string

const (
	StateCreated      State = "created"
	StateConnecting   State = "connecting"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// spillReplayInterval paces the audit spill replay loop.
const spillReplayInterval = 15 * time.Second

// Hooks are the per-service extension points. All are optional. They
// run on the lifecycle goroutine; a non-nil error from OnStartup aborts
// startup, cleanup errors are logged and swallowed.
type Hooks struct {
	// OnStartup runs after all collaborators are connected, before any
	// queue is consumed. Declare per-service state here.
	OnStartup func(ctx context.Context, s *Service) error
	// OnCleanup runs first during shutdown, while the bus is still up.
	OnCleanup func(ctx context.Context, s *Service) error
}

// ServiceDependencies carries the per-service collaborator knobs.
// Zero value works; everything has a sane default.
type ServiceDependencies struct {
	Hooks        Hooks
	Capabilities []string
	Metadata     map[string]any
	// StatusFn supplies heartbeat details reported on each beat.
	StatusFn registry.StatusFunc
}

type handlerBinding struct {
	queue       string
	routingKeys []string
	ttl         time.Duration
	handler     bus.Handler
}

// Service is one buskit-powered process.
type Service struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	deps ServiceDependencies

	bus       *bus.Client
	spill     *audit.Spill
	auditor   *audit.Logger
	secrets   *secrets.Client
	policy    *authz.HTTPPolicyClient
	enforcer  *authz.Enforcer
	registrar *registration.Registrar
	registry  *registry.Client

	mu       sync.Mutex
	state    atomic.Value // State
	uid      string
	bindings []handlerBinding
	running  bool

	shutdownOnce sync.Once
	metricsSrv   *http.Server
}

// NewService builds a service from configuration. Register handlers on
// the result before calling Run.
func NewService(conf *config.Config, log logging.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, kiterrors.ErrConfigRequired
	}
	if log == nil {
		return nil, kiterrors.ErrLoggerRequired
	}

	s := &Service{
		Conf:   conf,
		Logger: log.With(logging.LogFields{"service": conf.ServiceName}),
		deps:   deps,
	}
	s.state.Store(StateCreated)

	s.bus = bus.NewClient(conf.Bus, s.Logger)
	s.spill = audit.NewSpill(conf.DataDir, s.Logger)
	s.auditor = audit.NewLogger(conf.ServiceName, conf.Audit, s.bus, s.spill, s.Logger)
	s.secrets = secrets.NewClient(conf.Secrets, s.Logger)
	s.policy = authz.NewHTTPPolicyClient(conf.Policy, conf.ServiceName, conf.ServiceVersion, s.Logger)
	s.enforcer = authz.NewEnforcer(s.policy, s.auditor, conf.ServiceName, s.Logger)
	s.registrar = registration.NewRegistrar(s.bus, conf.DataDir, s.Logger)
	s.registry = registry.NewClient(conf.Registry, conf.ServiceName, conf.ServiceVersion, conf.Environment, s.Logger)
	return s, nil
}

// RegisterHandler binds a handler to a queue consumed from the
// operational exchange on the given topic patterns. Must be called
// before Run; the queue is declared during startup.
func (s *Service) RegisterHandler(queue string, routingKeys []string, ttl time.Duration, handler bus.Handler) error {
	if queue == "" {
		return kiterrors.ErrQueueNameRequired
	}
	if handler == nil {
		return kiterrors.ErrHandlerRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return kiterrors.ErrAlreadyRunning
	}
	s.bindings = append(s.bindings, handlerBinding{queue: queue, routingKeys: routingKeys, ttl: ttl, handler: handler})
	return nil
}

// Connect brings up the collaborators in strict order: bus, audit,
// secrets, policy, registry client. Any failure aborts startup.
func (s *Service) Connect(ctx context.Context) error {
	s.state.Store(StateConnecting)

	if err := s.bus.Connect(ctx); err != nil {
		return err
	}
	// Audit logger is constructed eagerly; once the bus is up it can
	// publish, and anything spilled earlier replays in the background.
	s.spill.StartReplay(ctx, s.bus, spillReplayInterval)

	if s.secretsConfigured() {
		if err := s.secrets.Authenticate(ctx); err != nil {
			return err
		}
	}
	if err := s.policy.Authenticate(ctx); err != nil {
		// The enforcer fails closed without a policy token; every check
		// would deny. Refusing to start is the honest failure.
		return err
	}
	return nil
}

// Run executes the full lifecycle: connect, startup hook, queue
// declarations, identity registration, discovery registration,
// heartbeat, then blocking consumption until a termination signal or
// context cancellation. It always shuts down before returning.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return kiterrors.ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := s.start(runCtx)
	if err != nil {
		s.Logger.Error("service run failed", err, nil)
		s.auditor.LogSystem(runCtx, envelope.EventParams{
			Type:     envelope.EventError,
			Action:   "service_error",
			Resource: s.Conf.ServiceName,
			Outcome:  envelope.OutcomeError,
			Details:  map[string]any{"error": err.Error()},
		})
	} else {
		<-runCtx.Done()
	}

	s.Shutdown(context.Background())
	return err
}

func (s *Service) start(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}

	if s.deps.Hooks.OnStartup != nil {
		if err := s.deps.Hooks.OnStartup(ctx, s); err != nil {
			return fmt.Errorf("startup hook: %w", err)
		}
	}

	queues, err := s.bindQueues(ctx)
	if err != nil {
		return err
	}

	uid, err := s.registrar.Register(ctx, registration.Params{
		Service:  s.Conf.ServiceName,
		Version:  s.Conf.ServiceVersion,
		Host:     s.Conf.ServiceHost,
		Port:     s.Conf.ServicePort,
		Metadata: s.deps.Metadata,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.uid = uid
	s.mu.Unlock()

	s.registry.Register(ctx, registry.RegisterParams{
		Capabilities: s.deps.Capabilities,
		Metadata:     s.deps.Metadata,
		Queues:       queues,
	})
	s.registry.StartHeartbeat(ctx, s.deps.StatusFn)

	s.startMetricsServer()

	s.state.Store(StateRunning)
	s.auditor.LogSystem(ctx, envelope.EventParams{
		Type:     envelope.EventServiceLifecycle,
		Action:   "service_started",
		Resource: s.Conf.ServiceName,
		Details: map[string]any{
			"version": s.Conf.ServiceVersion,
			"uid":     uid,
		},
	})
	s.Logger.Info("service running", logging.LogFields{"uid": uid, "queues": queues})
	return nil
}

// bindQueues declares every registered queue and starts its consumer.
func (s *Service) bindQueues(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	bindings := append([]handlerBinding(nil), s.bindings...)
	s.mu.Unlock()

	queues := make([]string, 0, len(bindings))
	for _, b := range bindings {
		name, err := s.bus.DeclareQueue(b.queue, b.routingKeys, b.ttl)
		if err != nil {
			return nil, err
		}
		if err := s.bus.Consume(ctx, name, b.handler); err != nil {
			return nil, fmt.Errorf("consume %s: %w", name, err)
		}
		queues = append(queues, name)
	}
	return queues, nil
}

// Shutdown tears the service down: cleanup hook, stop audit, deregister
// from discovery, close secrets, disconnect the bus. Idempotent; a
// second call is a no-op. Individual step failures are logged and the
// remaining steps still run.
func (s *Service) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.state.Store(StateShuttingDown)
		s.Logger.Info("service shutting down", nil)

		if s.deps.Hooks.OnCleanup != nil {
			if err := s.deps.Hooks.OnCleanup(ctx, s); err != nil {
				s.Logger.Error("cleanup hook failed", err, nil)
			}
		}

		s.auditor.LogSystem(ctx, envelope.EventParams{
			Type:     envelope.EventServiceLifecycle,
			Action:   "service_stopping",
			Resource: s.Conf.ServiceName,
		})

		s.registry.Deregister(ctx)
		s.secrets.Close()

		if s.metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil {
				s.Logger.Error("metrics server shutdown failed", err, nil)
			}
			cancel()
		}

		s.bus.Disconnect()
		s.state.Store(StateStopped)
		s.Logger.Info("service stopped", nil)
	})
}

// State reports the current lifecycle state.
func (s *Service) State() State {
	return s.state.Load().(State)
}

// UID returns the identity the registrar assigned, empty before Run.
func (s *Service) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

// Bus exposes the bus client for ad-hoc publishes from handlers.
func (s *Service) Bus() *bus.Client { return s.bus }

// Audit exposes the audit logger.
func (s *Service) Audit() *audit.Logger { return s.auditor }

// Enforcer exposes the authorization enforcer.
func (s *Service) Enforcer() *authz.Enforcer { return s.enforcer }

// Secrets exposes the secrets client.
func (s *Service) Secrets() *secrets.Client { return s.secrets }

// Registry exposes the discovery client.
func (s *Service) Registry() *registry.Client { return s.registry }

func (s *Service) secretsConfigured() bool {
	c := s.Conf.Secrets
	return c.Token != "" || (c.RoleID != "" && c.SecretID != "")
}

func (s *Service) startMetricsServer() {
	if !s.Conf.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Conf.Metrics.Port),
		Handler: mux,
	}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.Logger.Error("metrics server failed", err, logging.LogFields{"addr": s.metricsSrv.Addr})
		}
	}()
}
