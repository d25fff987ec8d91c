package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/devrel/internal/config"
	"github.com/harun/devrel/internal/logger"
	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/harun/devrel/pkg/actions"
	"github.com/harun/devrel/pkg/checkpoint"
	"github.com/harun/devrel/pkg/commandqueue"
	"github.com/harun/devrel/pkg/coordinator"
	"github.com/harun/devrel/pkg/eventbus"
	"github.com/harun/devrel/pkg/ingress"
	"github.com/harun/devrel/pkg/reasoning"
	"github.com/harun/devrel/pkg/session"
	"github.com/harun/devrel/pkg/supervisor"
	"github.com/harun/devrel/pkg/workflow"
	"github.com/harun/devrel/pkg/workqueue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// outboundEvents are forwarded to stream and in-process subscribers
var outboundEvents = []eventbus.EventType{
	eventbus.ResponseReady,
	eventbus.WorkflowPaused,
	eventbus.WorkflowCompleted,
	eventbus.TaskFailed,
}

// Option overrides a component, mainly for embedding and tests
type Option func(*Daemon)

// WithEngine replaces the provider failover engine
func WithEngine(e reasoning.Engine) Option {
	return func(d *Daemon) { d.engine = e }
}

// WithExecutor replaces the configured action executor
func WithExecutor(e actions.Executor) Option {
	return func(d *Daemon) { d.executor = e }
}

// Daemon represents the devrel orchestrator service
type Daemon struct {
	config *config.Config
	logger zerolog.Logger

	// Core modules
	bus         *eventbus.Bus
	queue       *workqueue.Queue
	lanes       *commandqueue.CommandQueue
	dedup       *commandqueue.Dedup
	registry    *session.Registry
	transcripts *session.Transcripts
	store       checkpoint.Store
	engine      reasoning.Engine
	funcs       *actions.FuncRegistry
	executor    actions.Executor
	workflow    *workflow.Workflow
	supervisor  *supervisor.Supervisor
	coordinator *coordinator.Coordinator

	// Services
	ingress *ingress.Server
	cleanup *session.Cleanup
	reaper  *workflow.Reaper

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager
	outbound  *outboundHub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a daemon from cfg. l may be nil, in which case the global
// zerolog logger is used.
func New(cfg *config.Config, l *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zl := log.Logger
	if l != nil {
		zl = l.GetZerolog()
	}

	ctx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()

	d := &Daemon{
		config:   cfg,
		logger:   zl,
		ctx:      ctx,
		cancel:   cancel,
		outbound: newOutboundHub(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.dedup != nil {
		d.dedup.Stop()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to open audit log, audit events are discarded")
		}
	}

	d.bus = eventbus.New(d.logger)
	d.lanes = commandqueue.New()
	d.dedup = commandqueue.NewDedup(d.ctx, 10*time.Minute)
	d.registry = session.NewRegistry()

	transcripts, err := session.NewTranscripts(cfg.Sessions.TranscriptDir)
	if err != nil {
		return fmt.Errorf("failed to open transcripts: %w", err)
	}
	d.transcripts = transcripts

	store, err := checkpoint.Open(checkpoint.Options{
		Backend:       cfg.Checkpoint.Backend,
		Path:          cfg.Checkpoint.Path,
		RedisAddr:     cfg.Checkpoint.Redis.Addr,
		RedisPassword: cfg.Checkpoint.Redis.Password,
		RedisDB:       cfg.Checkpoint.Redis.DB,
		KeyPrefix:     cfg.Checkpoint.Redis.KeyPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	d.store = store
	d.logger.Info().Str("backend", cfg.Checkpoint.Backend).Msg("Checkpoint store opened")

	if d.engine == nil {
		d.engine = d.newEngine()
	}
	if d.executor == nil {
		exec, err := d.newExecutor()
		if err != nil {
			return err
		}
		d.executor = exec
	}

	protocol, err := supervisor.ParseProtocol(cfg.Supervisor.Protocol)
	if err != nil {
		return err
	}

	d.workflow = workflow.New(workflow.Config{
		Store:    d.store,
		Engine:   d.engine,
		Executor: d.executor,
		Bus:      d.bus,
		Expiry:   workflow.PolicyFor(cfg.WorkflowExpiry()),
		Logger:   &d.logger,
	})
	d.supervisor = supervisor.New(supervisor.Config{
		Engine:       d.engine,
		Executor:     d.executor,
		Delegate:     d.workflow,
		Protocol:     protocol,
		Organization: cfg.Supervisor.Organization,
		Logger:       &d.logger,
	})

	coord, err := coordinator.New(coordinator.Config{
		Lanes:       d.lanes,
		Registry:    d.registry,
		Transcripts: d.transcripts,
		Supervisor:  d.supervisor,
		Responder:   supervisor.NewResponder(d.engine, cfg.Supervisor.Organization),
		Workflow:    d.workflow,
		Bus:         d.bus,
		Dedup:       d.dedup,
		Logger:      &d.logger,
	})
	if err != nil {
		return err
	}
	d.coordinator = coord

	d.queue = workqueue.New(workqueue.Config{
		Workers:        cfg.Queue.Workers,
		AgingInterval:  cfg.AgingInterval(),
		FailureLogSize: cfg.Queue.FailureLogSize,
		Logger:         d.logger,
		OnFailure: func(f workqueue.Failure) {
			d.logger.Warn().
				Err(f.Err).
				Str("task_id", f.TaskID).
				Str("handler", f.HandlerKey).
				Bool("panicked", f.Panicked).
				Msg("Task failed")
		},
	})
	if err := d.coordinator.Register(d.queue); err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}

	for _, t := range outboundEvents {
		if err := d.bus.RegisterHandler(t, d.outbound.HandleEvent); err != nil {
			return err
		}
	}

	d.logger.Info().
		Int("workers", cfg.Queue.Workers).
		Str("protocol", string(protocol)).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) newEngine() reasoning.Engine {
	cfg := d.config.Reasoning
	profiles := make([]reasoning.Profile, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles = append(profiles, reasoning.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	if len(profiles) == 0 {
		d.logger.Warn().Msg("No reasoning profiles configured, every turn will end with an apology")
	}
	return reasoning.NewFailover(reasoning.Config{
		Profiles:    profiles,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
		Cooldown:    time.Duration(cfg.CooldownSeconds) * time.Second,
		Logger:      &d.logger,
	})
}

// newExecutor runs in-process funcs first and falls back to the configured
// HTTP endpoints with retry.
func (d *Daemon) newExecutor() (actions.Executor, error) {
	cfg := d.config.Actions
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	endpoints := make(map[string]string, len(cfg.Endpoints))
	for name, url := range cfg.Endpoints {
		endpoints[name] = url
	}
	remote, err := actions.NewHTTPExecutor(endpoints, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to configure action endpoints: %w", err)
	}

	d.funcs = actions.NewFuncRegistry(timeout)
	return actions.Fallback(d.funcs, actions.WithRetry(remote, actions.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
	})), nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	d.cleanup = session.NewCleanup(d.registry, d.transcripts, d.coordinator.Teardown, cfg.IdleTTL(), cfg.Sessions.CleanupSchedule)
	d.reaper = workflow.NewReaper(d.store, workflow.PolicyFor(cfg.WorkflowExpiry()), cfg.Workflow.ReapSchedule)

	if cfg.Ingress.Enabled {
		hub := ingress.NewHub(d.logger)
		srv, err := ingress.NewServer(ingress.Config{
			Host:              cfg.Ingress.Host,
			Port:              cfg.Ingress.Port,
			Queue:             d.queue,
			Hub:               hub,
			RequestsPerMinute: cfg.Ingress.RequestsPerMinute,
			Logger:            d.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create ingress: %w", err)
		}
		for _, t := range outboundEvents {
			if err := d.bus.RegisterHandler(t, hub.HandleEvent); err != nil {
				return err
			}
		}
		d.ingress = srv
	}
	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting devrel daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.queue.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start work queue: %w", err)
	}

	if d.ingress != nil {
		if err := d.ingress.Start(); err != nil {
			return fmt.Errorf("failed to start ingress: %w", err)
		}
		logger.Info().Str("addr", d.ingress.Addr()).Msg("Ingress started")
	}

	if err := d.cleanup.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session cleanup")
	}

	if d.config.WorkflowExpiry() > 0 {
		if err := d.reaper.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start checkpoint reaper")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping devrel daemon")

	if d.ingress != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.ingress.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop ingress")
		}
		cancel()
	}

	timeout := time.Duration(d.config.Queue.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := d.queue.Stop(timeout); err != nil {
		logger.Error().Err(err).Msg("Work queue did not drain")
	}
	if !d.lanes.WaitForActive(timeout) {
		logger.Warn().Msg("Session lanes did not drain")
	}

	if d.cleanup.IsRunning() {
		if err := d.cleanup.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session cleanup")
		}
	}
	if d.reaper.IsRunning() {
		if err := d.reaper.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop checkpoint reaper")
		}
	}

	d.eventLoop.HandleShutdown()
	if err := d.lanes.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command lanes")
	}

	if !d.bus.Wait(5 * time.Second) {
		logger.Warn().Msg("Timeout waiting for event handlers")
	}
	d.outbound.Close()

	d.cancel()
	d.dedup.Stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close checkpoint store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	audit := observability.GetAuditLogger()
	observability.SetAuditLogger(observability.NewAuditLogger(io.Discard))
	if err := audit.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// Submit queues a request for the coordinator
func (d *Daemon) Submit(ctx context.Context, req coordinator.Request, prio workqueue.Priority) (string, error) {
	return d.queue.Enqueue(ctx, coordinator.HandlerRequest, req.Payload(), prio)
}

// Ask submits a request and waits for its reply
func (d *Daemon) Ask(ctx context.Context, req coordinator.Request) (string, error) {
	parsed, err := coordinator.ParseRequest(req.Payload())
	if err != nil {
		return "", err
	}

	events, unsubscribe := d.outbound.Subscribe(parsed.SessionID, 16)
	defer unsubscribe()

	if _, err := d.Submit(ctx, parsed, workqueue.High); err != nil {
		return "", err
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return "", fmt.Errorf("daemon stopped before replying")
			}
			if evt.Type != eventbus.ResponseReady {
				continue
			}
			reply, _ := evt.Payload["response"].(string)
			return reply, nil
		}
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.registry.Len(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	if d.queue != nil {
		status.Queue = d.queue.Stats()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
	Queue     workqueue.Stats
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetBus returns the event bus
func (d *Daemon) GetBus() *eventbus.Bus {
	return d.bus
}

// GetQueue returns the work queue
func (d *Daemon) GetQueue() *workqueue.Queue {
	return d.queue
}

// GetCheckpointStore returns the checkpoint store
func (d *Daemon) GetCheckpointStore() checkpoint.Store {
	return d.store
}

// GetReaper returns the checkpoint reaper
func (d *Daemon) GetReaper() *workflow.Reaper {
	return d.reaper
}

// GetIngress returns the HTTP ingress, nil when disabled
func (d *Daemon) GetIngress() *ingress.Server {
	return d.ingress
}

// RegisterAction runs an action in process instead of over HTTP. It only
// applies when the daemon built its own executor.
func (d *Daemon) RegisterAction(name actions.Name, fn actions.Func) error {
	if d.funcs == nil {
		return fmt.Errorf("daemon uses an injected executor")
	}
	return d.funcs.Register(name, fn)
}
