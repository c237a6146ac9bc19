// Package engine assembles the tagstream components into one explicitly
// constructed unit: transport, inventory store, reader registry, detector,
// processor, alert dispatcher, and audit scheduler. The engine owns the
// periodic sweeps and exposes the query surface used by callers.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/tagstream/alert"
	"github.com/c360/tagstream/audit"
	"github.com/c360/tagstream/component"
	"github.com/c360/tagstream/config"
	"github.com/c360/tagstream/detector"
	"github.com/c360/tagstream/errors"
	"github.com/c360/tagstream/inventory"
	"github.com/c360/tagstream/metric"
	"github.com/c360/tagstream/natsclient"
	"github.com/c360/tagstream/pkg/retry"
	"github.com/c360/tagstream/processor"
	"github.com/c360/tagstream/reader"
	"github.com/c360/tagstream/types"
)

// Transport is the full connection surface the engine drives. Implemented
// by natsclient.Client.
type Transport interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Subscribe(ctx context.Context, subject string, handler natsclient.Handler) error
	Publish(ctx context.Context, subject string, data []byte) error
	Flush() error
	IsHealthy() bool
}

// Deps holds the engine's injectable dependencies. A nil Transport makes
// the engine build its own NATS client from the configuration.
type Deps struct {
	Transport Transport
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

// Engine is the assembled tag streaming engine
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.Metrics

	transport  Transport
	store      *inventory.Store
	readers    *reader.Registry
	dispatcher *alert.Dispatcher
	processor  *processor.Processor
	auditor    *audit.Scheduler

	mu        sync.Mutex
	state     component.State
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New constructs the engine and all of its components. Nothing connects
// or starts until Start is called.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Engine", "New", "config required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := deps.Transport
	if transport == nil {
		opts := []natsclient.ClientOption{
			natsclient.WithLogger(logger.With("component", "natsclient")),
			natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		}
		if cfg.NATS.ClientName != "" {
			opts = append(opts, natsclient.WithClientName(cfg.NATS.ClientName))
		}
		if cfg.NATS.ReconnectWait.Std() > 0 {
			opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()))
		}
		if cfg.NATS.ConnectTimeout.Std() > 0 {
			opts = append(opts, natsclient.WithConnectTimeout(cfg.NATS.ConnectTimeout.Std()))
		}
		if cfg.NATS.PublishTimeout.Std() > 0 {
			opts = append(opts, natsclient.WithPublishTimeout(cfg.NATS.PublishTimeout.Std()))
		}
		if cfg.NATS.Username != "" {
			opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
		}
		if cfg.NATS.Token != "" {
			opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
		}
		if deps.Metrics != nil {
			opts = append(opts, natsclient.WithMetrics(deps.Metrics))
		}
		client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
		if err != nil {
			return nil, errors.WrapFatal(err, "Engine", "New", "build transport")
		}
		transport = client
	}

	dispatcher := alert.NewDispatcher(alert.DispatcherDeps{
		Transport:         transport,
		Logger:            logger.With("component", "alert-dispatcher"),
		Metrics:           deps.Metrics,
		SecurityRetention: cfg.Policy.SecurityRetention.Std(),
	})

	store := inventory.NewStore(inventory.StoreDeps{
		Notifier:         dispatcher,
		Logger:           logger.With("component", "inventory-store"),
		Metrics:          deps.Metrics,
		LowStockDebounce: cfg.Policy.LowStockDebounce.Std(),
	})

	readers := reader.NewRegistry(reader.RegistryDeps{
		Notifier:         dispatcher,
		Logger:           logger.With("component", "reader-registry"),
		Metrics:          deps.Metrics,
		HeartbeatTimeout: cfg.Policy.HeartbeatTimeout.Std(),
	})

	det := detector.New(
		detector.Policy{RSSITamperThreshold: cfg.Policy.RSSITamperThreshold},
		logger.With("component", "detector"))

	proc, err := processor.New(processor.Deps{
		Transport: transport,
		Store:     store,
		Registry:  readers,
		Detector:  det,
		Findings:  dispatcher,
		Logger:    logger.With("component", "processor"),
		Metrics:   deps.Metrics,
	})
	if err != nil {
		return nil, err
	}

	auditor, err := audit.NewScheduler(audit.SchedulerDeps{
		Transport:        transport,
		Store:            store,
		Readers:          readers,
		Logger:           logger.With("component", "audit-scheduler"),
		Metrics:          deps.Metrics,
		CollectionWindow: cfg.Policy.AuditCollectionWindow.Std(),
		Interval:         cfg.Policy.AuditInterval.Std(),
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		metrics:    deps.Metrics,
		transport:  transport,
		store:      store,
		readers:    readers,
		dispatcher: dispatcher,
		processor:  proc,
		auditor:    auditor,
		state:      component.StateCreated,
	}, nil
}

// Start connects the transport, starts the components, and launches the
// periodic sweeps. It fails fast: a transport that cannot connect aborts
// the whole start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == component.StateStarted {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Engine", "Start", "check state")
	}

	// A broker that is briefly unavailable at boot should not kill the
	// process, but a persistent failure does.
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return e.transport.Connect(ctx)
	})
	if err != nil {
		e.state = component.StateFailed
		return errors.WrapFatal(err, "Engine", "Start", "connect transport")
	}

	if err := e.processor.Initialize(); err != nil {
		e.state = component.StateFailed
		return err
	}
	if err := e.processor.Start(ctx); err != nil {
		e.state = component.StateFailed
		return err
	}

	if err := e.auditor.Initialize(); err != nil {
		e.state = component.StateFailed
		return err
	}
	if err := e.auditor.Start(ctx); err != nil {
		e.state = component.StateFailed
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	e.group = group

	group.Go(func() error {
		e.runSweep(groupCtx, "inventory", e.cfg.Policy.InventorySweepInterval.Std(), e.store.SweepStatus)
		return nil
	})
	group.Go(func() error {
		e.runSweep(groupCtx, "liveness", e.cfg.Policy.LivenessSweepInterval.Std(), e.readers.SweepLiveness)
		return nil
	})

	e.state = component.StateStarted
	e.startedAt = time.Now()
	e.logger.Info("engine started",
		"nats_url", e.cfg.NATS.URL,
		"inventory_sweep", e.cfg.Policy.InventorySweepInterval.Std(),
		"liveness_sweep", e.cfg.Policy.LivenessSweepInterval.Std(),
		"audit_interval", e.cfg.Policy.AuditInterval.Std())
	return nil
}

// Stop shuts the engine down: components first, then the sweeps, then the
// transport drain. Each phase is bounded by the timeout.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != component.StateStarted {
		return errors.WrapFatal(errors.ErrNotStarted, "Engine", "Stop", "check state")
	}

	if err := e.auditor.Stop(timeout); err != nil {
		e.logger.Error("audit scheduler stop failed", "error", err)
	}
	if err := e.processor.Stop(timeout); err != nil {
		e.logger.Error("processor stop failed", "error", err)
	}

	e.cancel()
	waited := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(timeout):
		e.logger.Warn("sweeps did not stop within timeout")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := e.transport.Close(closeCtx)

	e.state = component.StateStopped
	e.logger.Info("engine stopped")
	return err
}

// runSweep drives one periodic maintenance function until shutdown
func (e *Engine) runSweep(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			e.logger.Debug("sweep stopped", "sweep", name)
			return
		}
	}
}

// GetAllInventory returns every tracked inventory item
func (e *Engine) GetAllInventory() []types.InventoryItem {
	return e.store.All()
}

// MonitorInventory returns the current state of one product
func (e *Engine) MonitorInventory(productID string) (types.InventoryItem, error) {
	item, ok := e.store.Item(productID)
	if !ok {
		return types.InventoryItem{}, errors.WrapInvalid(
			errors.ErrUnknownProduct, "Engine", "MonitorInventory", "look up product")
	}
	return item, nil
}

// LowStockAlert returns items at or below the given quantity threshold.
// A negative threshold checks each item against its own minimum.
func (e *Engine) LowStockAlert(threshold int) []types.InventoryItem {
	return e.store.BelowThreshold(threshold)
}

// GetAllReaders returns every known reader
func (e *Engine) GetAllReaders() []types.RFIDReader {
	return e.readers.All()
}

// GetAllAlerts returns the full alert log
func (e *Engine) GetAllAlerts() []types.AlertNotification {
	return e.dispatcher.Alerts()
}

// AcknowledgeAlert acknowledges an alert by ID, idempotently
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID string) error {
	return e.dispatcher.Acknowledge(ctx, alertID)
}

// AntiTheftMonitoring returns the security findings within the configured
// retention window.
func (e *Engine) AntiTheftMonitoring() []types.SecurityAlert {
	cutoff := time.Now().Add(-e.cfg.Policy.SecurityRetention.Std())
	return e.dispatcher.SecurityAlertsSince(cutoff)
}

// SubscribeAlerts registers a local subscriber for inventory alerts
func (e *Engine) SubscribeAlerts() (<-chan types.AlertNotification, func()) {
	return e.dispatcher.Subscribe()
}

// SubscribeSecurityAlerts registers a local subscriber for security findings
func (e *Engine) SubscribeSecurityAlerts() (<-chan types.SecurityAlert, func()) {
	return e.dispatcher.SubscribeSecurity()
}

// AutoInventoryCheck runs a full-facility audit and returns the report
func (e *Engine) AutoInventoryCheck(ctx context.Context) (types.InventoryReport, error) {
	return e.auditor.AutoInventoryCheck(ctx)
}

// Health reports a point-in-time health snapshot of the engine
func (e *Engine) Health() component.HealthStatus {
	e.mu.Lock()
	started := e.state == component.StateStarted
	startedAt := e.startedAt
	e.mu.Unlock()

	status := component.HealthStatus{
		Healthy:   started && e.transport.IsHealthy(),
		LastCheck: time.Now(),
	}
	if started {
		status.Uptime = time.Since(startedAt)
	}
	if !e.transport.IsHealthy() {
		status.LastError = "transport disconnected"
	}
	return status
}
