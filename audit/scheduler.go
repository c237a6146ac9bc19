// Package audit orchestrates full-facility reconciliation. A check
// broadcasts a scan command to every online reader, waits a bounded
// collection window for the resulting tag reads to flow through the
// normal ingest path, then aggregates the store into a signed report
// with per-product discrepancies.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tagstream/component"
	"github.com/c360/tagstream/errors"
	"github.com/c360/tagstream/metric"
	"github.com/c360/tagstream/types"
)

// Transport is the outbound surface the scheduler needs. Flush confirms
// the scan broadcast reached the wire before the collection window opens.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Flush() error
}

// InventorySource provides the store snapshot to aggregate
type InventorySource interface {
	All() []types.InventoryItem
}

// ReaderSource provides the readers to poll
type ReaderSource interface {
	Online() []types.RFIDReader
}

// SchedulerDeps holds runtime dependencies for the audit scheduler
type SchedulerDeps struct {
	Transport Transport
	Store     InventorySource
	Readers   ReaderSource
	Logger    *slog.Logger
	Metrics   *metric.Metrics

	// CollectionWindow is how long the scheduler waits after the scan
	// broadcast before aggregating. Zero means five seconds.
	CollectionWindow time.Duration

	// Interval enables periodic audits when positive; zero leaves the
	// scheduler on-demand only.
	Interval time.Duration
}

// Scheduler runs on-demand and periodic inventory audits
type Scheduler struct {
	transport Transport
	store     InventorySource
	readers   ReaderSource
	logger    *slog.Logger
	metrics   *metric.Metrics
	window    time.Duration
	interval  time.Duration

	mu    sync.Mutex
	state component.State
	done  chan struct{}
	wg    sync.WaitGroup

	// runMu serializes audits; overlapping runs would double-broadcast
	runMu sync.Mutex
}

// NewScheduler creates an audit scheduler
func NewScheduler(deps SchedulerDeps) (*Scheduler, error) {
	if deps.Transport == nil || deps.Store == nil || deps.Readers == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Scheduler", "NewScheduler", "transport, store, and readers required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "audit-scheduler")
	}
	window := deps.CollectionWindow
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Scheduler{
		transport: deps.Transport,
		store:     deps.Store,
		readers:   deps.Readers,
		logger:    logger,
		metrics:   deps.Metrics,
		window:    window,
		interval:  deps.Interval,
		state:     component.StateCreated,
	}, nil
}

// Initialize moves the scheduler to the initialized state
func (s *Scheduler) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != component.StateCreated {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Scheduler", "Initialize", "check state")
	}
	s.state = component.StateInitialized
	return nil
}

// Start launches the periodic audit loop when an interval is configured
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != component.StateInitialized {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Scheduler", "Start", "check state")
	}

	s.done = make(chan struct{})
	if s.interval > 0 {
		s.wg.Add(1)
		go s.run(ctx)
		s.logger.Info("periodic audits enabled", "interval", s.interval)
	}

	s.state = component.StateStarted
	return nil
}

// Stop halts the periodic loop, waiting up to timeout for an in-flight
// audit to finish.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != component.StateStarted {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrNotStarted, "Scheduler", "Stop", "check state")
	}
	close(s.done)
	s.state = component.StateStopped
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout,
			"Scheduler", "Stop", "wait for in-flight audit")
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.AutoInventoryCheck(ctx); err != nil {
				s.logger.Error("scheduled audit failed", "error", err)
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// AutoInventoryCheck runs one full audit: broadcast, collect, aggregate,
// sign, publish. The returned report is also published on the reports
// subject; a publish failure is logged but does not fail the audit.
func (s *Scheduler) AutoInventoryCheck(ctx context.Context) (types.InventoryReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	started := time.Now()

	polled, err := s.broadcastScan(ctx)
	if err != nil {
		return types.InventoryReport{}, err
	}

	s.logger.Info("audit started",
		"readers_polled", len(polled),
		"collection_window", s.window)

	// Collection window: reads triggered by the scan flow through the
	// normal ingest path and land in the store before aggregation.
	select {
	case <-time.After(s.window):
	case <-ctx.Done():
		return types.InventoryReport{}, errors.WrapTransient(ctx.Err(),
			"Scheduler", "AutoInventoryCheck", "collection window interrupted")
	}

	report := s.aggregate(polled, started)

	if s.metrics != nil {
		s.metrics.RecordAudit(time.Since(started), len(report.Discrepancies))
	}
	s.logger.Info("audit complete",
		"report_id", report.ReportID,
		"total_items", report.TotalItems,
		"discrepancies", len(report.Discrepancies),
		"duration_ms", report.DurationMillis)

	if data, err := json.Marshal(report); err == nil {
		if err := s.transport.Publish(ctx, types.SubjectReports, data); err != nil {
			s.logger.Error("failed to publish report",
				"report_id", report.ReportID, "error", err)
		}
	}

	return report, nil
}

// broadcastScan sends a scan command to every online reader and flushes,
// returning the IDs of the readers polled.
func (s *Scheduler) broadcastScan(ctx context.Context) ([]string, error) {
	command, err := json.Marshal(types.ScanCommand{Action: types.ScanAction})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Scheduler", "broadcastScan", "encode scan command")
	}

	var polled []string
	for _, rdr := range s.readers.Online() {
		subject := types.ReaderCommandSubject(rdr.ReaderID)
		if err := s.transport.Publish(ctx, subject, command); err != nil {
			s.logger.Warn("scan command failed",
				"reader_id", rdr.ReaderID, "error", err)
			continue
		}
		polled = append(polled, rdr.ReaderID)
	}

	if len(polled) > 0 {
		if err := s.transport.Flush(); err != nil {
			return nil, errors.WrapTransient(err, "Scheduler", "broadcastScan", "flush scan broadcast")
		}
	}
	return polled, nil
}

// aggregate snapshots the store into a signed report
func (s *Scheduler) aggregate(polled []string, started time.Time) types.InventoryReport {
	items := s.store.All()

	report := types.InventoryReport{
		ReportID:         uuid.NewString(),
		GeneratedAt:      time.Now().UTC(),
		TotalItems:       len(items),
		CountsByStatus:   make(map[types.StockStatus]int),
		CountsByCategory: make(map[string]int),
		CountsByLocation: make(map[string]int),
		ReadersPolled:    polled,
	}

	for _, item := range items {
		report.TotalQuantity += item.Quantity
		report.CountsByStatus[item.Status]++
		if item.Category != "" {
			report.CountsByCategory[item.Category]++
		}
		if item.Location != "" {
			report.CountsByLocation[item.Location]++
		}
		if observed := len(item.Tags); observed != item.Quantity {
			report.Discrepancies = append(report.Discrepancies, types.InventoryDiscrepancy{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Location:    item.Location,
				Expected:    item.Quantity,
				Actual:      observed,
				Difference:  observed - item.Quantity,
			})
		}
	}

	report.DurationMillis = time.Since(started).Milliseconds()
	report.Signature = Sign(report)
	return report
}

// Sign computes the report's integrity signature: a SHA-256 digest of the
// report's canonical JSON with the signature field empty.
func Sign(report types.InventoryReport) string {
	report.Signature = ""
	data, err := json.Marshal(report)
	if err != nil {
		return ""
	}
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// Verify reports whether the signature matches the report's content
func Verify(report types.InventoryReport) bool {
	return report.Signature != "" && report.Signature == Sign(report)
}
