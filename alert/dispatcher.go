// Package alert converts inventory-threshold breaches and security
// findings into leveled, acknowledgeable alert records, publishes them on
// the outbound subjects, and fans them out to local typed subscribers.
package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tagstream/errors"
	"github.com/c360/tagstream/metric"
	"github.com/c360/tagstream/types"
)

// Publisher is the outbound transport surface the dispatcher needs
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DispatcherDeps holds runtime dependencies for the dispatcher
type DispatcherDeps struct {
	Transport Publisher
	Logger    *slog.Logger
	Metrics   *metric.Metrics

	// SecurityRetention bounds how far back SecurityAlertsSince queries
	// reach; older findings are pruned on insert. Zero means one hour.
	SecurityRetention time.Duration
}

// Dispatcher owns the in-memory alert log. Alerts are append-only; the
// only mutation is the one-shot acknowledged flag. Retention and archival
// are external concerns.
type Dispatcher struct {
	transport Publisher
	logger    *slog.Logger
	metrics   *metric.Metrics
	retention time.Duration

	mu        sync.RWMutex
	alerts    []types.AlertNotification
	ackIndex  map[string]int
	security  []types.SecurityAlert
	nextSubID int
	subs      map[int]chan types.AlertNotification
	secSubs   map[int]chan types.SecurityAlert
}

const subscriberBuffer = 16

// NewDispatcher creates an alert dispatcher
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "alert-dispatcher")
	}
	retention := deps.SecurityRetention
	if retention <= 0 {
		retention = time.Hour
	}

	return &Dispatcher{
		transport: deps.Transport,
		logger:    logger,
		metrics:   deps.Metrics,
		retention: retention,
		ackIndex:  make(map[string]int),
		subs:      make(map[int]chan types.AlertNotification),
		secSubs:   make(map[int]chan types.SecurityAlert),
	}
}

// Notify creates an inventory alert, appends it to the log, publishes it
// outward, and notifies local subscribers. Publish failures are logged and
// do not fail alert creation: the record is authoritative locally.
func (d *Dispatcher) Notify(
	ctx context.Context,
	level types.AlertLevel,
	alertType types.AlertType,
	productID, productName, message string,
) types.AlertNotification {
	alert := types.AlertNotification{
		AlertID:     uuid.NewString(),
		Level:       level,
		Type:        alertType,
		ProductID:   productID,
		ProductName: productName,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}

	d.mu.Lock()
	d.ackIndex[alert.AlertID] = len(d.alerts)
	d.alerts = append(d.alerts, alert)
	// Fan out under the lock so cancellation cannot close a channel with a
	// send in flight. Sends are non-blocking, so the hold is brief.
	for _, ch := range d.subs {
		select {
		case ch <- alert:
		default:
			// Slow subscriber, drop rather than block the event path
		}
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordAlertCreated(string(level), string(alertType))
	}

	d.logger.Warn("alert created",
		"alert_id", alert.AlertID,
		"level", level,
		"type", alertType,
		"product_id", productID,
		"message", message)

	d.publish(ctx, types.SubjectAlerts, alert)

	return alert
}

// RecordFinding appends a security finding, publishes it, and notifies
// security subscribers. Findings are immutable once created.
func (d *Dispatcher) RecordFinding(ctx context.Context, finding types.SecurityAlert) {
	if finding.AlertID == "" {
		finding.AlertID = uuid.NewString()
	}
	if finding.Timestamp.IsZero() {
		finding.Timestamp = time.Now().UTC()
	}

	cutoff := time.Now().Add(-d.retention)

	d.mu.Lock()
	d.security = append(d.security, finding)
	// Prune expired findings from the head; the log is append-ordered
	firstLive := 0
	for firstLive < len(d.security) && d.security[firstLive].Timestamp.Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		d.security = append([]types.SecurityAlert(nil), d.security[firstLive:]...)
	}
	for _, ch := range d.secSubs {
		select {
		case ch <- finding:
		default:
		}
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordSecurityFinding(string(finding.Type))
	}

	d.logger.Warn("security finding",
		"alert_id", finding.AlertID,
		"type", finding.Type,
		"severity", finding.Severity,
		"tag_id", finding.TagID,
		"location", finding.Location)

	d.publish(ctx, types.SubjectSecurityAlerts, finding)
}

// Acknowledge sets acknowledged on an alert exactly once. Acknowledging an
// already-acknowledged alert is a no-op, not an error. The acknowledgement
// event is published outward; a publish failure is returned to the caller
// but the local state change stands.
func (d *Dispatcher) Acknowledge(ctx context.Context, alertID string) error {
	d.mu.Lock()
	idx, ok := d.ackIndex[alertID]
	if !ok {
		d.mu.Unlock()
		return errors.WrapInvalid(errors.ErrUnknownAlert, "Dispatcher", "Acknowledge", "look up alert")
	}
	already := d.alerts[idx].Acknowledged
	d.alerts[idx].Acknowledged = true
	d.mu.Unlock()

	if already {
		return nil
	}

	if d.metrics != nil {
		d.metrics.RecordAlertAcknowledged()
	}
	d.logger.Info("alert acknowledged", "alert_id", alertID)

	data, err := json.Marshal(types.AckEvent{AlertID: alertID})
	if err != nil {
		return errors.WrapInvalid(err, "Dispatcher", "Acknowledge", "encode ack event")
	}
	if d.transport != nil {
		if err := d.transport.Publish(ctx, types.SubjectAlertAcks, data); err != nil {
			return errors.WrapTransient(err, "Dispatcher", "Acknowledge", "publish ack event")
		}
	}
	return nil
}

// Alerts returns a copy of the alert log, newest last
func (d *Dispatcher) Alerts() []types.AlertNotification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.AlertNotification, len(d.alerts))
	copy(out, d.alerts)
	return out
}

// SecurityAlertsSince returns security findings newer than the cutoff
func (d *Dispatcher) SecurityAlertsSince(cutoff time.Time) []types.SecurityAlert {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.SecurityAlert
	for _, finding := range d.security {
		if !finding.Timestamp.Before(cutoff) {
			out = append(out, finding)
		}
	}
	return out
}

// Subscribe registers a local subscriber for inventory alerts. The
// returned cancel function must be called to release the channel.
func (d *Dispatcher) Subscribe() (<-chan types.AlertNotification, func()) {
	ch := make(chan types.AlertNotification, subscriberBuffer)

	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subs[id] = ch
	d.mu.Unlock()

	return ch, func() {
		d.mu.Lock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
		d.mu.Unlock()
	}
}

// SubscribeSecurity registers a local subscriber for security findings
func (d *Dispatcher) SubscribeSecurity() (<-chan types.SecurityAlert, func()) {
	ch := make(chan types.SecurityAlert, subscriberBuffer)

	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.secSubs[id] = ch
	d.mu.Unlock()

	return ch, func() {
		d.mu.Lock()
		if _, ok := d.secSubs[id]; ok {
			delete(d.secSubs, id)
			close(ch)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) publish(ctx context.Context, subject string, payload any) {
	if d.transport == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to encode outbound alert", "subject", subject, "error", err)
		return
	}
	if err := d.transport.Publish(ctx, subject, data); err != nil {
		d.logger.Error("failed to publish alert", "subject", subject, "error", err)
	}
}
