// Package reader tracks the fleet of physical RFID readers: identity,
// location, liveness, and per-reader read counters. Readers register
// themselves implicitly through status heartbeats; the liveness sweep
// marks silent readers offline.
package reader

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/tagstream/errors"
	"github.com/c360/tagstream/metric"
	"github.com/c360/tagstream/types"
)

// Notifier raises operational alerts. Implemented by alert.Dispatcher.
type Notifier interface {
	Notify(
		ctx context.Context,
		level types.AlertLevel,
		alertType types.AlertType,
		productID, productName, message string,
	) types.AlertNotification
}

// Heartbeat is the decoded status payload a reader publishes periodically
type Heartbeat struct {
	ReaderID string             `json:"reader_id"`
	Type     types.ReaderType   `json:"type,omitempty"`
	Location string             `json:"location,omitempty"`
	Status   types.ReaderStatus `json:"status,omitempty"`
}

// RegistryDeps holds runtime dependencies for the reader registry
type RegistryDeps struct {
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metric.Metrics

	// HeartbeatTimeout is how long a reader may stay silent before the
	// liveness sweep marks it offline. Zero means five minutes.
	HeartbeatTimeout time.Duration
}

// Registry is the authoritative map of known readers
type Registry struct {
	notifier Notifier
	logger   *slog.Logger
	metrics  *metric.Metrics
	timeout  time.Duration

	mu      sync.RWMutex
	readers map[string]*types.RFIDReader
}

// NewRegistry creates a reader registry
func NewRegistry(deps RegistryDeps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "reader-registry")
	}
	timeout := deps.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Registry{
		notifier: deps.Notifier,
		logger:   logger,
		metrics:  deps.Metrics,
		timeout:  timeout,
		readers:  make(map[string]*types.RFIDReader),
	}
}

// RecordHeartbeat upserts a reader from a status payload. An unknown
// reader is registered on first contact. The heartbeat timestamp is
// always refreshed; the reader goes online unless the payload itself
// reports an error state.
func (r *Registry) RecordHeartbeat(ctx context.Context, hb Heartbeat) (types.RFIDReader, error) {
	if hb.ReaderID == "" {
		return types.RFIDReader{}, errors.WrapInvalid(
			errors.ErrMalformedPayload, "Registry", "RecordHeartbeat", "missing reader_id")
	}

	now := time.Now().UTC()

	r.mu.Lock()
	reader, exists := r.readers[hb.ReaderID]
	if !exists {
		reader = &types.RFIDReader{
			ReaderID: hb.ReaderID,
			Type:     types.ReaderTypeFixed,
		}
		r.readers[hb.ReaderID] = reader
		r.logger.Info("reader registered",
			"reader_id", hb.ReaderID,
			"type", hb.Type,
			"location", hb.Location)
	}

	if hb.Type != "" {
		reader.Type = hb.Type
	}
	if hb.Location != "" {
		reader.Location = hb.Location
	}

	previous := reader.Status
	if hb.Status == types.ReaderError {
		reader.Status = types.ReaderError
	} else {
		reader.Status = types.ReaderOnline
	}
	reader.LastHeartbeat = now

	result := *reader
	online := r.onlineCountLocked()
	r.mu.Unlock()

	if previous == types.ReaderOffline && result.Status == types.ReaderOnline {
		r.logger.Info("reader back online", "reader_id", result.ReaderID)
	}
	if r.metrics != nil {
		r.metrics.RecordReadersOnline(online)
	}
	if result.Status == types.ReaderError && previous != types.ReaderError && r.notifier != nil {
		r.notifier.Notify(ctx, types.LevelWarning, types.AlertAnomaly, "", "",
			"reader "+result.ReaderID+" reported an error state")
	}

	return result, nil
}

// IncrementTagsRead bumps a reader's read counter by n. Unknown readers
// are ignored; the counter only tracks registered hardware.
func (r *Registry) IncrementTagsRead(readerID string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reader, ok := r.readers[readerID]; ok {
		reader.TagsRead += n
	}
}

// SweepLiveness marks every online reader whose last heartbeat is older
// than the timeout as offline. Called by the engine's periodic sweep.
func (r *Registry) SweepLiveness(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var wentOffline []types.RFIDReader
	for _, reader := range r.readers {
		if reader.Status != types.ReaderOnline {
			continue
		}
		if now.Sub(reader.LastHeartbeat) > r.timeout {
			reader.Status = types.ReaderOffline
			wentOffline = append(wentOffline, *reader)
		}
	}
	online := r.onlineCountLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordReadersOnline(online)
	}
	for _, reader := range wentOffline {
		r.logger.Warn("reader offline",
			"reader_id", reader.ReaderID,
			"location", reader.Location,
			"last_heartbeat", reader.LastHeartbeat)
		if r.notifier != nil {
			r.notifier.Notify(ctx, types.LevelWarning, types.AlertAnomaly, "", "",
				"reader "+reader.ReaderID+" went offline: no heartbeat within timeout")
		}
	}
}

// Reader returns a copy of one reader record
func (r *Registry) Reader(readerID string) (types.RFIDReader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reader, ok := r.readers[readerID]
	if !ok {
		return types.RFIDReader{}, false
	}
	return *reader, true
}

// All returns copies of every known reader, ordered by reader ID
func (r *Registry) All() []types.RFIDReader {
	r.mu.RLock()
	out := make([]types.RFIDReader, 0, len(r.readers))
	for _, reader := range r.readers {
		out = append(out, *reader)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ReaderID < out[j].ReaderID
	})
	return out
}

// Online returns copies of readers currently online, ordered by reader ID
func (r *Registry) Online() []types.RFIDReader {
	var out []types.RFIDReader
	for _, reader := range r.All() {
		if reader.Status == types.ReaderOnline {
			out = append(out, reader)
		}
	}
	return out
}

// Count returns the number of known readers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.readers)
}

func (r *Registry) onlineCountLocked() int {
	n := 0
	for _, reader := range r.readers {
		if reader.Status == types.ReaderOnline {
			n++
		}
	}
	return n
}
