// Package processor consumes the inbound transport subjects: tag-read
// batches, reader heartbeats, and inventory updates. Payloads are
// schema-validated at the boundary, decoded, and applied to the inventory
// store and reader registry; tag batches are then handed to the detector
// and any findings forwarded to the alert dispatcher.
package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"github.com/c360/tagstream/component"
	"github.com/c360/tagstream/errors"
	"github.com/c360/tagstream/inventory"
	"github.com/c360/tagstream/metric"
	"github.com/c360/tagstream/natsclient"
	"github.com/c360/tagstream/reader"
	"github.com/c360/tagstream/types"
)

// Subscriber is the inbound transport surface. Implemented by
// natsclient.Client.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler natsclient.Handler) error
}

// InventoryStore is the inventory surface the processor writes to
type InventoryStore interface {
	UpdateInventory(ctx context.Context, update inventory.ItemUpdate) (types.InventoryItem, error)
	ApplyTagRead(ctx context.Context, tag types.RFIDTag) error
	All() []types.InventoryItem
}

// ReaderRegistry is the reader surface the processor writes to
type ReaderRegistry interface {
	RecordHeartbeat(ctx context.Context, hb reader.Heartbeat) (types.RFIDReader, error)
	IncrementTagsRead(readerID string, n int64)
	All() []types.RFIDReader
}

// Analyzer runs security analysis over a tag batch
type Analyzer interface {
	Analyze(
		readerID string,
		tags []types.RFIDTag,
		readerSnapshot map[string]types.RFIDReader,
		inventorySnapshot map[string]types.InventoryItem,
	) []types.SecurityAlert
}

// FindingSink receives security findings. Implemented by alert.Dispatcher.
type FindingSink interface {
	RecordFinding(ctx context.Context, finding types.SecurityAlert)
}

// Deps holds runtime dependencies for the processor
type Deps struct {
	Transport Subscriber
	Store     InventoryStore
	Registry  ReaderRegistry
	Detector  Analyzer
	Findings  FindingSink
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

// Processor wires the inbound subjects to the domain layer
type Processor struct {
	transport Subscriber
	store     InventoryStore
	registry  ReaderRegistry
	detector  Analyzer
	findings  FindingSink
	logger    *slog.Logger
	metrics   *metric.Metrics

	// malformedLog throttles noisy logging when a misbehaving producer
	// floods a subject with garbage.
	malformedLog *rate.Limiter

	tagBatchSchema  *gojsonschema.Schema
	heartbeatSchema *gojsonschema.Schema
	updateSchema    *gojsonschema.Schema

	mu    sync.Mutex
	state component.State
}

// New creates a tag event processor
func New(deps Deps) (*Processor, error) {
	if deps.Transport == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Processor", "New", "transport required")
	}
	if deps.Store == nil || deps.Registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Processor", "New", "store and registry required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "processor")
	}
	return &Processor{
		transport:    deps.Transport,
		store:        deps.Store,
		registry:     deps.Registry,
		detector:     deps.Detector,
		findings:     deps.Findings,
		logger:       logger,
		metrics:      deps.Metrics,
		malformedLog: rate.NewLimiter(rate.Every(time.Second), 5),
		state:        component.StateCreated,
	}, nil
}

// Initialize compiles the payload schemas
func (p *Processor) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != component.StateCreated {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Processor", "Initialize", "check state")
	}

	var err error
	p.tagBatchSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(tagBatchSchema))
	if err != nil {
		p.state = component.StateFailed
		return errors.WrapFatal(err, "Processor", "Initialize", "compile tag batch schema")
	}
	p.heartbeatSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(heartbeatSchema))
	if err != nil {
		p.state = component.StateFailed
		return errors.WrapFatal(err, "Processor", "Initialize", "compile heartbeat schema")
	}
	p.updateSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(inventoryUpdateSchema))
	if err != nil {
		p.state = component.StateFailed
		return errors.WrapFatal(err, "Processor", "Initialize", "compile inventory update schema")
	}

	p.state = component.StateInitialized
	return nil
}

// Start subscribes to the inbound subjects
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != component.StateInitialized {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Processor", "Start", "check state")
	}

	subs := []struct {
		subject string
		handler natsclient.Handler
	}{
		{types.SubjectTagReads, p.handleTagBatch},
		{types.SubjectReaderStatus, p.handleHeartbeat},
		{types.SubjectInventoryUpdates, p.handleInventoryUpdate},
	}
	for _, sub := range subs {
		if err := p.transport.Subscribe(ctx, sub.subject, sub.handler); err != nil {
			p.state = component.StateFailed
			return errors.WrapTransient(err, "Processor", "Start", "subscribe "+sub.subject)
		}
		p.logger.Info("subscribed", "subject", sub.subject)
	}

	p.state = component.StateStarted
	return nil
}

// Stop marks the processor stopped. Subscriptions are torn down by the
// transport's drain, so there is nothing to release here.
func (p *Processor) Stop(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != component.StateStarted {
		return errors.WrapFatal(errors.ErrNotStarted, "Processor", "Stop", "check state")
	}
	p.state = component.StateStopped
	return nil
}

func (p *Processor) handleTagBatch(ctx context.Context, subject string, data []byte) {
	readerID, ok := types.MiddleToken(subject)
	if !ok {
		p.rejectPayload("tags", subject, "unparseable subject", nil)
		return
	}

	if !p.validate(p.tagBatchSchema, "tags", subject, data) {
		return
	}

	var tags []types.RFIDTag
	if err := json.Unmarshal(data, &tags); err != nil {
		p.rejectPayload("tags", subject, "decode failed", err)
		return
	}

	if p.metrics != nil {
		p.metrics.RecordTagBatch(readerID)
	}

	var processed int64
	for _, tag := range tags {
		if err := p.store.ApplyTagRead(ctx, tag); err != nil {
			if errors.IsInvalid(err) {
				if p.metrics != nil {
					p.metrics.RecordTagDropped("unknown_product")
				}
				p.logger.Debug("tag read dropped",
					"tag_id", tag.TagID,
					"product_id", tag.ProductID,
					"reader_id", readerID)
				continue
			}
			p.logger.Error("tag read failed",
				"tag_id", tag.TagID, "reader_id", readerID, "error", err)
			continue
		}
		processed++
		if p.metrics != nil {
			p.metrics.RecordTagRead(readerID)
		}
	}
	if processed > 0 {
		p.registry.IncrementTagsRead(readerID, processed)
	}

	p.analyze(ctx, readerID, tags)
}

func (p *Processor) handleHeartbeat(ctx context.Context, subject string, data []byte) {
	if !p.validate(p.heartbeatSchema, "status", subject, data) {
		return
	}

	var hb reader.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		p.rejectPayload("status", subject, "decode failed", err)
		return
	}

	// The subject's middle token is the reader's identity; a payload that
	// omits or contradicts it is reconciled in favor of the subject.
	if readerID, ok := types.MiddleToken(subject); ok {
		hb.ReaderID = readerID
	}

	if _, err := p.registry.RecordHeartbeat(ctx, hb); err != nil {
		p.rejectPayload("status", subject, "heartbeat rejected", err)
	}
}

func (p *Processor) handleInventoryUpdate(ctx context.Context, subject string, data []byte) {
	if !p.validate(p.updateSchema, "update", subject, data) {
		return
	}

	var update inventory.ItemUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		p.rejectPayload("update", subject, "decode failed", err)
		return
	}

	if _, err := p.store.UpdateInventory(ctx, update); err != nil {
		p.rejectPayload("update", subject, "update rejected", err)
	}
}

// analyze snapshots the registry and store and runs the detector over the
// batch, forwarding any findings.
func (p *Processor) analyze(ctx context.Context, readerID string, tags []types.RFIDTag) {
	if p.detector == nil || p.findings == nil || len(tags) == 0 {
		return
	}

	readerSnapshot := make(map[string]types.RFIDReader)
	for _, r := range p.registry.All() {
		readerSnapshot[r.ReaderID] = r
	}
	inventorySnapshot := make(map[string]types.InventoryItem)
	for _, item := range p.store.All() {
		inventorySnapshot[item.ProductID] = item
	}

	for _, finding := range p.detector.Analyze(readerID, tags, readerSnapshot, inventorySnapshot) {
		p.findings.RecordFinding(ctx, finding)
	}
}

// validate checks data against the schema, counting and logging rejects
func (p *Processor) validate(schema *gojsonschema.Schema, kind, subject string, data []byte) bool {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		p.rejectPayload(kind, subject, "not valid JSON", err)
		return false
	}
	if !result.Valid() {
		detail := ""
		if errs := result.Errors(); len(errs) > 0 {
			detail = errs[0].String()
		}
		p.rejectPayload(kind, subject, detail, nil)
		return false
	}
	return true
}

func (p *Processor) rejectPayload(kind, subject, detail string, err error) {
	if p.metrics != nil {
		p.metrics.RecordMalformedPayload(kind)
	}
	if p.malformedLog.Allow() {
		p.logger.Warn("payload rejected",
			"kind", kind,
			"subject", subject,
			"detail", detail,
			"error", err)
	}
}
