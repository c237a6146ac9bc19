package processor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tagstream/detector"
	"github.com/c360/tagstream/inventory"
	"github.com/c360/tagstream/natsclient"
	"github.com/c360/tagstream/reader"
	"github.com/c360/tagstream/types"
)

// fakeTransport records subscriptions and lets tests deliver messages
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]natsclient.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]natsclient.Handler)}
}

func (f *fakeTransport) Subscribe(_ context.Context, subject string, handler natsclient.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = handler
	return nil
}

// deliver routes a message the way the broker would: the handler is looked
// up by pattern, the concrete subject is passed through.
func (f *fakeTransport) deliver(t *testing.T, pattern, subject string, data []byte) {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[pattern]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for %s", pattern)
	handler(context.Background(), subject, data)
}

type fakeFindingSink struct {
	mu       sync.Mutex
	findings []types.SecurityAlert
}

func (f *fakeFindingSink) RecordFinding(_ context.Context, finding types.SecurityAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findings = append(f.findings, finding)
}

func (f *fakeFindingSink) all() []types.SecurityAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.SecurityAlert, len(f.findings))
	copy(out, f.findings)
	return out
}

type fixture struct {
	transport *fakeTransport
	store     *inventory.Store
	registry  *reader.Registry
	sink      *fakeFindingSink
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	transport := newFakeTransport()
	store := inventory.NewStore(inventory.StoreDeps{})
	registry := reader.NewRegistry(reader.RegistryDeps{})
	sink := &fakeFindingSink{}

	p, err := New(Deps{
		Transport: transport,
		Store:     store,
		Registry:  registry,
		Detector:  detector.New(detector.DefaultPolicy(), nil),
		Findings:  sink,
	})
	require.NoError(t, err)
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Start(context.Background()))

	return &fixture{
		transport: transport,
		store:     store,
		registry:  registry,
		sink:      sink,
		processor: p,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestNew_RequiresTransportAndStores(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)

	_, err = New(Deps{Transport: newFakeTransport()})
	require.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	p, err := New(Deps{
		Transport: newFakeTransport(),
		Store:     inventory.NewStore(inventory.StoreDeps{}),
		Registry:  reader.NewRegistry(reader.RegistryDeps{}),
	})
	require.NoError(t, err)

	// Start before Initialize fails
	require.Error(t, p.Start(context.Background()))

	require.NoError(t, p.Initialize())
	require.Error(t, p.Initialize())

	require.NoError(t, p.Start(context.Background()))
	require.Error(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(time.Second))
	require.Error(t, p.Stop(time.Second))
}

func TestStart_SubscribesInboundSubjects(t *testing.T) {
	f := newFixture(t)

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	assert.Contains(t, f.transport.handlers, types.SubjectTagReads)
	assert.Contains(t, f.transport.handlers, types.SubjectReaderStatus)
	assert.Contains(t, f.transport.handlers, types.SubjectInventoryUpdates)
}

func TestTagBatch_AppliedToKnownProduct(t *testing.T) {
	f := newFixture(t)

	qty := 10
	_, err := f.store.UpdateInventory(context.Background(), inventory.ItemUpdate{
		ProductID: "beer-1",
		Quantity:  &qty,
	})
	require.NoError(t, err)

	batch := mustJSON(t, []types.RFIDTag{
		{TagID: "T1", ProductID: "beer-1", RSSI: -45},
		{TagID: "T2", ProductID: "beer-1", RSSI: -50},
	})
	f.transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags", batch)

	item, ok := f.store.Item("beer-1")
	require.True(t, ok)
	assert.Len(t, item.Tags, 2)
}

func TestTagBatch_UnknownProductDropped(t *testing.T) {
	f := newFixture(t)

	batch := mustJSON(t, []types.RFIDTag{{TagID: "T1", ProductID: "ghost", RSSI: -45}})
	f.transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags", batch)

	assert.Equal(t, 0, f.store.Count())
}

func TestTagBatch_CountsReaderReads(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.RecordHeartbeat(context.Background(), reader.Heartbeat{ReaderID: "dock-1"})
	require.NoError(t, err)

	qty := 10
	_, err = f.store.UpdateInventory(context.Background(), inventory.ItemUpdate{
		ProductID: "p1",
		Quantity:  &qty,
	})
	require.NoError(t, err)

	batch := mustJSON(t, []types.RFIDTag{
		{TagID: "T1", ProductID: "p1"},
		{TagID: "T2", ProductID: "ghost"},
	})
	f.transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags", batch)

	r, ok := f.registry.Reader("dock-1")
	require.True(t, ok)
	// Only the applied read counts; the dropped one does not
	assert.Equal(t, int64(1), r.TagsRead)
}

func TestTagBatch_MissingTagTypeAccepted(t *testing.T) {
	f := newFixture(t)

	qty := 10
	_, err := f.store.UpdateInventory(context.Background(), inventory.ItemUpdate{
		ProductID: "p1",
		Quantity:  &qty,
	})
	require.NoError(t, err)

	// A read without a tag technology is still a valid read
	f.transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags",
		[]byte(`[{"tag_id":"T1","product_id":"p1","rssi":-50}]`))

	item, ok := f.store.Item("p1")
	require.True(t, ok)
	require.Len(t, item.Tags, 1)
	assert.Equal(t, "T1", item.Tags[0].TagID)
}

func TestTagBatch_DomainStructRoundTrips(t *testing.T) {
	f := newFixture(t)

	qty := 10
	_, err := f.store.UpdateInventory(context.Background(), inventory.ItemUpdate{
		ProductID: "p1",
		Quantity:  &qty,
	})
	require.NoError(t, err)

	// Marshaling the domain type with zero-value fields must produce a
	// payload the boundary schema accepts
	batch := mustJSON(t, []types.RFIDTag{{TagID: "T1", ProductID: "p1"}})
	f.transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags", batch)

	item, ok := f.store.Item("p1")
	require.True(t, ok)
	assert.Len(t, item.Tags, 1)
}

func TestTagBatch_MalformedPayloadRejected(t *testing.T) {
	f := newFixture(t)

	cases := map[string][]byte{
		"not json":          []byte(`{{{`),
		"not an array":      []byte(`{"tag_id":"T1"}`),
		"missing tag_id":    []byte(`[{"product_id":"p1"}]`),
		"rssi not a number": []byte(`[{"tag_id":"T1","product_id":"p1","rssi":"loud"}]`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			f.transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags", payload)
			assert.Equal(t, 0, f.store.Count())
		})
	}
}

func TestTagBatch_WeakSignalProducesFinding(t *testing.T) {
	f := newFixture(t)

	batch := mustJSON(t, []types.RFIDTag{{TagID: "T1", ProductID: "ghost", RSSI: -85}})
	f.transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags", batch)

	findings := f.sink.all()
	require.Len(t, findings, 1)
	assert.Equal(t, types.SecurityTagTampering, findings[0].Type)
}

func TestTagBatch_OutOfZoneProducesFinding(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.RecordHeartbeat(context.Background(), reader.Heartbeat{
		ReaderID: "dock-1",
		Type:     types.ReaderTypeFixed,
		Location: "Zone-A",
	})
	require.NoError(t, err)

	qty := 10
	loc := "Zone-B"
	_, err = f.store.UpdateInventory(context.Background(), inventory.ItemUpdate{
		ProductID: "p1",
		Quantity:  &qty,
		Location:  &loc,
	})
	require.NoError(t, err)

	batch := mustJSON(t, []types.RFIDTag{{TagID: "T1", ProductID: "p1", RSSI: -45}})
	f.transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags", batch)

	findings := f.sink.all()
	require.Len(t, findings, 1)
	assert.Equal(t, types.SecurityUnauthorizedRemoval, findings[0].Type)
	assert.Equal(t, "Zone-A", findings[0].Location)
}

func TestHeartbeat_RegistersReader(t *testing.T) {
	f := newFixture(t)

	payload := mustJSON(t, reader.Heartbeat{
		ReaderID: "dock-1",
		Type:     types.ReaderTypeFixed,
		Location: "Zone-A",
	})
	f.transport.deliver(t, types.SubjectReaderStatus, "rfid.dock-1.status", payload)

	r, ok := f.registry.Reader("dock-1")
	require.True(t, ok)
	assert.Equal(t, types.ReaderOnline, r.Status)
	assert.Equal(t, "Zone-A", r.Location)
}

func TestHeartbeat_SubjectTokenWins(t *testing.T) {
	f := newFixture(t)

	// Payload claims a different identity than the subject it arrived on
	payload := mustJSON(t, reader.Heartbeat{ReaderID: "impostor"})
	f.transport.deliver(t, types.SubjectReaderStatus, "rfid.dock-1.status", payload)

	_, ok := f.registry.Reader("impostor")
	assert.False(t, ok)
	_, ok = f.registry.Reader("dock-1")
	assert.True(t, ok)
}

func TestHeartbeat_PayloadWithoutReaderID(t *testing.T) {
	f := newFixture(t)

	// The subject carries the identity; the payload may omit it
	f.transport.deliver(t, types.SubjectReaderStatus, "rfid.dock-1.status",
		[]byte(`{"location":"Zone-A"}`))

	r, ok := f.registry.Reader("dock-1")
	require.True(t, ok)
	assert.Equal(t, "Zone-A", r.Location)
	assert.Equal(t, types.ReaderOnline, r.Status)
}

func TestHeartbeat_MalformedRejected(t *testing.T) {
	f := newFixture(t)

	f.transport.deliver(t, types.SubjectReaderStatus, "rfid.dock-1.status", []byte(`{"status":"warp"}`))
	assert.Equal(t, 0, f.registry.Count())
}

func TestInventoryUpdate_Applied(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"product_id":"beer-1","product_name":"Beer","quantity":12,"min_threshold":5}`)
	f.transport.deliver(t, types.SubjectInventoryUpdates, "inventory.beer-1.update", payload)

	item, ok := f.store.Item("beer-1")
	require.True(t, ok)
	assert.Equal(t, 12, item.Quantity)
	assert.Equal(t, types.StatusInStock, item.Status)
}

func TestInventoryUpdate_MalformedRejected(t *testing.T) {
	f := newFixture(t)

	cases := map[string][]byte{
		"missing product_id":  []byte(`{"quantity":5}`),
		"quantity wrong type": []byte(`{"product_id":"p1","quantity":"many"}`),
		"not json":            []byte(`!!`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			f.transport.deliver(t, types.SubjectInventoryUpdates, "inventory.p1.update", payload)
			assert.Equal(t, 0, f.store.Count())
		})
	}
}
