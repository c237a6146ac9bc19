package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tagstream/config"
	"github.com/c360/tagstream/natsclient"
	"github.com/c360/tagstream/types"
)

// fakeTransport implements Transport in-process: subscriptions are kept by
// pattern and tests deliver messages straight to the handlers.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]natsclient.Handler
	messages  map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]natsclient.Handler),
		messages: make(map[string][][]byte),
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, subject string, handler natsclient.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = handler
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[subject] = append(f.messages[subject], data)
	return nil
}

func (f *fakeTransport) Flush() error { return nil }

func (f *fakeTransport) IsHealthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) deliver(t *testing.T, pattern, subject string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	handler, ok := f.handlers[pattern]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for %s", pattern)
	handler(context.Background(), subject, data)
}

func (f *fakeTransport) published(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[subject]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Policy.InventorySweepInterval = config.Duration(10 * time.Millisecond)
	cfg.Policy.LivenessSweepInterval = config.Duration(10 * time.Millisecond)
	cfg.Policy.AuditCollectionWindow = config.Duration(5 * time.Millisecond)
	return cfg
}

func startTestEngine(t *testing.T) (*Engine, *fakeTransport) {
	t.Helper()

	transport := newFakeTransport()
	e, err := New(testConfig(), Deps{Transport: transport})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })

	return e, transport
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(nil, Deps{})
	require.Error(t, err)
}

func TestEngine_StartStop(t *testing.T) {
	transport := newFakeTransport()
	e, err := New(testConfig(), Deps{Transport: transport})
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	require.Error(t, e.Start(context.Background()))
	assert.True(t, e.Health().Healthy)

	require.NoError(t, e.Stop(time.Second))
	require.Error(t, e.Stop(time.Second))
	assert.False(t, e.Health().Healthy)
}

func TestEngine_InventoryFlow(t *testing.T) {
	e, transport := startTestEngine(t)

	transport.deliver(t, types.SubjectInventoryUpdates, "inventory.beer-1.update",
		map[string]any{
			"product_id":    "beer-1",
			"product_name":  "Beer",
			"quantity":      5,
			"min_threshold": 10,
		})

	item, err := e.MonitorInventory("beer-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusLowStock, item.Status)

	all := e.GetAllInventory()
	require.Len(t, all, 1)

	low := e.LowStockAlert(-1)
	require.Len(t, low, 1)
	assert.Equal(t, "beer-1", low[0].ProductID)

	alerts := e.GetAllAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertLowStock, alerts[0].Type)

	// The alert also went out on the wire
	assert.Len(t, transport.published(types.SubjectAlerts), 1)
}

func TestEngine_MonitorUnknownProduct(t *testing.T) {
	e, _ := startTestEngine(t)
	_, err := e.MonitorInventory("ghost")
	require.Error(t, err)
}

func TestEngine_ReaderAndTagFlow(t *testing.T) {
	e, transport := startTestEngine(t)

	transport.deliver(t, types.SubjectReaderStatus, "rfid.dock-1.status",
		map[string]any{"reader_id": "dock-1", "type": "fixed", "location": "Zone-A"})

	readers := e.GetAllReaders()
	require.Len(t, readers, 1)
	assert.Equal(t, types.ReaderOnline, readers[0].Status)

	transport.deliver(t, types.SubjectInventoryUpdates, "inventory.p1.update",
		map[string]any{"product_id": "p1", "quantity": 2, "location": "Zone-A"})

	transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags",
		[]map[string]any{{"tag_id": "T1", "product_id": "p1", "rssi": -45.0}})

	item, err := e.MonitorInventory("p1")
	require.NoError(t, err)
	require.Len(t, item.Tags, 1)
	assert.Equal(t, "T1", item.Tags[0].TagID)
}

func TestEngine_AntiTheftMonitoring(t *testing.T) {
	e, transport := startTestEngine(t)

	transport.deliver(t, types.SubjectReaderStatus, "rfid.dock-1.status",
		map[string]any{"reader_id": "dock-1", "type": "fixed", "location": "Zone-A"})
	transport.deliver(t, types.SubjectInventoryUpdates, "inventory.p1.update",
		map[string]any{"product_id": "p1", "quantity": 5, "location": "Zone-B"})

	// A fixed reader in Zone-A sees a Zone-B item
	transport.deliver(t, types.SubjectTagReads, "rfid.dock-1.tags",
		[]map[string]any{{"tag_id": "T1", "product_id": "p1", "rssi": -45.0}})

	findings := e.AntiTheftMonitoring()
	require.Len(t, findings, 1)
	assert.Equal(t, types.SecurityUnauthorizedRemoval, findings[0].Type)

	assert.Len(t, transport.published(types.SubjectSecurityAlerts), 1)
}

func TestEngine_AcknowledgeAlert(t *testing.T) {
	e, transport := startTestEngine(t)

	transport.deliver(t, types.SubjectInventoryUpdates, "inventory.p1.update",
		map[string]any{"product_id": "p1", "quantity": 0})

	alerts := e.GetAllAlerts()
	require.Len(t, alerts, 1)

	require.NoError(t, e.AcknowledgeAlert(context.Background(), alerts[0].AlertID))
	require.NoError(t, e.AcknowledgeAlert(context.Background(), alerts[0].AlertID))

	acked := e.GetAllAlerts()
	assert.True(t, acked[0].Acknowledged)

	require.Error(t, e.AcknowledgeAlert(context.Background(), "no-such-alert"))
}

func TestEngine_AutoInventoryCheck(t *testing.T) {
	e, transport := startTestEngine(t)

	transport.deliver(t, types.SubjectReaderStatus, "rfid.dock-1.status",
		map[string]any{"reader_id": "dock-1"})
	transport.deliver(t, types.SubjectInventoryUpdates, "inventory.p1.update",
		map[string]any{"product_id": "p1", "quantity": 3})

	report, err := e.AutoInventoryCheck(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"dock-1"}, report.ReadersPolled)
	assert.Equal(t, 1, report.TotalItems)
	// 3 recorded, 0 observed tags
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, -3, report.Discrepancies[0].Difference)

	require.Len(t, transport.published(types.ReaderCommandSubject("dock-1")), 1)
	require.Len(t, transport.published(types.SubjectReports), 1)
}

func TestEngine_SubscribeAlerts(t *testing.T) {
	e, transport := startTestEngine(t)

	ch, cancel := e.SubscribeAlerts()
	defer cancel()

	transport.deliver(t, types.SubjectInventoryUpdates, "inventory.p1.update",
		map[string]any{"product_id": "p1", "quantity": 0})

	select {
	case got := <-ch:
		assert.Equal(t, types.AlertOutOfStock, got.Type)
	case <-time.After(time.Second):
		t.Fatal("no alert delivered to subscriber")
	}
}

func TestEngine_PeriodicSweepsRun(t *testing.T) {
	e, transport := startTestEngine(t)

	transport.deliver(t, types.SubjectReaderStatus, "rfid.dock-1.status",
		map[string]any{"reader_id": "dock-1"})

	// Force the reader stale by using a config the sweep will act on: the
	// default heartbeat timeout is minutes, so instead verify the sweep
	// loop keeps statuses converged for inventory.
	transport.deliver(t, types.SubjectInventoryUpdates, "inventory.p1.update",
		map[string]any{"product_id": "p1", "quantity": 50, "min_threshold": 10})

	require.Eventually(t, func() bool {
		item, err := e.MonitorInventory("p1")
		return err == nil && item.Status == types.StatusInStock
	}, time.Second, 10*time.Millisecond)
}
