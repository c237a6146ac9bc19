// Package inventory owns the authoritative in-memory map of inventory
// items and their attached tag observations. Stock status is derived from
// quantity and threshold; threshold breaches raise alerts through the
// dispatcher with a per-product debounce.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/tagstream/errors"
	"github.com/c360/tagstream/metric"
	"github.com/c360/tagstream/types"
)

// Notifier raises inventory alerts. Implemented by alert.Dispatcher.
type Notifier interface {
	Notify(
		ctx context.Context,
		level types.AlertLevel,
		alertType types.AlertType,
		productID, productName, message string,
	) types.AlertNotification
}

// ItemUpdate carries a partial inventory update. Nil fields are left
// untouched by the merge.
type ItemUpdate struct {
	ProductID    string             `json:"product_id"`
	ProductName  *string            `json:"product_name,omitempty"`
	Category     *string            `json:"category,omitempty"`
	Quantity     *int               `json:"quantity,omitempty"`
	Unit         *string            `json:"unit,omitempty"`
	Location     *string            `json:"location,omitempty"`
	Status       *types.StockStatus `json:"status,omitempty"`
	MinThreshold *int               `json:"min_threshold,omitempty"`
	MaxThreshold *int               `json:"max_threshold,omitempty"`
}

// StoreDeps holds runtime dependencies for the inventory store
type StoreDeps struct {
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metric.Metrics

	// LowStockDebounce suppresses a repeat of an identical threshold alert
	// for the same product within this window. Zero disables debouncing.
	LowStockDebounce time.Duration
}

type alertStamp struct {
	alertType types.AlertType
	at        time.Time
}

// Store is the authoritative inventory map. All mutation goes through the
// store mutex, which serializes concurrent tag batches referencing the
// same product.
type Store struct {
	notifier Notifier
	logger   *slog.Logger
	metrics  *metric.Metrics
	debounce time.Duration

	mu        sync.RWMutex
	items     map[string]*types.InventoryItem
	lastAlert map[string]alertStamp
}

// NewStore creates an inventory store
func NewStore(deps StoreDeps) *Store {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "inventory-store")
	}
	return &Store{
		notifier:  deps.Notifier,
		logger:    logger,
		metrics:   deps.Metrics,
		debounce:  deps.LowStockDebounce,
		items:     make(map[string]*types.InventoryItem),
		lastAlert: make(map[string]alertStamp),
	}
}

// DeriveStatus returns the stock status implied by quantity and threshold
func DeriveStatus(quantity, minThreshold int) types.StockStatus {
	switch {
	case quantity <= 0:
		return types.StatusOutOfStock
	case quantity <= minThreshold:
		return types.StatusLowStock
	default:
		return types.StatusInStock
	}
}

// UpdateInventory merges a partial update by product ID (upsert semantics)
// and re-derives the stock status. An explicit RESERVED or IN_TRANSIT
// status is preserved as externally set; derived statuses in the update
// are ignored in favor of the derivation rule.
func (s *Store) UpdateInventory(ctx context.Context, update ItemUpdate) (types.InventoryItem, error) {
	if update.ProductID == "" {
		return types.InventoryItem{}, errors.WrapInvalid(
			errors.ErrMalformedPayload, "Store", "UpdateInventory", "missing product_id")
	}

	s.mu.Lock()

	item, exists := s.items[update.ProductID]
	if !exists {
		item = &types.InventoryItem{
			ProductID: update.ProductID,
			Tags:      []types.RFIDTag{},
		}
		s.items[update.ProductID] = item
	}

	if update.ProductName != nil {
		item.ProductName = *update.ProductName
	}
	if update.Category != nil {
		item.Category = *update.Category
	}
	if update.Quantity != nil {
		item.Quantity = *update.Quantity
	}
	if update.Unit != nil {
		item.Unit = *update.Unit
	}
	if update.Location != nil {
		item.Location = *update.Location
	}
	if update.MinThreshold != nil {
		item.MinThreshold = *update.MinThreshold
	}
	if update.MaxThreshold != nil {
		item.MaxThreshold = *update.MaxThreshold
	}

	externalStatus := update.Status != nil &&
		(*update.Status == types.StatusReserved || *update.Status == types.StatusInTransit)
	if externalStatus && update.Quantity == nil {
		item.Status = *update.Status
		item.LastUpdated = time.Now().UTC()
		result := item.Clone()
		itemCount := len(s.items)
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordInventoryItems(itemCount)
		}
		return result, nil
	}

	transition := s.applyDerivationLocked(item)
	item.LastUpdated = time.Now().UTC()
	result := item.Clone()
	itemCount := len(s.items)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordInventoryItems(itemCount)
	}
	s.emitTransitionAlert(ctx, result, transition)

	return result, nil
}

// ApplyTagRead attaches or refreshes a tag observation on the owning item.
// Reads for unknown products are dropped: no item is fabricated.
func (s *Store) ApplyTagRead(_ context.Context, tag types.RFIDTag) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[tag.ProductID]
	if !exists {
		return errors.WrapInvalid(errors.ErrUnknownProduct, "Store", "ApplyTagRead", "resolve product")
	}

	if existing := item.FindTag(tag.TagID); existing != nil {
		existing.LastSeen = now
		existing.RSSI = tag.RSSI
		existing.ReadCount++
		if tag.Location != "" {
			existing.Location = tag.Location
		}
	} else {
		tag.LastSeen = now
		if tag.ReadCount == 0 {
			tag.ReadCount = 1
		}
		item.Tags = append(item.Tags, tag)
	}

	item.LastUpdated = now
	return nil
}

// SweepStatus re-derives the stock status of every item. Called by the
// engine's periodic inventory sweep so externally bumped quantities and
// missed transitions converge.
func (s *Store) SweepStatus(ctx context.Context) {
	s.mu.Lock()
	type pending struct {
		item       types.InventoryItem
		transition types.StockStatus
	}
	var transitions []pending
	for _, item := range s.items {
		if t := s.applyDerivationLocked(item); t != "" {
			transitions = append(transitions, pending{item: item.Clone(), transition: t})
		}
	}
	s.mu.Unlock()

	for _, p := range transitions {
		s.emitTransitionAlert(ctx, p.item, p.transition)
	}
}

// Item returns a copy of one inventory item
func (s *Store) Item(productID string) (types.InventoryItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[productID]
	if !exists {
		return types.InventoryItem{}, false
	}
	return item.Clone(), true
}

// All returns copies of every item, ordered by product ID
func (s *Store) All() []types.InventoryItem {
	s.mu.RLock()
	out := make([]types.InventoryItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

// Count returns the number of tracked items
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// BelowThreshold returns items whose quantity is at or below the given
// threshold. A negative threshold means each item's own MinThreshold.
func (s *Store) BelowThreshold(threshold int) []types.InventoryItem {
	var out []types.InventoryItem
	for _, item := range s.All() {
		limit := threshold
		if limit < 0 {
			limit = item.MinThreshold
		}
		if item.Quantity <= limit {
			out = append(out, item)
		}
	}
	return out
}

// applyDerivationLocked re-derives the item's status and returns the new
// status when the item transitioned into an alertable state, or "" when
// no alert is due. Caller holds s.mu.
func (s *Store) applyDerivationLocked(item *types.InventoryItem) types.StockStatus {
	derived := DeriveStatus(item.Quantity, item.MinThreshold)
	if derived == item.Status {
		return ""
	}
	previous := item.Status
	item.Status = derived

	s.logger.Debug("stock status changed",
		"product_id", item.ProductID,
		"from", previous,
		"to", derived,
		"quantity", item.Quantity)

	if derived == types.StatusInStock {
		// The stamp survives a recovery so oscillation around the threshold
		// stays suppressed; it is dropped once the window has passed.
		if stamp, ok := s.lastAlert[item.ProductID]; ok {
			if s.debounce <= 0 || time.Since(stamp.at) >= s.debounce {
				delete(s.lastAlert, item.ProductID)
			}
		}
		return ""
	}
	return derived
}

// emitTransitionAlert raises the alert for a transition into LOW_STOCK or
// OUT_OF_STOCK, applying the per-product debounce so quantity oscillation
// around the threshold cannot storm the alert log.
func (s *Store) emitTransitionAlert(ctx context.Context, item types.InventoryItem, transition types.StockStatus) {
	if transition == "" || s.notifier == nil {
		return
	}

	var (
		level     types.AlertLevel
		alertType types.AlertType
		message   string
	)
	switch transition {
	case types.StatusOutOfStock:
		level = types.LevelCritical
		alertType = types.AlertOutOfStock
		message = fmt.Sprintf("%s is out of stock", item.ProductName)
	case types.StatusLowStock:
		level = types.LevelWarning
		alertType = types.AlertLowStock
		message = fmt.Sprintf("%s is low on stock: %d %s remaining (threshold %d)",
			item.ProductName, item.Quantity, item.Unit, item.MinThreshold)
	default:
		return
	}

	now := time.Now()
	s.mu.Lock()
	stamp, seen := s.lastAlert[item.ProductID]
	if seen && stamp.alertType == alertType && s.debounce > 0 && now.Sub(stamp.at) < s.debounce {
		s.mu.Unlock()
		s.logger.Debug("alert debounced",
			"product_id", item.ProductID, "type", alertType)
		return
	}
	s.lastAlert[item.ProductID] = alertStamp{alertType: alertType, at: now}
	s.mu.Unlock()

	s.notifier.Notify(ctx, level, alertType, item.ProductID, item.ProductName, message)
}
