// Package types defines the shared domain model for the tagstream engine:
// tags, inventory items, readers, alerts, and audit reports.
package types

import "time"

// TagType identifies the radio technology of an RFID tag
type TagType string

// Supported tag technologies
const (
	TagTypeUHF TagType = "UHF"
	TagTypeNFC TagType = "NFC"
	TagTypeHF  TagType = "HF"
)

// RFIDTag is a single tag observation attached to an inventory item.
// ReadCount and LastSeen are mutated only by the tag event processor.
type RFIDTag struct {
	TagID       string    `json:"tag_id"`
	EPC         string    `json:"epc"`
	Type        TagType   `json:"type,omitempty"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name,omitempty"`
	Category    string    `json:"category,omitempty"`
	Location    string    `json:"location,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	RSSI        float64   `json:"rssi"`
	ReadCount   int64     `json:"read_count"`
}

// StockStatus is the derived stock state of an inventory item
type StockStatus string

// Stock statuses. IN_STOCK, LOW_STOCK, and OUT_OF_STOCK are derived from
// quantity and threshold; RESERVED and IN_TRANSIT are set externally and
// survive until the next quantity change re-derives the status.
const (
	StatusInStock    StockStatus = "IN_STOCK"
	StatusLowStock   StockStatus = "LOW_STOCK"
	StatusOutOfStock StockStatus = "OUT_OF_STOCK"
	StatusReserved   StockStatus = "RESERVED"
	StatusInTransit  StockStatus = "IN_TRANSIT"
)

// InventoryItem is the authoritative record for a product, including all
// tag observations currently attached to it.
type InventoryItem struct {
	ProductID    string      `json:"product_id"`
	ProductName  string      `json:"product_name"`
	Category     string      `json:"category,omitempty"`
	Quantity     int         `json:"quantity"`
	Unit         string      `json:"unit,omitempty"`
	Location     string      `json:"location,omitempty"`
	Status       StockStatus `json:"status"`
	MinThreshold int         `json:"min_threshold"`
	MaxThreshold int         `json:"max_threshold,omitempty"`
	Tags         []RFIDTag   `json:"tags"`
	LastUpdated  time.Time   `json:"last_updated"`
}

// Clone returns a deep copy safe to hand out of the store
func (i *InventoryItem) Clone() InventoryItem {
	clone := *i
	if i.Tags != nil {
		clone.Tags = make([]RFIDTag, len(i.Tags))
		copy(clone.Tags, i.Tags)
	}
	return clone
}

// FindTag returns a pointer to the tag observation with the given ID, or
// nil when the item has never seen that tag.
func (i *InventoryItem) FindTag(tagID string) *RFIDTag {
	for idx := range i.Tags {
		if i.Tags[idx].TagID == tagID {
			return &i.Tags[idx]
		}
	}
	return nil
}

// ReaderType distinguishes fixed-position readers from handheld scanners
type ReaderType string

// Reader types
const (
	ReaderTypeFixed    ReaderType = "fixed"
	ReaderTypeHandheld ReaderType = "handheld"
)

// ReaderStatus is the liveness state of a physical reader
type ReaderStatus string

// Reader statuses. A reader transitions to offline when the liveness sweep
// finds its last heartbeat older than the configured timeout; error is only
// set by an explicit status payload.
const (
	ReaderOnline  ReaderStatus = "online"
	ReaderOffline ReaderStatus = "offline"
	ReaderError   ReaderStatus = "error"
)

// RFIDReader tracks a physical reader's identity, location, and liveness
type RFIDReader struct {
	ReaderID      string       `json:"reader_id"`
	Type          ReaderType   `json:"type"`
	Location      string       `json:"location,omitempty"`
	Status        ReaderStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	TagsRead      int64        `json:"tags_read"`
}

// AlertLevel is the severity of an alert
type AlertLevel string

// Alert levels
const (
	LevelInfo     AlertLevel = "INFO"
	LevelWarning  AlertLevel = "WARNING"
	LevelCritical AlertLevel = "CRITICAL"
)

// AlertType classifies inventory alerts
type AlertType string

// Inventory alert types
const (
	AlertLowStock   AlertType = "low_stock"
	AlertOutOfStock AlertType = "out_of_stock"
	AlertTheft      AlertType = "theft"
	AlertAnomaly    AlertType = "anomaly"
)

// AlertNotification is a leveled, acknowledgeable inventory alert.
// Immutable except for Acknowledged, which is set exactly once.
type AlertNotification struct {
	AlertID      string     `json:"alert_id"`
	Level        AlertLevel `json:"level"`
	Type         AlertType  `json:"type"`
	ProductID    string     `json:"product_id,omitempty"`
	ProductName  string     `json:"product_name,omitempty"`
	Message      string     `json:"message"`
	Timestamp    time.Time  `json:"timestamp"`
	Acknowledged bool       `json:"acknowledged"`
}

// SecurityAlertType classifies security findings from the detector
type SecurityAlertType string

// Security finding types
const (
	SecurityUnauthorizedRemoval SecurityAlertType = "unauthorized_removal"
	SecurityTagTampering        SecurityAlertType = "tag_tampering"
	SecurityZoneBreach          SecurityAlertType = "zone_breach"
)

// SecurityAlert is an immutable security finding produced by the detector
type SecurityAlert struct {
	AlertID   string            `json:"alert_id"`
	Type      SecurityAlertType `json:"type"`
	TagID     string            `json:"tag_id"`
	ProductID string            `json:"product_id,omitempty"`
	Location  string            `json:"location,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  AlertLevel        `json:"severity"`
	Details   string            `json:"details,omitempty"`
}

// ScanCommand is published to a reader's command subject to request an
// immediate inventory scan.
type ScanCommand struct {
	Action string `json:"action"`
}

// ScanAction is the only command action readers currently support
const ScanAction = "scan"

// AckEvent is published when an alert is acknowledged
type AckEvent struct {
	AlertID string `json:"alert_id"`
}

// InventoryDiscrepancy records a divergence between recorded quantity and
// physically observed tag count for one product.
type InventoryDiscrepancy struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Location    string `json:"location,omitempty"`
	Expected    int    `json:"expected"`
	Actual      int    `json:"actual"`
	Difference  int    `json:"difference"`
}

// InventoryReport is the point-in-time result of a full-facility audit.
// Never mutated after creation.
type InventoryReport struct {
	ReportID         string                 `json:"report_id"`
	GeneratedAt      time.Time              `json:"generated_at"`
	DurationMillis   int64                  `json:"duration_ms"`
	TotalItems       int                    `json:"total_items"`
	TotalQuantity    int                    `json:"total_quantity"`
	CountsByStatus   map[StockStatus]int    `json:"counts_by_status"`
	CountsByCategory map[string]int         `json:"counts_by_category"`
	CountsByLocation map[string]int         `json:"counts_by_location"`
	ReadersPolled    []string               `json:"readers_polled"`
	Discrepancies    []InventoryDiscrepancy `json:"discrepancies"`
	Signature        string                 `json:"signature,omitempty"`
}
