// Package detector runs stateless security analysis over tag-read
// batches. Each analysis sees the batch plus point-in-time snapshots of
// the reader registry and the inventory store; it holds no state of its
// own, so the same inputs always yield the same findings.
package detector

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tagstream/types"
)

// Policy holds the tunable detection thresholds
type Policy struct {
	// RSSITamperThreshold is the signal strength (dBm) below which a read
	// is flagged as possible tampering or shielding.
	RSSITamperThreshold float64
}

// DefaultPolicy returns the standard detection thresholds
func DefaultPolicy() Policy {
	return Policy{RSSITamperThreshold: -80}
}

// Detector analyzes tag-read batches for security anomalies
type Detector struct {
	policy Policy
	logger *slog.Logger
}

// New creates a detector with the given policy
func New(policy Policy, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default().With("component", "detector")
	}
	return &Detector{policy: policy, logger: logger}
}

// Analyze inspects one batch of tag reads from a single reader and
// returns zero or more security findings:
//
//   - unauthorized_removal (CRITICAL): a fixed reader observed a tag whose
//     owning item belongs to a different zone. Fixed readers only
//     legitimately see tags of their own zone.
//   - tag_tampering (WARNING): the read's signal strength fell below the
//     tamper threshold.
//
// Handheld readers roam, so the zone rule applies to fixed readers only.
func (d *Detector) Analyze(
	readerID string,
	tags []types.RFIDTag,
	readerSnapshot map[string]types.RFIDReader,
	inventorySnapshot map[string]types.InventoryItem,
) []types.SecurityAlert {
	now := time.Now().UTC()
	rdr, readerKnown := readerSnapshot[readerID]

	var findings []types.SecurityAlert
	for _, tag := range tags {
		if readerKnown && rdr.Type == types.ReaderTypeFixed && rdr.Location != "" {
			if item, ok := inventorySnapshot[tag.ProductID]; ok &&
				item.Location != "" && item.Location != rdr.Location {
				findings = append(findings, types.SecurityAlert{
					AlertID:   uuid.NewString(),
					Type:      types.SecurityUnauthorizedRemoval,
					TagID:     tag.TagID,
					ProductID: tag.ProductID,
					Location:  rdr.Location,
					Timestamp: now,
					Severity:  types.LevelCritical,
					Details: fmt.Sprintf(
						"tag assigned to %s observed by fixed reader %s in %s",
						item.Location, readerID, rdr.Location),
				})
			}
		}

		if tag.RSSI < d.policy.RSSITamperThreshold {
			findings = append(findings, types.SecurityAlert{
				AlertID:   uuid.NewString(),
				Type:      types.SecurityTagTampering,
				TagID:     tag.TagID,
				ProductID: tag.ProductID,
				Location:  tag.Location,
				Timestamp: now,
				Severity:  types.LevelWarning,
				Details: fmt.Sprintf("signal strength %.1f dBm below threshold %.1f dBm",
					tag.RSSI, d.policy.RSSITamperThreshold),
			})
		}
	}

	if len(findings) > 0 {
		d.logger.Debug("analysis produced findings",
			"reader_id", readerID,
			"tags", len(tags),
			"findings", len(findings))
	}
	return findings
}
