package types

import (
	"fmt"
	"strings"
)

// Transport subjects. Inbound subjects carry a wildcard reader or product
// token; the concrete ID is recovered from the delivered subject.
const (
	SubjectTagReads         = "rfid.*.tags"
	SubjectReaderStatus     = "rfid.*.status"
	SubjectInventoryUpdates = "inventory.*.update"
	SubjectAlerts           = "inventory.alerts"
	SubjectSecurityAlerts   = "inventory.security.alerts"
	SubjectReports          = "inventory.reports"
	SubjectAlertAcks        = "inventory.alerts.acknowledged"
)

// ReaderCommandSubject returns the command subject for a specific reader
func ReaderCommandSubject(readerID string) string {
	return fmt.Sprintf("rfid.%s.command", readerID)
}

// MiddleToken extracts the ID token from a three-part subject such as
// "rfid.dock-3.tags" or "inventory.beer-1.update". Returns false when the
// subject does not have exactly three tokens or the ID is empty.
func MiddleToken(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
