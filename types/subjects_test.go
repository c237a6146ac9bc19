package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMiddleToken(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{"rfid.dock-1.tags", "dock-1", true},
		{"rfid.dock-1.status", "dock-1", true},
		{"inventory.beer-1.update", "beer-1", true},
		{"rfid..tags", "", false},
		{"rfid.tags", "", false},
		{"rfid.dock-1.tags.extra", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, ok := MiddleToken(tt.subject)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReaderCommandSubject(t *testing.T) {
	assert.Equal(t, "rfid.dock-1.command", ReaderCommandSubject("dock-1"))
}
