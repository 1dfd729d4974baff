package domain

import (
	"encoding/json"
	"time"
)

// Measurement is the canonical record produced from either submission shape.
// The three slices are parallel and always of equal length.
type Measurement struct {
	DeviceID     string
	Timestamp    float64
	Channels     []string
	Temperatures []float64
	RawRegisters []int64
	ReceivedAt   time.Time
}

// StoredMeasurement is a persisted measurement row as returned by queries.
type StoredMeasurement struct {
	ID         int64
	DeviceID   string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// ChannelThreshold is the per-channel alert policy. A nil Threshold disables
// alerting for the channel regardless of Enabled.
type ChannelThreshold struct {
	ID               int64
	Channel          string
	Enabled          bool
	Threshold        *float64
	AlertIntervalSec int
	LastAlertTS      *float64
	UpdatedAt        time.Time
}

// AlertDecision is an evaluator verdict that a channel crossed its threshold
// outside the debounce window.
type AlertDecision struct {
	Channel     string
	Temperature float64
	Threshold   float64
	Measurement Measurement
}

// EmailSettings configures the outbound notification transport.
type EmailSettings struct {
	ID         int64
	Enabled    bool
	SMTPServer string
	SMTPPort   int
	Username   string
	Password   string
	FromEmail  string
	ToEmail    string
	UpdatedAt  time.Time
}

// ArchiveEntry describes one file inside a delivered device bundle.
type ArchiveEntry struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ArchiveSummary describes a delivered device file bundle.
type ArchiveSummary struct {
	Filename  string
	TotalSize int64
	Files     []ArchiveEntry
}
