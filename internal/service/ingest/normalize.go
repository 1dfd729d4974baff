package ingest

import (
	"encoding/json"
	"errors"

	"github.com/aamitn/radixiot/internal/domain"
)

// ErrMalformedPayload rejects a structured submission that cannot be
// normalized. The stream path never surfaces it; a bad frame downgrades to an
// opaque event instead.
var ErrMalformedPayload = errors.New("ingest: malformed payload")

// Submission is the strict request-style measurement shape. Every field is
// required; the timestamp is a pointer so an absent field is distinguishable
// from zero.
type Submission struct {
	Timestamp    *float64  `json:"timestamp"`
	DeviceID     string    `json:"device_id"`
	Channels     []string  `json:"channels"`
	Temperatures []float64 `json:"temperatures"`
	RawRegisters []int64   `json:"raw_registers"`
}

// Normalize validates the submission and produces the canonical record.
// Empty-but-present parallel arrays are accepted; the equal-length invariant
// holds trivially.
func (s Submission) Normalize() (domain.Measurement, error) {
	if s.DeviceID == "" || s.Timestamp == nil {
		return domain.Measurement{}, ErrMalformedPayload
	}
	if s.Channels == nil || s.Temperatures == nil || s.RawRegisters == nil {
		return domain.Measurement{}, ErrMalformedPayload
	}
	if len(s.Channels) != len(s.Temperatures) || len(s.Channels) != len(s.RawRegisters) {
		return domain.Measurement{}, ErrMalformedPayload
	}
	return domain.Measurement{
		DeviceID:     s.DeviceID,
		Timestamp:    *s.Timestamp,
		Channels:     s.Channels,
		Temperatures: s.Temperatures,
		RawRegisters: s.RawRegisters,
	}, nil
}

// Frame is the tagged result of classifying a loose stream message: either a
// normalized measurement or an opaque gateway event. Exactly one field is set.
type Frame struct {
	Measurement *domain.Measurement
	Opaque      json.RawMessage
}

// ClassifyFrame decides once, at the boundary, what a stream message is.
// A measurement candidate carries a device_id at the top level or nested
// under "data"; everything else, including unparseable text, is relayed as an
// opaque event rather than failing the connection.
func ClassifyFrame(raw []byte) Frame {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(raw)})
		return Frame{Opaque: wrapped}
	}

	candidate := raw
	if nested, ok := probe["data"]; ok {
		candidate = nested
	} else if _, ok := probe["device_id"]; !ok {
		return Frame{Opaque: append(json.RawMessage(nil), raw...)}
	}

	var sub Submission
	if err := json.Unmarshal(candidate, &sub); err != nil {
		return Frame{Opaque: append(json.RawMessage(nil), raw...)}
	}
	m, err := sub.Normalize()
	if err != nil {
		return Frame{Opaque: append(json.RawMessage(nil), raw...)}
	}
	return Frame{Measurement: &m}
}
