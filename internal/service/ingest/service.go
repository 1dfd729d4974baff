package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aamitn/radixiot/internal/domain"
	"github.com/aamitn/radixiot/internal/repository"
	"github.com/aamitn/radixiot/internal/service/alerting"
	"github.com/aamitn/radixiot/internal/service/watchdog"
	"github.com/aamitn/radixiot/internal/ws"
)

// Service runs the ingestion pipeline: normalize, persist, evaluate
// thresholds, and fan out to observers.
type Service struct {
	measurements repository.MeasurementRepository
	evaluator    *alerting.Evaluator
	hub          *ws.Hub
	liveness     *watchdog.LivenessState
	logger       *slog.Logger
	now          func() time.Time
}

// New constructs a Service.
func New(measurements repository.MeasurementRepository, evaluator *alerting.Evaluator, hub *ws.Hub, liveness *watchdog.LivenessState, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "ingest")
	}
	return &Service{
		measurements: measurements,
		evaluator:    evaluator,
		hub:          hub,
		liveness:     liveness,
		logger:       logger,
		now:          time.Now,
	}
}

// IngestMeasurement runs one normalized measurement through the pipeline.
// Broadcast ordering relative to the persistence commit is not guaranteed.
func (s *Service) IngestMeasurement(ctx context.Context, m domain.Measurement) error {
	receivedAt := s.now().UTC()
	m.ReceivedAt = receivedAt
	s.liveness.Touch(receivedAt)

	payload, err := json.Marshal(map[string]any{
		"timestamp":     m.Timestamp,
		"device_id":     m.DeviceID,
		"channels":      m.Channels,
		"temperatures":  m.Temperatures,
		"raw_registers": m.RawRegisters,
	})
	if err != nil {
		return err
	}
	if err := s.measurements.InsertMeasurement(ctx, m.DeviceID, payload, receivedAt); err != nil {
		return err
	}

	for _, decision := range s.evaluator.Evaluate(ctx, m) {
		s.evaluator.Dispatch(ctx, decision)
	}

	envelope, err := MarshalMeasurement(m)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal measurement envelope", "error", err)
		}
		return nil
	}
	s.hub.Broadcast(ws.PoolObserver, envelope)
	if s.logger != nil {
		s.logger.Info("measurement ingested",
			"device_id", m.DeviceID,
			"channels", len(m.Channels))
	}
	return nil
}

// IngestFrame handles one raw stream message from a device connection and
// reports whether it was a measurement. Measurement candidates run the full
// pipeline; anything else is relayed to observers as a gateway message. A bad
// frame never fails the connection.
func (s *Service) IngestFrame(ctx context.Context, raw []byte) bool {
	frame := ClassifyFrame(raw)
	if frame.Measurement != nil {
		if err := s.IngestMeasurement(ctx, *frame.Measurement); err != nil && s.logger != nil {
			s.logger.Error("failed to ingest stream measurement", "error", err)
		}
		return true
	}

	receivedAt := s.now().UTC()
	s.liveness.Touch(receivedAt)
	envelope, err := json.Marshal(map[string]any{
		"type":        "gateway_message",
		"content":     frame.Opaque,
		"received_at": receivedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal gateway message", "error", err)
		}
		return false
	}
	s.hub.Broadcast(ws.PoolObserver, envelope)
	return false
}

// MarshalMeasurement encodes the observer-pool measurement envelope.
func MarshalMeasurement(m domain.Measurement) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":          "measurement",
		"timestamp":     m.Timestamp,
		"device_id":     m.DeviceID,
		"channels":      m.Channels,
		"temperatures":  m.Temperatures,
		"raw_registers": m.RawRegisters,
		"received_at":   m.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
}
