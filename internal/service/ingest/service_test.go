package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aamitn/radixiot/internal/domain"
	"github.com/aamitn/radixiot/internal/repository"
	"github.com/aamitn/radixiot/internal/service/alerting"
	"github.com/aamitn/radixiot/internal/service/watchdog"
	"github.com/aamitn/radixiot/internal/ws"
)

type insertedRow struct {
	deviceID   string
	payload    []byte
	receivedAt time.Time
}

type measurementStore struct {
	mu   sync.Mutex
	rows []insertedRow
}

func (s *measurementStore) InsertMeasurement(_ context.Context, deviceID string, payload []byte, receivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, insertedRow{deviceID, append([]byte(nil), payload...), receivedAt})
	return nil
}

func (s *measurementStore) ListMeasurements(_ context.Context, _ repository.MeasurementFilter) ([]domain.StoredMeasurement, error) {
	return nil, nil
}

func (s *measurementStore) CountMeasurements(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *measurementStore) DeleteOldestMeasurements(_ context.Context, _ int) (int64, error) {
	return 0, nil
}

func (s *measurementStore) DeleteMeasurementsBetween(_ context.Context, _, _ time.Time) (int64, error) {
	return 0, nil
}

func (s *measurementStore) inserted() []insertedRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]insertedRow, len(s.rows))
	copy(out, s.rows)
	return out
}

type thresholdStore struct {
	policies []domain.ChannelThreshold
}

func (s *thresholdStore) ListThresholds(_ context.Context) ([]domain.ChannelThreshold, error) {
	return s.policies, nil
}

func (s *thresholdStore) UpsertThreshold(_ context.Context, _ domain.ChannelThreshold) error {
	return nil
}

func (s *thresholdStore) SetLastAlert(_ context.Context, channel string, ts float64) error {
	for i := range s.policies {
		if s.policies[i].Channel == channel {
			stamp := ts
			s.policies[i].LastAlertTS = &stamp
		}
	}
	return nil
}

type emailStore struct{}

func (emailStore) GetEmailSettings(_ context.Context) (*domain.EmailSettings, error) {
	return nil, repository.ErrNotFound
}

func (emailStore) SaveEmailSettings(_ context.Context, _ domain.EmailSettings) error {
	return nil
}

type captureSubscriber struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *captureSubscriber) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), payload...))
	return nil
}

func (c *captureSubscriber) Close() {}

func (c *captureSubscriber) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func floatPtr(v float64) *float64 { return &v }

func newPipeline(policies []domain.ChannelThreshold) (*Service, *measurementStore, *captureSubscriber, *watchdog.LivenessState, time.Time) {
	store := &measurementStore{}
	thresholds := &thresholdStore{policies: policies}
	evaluator := alerting.NewEvaluator(thresholds, emailStore{}, nil, nil)
	hub := ws.NewHub(nil)
	observer := &captureSubscriber{}
	hub.Join(ws.PoolObserver, observer)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	liveness := watchdog.NewLivenessState(5000, at.Add(-time.Hour))

	svc := New(store, evaluator, hub, liveness, nil)
	svc.now = func() time.Time { return at }
	return svc, store, observer, liveness, at
}

func TestIngestMeasurementPipeline(t *testing.T) {
	svc, store, observer, liveness, at := newPipeline([]domain.ChannelThreshold{
		{Channel: "T1", Enabled: true, Threshold: floatPtr(35.0), AlertIntervalSec: 300},
	})

	m := domain.Measurement{
		DeviceID:     "umx-1",
		Timestamp:    1700000000,
		Channels:     []string{"T1", "T2"},
		Temperatures: []float64{36.0, 20.0},
		RawRegisters: []int64{360, 200},
	}
	if err := svc.IngestMeasurement(context.Background(), m); err != nil {
		t.Fatalf("ingestion failed: %v", err)
	}

	rows := store.inserted()
	if len(rows) != 1 {
		t.Fatalf("expected one persisted row, got %d", len(rows))
	}
	if rows[0].deviceID != "umx-1" || !rows[0].receivedAt.Equal(at) {
		t.Fatalf("unexpected row: %+v", rows[0])
	}

	if !liveness.LastData().Equal(at) {
		t.Fatalf("liveness not touched: %v", liveness.LastData())
	}

	msgs := observer.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one observer broadcast, got %d", len(msgs))
	}
	var envelope struct {
		Type         string    `json:"type"`
		DeviceID     string    `json:"device_id"`
		Channels     []string  `json:"channels"`
		Temperatures []float64 `json:"temperatures"`
		ReceivedAt   string    `json:"received_at"`
	}
	if err := json.Unmarshal(msgs[0], &envelope); err != nil {
		t.Fatalf("envelope not JSON: %v", err)
	}
	if envelope.Type != "measurement" || envelope.DeviceID != "umx-1" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if len(envelope.Channels) != 2 || len(envelope.Temperatures) != 2 {
		t.Fatalf("envelope must carry every channel: %+v", envelope)
	}
	if envelope.ReceivedAt == "" {
		t.Fatal("envelope must carry received_at")
	}
}

func TestIngestFrameMeasurementPath(t *testing.T) {
	svc, store, _, _, _ := newPipeline(nil)
	raw := []byte(`{"timestamp":1700000000,"device_id":"umx-1","channels":["T1"],"temperatures":[21.5],"raw_registers":[215]}`)

	if !svc.IngestFrame(context.Background(), raw) {
		t.Fatal("measurement frame must report true")
	}
	if len(store.inserted()) != 1 {
		t.Fatal("measurement frame must be persisted")
	}
}

func TestIngestFrameOpaquePath(t *testing.T) {
	svc, store, observer, liveness, at := newPipeline(nil)

	if svc.IngestFrame(context.Background(), []byte("sensor booting")) {
		t.Fatal("opaque frame must report false")
	}
	if len(store.inserted()) != 0 {
		t.Fatal("opaque frames must not be persisted")
	}
	if !liveness.LastData().Equal(at) {
		t.Fatal("opaque frames still prove the device is alive")
	}

	msgs := observer.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one relay broadcast, got %d", len(msgs))
	}
	var envelope struct {
		Type       string          `json:"type"`
		Content    json.RawMessage `json:"content"`
		ReceivedAt string          `json:"received_at"`
	}
	if err := json.Unmarshal(msgs[0], &envelope); err != nil {
		t.Fatalf("envelope not JSON: %v", err)
	}
	if envelope.Type != "gateway_message" {
		t.Fatalf("expected gateway_message, got %q", envelope.Type)
	}
	var wrapped map[string]string
	if err := json.Unmarshal(envelope.Content, &wrapped); err != nil {
		t.Fatalf("content not JSON: %v", err)
	}
	if wrapped["raw"] != "sensor booting" {
		t.Fatalf("relayed text lost: %q", wrapped["raw"])
	}
}
