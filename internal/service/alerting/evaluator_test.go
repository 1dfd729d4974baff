package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aamitn/radixiot/internal/domain"
	"github.com/aamitn/radixiot/internal/repository"
)

type thresholdStore struct {
	policies []domain.ChannelThreshold
	listErr  error
	setErr   error
	setCalls []string
}

func (s *thresholdStore) ListThresholds(_ context.Context) ([]domain.ChannelThreshold, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.ChannelThreshold, len(s.policies))
	copy(out, s.policies)
	return out, nil
}

func (s *thresholdStore) UpsertThreshold(_ context.Context, threshold domain.ChannelThreshold) error {
	for i := range s.policies {
		if s.policies[i].Channel == threshold.Channel {
			s.policies[i] = threshold
			return nil
		}
	}
	s.policies = append(s.policies, threshold)
	return nil
}

func (s *thresholdStore) SetLastAlert(_ context.Context, channel string, ts float64) error {
	s.setCalls = append(s.setCalls, channel)
	if s.setErr != nil {
		return s.setErr
	}
	for i := range s.policies {
		if s.policies[i].Channel == channel {
			stamp := ts
			s.policies[i].LastAlertTS = &stamp
			return nil
		}
	}
	return repository.ErrNotFound
}

type emailStore struct {
	settings *domain.EmailSettings
	err      error
}

func (s *emailStore) GetEmailSettings(_ context.Context) (*domain.EmailSettings, error) {
	if s.err != nil {
		return nil, s.err
	}
	copied := *s.settings
	return &copied, nil
}

func (s *emailStore) SaveEmailSettings(_ context.Context, settings domain.EmailSettings) error {
	s.settings = &settings
	return nil
}

type notifierStub struct {
	sent []domain.AlertDecision
	err  error
}

func (n *notifierStub) SendTemperatureAlert(_ context.Context, decision domain.AlertDecision, _ domain.EmailSettings) error {
	n.sent = append(n.sent, decision)
	return n.err
}

func floatPtr(v float64) *float64 { return &v }

func policy(channel string, threshold float64) domain.ChannelThreshold {
	return domain.ChannelThreshold{
		Channel:          channel,
		Enabled:          true,
		Threshold:        floatPtr(threshold),
		AlertIntervalSec: 300,
	}
}

func measurement(channels []string, temps []float64) domain.Measurement {
	regs := make([]int64, len(temps))
	return domain.Measurement{
		DeviceID:     "umx-1",
		Timestamp:    1700000000,
		Channels:     channels,
		Temperatures: temps,
		RawRegisters: regs,
	}
}

func newTestEvaluator(thresholds *thresholdStore, email *emailStore, notifier Notifier, at time.Time) *Evaluator {
	e := NewEvaluator(thresholds, email, notifier, nil)
	e.now = func() time.Time { return at }
	return e
}

func TestEvaluateEqualTemperatureNeverAlerts(t *testing.T) {
	store := &thresholdStore{policies: []domain.ChannelThreshold{policy("T1", 35.0)}}
	e := newTestEvaluator(store, &emailStore{}, nil, time.Unix(1000, 0))

	decisions := e.Evaluate(context.Background(), measurement([]string{"T1"}, []float64{35.0}))
	if len(decisions) != 0 {
		t.Fatalf("expected no decisions at exact threshold, got %d", len(decisions))
	}
	if len(store.setCalls) != 0 {
		t.Fatalf("debounce stamp must not be written without a decision")
	}
}

func TestEvaluateAboveThresholdAlertsAndStamps(t *testing.T) {
	store := &thresholdStore{policies: []domain.ChannelThreshold{policy("T1", 35.0), policy("T2", 35.0)}}
	e := newTestEvaluator(store, &emailStore{}, nil, time.Unix(1000, 0))

	decisions := e.Evaluate(context.Background(), measurement([]string{"T1", "T2"}, []float64{36.5, 20.0}))
	if len(decisions) != 1 {
		t.Fatalf("expected one decision, got %d", len(decisions))
	}
	d := decisions[0]
	if d.Channel != "T1" || d.Temperature != 36.5 || d.Threshold != 35.0 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(store.setCalls) != 1 || store.setCalls[0] != "T1" {
		t.Fatalf("expected one debounce write for T1, got %v", store.setCalls)
	}
	if store.policies[0].LastAlertTS == nil || *store.policies[0].LastAlertTS != 1000.0 {
		t.Fatalf("debounce stamp not persisted: %+v", store.policies[0])
	}
}

func TestEvaluateDebounceWindow(t *testing.T) {
	store := &thresholdStore{policies: []domain.ChannelThreshold{policy("T1", 35.0)}}
	m := measurement([]string{"T1"}, []float64{40.0})

	e := newTestEvaluator(store, &emailStore{}, nil, time.Unix(1000, 0))
	if got := len(e.Evaluate(context.Background(), m)); got != 1 {
		t.Fatalf("first evaluation: expected 1 decision, got %d", got)
	}

	// Still inside the 300 s window.
	e.now = func() time.Time { return time.Unix(1299, 0) }
	if got := len(e.Evaluate(context.Background(), m)); got != 0 {
		t.Fatalf("inside window: expected suppression, got %d decisions", got)
	}

	// Exactly at the boundary the alert fires again.
	e.now = func() time.Time { return time.Unix(1300, 0) }
	if got := len(e.Evaluate(context.Background(), m)); got != 1 {
		t.Fatalf("at window boundary: expected 1 decision, got %d", got)
	}
}

func TestEvaluateSkipsDisabledAndUnconfigured(t *testing.T) {
	disabled := policy("T1", 35.0)
	disabled.Enabled = false
	noThreshold := policy("T2", 0)
	noThreshold.Threshold = nil
	store := &thresholdStore{policies: []domain.ChannelThreshold{disabled, noThreshold}}
	e := newTestEvaluator(store, &emailStore{}, nil, time.Unix(1000, 0))

	decisions := e.Evaluate(context.Background(), measurement([]string{"T1", "T2", "T9"}, []float64{99, 99, 99}))
	if len(decisions) != 0 {
		t.Fatalf("expected no decisions, got %d", len(decisions))
	}
}

func TestEvaluateDecisionStandsWhenStampFails(t *testing.T) {
	store := &thresholdStore{
		policies: []domain.ChannelThreshold{policy("T1", 35.0)},
		setErr:   errors.New("connection reset"),
	}
	e := newTestEvaluator(store, &emailStore{}, nil, time.Unix(1000, 0))

	decisions := e.Evaluate(context.Background(), measurement([]string{"T1"}, []float64{40.0}))
	if len(decisions) != 1 {
		t.Fatalf("write-back failure must not drop the decision, got %d", len(decisions))
	}
}

func TestDispatchDisabledSettingsIsNoOp(t *testing.T) {
	notifier := &notifierStub{}
	email := &emailStore{settings: &domain.EmailSettings{Enabled: false}}
	e := newTestEvaluator(&thresholdStore{}, email, notifier, time.Unix(1000, 0))

	e.Dispatch(context.Background(), domain.AlertDecision{Channel: "T1"})
	if len(notifier.sent) != 0 {
		t.Fatalf("disabled settings must suppress notification")
	}
}

func TestDispatchMissingSettingsIsNoOp(t *testing.T) {
	notifier := &notifierStub{}
	email := &emailStore{err: repository.ErrNotFound}
	e := newTestEvaluator(&thresholdStore{}, email, notifier, time.Unix(1000, 0))

	e.Dispatch(context.Background(), domain.AlertDecision{Channel: "T1"})
	if len(notifier.sent) != 0 {
		t.Fatalf("missing settings must suppress notification")
	}
}

func TestDispatchSwallowsTransportFailure(t *testing.T) {
	notifier := &notifierStub{err: errors.New("smtp: 554 rejected")}
	email := &emailStore{settings: &domain.EmailSettings{Enabled: true, ToEmail: "ops@example.com"}}
	e := newTestEvaluator(&thresholdStore{}, email, notifier, time.Unix(1000, 0))

	// Must not panic or propagate.
	e.Dispatch(context.Background(), domain.AlertDecision{Channel: "T1", Temperature: 40})
	if len(notifier.sent) != 1 {
		t.Fatalf("expected one send attempt, got %d", len(notifier.sent))
	}
}
