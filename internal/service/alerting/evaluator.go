package alerting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aamitn/radixiot/internal/domain"
	"github.com/aamitn/radixiot/internal/repository"
)

// defaultAlertInterval is the debounce window applied when a policy has none.
const defaultAlertInterval = 300

// Notifier is the outbound notification boundary. Implementations own the
// transport; the evaluator only decides whether and with what content.
type Notifier interface {
	SendTemperatureAlert(ctx context.Context, decision domain.AlertDecision, settings domain.EmailSettings) error
}

// Evaluator applies per-channel threshold policy with debounce.
type Evaluator struct {
	thresholds repository.ThresholdRepository
	emailCfg   repository.EmailConfigRepository
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(thresholds repository.ThresholdRepository, emailCfg repository.EmailConfigRepository, notifier Notifier, logger *slog.Logger) *Evaluator {
	if logger != nil {
		logger = logger.With("component", "alerting")
	}
	return &Evaluator{
		thresholds: thresholds,
		emailCfg:   emailCfg,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
	}
}

// Evaluate checks every channel of the measurement against its policy and
// returns the alert decisions. The debounce timestamp is written back before
// returning so the next evaluation observes it. A measurement with no
// policies loaded is a no-op, not an error.
func (e *Evaluator) Evaluate(ctx context.Context, m domain.Measurement) []domain.AlertDecision {
	policies, err := e.thresholds.ListThresholds(ctx)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("failed to load threshold policies", "error", err)
		}
		return nil
	}
	if len(policies) == 0 {
		return nil
	}
	byChannel := make(map[string]domain.ChannelThreshold, len(policies))
	for _, p := range policies {
		byChannel[p.Channel] = p
	}

	nowTS := float64(e.now().UnixMilli()) / 1000.0
	var decisions []domain.AlertDecision
	for i, channel := range m.Channels {
		if i >= len(m.Temperatures) {
			break
		}
		temp := m.Temperatures[i]
		policy, ok := byChannel[channel]
		if !ok || !policy.Enabled || policy.Threshold == nil {
			continue
		}
		// Strict greater-than: exactly equal never alerts.
		if temp <= *policy.Threshold {
			continue
		}
		var last float64
		if policy.LastAlertTS != nil {
			last = *policy.LastAlertTS
		}
		interval := policy.AlertIntervalSec
		if interval <= 0 {
			interval = defaultAlertInterval
		}
		if nowTS-last < float64(interval) {
			continue
		}
		decisions = append(decisions, domain.AlertDecision{
			Channel:     channel,
			Temperature: temp,
			Threshold:   *policy.Threshold,
			Measurement: m,
		})
		// The decision stands even if the write-back fails: an alert storm is
		// worse than a lost debounce stamp.
		if err := e.thresholds.SetLastAlert(ctx, channel, nowTS); err != nil {
			if e.logger != nil {
				e.logger.Error("failed to write back debounce timestamp", "channel", channel, "error", err)
			}
		}
	}
	return decisions
}

// Dispatch hands a decision to the notification boundary. Transport failures
// are logged and swallowed; nothing propagates into the ingestion path.
func (e *Evaluator) Dispatch(ctx context.Context, decision domain.AlertDecision) {
	if e.notifier == nil {
		return
	}
	settings, err := e.emailCfg.GetEmailSettings(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) && e.logger != nil {
			e.logger.Error("failed to load notification settings", "error", err)
		}
		return
	}
	if !settings.Enabled {
		return
	}
	if err := e.notifier.SendTemperatureAlert(ctx, decision, *settings); err != nil {
		if e.logger != nil {
			e.logger.Error("notification transport failure",
				"channel", decision.Channel,
				"device_id", decision.Measurement.DeviceID,
				"error", err)
		}
		return
	}
	if e.logger != nil {
		e.logger.Info("temperature alert sent",
			"channel", decision.Channel,
			"temperature", decision.Temperature,
			"threshold", decision.Threshold)
	}
}
