package repository

import (
	"context"
	"time"

	"github.com/aamitn/radixiot/internal/domain"
)

// MeasurementFilter narrows measurement queries.
type MeasurementFilter struct {
	DeviceID string
	Start    *time.Time
	End      *time.Time
	Limit    int
	Offset   int
}

// MeasurementRepository persists measurement history.
type MeasurementRepository interface {
	InsertMeasurement(ctx context.Context, deviceID string, payload []byte, receivedAt time.Time) error
	ListMeasurements(ctx context.Context, filter MeasurementFilter) ([]domain.StoredMeasurement, error)
	CountMeasurements(ctx context.Context) (int64, error)
	DeleteOldestMeasurements(ctx context.Context, count int) (int64, error)
	DeleteMeasurementsBetween(ctx context.Context, start, end time.Time) (int64, error)
}

// ThresholdRepository manages per-channel alert policies.
type ThresholdRepository interface {
	ListThresholds(ctx context.Context) ([]domain.ChannelThreshold, error)
	UpsertThreshold(ctx context.Context, threshold domain.ChannelThreshold) error
	SetLastAlert(ctx context.Context, channel string, ts float64) error
}

// EmailConfigRepository stores notification transport settings.
type EmailConfigRepository interface {
	GetEmailSettings(ctx context.Context) (*domain.EmailSettings, error)
	SaveEmailSettings(ctx context.Context, settings domain.EmailSettings) error
}
