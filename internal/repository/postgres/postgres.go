package postgres

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aamitn/radixiot/internal/domain"
	"github.com/aamitn/radixiot/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.MeasurementRepository = (*Repository)(nil)
	_ repository.ThresholdRepository   = (*Repository)(nil)
	_ repository.EmailConfigRepository = (*Repository)(nil)
)

// InsertMeasurement appends a measurement row.
func (r *Repository) InsertMeasurement(ctx context.Context, deviceID string, payload []byte, receivedAt time.Time) error {
	const query = `INSERT INTO measurements (device_id, payload, received_at) VALUES ($1, $2, $3)`
	_, err := r.pool.Exec(ctx, query, deviceID, payload, receivedAt)
	return err
}

// ListMeasurements returns rows newest first with optional filters.
func (r *Repository) ListMeasurements(ctx context.Context, filter repository.MeasurementFilter) ([]domain.StoredMeasurement, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		clauses = append(clauses, "device_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Start != nil {
		args = append(args, *filter.Start)
		clauses = append(clauses, "received_at >= $"+strconv.Itoa(len(args)))
	}
	if filter.End != nil {
		args = append(args, *filter.End)
		clauses = append(clauses, "received_at <= $"+strconv.Itoa(len(args)))
	}
	query := `SELECT id, device_id, payload, received_at FROM measurements`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit)
	query += " ORDER BY received_at DESC LIMIT $" + strconv.Itoa(len(args))
	args = append(args, offset)
	query += " OFFSET $" + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.StoredMeasurement
	for rows.Next() {
		var m domain.StoredMeasurement
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.Payload, &m.ReceivedAt); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// CountMeasurements returns the total number of stored rows.
func (r *Repository) CountMeasurements(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(1) FROM measurements`
	var count int64
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteOldestMeasurements removes the oldest N rows.
func (r *Repository) DeleteOldestMeasurements(ctx context.Context, count int) (int64, error) {
	const query = `DELETE FROM measurements WHERE id IN (
		SELECT id FROM measurements ORDER BY received_at ASC LIMIT $1)`
	tag, err := r.pool.Exec(ctx, query, count)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteMeasurementsBetween removes rows received inside the range.
func (r *Repository) DeleteMeasurementsBetween(ctx context.Context, start, end time.Time) (int64, error) {
	const query = `DELETE FROM measurements WHERE received_at BETWEEN $1 AND $2`
	tag, err := r.pool.Exec(ctx, query, start, end)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListThresholds returns all channel policies.
func (r *Repository) ListThresholds(ctx context.Context) ([]domain.ChannelThreshold, error) {
	const query = `SELECT id, channel, enabled, threshold, alert_interval_sec, last_alert_ts, updated_at
		FROM channel_thresholds ORDER BY channel`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ChannelThreshold
	for rows.Next() {
		var t domain.ChannelThreshold
		if err := rows.Scan(&t.ID, &t.Channel, &t.Enabled, &t.Threshold, &t.AlertIntervalSec, &t.LastAlertTS, &t.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// UpsertThreshold creates or updates a channel policy.
func (r *Repository) UpsertThreshold(ctx context.Context, threshold domain.ChannelThreshold) error {
	const query = `INSERT INTO channel_thresholds (channel, enabled, threshold, alert_interval_sec, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			threshold = EXCLUDED.threshold,
			alert_interval_sec = EXCLUDED.alert_interval_sec,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, threshold.Channel, threshold.Enabled, threshold.Threshold, threshold.AlertIntervalSec, threshold.UpdatedAt)
	return err
}

// SetLastAlert writes the debounce timestamp for a channel.
func (r *Repository) SetLastAlert(ctx context.Context, channel string, ts float64) error {
	const query = `UPDATE channel_thresholds SET last_alert_ts = $2 WHERE channel = $1`
	tag, err := r.pool.Exec(ctx, query, channel, ts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetEmailSettings returns the single notification settings row.
func (r *Repository) GetEmailSettings(ctx context.Context) (*domain.EmailSettings, error) {
	const query = `SELECT id, enabled, smtp_server, smtp_port, username, password, from_email, to_email, updated_at
		FROM email_config ORDER BY id LIMIT 1`
	row := r.pool.QueryRow(ctx, query)
	var s domain.EmailSettings
	if err := row.Scan(&s.ID, &s.Enabled, &s.SMTPServer, &s.SMTPPort, &s.Username, &s.Password, &s.FromEmail, &s.ToEmail, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// SaveEmailSettings overwrites the notification settings row, inserting it on
// first use.
func (r *Repository) SaveEmailSettings(ctx context.Context, settings domain.EmailSettings) error {
	existing, err := r.GetEmailSettings(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if existing == nil {
		const insert = `INSERT INTO email_config (enabled, smtp_server, smtp_port, username, password, from_email, to_email, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		_, err := r.pool.Exec(ctx, insert, settings.Enabled, settings.SMTPServer, settings.SMTPPort, settings.Username, settings.Password, settings.FromEmail, settings.ToEmail, settings.UpdatedAt)
		return err
	}
	const update = `UPDATE email_config SET enabled = $2, smtp_server = $3, smtp_port = $4, username = $5,
		password = $6, from_email = $7, to_email = $8, updated_at = $9 WHERE id = $1`
	_, err = r.pool.Exec(ctx, update, existing.ID, settings.Enabled, settings.SMTPServer, settings.SMTPPort, settings.Username, settings.Password, settings.FromEmail, settings.ToEmail, settings.UpdatedAt)
	return err
}
