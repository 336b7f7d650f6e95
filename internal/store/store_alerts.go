package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// =============================================================================
// ALERTS
// =============================================================================

// InsertAlertIfAbsent atomically inserts an alert unless one with the same
// identity key (primary id, or unique key when the primary id is absent)
// already exists. The partial unique indexes make the check-and-insert a
// single step, so two concurrent dispatch paths can never both insert.
// Returns true when this call created the alert.
func (s *Store) InsertAlertIfAbsent(ctx context.Context, alert *types.Alert) (bool, error) {
	payloadJSON, err := json.Marshal(alert.Payload)
	if err != nil {
		return false, fmt.Errorf("encoding alert payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, primary_id, unique_key, title, description, severity,
			source, payload, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT DO NOTHING
	`, alert.ID, alert.PrimaryID, alert.UniqueKey, alert.Title, alert.Description,
		alert.Severity, alert.Source, payloadJSON, alert.FirstSeenAt)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchAlert records a repeat sighting: mutable fields and last_seen_at are
// refreshed, identity and delivery flags are left alone.
func (s *Store) TouchAlert(ctx context.Context, primaryID, uniqueKey string, ev types.EventRecord, seenAt time.Time) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding alert payload: %w", err)
	}
	var tagSQL string
	var key string
	if primaryID != "" {
		tagSQL = `UPDATE alerts
			SET title = $2, description = $3, severity = $4, payload = $5, last_seen_at = $6
			WHERE primary_id = $1`
		key = primaryID
	} else {
		tagSQL = `UPDATE alerts
			SET title = $2, description = $3, severity = $4, payload = $5, last_seen_at = $6
			WHERE unique_key = $1`
		key = uniqueKey
	}
	tag, err := s.pool.Exec(ctx, tagSQL, key, ev.Title, ev.Description, ev.Severity, payloadJSON, seenAt)
	if err != nil {
		return fmt.Errorf("touch alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert not found for key %q", key)
	}
	return nil
}

// GetAlertByKey retrieves an alert by its identity key.
func (s *Store) GetAlertByKey(ctx context.Context, primaryID, uniqueKey string) (*types.Alert, error) {
	var row pgx.Row
	if primaryID != "" {
		row = s.pool.QueryRow(ctx, alertSelect+` WHERE primary_id = $1`, primaryID)
	} else {
		row = s.pool.QueryRow(ctx, alertSelect+` WHERE unique_key = $1`, uniqueKey)
	}
	alert, err := scanAlert(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return alert, err
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	alert, err := scanAlert(s.pool.QueryRow(ctx, alertSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return alert, err
}

// ListAlerts returns alerts matching the filter, most recently seen first.
func (s *Store) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	query := alertSelect + ` WHERE 1=1`
	args := []any{}
	n := 0

	if filter.Severity != "" {
		n++
		query += fmt.Sprintf(" AND severity = $%d", n)
		args = append(args, filter.Severity)
	}
	if filter.Source != "" {
		n++
		query += fmt.Sprintf(" AND source = $%d", n)
		args = append(args, filter.Source)
	}
	query += " ORDER BY last_seen_at DESC"
	if filter.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

// MarkAlertDelivered sets the delivery flag for one channel type. The flag
// is monotonic: the conditional write only ever flips false -> true, and a
// repeat call is a no-op. Returns true when this call flipped the flag.
func (s *Store) MarkAlertDelivered(ctx context.Context, id string, channel types.ChannelType) (bool, error) {
	column, err := deliveryColumn(channel)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE alerts SET %s = TRUE WHERE id = $1 AND NOT %s
	`, column, column), id)
	if err != nil {
		return false, fmt.Errorf("mark alert delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func deliveryColumn(channel types.ChannelType) (string, error) {
	switch channel {
	case types.ChannelDingTalk:
		return "delivered_dingtalk", nil
	case types.ChannelWeCom:
		return "delivered_wecom", nil
	default:
		return "", fmt.Errorf("unknown channel type: %q", channel)
	}
}

const alertSelect = `
	SELECT id, primary_id, unique_key, title, description, severity, source,
		payload, first_seen_at, last_seen_at, delivered_dingtalk, delivered_wecom
	FROM alerts`

func scanAlert(row rowScanner) (*types.Alert, error) {
	var alert types.Alert
	var payloadJSON []byte
	err := row.Scan(
		&alert.ID, &alert.PrimaryID, &alert.UniqueKey, &alert.Title,
		&alert.Description, &alert.Severity, &alert.Source, &payloadJSON,
		&alert.FirstSeenAt, &alert.LastSeenAt,
		&alert.DeliveredDingTalk, &alert.DeliveredWeCom,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &alert.Payload); err != nil {
		return nil, fmt.Errorf("decoding alert payload: %w", err)
	}
	return &alert, nil
}
