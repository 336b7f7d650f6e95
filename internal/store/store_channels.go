package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// =============================================================================
// NOTIFICATION CHANNELS
// =============================================================================

// CreateChannel inserts a new notification channel configuration. New
// channels are never created as default; use SetDefaultChannel.
func (s *Store) CreateChannel(ctx context.Context, ch *types.ChannelConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notify_channels (id, name, channel_type, webhook_url, secret, enabled, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
	`, ch.ID, ch.Name, ch.Type, ch.WebhookURL, ch.Secret, ch.Enabled)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel configuration by ID.
func (s *Store) GetChannel(ctx context.Context, id string) (*types.ChannelConfig, error) {
	ch, err := scanChannel(s.pool.QueryRow(ctx, channelSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return ch, err
}

// GetDefaultChannel returns the default configuration for a channel type,
// or nil if none is marked default.
func (s *Store) GetDefaultChannel(ctx context.Context, t types.ChannelType) (*types.ChannelConfig, error) {
	ch, err := scanChannel(s.pool.QueryRow(ctx, channelSelect+`
		WHERE channel_type = $1 AND is_default`, t))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return ch, err
}

// ListChannels returns all channel configurations.
func (s *Store) ListChannels(ctx context.Context) ([]types.ChannelConfig, error) {
	rows, err := s.pool.Query(ctx, channelSelect+` ORDER BY channel_type, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []types.ChannelConfig
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// UpdateChannel updates a channel's mutable fields. The default marker is
// managed separately by SetDefaultChannel.
func (s *Store) UpdateChannel(ctx context.Context, ch *types.ChannelConfig) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notify_channels
		SET name = $2, webhook_url = $3, secret = $4, enabled = $5
		WHERE id = $1
	`, ch.ID, ch.Name, ch.WebhookURL, ch.Secret, ch.Enabled)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel not found: %s", ch.ID)
	}
	return nil
}

// DeleteChannel removes a channel configuration.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notify_channels WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel not found: %s", id)
	}
	return nil
}

// SetDefaultChannel marks the given channel as the default for its type,
// clearing any previous default of the same type in the same transaction so
// the one-default-per-type invariant holds at every commit point.
func (s *Store) SetDefaultChannel(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var channelType types.ChannelType
	err = tx.QueryRow(ctx, `SELECT channel_type FROM notify_channels WHERE id = $1`, id).Scan(&channelType)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("channel not found: %s", id)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE notify_channels SET is_default = FALSE
		WHERE channel_type = $1 AND is_default
	`, channelType); err != nil {
		return fmt.Errorf("clearing previous default: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE notify_channels SET is_default = TRUE WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("setting default: %w", err)
	}
	return tx.Commit(ctx)
}

const channelSelect = `
	SELECT id, name, channel_type, webhook_url, secret, enabled, is_default, created_at
	FROM notify_channels`

func scanChannel(row rowScanner) (*types.ChannelConfig, error) {
	var ch types.ChannelConfig
	err := row.Scan(
		&ch.ID, &ch.Name, &ch.Type, &ch.WebhookURL, &ch.Secret,
		&ch.Enabled, &ch.IsDefault, &ch.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}
