package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// =============================================================================
// ASSETS
// =============================================================================

// UpsertAsset inserts a new asset or updates the existing row with the same
// (asset_type, uuid) identity. first_seen_at is preserved; payload, source
// and collected_at are refreshed on every reconcile.
func (s *Store) UpsertAsset(ctx context.Context, asset *types.Asset) error {
	payloadJSON, err := json.Marshal(asset.Payload)
	if err != nil {
		return fmt.Errorf("encoding asset payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO assets (id, asset_type, uuid, source, payload, first_seen_at, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (asset_type, uuid) DO UPDATE
		SET source = EXCLUDED.source,
			payload = EXCLUDED.payload,
			collected_at = EXCLUDED.collected_at
	`, asset.ID, asset.AssetType, asset.UUID, asset.Source, payloadJSON, asset.CollectedAt)
	if err != nil {
		return fmt.Errorf("upsert asset %s/%s: %w", asset.AssetType, asset.UUID, err)
	}
	return nil
}

// GetAsset retrieves an asset by its identity key.
func (s *Store) GetAsset(ctx context.Context, assetType, uuid string) (*types.Asset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, asset_type, uuid, source, payload, first_seen_at, collected_at
		FROM assets WHERE asset_type = $1 AND uuid = $2
	`, assetType, uuid)
	asset, err := scanAsset(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return asset, err
}

// ListAssets returns assets matching the filter, most recently collected
// first.
func (s *Store) ListAssets(ctx context.Context, filter types.AssetFilter) ([]types.Asset, error) {
	query := `
		SELECT id, asset_type, uuid, source, payload, first_seen_at, collected_at
		FROM assets WHERE 1=1`
	args := []any{}
	n := 0

	if filter.AssetType != "" {
		n++
		query += fmt.Sprintf(" AND asset_type = $%d", n)
		args = append(args, filter.AssetType)
	}
	if filter.Source != "" {
		n++
		query += fmt.Sprintf(" AND source = $%d", n)
		args = append(args, filter.Source)
	}
	query += " ORDER BY collected_at DESC"
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

	var assets []types.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *asset)
	}
	return assets, rows.Err()
}

func scanAsset(row rowScanner) (*types.Asset, error) {
	var asset types.Asset
	var payloadJSON []byte
	err := row.Scan(
		&asset.ID, &asset.AssetType, &asset.UUID, &asset.Source,
		&payloadJSON, &asset.FirstSeenAt, &asset.CollectedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &asset.Payload); err != nil {
		return nil, fmt.Errorf("decoding asset payload: %w", err)
	}
	return &asset, nil
}
