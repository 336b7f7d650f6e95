package types

import "time"

// AssetRecord is one incoming record produced by a plugin run, before
// reconciliation. Identity is (AssetType, UUID); Source only tags where the
// record came from and is not part of the identity key, so a re-import of
// the same id from any source is an update-in-place.
type AssetRecord struct {
	AssetType string         `json:"asset_type"`
	UUID      string         `json:"uuid"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// Asset is a reconciled external record.
type Asset struct {
	ID        string         `json:"id"`
	AssetType string         `json:"asset_type"`
	UUID      string         `json:"uuid"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`

	FirstSeenAt time.Time `json:"first_seen_at"`

	// CollectedAt is refreshed on every successful reconcile of this id.
	CollectedAt time.Time `json:"collected_at"`
}

// AssetFilter narrows ListAssets queries.
type AssetFilter struct {
	AssetType string
	Source    string
	Limit     int
	Offset    int
}
