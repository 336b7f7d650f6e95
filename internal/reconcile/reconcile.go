// Package reconcile upserts imported records against prior state.
//
// Records are keyed by (asset_type, uuid): insert if absent, otherwise
// update fields and refresh collected-at. Per-record failures are isolated
// and counted; a bad record never aborts the rest of its batch. Forward
// progress is preferred over all-or-nothing batches.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// maxSummaryErrors caps how many per-record errors are carried in a
// summary; the counts are always complete.
const maxSummaryErrors = 20

// Store defines the storage interface for the reconciliation engine.
type Store interface {
	UpsertAsset(ctx context.Context, asset *types.Asset) error
}

// Summary is the per-batch outcome.
type Summary struct {
	Imported int      `json:"imported"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Engine reconciles batches of incoming asset records.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.With("component", "reconcile"),
	}
}

// Reconcile upserts a batch of records. The returned error is nil unless
// the context is cancelled; per-record failures are reported only through
// the summary.
func (e *Engine) Reconcile(ctx context.Context, records []types.AssetRecord) (Summary, error) {
	var summary Summary
	now := time.Now()

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if err := validate(record); err != nil {
			summary.Failed++
			summary.addError(fmt.Sprintf("record %d: %v", i, err))
			continue
		}

		asset := &types.Asset{
			ID:          uuid.New().String(),
			AssetType:   record.AssetType,
			UUID:        record.UUID,
			Source:      record.Source,
			Payload:     record.Payload,
			FirstSeenAt: now,
			CollectedAt: now,
		}
		if err := e.store.UpsertAsset(ctx, asset); err != nil {
			summary.Failed++
			summary.addError(fmt.Sprintf("record %d (%s/%s): %v", i, record.AssetType, record.UUID, err))
			e.logger.Error("asset upsert failed",
				"asset_type", record.AssetType,
				"uuid", record.UUID,
				"error", err,
			)
			continue
		}
		summary.Imported++
	}

	e.logger.Info("reconcile batch complete",
		"records", len(records),
		"imported", summary.Imported,
		"failed", summary.Failed,
	)
	return summary, nil
}

func validate(record types.AssetRecord) error {
	if record.AssetType == "" {
		return fmt.Errorf("missing asset_type")
	}
	if record.UUID == "" {
		return fmt.Errorf("missing uuid")
	}
	return nil
}

func (s *Summary) addError(msg string) {
	if len(s.Errors) < maxSummaryErrors {
		s.Errors = append(s.Errors, msg)
	}
}
