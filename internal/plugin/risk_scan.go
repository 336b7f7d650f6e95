package plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// AssetLister is the slice of the store the risk scanner reads from.
type AssetLister interface {
	ListAssets(ctx context.Context, filter types.AssetFilter) ([]types.Asset, error)
}

// RiskScan evaluates reconciled assets against simple hygiene rules and
// emits an event per finding. Findings carry deterministic unique keys so
// the same finding on consecutive scans collapses into one alert.
//
// Config keys:
//
//	asset_type        - restrict the scan to one asset type (optional)
//	stale_after_hours - flag assets not re-collected within this window
//	                    (default 48, 0 disables the rule)
//	required_fields   - comma-separated payload fields every asset must
//	                    carry; missing fields are flagged (optional)
//	severity          - severity for emitted events (default "medium")
type RiskScan struct {
	assets AssetLister
}

// NewRiskScan creates the risk analysis plugin.
func NewRiskScan(assets AssetLister) *RiskScan {
	return &RiskScan{assets: assets}
}

func (p *RiskScan) Name() string           { return "risk_scan" }
func (p *RiskScan) Kind() types.PluginKind { return types.PluginKindRiskAnalysis }

const riskScanPageSize = 500

func (p *RiskScan) Execute(ctx context.Context, config map[string]any, log *RunLogger) (*Result, error) {
	assetType := StringConfig(config, "asset_type")
	staleAfter := time.Duration(IntConfig(config, "stale_after_hours", 48)) * time.Hour
	severity := StringConfig(config, "severity")
	if severity == "" {
		severity = "medium"
	}
	var required []string
	for _, f := range strings.Split(StringConfig(config, "required_fields"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			required = append(required, f)
		}
	}

	now := time.Now()
	var events []types.EventRecord
	scanned := 0

	for offset := 0; ; offset += riskScanPageSize {
		page, err := p.assets.ListAssets(ctx, types.AssetFilter{
			AssetType: assetType,
			Limit:     riskScanPageSize,
			Offset:    offset,
		})
		if err != nil {
			return nil, fmt.Errorf("listing assets: %w", err)
		}
		for _, asset := range page {
			scanned++
			events = append(events, p.evaluate(&asset, now, staleAfter, required, severity)...)
		}
		if len(page) < riskScanPageSize {
			break
		}
	}

	log.Logf("scanned %d assets, %d findings", scanned, len(events))
	return &Result{
		Success: true,
		Message: fmt.Sprintf("%d findings across %d assets", len(events), scanned),
		Data:    map[string]any{"scanned": scanned, "findings": len(events)},
		Events:  events,
	}, nil
}

func (p *RiskScan) evaluate(asset *types.Asset, now time.Time, staleAfter time.Duration, required []string, severity string) []types.EventRecord {
	var findings []types.EventRecord

	if staleAfter > 0 && now.Sub(asset.CollectedAt) > staleAfter {
		findings = append(findings, types.EventRecord{
			UniqueKey: fmt.Sprintf("stale:%s:%s", asset.AssetType, asset.UUID),
			Title:     fmt.Sprintf("asset %s/%s not collected since %s", asset.AssetType, asset.UUID, asset.CollectedAt.Format(time.RFC3339)),
			Severity:  severity,
			Source:    "risk_scan",
			Payload: map[string]any{
				"asset_type":   asset.AssetType,
				"asset_uuid":   asset.UUID,
				"collected_at": asset.CollectedAt,
				"rule":         "stale_asset",
			},
		})
	}

	for _, field := range required {
		if _, ok := asset.Payload[field]; ok {
			continue
		}
		findings = append(findings, types.EventRecord{
			UniqueKey: fmt.Sprintf("field:%s:%s:%s", field, asset.AssetType, asset.UUID),
			Title:     fmt.Sprintf("asset %s/%s missing required field %q", asset.AssetType, asset.UUID, field),
			Severity:  severity,
			Source:    "risk_scan",
			Payload: map[string]any{
				"asset_type": asset.AssetType,
				"asset_uuid": asset.UUID,
				"field":      field,
				"rule":       "missing_field",
			},
		})
	}

	return findings
}
