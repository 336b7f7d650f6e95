package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// maxSourceBody caps how much of a provider response we will read.
const maxSourceBody = 16 << 20 // 16 MiB

// HTTPAssetSync imports asset records from an HTTP JSON source.
//
// Config keys:
//
//	source_url  - endpoint returning a JSON array of objects (required)
//	asset_type  - type assigned to imported records (required)
//	uuid_field  - object field holding the stable record id (default "id")
//	source      - source tag stored on each asset (default host of URL)
//	auth_token  - optional bearer token; typically overlaid from a
//	              credential record as __cred_auth_token
type HTTPAssetSync struct {
	client *http.Client
}

// NewHTTPAssetSync creates the importer. A nil client gets a 30s-timeout
// default.
func NewHTTPAssetSync(client *http.Client) *HTTPAssetSync {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAssetSync{client: client}
}

func (p *HTTPAssetSync) Name() string           { return "http_asset_sync" }
func (p *HTTPAssetSync) Kind() types.PluginKind { return types.PluginKindDataImport }

func (p *HTTPAssetSync) Execute(ctx context.Context, config map[string]any, log *RunLogger) (*Result, error) {
	sourceURL := StringConfig(config, "source_url")
	assetType := StringConfig(config, "asset_type")
	if sourceURL == "" || assetType == "" {
		return nil, fmt.Errorf("http_asset_sync requires source_url and asset_type")
	}
	uuidField := StringConfig(config, "uuid_field")
	if uuidField == "" {
		uuidField = "id"
	}
	source := StringConfig(config, "source")
	if source == "" {
		source = sourceURL
	}
	token := credentialOrConfig(config, "auth_token")

	items, err := fetchJSONArray(ctx, p.client, sourceURL, token)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", sourceURL, err)
	}
	log.Logf("fetched %d records from %s", len(items), sourceURL)

	assets := make([]types.AssetRecord, 0, len(items))
	for _, item := range items {
		uuid, _ := item[uuidField].(string)
		assets = append(assets, types.AssetRecord{
			AssetType: assetType,
			UUID:      uuid, // empty uuid is counted as failed by reconciliation
			Source:    source,
			Payload:   item,
		})
	}

	return &Result{
		Success: true,
		Message: fmt.Sprintf("fetched %d %s records", len(assets), assetType),
		Data:    map[string]any{"fetched": len(assets)},
		Assets:  assets,
	}, nil
}

// credentialOrConfig reads a config key, preferring the task-level value
// over the credential overlay.
func credentialOrConfig(config map[string]any, key string) string {
	if v := StringConfig(config, key); v != "" {
		return v
	}
	return StringConfig(config, types.CredentialPrefix+key)
}

// fetchJSONArray GETs a URL and decodes a JSON array of objects.
func fetchJSONArray(ctx context.Context, client *http.Client, url, bearerToken string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBody))
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return items, nil
}
