package plugin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// HTTPAlarm pulls observed events from an HTTP JSON source and hands them
// to the dedup dispatcher. Dedup is not this plugin's job: it re-emits
// whatever the provider returns, and repeat sightings are absorbed
// downstream.
//
// Config keys:
//
//	source_url     - endpoint returning a JSON array of events (required)
//	id_field       - field holding the provider's primary id (default "id")
//	unique_field   - fallback identity field when the id is absent
//	title_field    - field used as alert title (default "title")
//	severity_field - field used as severity (default "severity")
//	source         - source tag for created alerts (default host of URL)
//	auth_token     - optional bearer token (credential-overlayable)
type HTTPAlarm struct {
	client *http.Client
}

// NewHTTPAlarm creates the alarm plugin. A nil client gets a 30s-timeout
// default.
func NewHTTPAlarm(client *http.Client) *HTTPAlarm {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAlarm{client: client}
}

func (p *HTTPAlarm) Name() string           { return "http_alarm" }
func (p *HTTPAlarm) Kind() types.PluginKind { return types.PluginKindAlarm }

func (p *HTTPAlarm) Execute(ctx context.Context, config map[string]any, log *RunLogger) (*Result, error) {
	sourceURL := StringConfig(config, "source_url")
	if sourceURL == "" {
		return nil, fmt.Errorf("http_alarm requires source_url")
	}
	idField := StringConfig(config, "id_field")
	if idField == "" {
		idField = "id"
	}
	uniqueField := StringConfig(config, "unique_field")
	titleField := StringConfig(config, "title_field")
	if titleField == "" {
		titleField = "title"
	}
	severityField := StringConfig(config, "severity_field")
	if severityField == "" {
		severityField = "severity"
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
	log.Logf("fetched %d events from %s", len(items), sourceURL)

	events := make([]types.EventRecord, 0, len(items))
	for _, item := range items {
		primaryID, _ := item[idField].(string)
		uniqueKey := ""
		if uniqueField != "" {
			uniqueKey, _ = item[uniqueField].(string)
		}
		title, _ := item[titleField].(string)
		if title == "" {
			title = "event from " + source
		}
		severity, _ := item[severityField].(string)

		events = append(events, types.EventRecord{
			PrimaryID: primaryID,
			UniqueKey: uniqueKey,
			Title:     title,
			Severity:  severity,
			Source:    source,
			Payload:   item,
		})
	}

	return &Result{
		Success: true,
		Message: fmt.Sprintf("observed %d events", len(events)),
		Data:    map[string]any{"observed": len(events)},
		Events:  events,
	}, nil
}
