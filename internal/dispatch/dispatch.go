// Package dispatch deduplicates observed events into alerts and pushes new
// alerts to notification channels.
//
// # Dedup
//
// Each event resolves to an identity key: the provider's primary id, or the
// secondary unique-info key when the id is absent. The check-and-insert is
// one atomic store operation backed by unique indexes, so concurrent
// dispatch runs cannot both create an alert for the same key. Repeat
// sightings update mutable fields only.
//
// # Delivery
//
// Every new alert is pushed independently to each applicable channel. A
// channel failure never blocks other channels or later events; failures
// aggregate into the run summary. Delivery flags are monotonic and checked
// before sending, so a retried run never double-sends.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// Store defines the storage interface for the dispatcher.
type Store interface {
	InsertAlertIfAbsent(ctx context.Context, alert *types.Alert) (bool, error)
	TouchAlert(ctx context.Context, primaryID, uniqueKey string, ev types.EventRecord, seenAt time.Time) error
	GetAlertByKey(ctx context.Context, primaryID, uniqueKey string) (*types.Alert, error)
	MarkAlertDelivered(ctx context.Context, id string, channel types.ChannelType) (bool, error)
	GetChannel(ctx context.Context, id string) (*types.ChannelConfig, error)
	GetDefaultChannel(ctx context.Context, t types.ChannelType) (*types.ChannelConfig, error)
}

// Notifier delivers one alert to one channel endpoint.
type Notifier interface {
	Send(ctx context.Context, ch *types.ChannelConfig, alert *types.Alert) error
}

// Summary is the per-batch outcome.
type Summary struct {
	Observed  int `json:"observed"`
	NewAlerts int `json:"new_alerts"`
	Repeats   int `json:"repeats"`
	Pushed    int `json:"pushed"`
	Failed    int `json:"failed"`
}

// Options control channel resolution for one dispatch run.
type Options struct {
	// ChannelID selects an explicit channel configuration. When empty,
	// the default configuration of every channel type is used.
	ChannelID string
}

// Dispatcher deduplicates event batches and drives notification delivery.
type Dispatcher struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store, notifier Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "dispatch"),
	}
}

// Dispatch processes one batch of observed events in order. The returned
// error is nil unless the context is cancelled; event- and channel-level
// failures are reported through the summary.
func (d *Dispatcher) Dispatch(ctx context.Context, events []types.EventRecord, opts Options) (Summary, error) {
	var summary Summary
	summary.Observed = len(events)

	channels, err := d.resolveChannels(ctx, opts)
	if err != nil {
		// Without resolvable channels alerts are still persisted; the
		// resolution error counts against delivery only.
		d.logger.Error("channel resolution failed", "error", err)
		summary.Failed++
		channels = nil
	}

	now := time.Now()
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		created, alert, err := d.ingest(ctx, ev, now)
		if err != nil {
			summary.Failed++
			d.logger.Error("event ingest failed", "title", ev.Title, "error", err)
			continue
		}
		if created {
			summary.NewAlerts++
		} else {
			summary.Repeats++
		}

		// Delivery runs for repeats too: the per-channel flags guard
		// double-sends, so a sighting after a failed push retries only the
		// channels still owed the alert.
		for _, ch := range channels {
			if alert.Delivered(ch.Type) {
				continue
			}
			if err := d.notifier.Send(ctx, ch, alert); err != nil {
				summary.Failed++
				d.logger.Error("notification delivery failed",
					"alert_id", alert.ID,
					"channel", ch.Name,
					"channel_type", ch.Type,
					"error", err,
				)
				continue
			}
			if _, err := d.store.MarkAlertDelivered(ctx, alert.ID, ch.Type); err != nil {
				summary.Failed++
				d.logger.Error("recording delivery failed",
					"alert_id", alert.ID,
					"channel_type", ch.Type,
					"error", err,
				)
				continue
			}
			alert.SetDelivered(ch.Type)
			summary.Pushed++
		}
	}

	d.logger.Info("dispatch batch complete",
		"observed", summary.Observed,
		"new_alerts", summary.NewAlerts,
		"repeats", summary.Repeats,
		"pushed", summary.Pushed,
		"failed", summary.Failed,
	)
	return summary, nil
}

// ingest performs the atomic insert-if-absent for one event. Returns
// whether the alert was created by this call, and the current alert row.
func (d *Dispatcher) ingest(ctx context.Context, ev types.EventRecord, now time.Time) (bool, *types.Alert, error) {
	if _, err := ev.IdentityKey(); err != nil {
		return false, nil, err
	}

	alert := &types.Alert{
		ID:          uuid.New().String(),
		PrimaryID:   ev.PrimaryID,
		UniqueKey:   ev.UniqueKey,
		Title:       ev.Title,
		Description: ev.Description,
		Severity:    ev.Severity,
		Source:      ev.Source,
		Payload:     ev.Payload,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	created, err := d.store.InsertAlertIfAbsent(ctx, alert)
	if err != nil {
		return false, nil, err
	}
	if created {
		return true, alert, nil
	}

	// Repeat sighting: refresh mutable fields, never delivery state.
	if err := d.store.TouchAlert(ctx, ev.PrimaryID, ev.UniqueKey, ev, now); err != nil {
		return false, nil, err
	}
	existing, err := d.store.GetAlertByKey(ctx, ev.PrimaryID, ev.UniqueKey)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		return false, nil, fmt.Errorf("alert vanished after dedup for %q/%q", ev.PrimaryID, ev.UniqueKey)
	}
	return false, existing, nil
}

// resolveChannels determines the delivery targets for a run: the explicit
// configuration when one is named, otherwise the enabled defaults of every
// channel type. Zero resolved channels is a valid outcome, not an error.
func (d *Dispatcher) resolveChannels(ctx context.Context, opts Options) ([]*types.ChannelConfig, error) {
	if opts.ChannelID != "" {
		ch, err := d.store.GetChannel(ctx, opts.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("loading channel %s: %w", opts.ChannelID, err)
		}
		if ch == nil {
			return nil, fmt.Errorf("channel not found: %s", opts.ChannelID)
		}
		if !ch.Enabled {
			return nil, nil
		}
		return []*types.ChannelConfig{ch}, nil
	}

	var channels []*types.ChannelConfig
	for _, t := range types.ChannelTypes() {
		ch, err := d.store.GetDefaultChannel(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("loading default %s channel: %w", t, err)
		}
		if ch != nil && ch.Enabled {
			channels = append(channels, ch)
		}
	}
	return channels, nil
}
