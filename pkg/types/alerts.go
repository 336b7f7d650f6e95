// Package types - alert deduplication and notification channel model.
//
// # Identity
//
// An alert is keyed by the external provider's primary id. When the provider
// assigns no id, or assigns duplicate ids, the secondary unique-info key is
// used instead. Exactly one alert record ever exists per identity key; later
// sightings update mutable fields only.
//
// # Delivery
//
// Delivery state is tracked per channel type with independent monotonic
// flags (not-delivered -> delivered, never back). A retried dispatch run
// checks the flag first, so an alert is never pushed twice to one channel.
package types

import (
	"fmt"
	"time"
)

// ChannelType identifies a webhook notification channel family.
type ChannelType string

const (
	ChannelDingTalk ChannelType = "dingtalk"
	ChannelWeCom    ChannelType = "wecom"
)

// ChannelTypes lists all supported channel types.
func ChannelTypes() []ChannelType {
	return []ChannelType{ChannelDingTalk, ChannelWeCom}
}

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	return t == ChannelDingTalk || t == ChannelWeCom
}

// EventRecord is one externally observed event as returned by an alarm
// plugin, before deduplication.
type EventRecord struct {
	// PrimaryID is the provider-assigned id. May be empty.
	PrimaryID string `json:"primary_id,omitempty"`

	// UniqueKey is the fallback identity used when PrimaryID is absent or
	// known to collide on the provider side.
	UniqueKey string `json:"unique_key,omitempty"`

	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Source      string         `json:"source,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// IdentityKey returns the effective dedup key for the event.
func (e EventRecord) IdentityKey() (string, error) {
	if e.PrimaryID != "" {
		return "id:" + e.PrimaryID, nil
	}
	if e.UniqueKey != "" {
		return "key:" + e.UniqueKey, nil
	}
	return "", fmt.Errorf("event has neither primary id nor unique key")
}

// Alert is a deduplicated event eligible for notification.
type Alert struct {
	ID        string `json:"id"`
	PrimaryID string `json:"primary_id,omitempty"`
	UniqueKey string `json:"unique_key,omitempty"`

	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Source      string         `json:"source,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	// Per-channel delivery flags. Monotonic: false -> true only.
	DeliveredDingTalk bool `json:"delivered_dingtalk"`
	DeliveredWeCom    bool `json:"delivered_wecom"`
}

// Delivered reports the delivery flag for the given channel type.
func (a *Alert) Delivered(t ChannelType) bool {
	switch t {
	case ChannelDingTalk:
		return a.DeliveredDingTalk
	case ChannelWeCom:
		return a.DeliveredWeCom
	}
	return false
}

// SetDelivered flips the in-memory delivery flag for the given channel type.
// The durable flag transition is enforced by the store.
func (a *Alert) SetDelivered(t ChannelType) {
	switch t {
	case ChannelDingTalk:
		a.DeliveredDingTalk = true
	case ChannelWeCom:
		a.DeliveredWeCom = true
	}
}

// AlertFilter narrows ListAlerts queries.
type AlertFilter struct {
	Severity string
	Source   string
	Limit    int
	Offset   int
}

// ChannelConfig is one outbound webhook notification target.
// At most one config may be marked default per channel type at any time;
// the store enforces this transactionally.
type ChannelConfig struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Type       ChannelType `json:"type"`
	WebhookURL string      `json:"webhook_url"`

	// Secret signs outbound payloads. Never serialized in API responses.
	Secret string `json:"-"`

	Enabled   bool      `json:"enabled"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}
