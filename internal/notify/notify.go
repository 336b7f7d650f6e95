// Package notify delivers alert notifications to chat-webhook channels.
//
// Two webhook families are supported: DingTalk-style endpoints, which
// require an HMAC-SHA256 timestamp signature appended to the URL, and
// WeCom-style endpoints, which carry their key in the URL itself. Both
// accept the same text-message JSON body. Sends are rate limited per
// channel so a large alert batch cannot trip provider flood control.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// Config holds webhook notifier settings.
type Config struct {
	// SendTimeout bounds a single webhook POST.
	SendTimeout time.Duration

	// RatePerSecond and Burst configure the per-channel rate limiter.
	RatePerSecond float64
	Burst         int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendTimeout:   10 * time.Second,
		RatePerSecond: 5,
		Burst:         10,
	}
}

// Webhook posts alert notifications to channel webhook endpoints.
type Webhook struct {
	client *http.Client
	config Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // channel id -> limiter
}

// NewWebhook creates a webhook notifier. A nil client gets a default with
// the configured send timeout.
func NewWebhook(client *http.Client, config Config) *Webhook {
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultConfig().SendTimeout
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = DefaultConfig().RatePerSecond
	}
	if config.Burst <= 0 {
		config.Burst = DefaultConfig().Burst
	}
	if client == nil {
		client = &http.Client{Timeout: config.SendTimeout}
	}
	return &Webhook{
		client:   client,
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

// textMessage is the message body both channel families accept.
type textMessage struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

// Send delivers one alert to one channel endpoint. The error is final for
// this attempt; retry policy belongs to the caller.
func (w *Webhook) Send(ctx context.Context, ch *types.ChannelConfig, alert *types.Alert) error {
	if err := w.limiter(ch.ID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := ch.WebhookURL
	if ch.Type == types.ChannelDingTalk && ch.Secret != "" {
		endpoint = signedURL(endpoint, ch.Secret, time.Now())
	}

	var msg textMessage
	msg.MsgType = "text"
	msg.Text.Content = RenderText(alert)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s channel: %w", ch.Type, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s channel returned status %d", ch.Type, resp.StatusCode)
	}

	// Both families report failures as 200 with a nonzero errcode in the
	// body. Treat those as undelivered so the delivery flag stays unset.
	var status struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(respBody, &status); err == nil && status.ErrCode != 0 {
		return fmt.Errorf("%s channel rejected message: errcode %d (%s)", ch.Type, status.ErrCode, status.ErrMsg)
	}
	return nil
}

// limiter returns the rate limiter for a channel, creating it on first use.
func (w *Webhook) limiter(channelID string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(w.config.RatePerSecond), w.config.Burst)
		w.limiters[channelID] = l
	}
	return l
}

// signedURL appends the DingTalk timestamp signature to a webhook URL:
// sign = base64(hmac-sha256(secret, "<ms-timestamp>\n<secret>")).
func signedURL(endpoint, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "\n" + secret))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "timestamp=" + ts + "&sign=" + url.QueryEscape(sign)
}

// RenderText formats an alert as the notification text body.
func RenderText(alert *types.Alert) string {
	var b strings.Builder
	b.WriteString("[opswatch] ")
	if alert.Severity != "" {
		b.WriteString(strings.ToUpper(alert.Severity))
		b.WriteString(": ")
	}
	b.WriteString(alert.Title)
	if alert.Source != "" {
		b.WriteString("\nsource: ")
		b.WriteString(alert.Source)
	}
	if alert.Description != "" {
		b.WriteString("\n")
		b.WriteString(alert.Description)
	}
	b.WriteString("\nfirst seen: ")
	b.WriteString(alert.FirstSeenAt.UTC().Format(time.RFC3339))
	return b.String()
}
