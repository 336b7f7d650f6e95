package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/seaward-sec/opswatch/internal/testutil"
	"github.com/seaward-sec/opswatch/pkg/types"
)

func testAlert() *types.Alert {
	return &types.Alert{
		ID:          "a1",
		PrimaryID:   "evt-1",
		Title:       "open admin port",
		Description: "port 9200 reachable from the internet",
		Severity:    "critical",
		Source:      "exposure-scan",
		FirstSeenAt: time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC),
	}
}

func TestSendPostsTextMessage(t *testing.T) {
	var gotBody textMessage
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(srv.Client(), DefaultConfig())
	ch := testutil.FixtureChannel(types.ChannelWeCom, func(c *types.ChannelConfig) {
		c.WebhookURL = srv.URL
	})

	if err := w.Send(context.Background(), ch, testAlert()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if gotBody.MsgType != "text" {
		t.Errorf("msgtype = %q", gotBody.MsgType)
	}
	if !strings.Contains(gotBody.Text.Content, "CRITICAL: open admin port") {
		t.Errorf("content = %q", gotBody.Text.Content)
	}
}

func TestSendSignsDingTalkURL(t *testing.T) {
	secret := "SEC-test"
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(srv.Client(), DefaultConfig())
	ch := testutil.FixtureChannel(types.ChannelDingTalk, func(c *types.ChannelConfig) {
		c.WebhookURL = srv.URL + "?access_token=tok"
		c.Secret = secret
	})

	if err := w.Send(context.Background(), ch, testAlert()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	ts := gotQuery["timestamp"]
	sign := gotQuery["sign"]
	if len(ts) != 1 || len(sign) != 1 {
		t.Fatalf("missing signature params: %v", gotQuery)
	}
	if gotQuery["access_token"][0] != "tok" {
		t.Error("original query params dropped")
	}

	// Recompute the signature over the transmitted timestamp.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts[0] + "\n" + secret))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if sign[0] != want {
		t.Errorf("sign = %q, want %q", sign[0], want)
	}
}

func TestSendWithoutSecretUnsigned(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(srv.Client(), DefaultConfig())
	ch := testutil.FixtureChannel(types.ChannelDingTalk, func(c *types.ChannelConfig) {
		c.WebhookURL = srv.URL
	})

	if err := w.Send(context.Background(), ch, testAlert()); err != nil {
		t.Fatal(err)
	}
	if _, signed := gotQuery["sign"]; signed {
		t.Error("secretless channel was signed")
	}
}

func TestSendNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "flood control", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w := NewWebhook(srv.Client(), DefaultConfig())
	ch := testutil.FixtureChannel(types.ChannelWeCom, func(c *types.ChannelConfig) {
		c.WebhookURL = srv.URL
	})

	err := w.Send(context.Background(), ch, testAlert())
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want status 429 error", err)
	}
}

func TestSendBodyErrcodeIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Provider-style failure: HTTP 200 carrying the real verdict.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errcode":310000,"errmsg":"sign not match"}`))
	}))
	defer srv.Close()

	w := NewWebhook(srv.Client(), DefaultConfig())
	ch := testutil.FixtureChannel(types.ChannelDingTalk, func(c *types.ChannelConfig) {
		c.WebhookURL = srv.URL
	})

	err := w.Send(context.Background(), ch, testAlert())
	if err == nil || !strings.Contains(err.Error(), "310000") {
		t.Errorf("err = %v, want errcode rejection", err)
	}
}

func TestSendZeroErrcodeSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	w := NewWebhook(srv.Client(), DefaultConfig())
	ch := testutil.FixtureChannel(types.ChannelWeCom, func(c *types.ChannelConfig) {
		c.WebhookURL = srv.URL
	})

	if err := w.Send(context.Background(), ch, testAlert()); err != nil {
		t.Fatalf("Send() error on ok response: %v", err)
	}
}

func TestSignedURLFormat(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)
	got := signedURL("https://oapi.example.test/robot/send", "s3cr3t", now)

	wantTS := strconv.FormatInt(now.UnixMilli(), 10)
	if !strings.Contains(got, "?timestamp="+wantTS+"&sign=") {
		t.Errorf("signedURL = %q", got)
	}
}

func TestRenderText(t *testing.T) {
	got := RenderText(testAlert())

	for _, want := range []string{
		"[opswatch] CRITICAL: open admin port",
		"source: exposure-scan",
		"port 9200 reachable from the internet",
		"first seen: 2026-04-01T08:30:00Z",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered text missing %q:\n%s", want, got)
		}
	}
}
