package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seaward-sec/opswatch/internal/testutil"
	"github.com/seaward-sec/opswatch/pkg/types"
)

// mockAlertStore mirrors the store's dedup semantics in memory: one alert
// per identity key, monotonic delivery flags.
type mockAlertStore struct {
	mu       sync.Mutex
	byKey    map[string]*types.Alert
	byID     map[string]*types.Alert
	channels map[string]*types.ChannelConfig
	defaults map[types.ChannelType]*types.ChannelConfig
	markErr  error
}

func newMockAlertStore() *mockAlertStore {
	return &mockAlertStore{
		byKey:    make(map[string]*types.Alert),
		byID:     make(map[string]*types.Alert),
		channels: make(map[string]*types.ChannelConfig),
		defaults: make(map[types.ChannelType]*types.ChannelConfig),
	}
}

func (m *mockAlertStore) addChannel(ch *types.ChannelConfig) {
	m.channels[ch.ID] = ch
	if ch.IsDefault {
		m.defaults[ch.Type] = ch
	}
}

func identKey(primaryID, uniqueKey string) string {
	if primaryID != "" {
		return "id:" + primaryID
	}
	return "key:" + uniqueKey
}

func (m *mockAlertStore) InsertAlertIfAbsent(ctx context.Context, alert *types.Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := identKey(alert.PrimaryID, alert.UniqueKey)
	if _, exists := m.byKey[k]; exists {
		return false, nil
	}
	cp := *alert
	m.byKey[k] = &cp
	m.byID[alert.ID] = &cp
	return true, nil
}

func (m *mockAlertStore) TouchAlert(ctx context.Context, primaryID, uniqueKey string, ev types.EventRecord, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.byKey[identKey(primaryID, uniqueKey)]
	if !ok {
		return fmt.Errorf("alert not found")
	}
	alert.Title = ev.Title
	alert.Severity = ev.Severity
	alert.LastSeenAt = seenAt
	return nil
}

func (m *mockAlertStore) GetAlertByKey(ctx context.Context, primaryID, uniqueKey string) (*types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.byKey[identKey(primaryID, uniqueKey)]
	if !ok {
		return nil, nil
	}
	cp := *alert
	return &cp, nil
}

func (m *mockAlertStore) MarkAlertDelivered(ctx context.Context, id string, channel types.ChannelType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return false, m.markErr
	}
	alert, ok := m.byID[id]
	if !ok {
		return false, fmt.Errorf("alert not found")
	}
	if alert.Delivered(channel) {
		return false, nil
	}
	alert.SetDelivered(channel)
	return true, nil
}

func (m *mockAlertStore) GetChannel(ctx context.Context, id string) (*types.ChannelConfig, error) {
	ch, ok := m.channels[id]
	if !ok {
		return nil, nil
	}
	return ch, nil
}

func (m *mockAlertStore) GetDefaultChannel(ctx context.Context, t types.ChannelType) (*types.ChannelConfig, error) {
	return m.defaults[t], nil
}

// mockNotifier records sends and can fail per channel id.
type mockNotifier struct {
	mu    sync.Mutex
	sends []string // "<channel-id>/<alert-primary-id>"
	fail  map[string]error
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{fail: make(map[string]error)}
}

func (m *mockNotifier) Send(ctx context.Context, ch *types.ChannelConfig, alert *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[ch.ID]; err != nil {
		return err
	}
	m.sends = append(m.sends, ch.ID+"/"+alert.PrimaryID)
	return nil
}

func (m *mockNotifier) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}

func events(n int) []types.EventRecord {
	out := make([]types.EventRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, testutil.FixtureEvent(func(ev *types.EventRecord) {
			ev.PrimaryID = fmt.Sprintf("evt-%d", i)
		}))
	}
	return out
}

func TestDispatchAtMostOnce(t *testing.T) {
	store := newMockAlertStore()
	store.addChannel(testutil.FixtureChannel(types.ChannelDingTalk))
	notifier := newMockNotifier()
	d := NewDispatcher(store, notifier, testutil.NewTestLogger())

	batch := events(5)

	first, err := d.Dispatch(context.Background(), batch, Options{})
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if first.NewAlerts != 5 || first.Pushed != 5 || first.Failed != 0 {
		t.Errorf("first run summary = %+v", first)
	}

	// Same batch again: nothing new, nothing pushed.
	second, err := d.Dispatch(context.Background(), batch, Options{})
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if second.NewAlerts != 0 || second.Pushed != 0 || second.Repeats != 5 {
		t.Errorf("second run summary = %+v", second)
	}
	if notifier.sendCount() != 5 {
		t.Errorf("total sends = %d, want 5", notifier.sendCount())
	}
}

func TestDispatchPerChannelIsolation(t *testing.T) {
	store := newMockAlertStore()
	ding := testutil.FixtureChannel(types.ChannelDingTalk)
	wecom := testutil.FixtureChannel(types.ChannelWeCom)
	store.addChannel(ding)
	store.addChannel(wecom)

	notifier := newMockNotifier()
	notifier.fail[ding.ID] = errors.New("429 too many requests")
	d := NewDispatcher(store, notifier, testutil.NewTestLogger())

	summary, err := d.Dispatch(context.Background(), events(2), Options{})
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	// Both alerts still reach wecom; dingtalk failures are counted.
	if summary.Pushed != 2 || summary.Failed != 2 {
		t.Errorf("summary = %+v", summary)
	}

	// A later sighting retries only the channel that failed.
	notifier.fail = map[string]error{}
	sendsBefore := notifier.sendCount()
	retry, err := d.Dispatch(context.Background(), events(2), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if retry.NewAlerts != 0 || retry.Pushed != 2 {
		t.Errorf("retry summary = %+v", retry)
	}
	notifier.mu.Lock()
	newSends := notifier.sends[sendsBefore:]
	notifier.mu.Unlock()
	for _, s := range newSends {
		if s[:len(ding.ID)] != ding.ID {
			t.Errorf("retry sent to already-delivered channel: %s", s)
		}
	}
}

func TestDispatchExplicitChannel(t *testing.T) {
	store := newMockAlertStore()
	def := testutil.FixtureChannel(types.ChannelDingTalk)
	explicit := testutil.FixtureChannel(types.ChannelWeCom, func(ch *types.ChannelConfig) {
		ch.IsDefault = false
	})
	store.addChannel(def)
	store.addChannel(explicit)

	notifier := newMockNotifier()
	d := NewDispatcher(store, notifier, testutil.NewTestLogger())

	summary, err := d.Dispatch(context.Background(), events(1), Options{ChannelID: explicit.ID})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Pushed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(notifier.sends) != 1 || notifier.sends[0] != explicit.ID+"/evt-0" {
		t.Errorf("sends = %v, want only the explicit channel", notifier.sends)
	}
}

func TestDispatchNoChannels(t *testing.T) {
	store := newMockAlertStore()
	notifier := newMockNotifier()
	d := NewDispatcher(store, notifier, testutil.NewTestLogger())

	summary, err := d.Dispatch(context.Background(), events(3), Options{})
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	// Alerts persist even when nothing can be notified.
	if summary.NewAlerts != 3 || summary.Pushed != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(store.byKey) != 3 {
		t.Errorf("persisted %d alerts, want 3", len(store.byKey))
	}
}

func TestDispatchDisabledChannelSkipped(t *testing.T) {
	store := newMockAlertStore()
	store.addChannel(testutil.FixtureChannel(types.ChannelDingTalk, func(ch *types.ChannelConfig) {
		ch.Enabled = false
	}))
	notifier := newMockNotifier()
	d := NewDispatcher(store, notifier, testutil.NewTestLogger())

	summary, err := d.Dispatch(context.Background(), events(1), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Pushed != 0 || notifier.sendCount() != 0 {
		t.Errorf("disabled channel received sends: %+v", summary)
	}
}

func TestDispatchEventWithoutIdentity(t *testing.T) {
	store := newMockAlertStore()
	store.addChannel(testutil.FixtureChannel(types.ChannelDingTalk))
	notifier := newMockNotifier()
	d := NewDispatcher(store, notifier, testutil.NewTestLogger())

	bad := testutil.FixtureEvent(func(ev *types.EventRecord) {
		ev.PrimaryID = ""
		ev.UniqueKey = ""
	})
	summary, err := d.Dispatch(context.Background(), []types.EventRecord{bad}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 || summary.NewAlerts != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestDispatchUniqueKeyFallback(t *testing.T) {
	store := newMockAlertStore()
	store.addChannel(testutil.FixtureChannel(types.ChannelDingTalk))
	notifier := newMockNotifier()
	d := NewDispatcher(store, notifier, testutil.NewTestLogger())

	ev := testutil.FixtureEvent(func(e *types.EventRecord) {
		e.PrimaryID = ""
		e.UniqueKey = "host-1:port-22:weak-cipher"
	})

	if _, err := d.Dispatch(context.Background(), []types.EventRecord{ev}, Options{}); err != nil {
		t.Fatal(err)
	}
	summary, err := d.Dispatch(context.Background(), []types.EventRecord{ev}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if summary.NewAlerts != 0 || summary.Repeats != 1 {
		t.Errorf("unique-key dedup failed: %+v", summary)
	}
}
