package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/apishield/admission-control/models"
	"github.com/apishield/admission-control/store"
)

// stubChannel records deliveries and optionally fails or panics.
type stubChannel struct {
	channelType ChannelType
	fail        bool
	panics      bool

	mu   sync.Mutex
	sent []*models.BreachEvent
}

func (c *stubChannel) Type() ChannelType { return c.channelType }

func (c *stubChannel) Send(_ context.Context, event *models.BreachEvent, _ *ChannelConfig) error {
	if c.panics {
		panic("channel blew up")
	}
	if c.fail {
		return errors.New("delivery failed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, event)
	return nil
}

func (c *stubChannel) delivered() []*models.BreachEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.BreachEvent(nil), c.sent...)
}

func newTestNotifier(t *testing.T, defaults *Preferences) (*Notifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(store.NewWithClient(rdb, zap.NewNop()), nil, defaults, zap.NewNop()), mr
}

func webhookPrefs(minSeverity models.Severity) *Preferences {
	return &Preferences{
		Enabled:         true,
		BreachThreshold: 1,
		Channels: []ChannelConfig{{
			Type:        ChannelWebhook,
			Enabled:     true,
			MinSeverity: minSeverity,
			Webhook:     &WebhookConfig{URL: "https://alerts.example.com/hook"},
		}},
	}
}

func event(severity models.Severity) *models.BreachEvent {
	return models.NewBreachEvent("198.51.100.1", "/api/data", models.BreachRateLimit, severity, nil)
}

func TestNotifyBreachDeliversToChannel(t *testing.T) {
	n, _ := newTestNotifier(t, webhookPrefs(models.SeverityLow))
	ch := &stubChannel{channelType: ChannelWebhook}
	n.Register(ch)

	n.NotifyBreach(context.Background(), event(models.SeverityMedium))
	n.Wait()

	require.Len(t, ch.delivered(), 1)
}

func TestNotifyBreachSeverityFloor(t *testing.T) {
	n, _ := newTestNotifier(t, webhookPrefs(models.SeverityHigh))
	ch := &stubChannel{channelType: ChannelWebhook}
	n.Register(ch)

	n.NotifyBreach(context.Background(), event(models.SeverityMedium))
	n.Wait()
	assert.Empty(t, ch.delivered(), "MEDIUM is under the HIGH floor")

	n.NotifyBreach(context.Background(), event(models.SeverityCritical))
	n.Wait()
	assert.Len(t, ch.delivered(), 1)
}

func TestNotifyBreachDisabledSkipsDispatchButKeepsHistory(t *testing.T) {
	n, _ := newTestNotifier(t, &Preferences{Enabled: false, BreachThreshold: 1})
	ch := &stubChannel{channelType: ChannelWebhook}
	n.Register(ch)

	n.NotifyBreach(context.Background(), event(models.SeverityHigh))
	n.Wait()

	assert.Empty(t, ch.delivered())

	events, err := n.History(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "history records every breach regardless of dispatch")
}

func TestNotifyBreachChannelIsolation(t *testing.T) {
	prefs := webhookPrefs(models.SeverityLow)
	prefs.Channels = append(prefs.Channels, ChannelConfig{
		Type:        ChannelSMS,
		Enabled:     true,
		MinSeverity: models.SeverityLow,
		SMS:         &SMSConfig{Numbers: []string{"+15550100"}},
	})
	n, _ := newTestNotifier(t, prefs)

	failing := &stubChannel{channelType: ChannelWebhook, fail: true}
	healthy := &stubChannel{channelType: ChannelSMS}
	n.Register(failing)
	n.Register(healthy)

	n.NotifyBreach(context.Background(), event(models.SeverityHigh))
	n.Wait()

	assert.Len(t, healthy.delivered(), 1, "one channel failing never affects another")
}

func TestNotifyBreachPanickingChannelIsContained(t *testing.T) {
	prefs := webhookPrefs(models.SeverityLow)
	prefs.Channels = append(prefs.Channels, ChannelConfig{
		Type:        ChannelSMS,
		Enabled:     true,
		MinSeverity: models.SeverityLow,
		SMS:         &SMSConfig{Numbers: []string{"+15550100"}},
	})
	n, _ := newTestNotifier(t, prefs)

	n.Register(&stubChannel{channelType: ChannelWebhook, panics: true})
	healthy := &stubChannel{channelType: ChannelSMS}
	n.Register(healthy)

	n.NotifyBreach(context.Background(), event(models.SeverityHigh))
	n.Wait()

	assert.Len(t, healthy.delivered(), 1)
}

func TestNotifyBreachQuietHoursSuppressNonCritical(t *testing.T) {
	prefs := webhookPrefs(models.SeverityLow)
	// Window bracketing the current local time, so the test holds at
	// any hour, wrap past midnight included.
	now := time.Now()
	prefs.QuietHours = &QuietHours{
		Start: now.Add(-time.Hour).Format("15:04"),
		End:   now.Add(time.Hour).Format("15:04"),
	}
	n, _ := newTestNotifier(t, prefs)
	ch := &stubChannel{channelType: ChannelWebhook}
	n.Register(ch)

	n.NotifyBreach(context.Background(), event(models.SeverityHigh))
	n.Wait()
	assert.Empty(t, ch.delivered(), "HIGH is suppressed during quiet hours")

	n.NotifyBreach(context.Background(), event(models.SeverityCritical))
	n.Wait()
	assert.Len(t, ch.delivered(), 1, "CRITICAL always pages")
}

func TestNotifyBreachThresholdBuffersUntilBurst(t *testing.T) {
	prefs := webhookPrefs(models.SeverityLow)
	prefs.BreachThreshold = 3
	n, _ := newTestNotifier(t, prefs)
	ch := &stubChannel{channelType: ChannelWebhook}
	n.Register(ch)
	ctx := context.Background()

	n.NotifyBreach(ctx, event(models.SeverityMedium))
	n.NotifyBreach(ctx, event(models.SeverityMedium))
	n.Wait()
	assert.Empty(t, ch.delivered(), "below the burst threshold nothing is sent")

	n.NotifyBreach(ctx, event(models.SeverityMedium))
	n.Wait()
	assert.Len(t, ch.delivered(), 1)
}

func TestNotifyBreachUnregisteredChannelIsSkipped(t *testing.T) {
	n, _ := newTestNotifier(t, webhookPrefs(models.SeverityLow))
	// No Register call: dispatch has nothing to hand the event to, and
	// must not panic.
	n.NotifyBreach(context.Background(), event(models.SeverityHigh))
	n.Wait()
}

func TestGetPreferencesFallbackChain(t *testing.T) {
	defaults := DefaultPreferences("https://default.example.com/hook")
	n, _ := newTestNotifier(t, defaults)
	ctx := context.Background()

	// Nothing written yet: built-in defaults.
	prefs, err := n.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, defaults, prefs)

	global := webhookPrefs(models.SeverityMedium)
	require.NoError(t, n.SetPreferences(ctx, global, ""))

	prefs, err = n.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMedium, prefs.Channels[0].MinSeverity, "global record overrides defaults")

	personal := webhookPrefs(models.SeverityCritical)
	require.NoError(t, n.SetPreferences(ctx, personal, "user-1"))

	prefs, err = n.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, prefs.Channels[0].MinSeverity, "user record overrides global")

	prefs, err = n.GetPreferences(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMedium, prefs.Channels[0].MinSeverity, "other users still see global")
}

func TestSetPreferencesRejectsInvalid(t *testing.T) {
	n, _ := newTestNotifier(t, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		prefs *Preferences
	}{
		{"zero threshold", &Preferences{Enabled: true, BreachThreshold: 0}},
		{"channel missing typed config", &Preferences{
			Enabled:         true,
			BreachThreshold: 1,
			Channels: []ChannelConfig{{
				Type:        ChannelEmail,
				Enabled:     true,
				MinSeverity: models.SeverityLow,
			}},
		}},
		{"webhook with bad url", &Preferences{
			Enabled:         true,
			BreachThreshold: 1,
			Channels: []ChannelConfig{{
				Type:        ChannelWebhook,
				Enabled:     true,
				MinSeverity: models.SeverityLow,
				Webhook:     &WebhookConfig{URL: "not a url"},
			}},
		}},
		{"bad quiet hours", &Preferences{
			Enabled:         true,
			BreachThreshold: 1,
			QuietHours:      &QuietHours{Start: "25:99", End: "07:00"},
		}},
		{"email without recipients", &Preferences{
			Enabled:         true,
			BreachThreshold: 1,
			Channels: []ChannelConfig{{
				Type:        ChannelEmail,
				Enabled:     true,
				MinSeverity: models.SeverityLow,
				Email:       &EmailConfig{},
			}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := n.SetPreferences(ctx, tt.prefs, "")
			assert.ErrorIs(t, err, ErrInvalidPreferences)
		})
	}
}

func TestHistoryPagination(t *testing.T) {
	n, _ := newTestNotifier(t, &Preferences{Enabled: false, BreachThreshold: 1})
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		ev := event(models.SeverityLow)
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		n.NotifyBreach(ctx, ev)
	}
	n.Wait()

	page, err := n.History(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].Timestamp.After(page[1].Timestamp), "newest first")

	rest, err := n.History(ctx, 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestQuietHoursContains(t *testing.T) {
	at := func(hhmm string) time.Time {
		parsed, _ := time.Parse("15:04", hhmm)
		return time.Date(2026, 1, 10, parsed.Hour(), parsed.Minute(), 0, 0, time.Local)
	}

	q := &QuietHours{Start: "22:00", End: "07:00"}
	assert.True(t, q.Contains(at("23:30")), "window wraps midnight")
	assert.True(t, q.Contains(at("03:00")))
	assert.False(t, q.Contains(at("12:00")))

	q = &QuietHours{Start: "09:00", End: "17:00"}
	assert.True(t, q.Contains(at("12:00")))
	assert.False(t, q.Contains(at("17:00")), "end is exclusive")
	assert.False(t, q.Contains(at("08:59")))
}

func TestDefaultPreferences(t *testing.T) {
	prefs := DefaultPreferences("")
	assert.True(t, prefs.Enabled)
	assert.Equal(t, 1, prefs.BreachThreshold)
	assert.Empty(t, prefs.Channels)

	prefs = DefaultPreferences("https://alerts.example.com/hook")
	require.Len(t, prefs.Channels, 1)
	assert.Equal(t, ChannelChatWebhook, prefs.Channels[0].Type)
	assert.Equal(t, models.SeverityMedium, prefs.Channels[0].MinSeverity)
	require.NoError(t, prefs.Validate())
}
