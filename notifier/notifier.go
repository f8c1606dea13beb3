// Package notifier fans breach events out to operator-configured
// channels and keeps a bounded, time-ordered history of every breach.
// Everything here is fail-open: a dead SMTP relay or chat webhook
// must never slow down or fail the request that triggered the breach.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apishield/admission-control/kafka"
	"github.com/apishield/admission-control/models"
	"github.com/apishield/admission-control/store"
)

var ErrInvalidPreferences = errors.New("invalid notification preferences")

const (
	historyKey      = "breach:history"
	prefsGlobalKey  = "notify:prefs:global"
	prefsUserPrefix = "notify:prefs:user:"
	burstCountKey   = "notify:breach_count"

	// historyRetention bounds the queryable breach history.
	historyRetention = 30 * 24 * time.Hour

	// burstWindow is the short window BreachThreshold counts breaches
	// over before dispatching, to avoid alert storms.
	burstWindow = 5 * time.Minute

	maxSendAttempts = 2
)

type Notifier struct {
	store    *store.Store
	producer *kafka.Producer
	channels map[ChannelType]Channel
	defaults *Preferences
	log      *zap.Logger
	inflight sync.WaitGroup
}

// New builds a notifier. producer may be nil when the event pipeline
// is disabled; defaults is served until preferences are written.
func New(st *store.Store, producer *kafka.Producer, defaults *Preferences, log *zap.Logger) *Notifier {
	if defaults == nil {
		defaults = DefaultPreferences("")
	}
	return &Notifier{
		store:    st,
		producer: producer,
		channels: make(map[ChannelType]Channel),
		defaults: defaults,
		log:      log,
	}
}

// Register adds a channel implementation. Unregistered channel types
// in preferences are skipped at dispatch with a warning.
func (n *Notifier) Register(ch Channel) {
	n.channels[ch.Type()] = ch
}

// GetPreferences returns the user-specific record when present,
// otherwise the global record, otherwise the built-in defaults.
func (n *Notifier) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	if userID != "" {
		prefs := &Preferences{}
		found, err := n.store.GetJSON(ctx, prefsUserPrefix+userID, prefs)
		if err != nil {
			return nil, err
		}
		if found {
			return prefs, nil
		}
	}
	prefs := &Preferences{}
	found, err := n.store.GetJSON(ctx, prefsGlobalKey, prefs)
	if err != nil {
		return nil, err
	}
	if found {
		return prefs, nil
	}
	return n.defaults, nil
}

// SetPreferences validates and persists preferences; empty userID
// writes the global record.
func (n *Notifier) SetPreferences(ctx context.Context, prefs *Preferences, userID string) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	key := prefsGlobalKey
	if userID != "" {
		key = prefsUserPrefix + userID
	}
	return n.store.SetJSON(ctx, key, prefs, 0)
}

// NotifyBreach records the event in history unconditionally, then
// dispatches it to every enabled channel whose severity floor it
// clears. Channel sends run in the background with bounded retries;
// no failure propagates to the caller.
func (n *Notifier) NotifyBreach(ctx context.Context, event *models.BreachEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := n.store.AppendHistory(ctx, historyKey, event.Timestamp, event, historyRetention); err != nil {
		n.log.Error("failed to record breach in history", zap.Error(err))
	}

	if n.producer != nil {
		if err := n.producer.PublishBreachEvent(ctx, event); err != nil {
			n.log.Warn("failed to publish breach event", zap.Error(err))
		}
	}

	prefs, err := n.GetPreferences(ctx, "")
	if err != nil {
		n.log.Warn("failed to load notification preferences, skipping dispatch", zap.Error(err))
		return
	}
	if !prefs.Enabled {
		return
	}

	if prefs.BreachThreshold > 1 {
		count, err := n.store.Increment(ctx, burstCountKey, burstWindow)
		if err != nil {
			n.log.Warn("breach burst counter unavailable, dispatching anyway", zap.Error(err))
		} else if count < int64(prefs.BreachThreshold) {
			return
		}
	}

	quiet := prefs.QuietHours != nil && prefs.QuietHours.Contains(event.Timestamp.Local())
	if quiet && event.Severity != models.SeverityCritical {
		n.log.Debug("breach suppressed by quiet hours",
			zap.String("ip", event.IP),
			zap.String("severity", string(event.Severity)))
		return
	}

	for i := range prefs.Channels {
		cfg := prefs.Channels[i]
		if !cfg.Enabled || !event.Severity.AtLeast(cfg.MinSeverity) {
			continue
		}
		ch, ok := n.channels[cfg.Type]
		if !ok {
			n.log.Warn("no implementation registered for channel", zap.String("type", string(cfg.Type)))
			continue
		}
		n.inflight.Add(1)
		go n.dispatch(ch, event, &cfg)
	}
}

// Wait blocks until in-flight channel dispatches finish. Called on
// shutdown so queued notifications are not lost with the process.
func (n *Notifier) Wait() {
	n.inflight.Wait()
}

// dispatch sends on one channel, isolated from the others: a panic or
// persistent failure here is logged and dropped.
func (n *Notifier) dispatch(ch Channel, event *models.BreachEvent, cfg *ChannelConfig) {
	defer n.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("channel dispatch panicked",
				zap.String("channel", string(cfg.Type)),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if err = ch.Send(ctx, event, cfg); err == nil {
			return
		}
		if attempt < maxSendAttempts {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
	}
	n.log.Warn("channel delivery failed, dropping notification",
		zap.String("channel", string(cfg.Type)),
		zap.String("event_id", event.ID.String()),
		zap.Error(err))
}

// History returns breach events newest-first from the bounded store
// history.
func (n *Notifier) History(ctx context.Context, limit, offset int64) ([]*models.BreachEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := n.store.HistoryPage(ctx, historyKey, limit, offset)
	if err != nil {
		return nil, err
	}
	events := make([]*models.BreachEvent, 0, len(raw))
	for _, entry := range raw {
		event := &models.BreachEvent{}
		if err := json.Unmarshal([]byte(entry), event); err != nil {
			return nil, fmt.Errorf("corrupt history entry: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}
