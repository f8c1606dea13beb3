package notifier

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/apishield/admission-control/models"
)

type ChannelType string

const (
	ChannelEmail       ChannelType = "email"
	ChannelChatWebhook ChannelType = "chat_webhook"
	ChannelPager       ChannelType = "pager"
	ChannelWebhook     ChannelType = "webhook"
	ChannelSMS         ChannelType = "sms"
)

// ChannelConfig is the tagged per-channel configuration. Exactly one
// of the typed config blocks must be set, matching Type; required
// fields are validated when preferences are written, not when a
// breach is already in flight.
type ChannelConfig struct {
	Type        ChannelType      `json:"type" validate:"required,oneof=email chat_webhook pager webhook sms"`
	Enabled     bool             `json:"enabled"`
	MinSeverity models.Severity  `json:"min_severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Email       *EmailConfig     `json:"email,omitempty"`
	ChatWebhook *WebhookConfig   `json:"chat_webhook,omitempty"`
	Pager       *PagerConfig     `json:"pager,omitempty"`
	Webhook     *WebhookConfig   `json:"webhook,omitempty"`
	SMS         *SMSConfig       `json:"sms,omitempty"`
}

type EmailConfig struct {
	Recipients []string `json:"recipients" validate:"required,min=1,dive,email"`
}

type WebhookConfig struct {
	URL string `json:"url" validate:"required,url"`
}

type PagerConfig struct {
	ServiceKey string `json:"service_key" validate:"required"`
	Endpoint   string `json:"endpoint" validate:"omitempty,url"`
}

type SMSConfig struct {
	Numbers []string `json:"numbers" validate:"required,min=1"`
}

// QuietHours suppresses non-critical notifications between Start and
// End (local "HH:MM", may wrap past midnight). CRITICAL breaches
// always page.
type QuietHours struct {
	Start string `json:"start" validate:"required,len=5"`
	End   string `json:"end" validate:"required,len=5"`
}

// Contains reports whether t falls inside the quiet window.
func (q *QuietHours) Contains(t time.Time) bool {
	start, err1 := time.Parse("15:04", q.Start)
	end, err2 := time.Parse("15:04", q.End)
	if err1 != nil || err2 != nil {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	// Window wraps midnight, e.g. 22:00-07:00.
	return minutes >= startMin || minutes < endMin
}

// Preferences controls whether and where breach notifications go.
// One global record is the fallback; a per-user record overrides it.
type Preferences struct {
	Enabled         bool            `json:"enabled"`
	BreachThreshold int             `json:"breach_threshold" validate:"min=1"`
	Channels        []ChannelConfig `json:"channels" validate:"dive"`
	QuietHours      *QuietHours     `json:"quiet_hours,omitempty"`
}

// DefaultPreferences is used when no record has been written yet: a
// single chat-webhook channel gated at MEDIUM, notifying on every
// breach.
func DefaultPreferences(webhookURL string) *Preferences {
	prefs := &Preferences{
		Enabled:         true,
		BreachThreshold: 1,
	}
	if webhookURL != "" {
		prefs.Channels = []ChannelConfig{{
			Type:        ChannelChatWebhook,
			Enabled:     true,
			MinSeverity: models.SeverityMedium,
			ChatWebhook: &WebhookConfig{URL: webhookURL},
		}}
	}
	return prefs
}

var validate = validator.New()

// Validate rejects malformed preferences at write time, naming the
// offending field.
func (p *Preferences) Validate() error {
	if p.BreachThreshold < 1 {
		return fmt.Errorf("%w: breach_threshold must be >= 1", ErrInvalidPreferences)
	}
	for i := range p.Channels {
		ch := &p.Channels[i]
		if err := validate.Struct(ch); err != nil {
			return fmt.Errorf("%w: channel %d: %v", ErrInvalidPreferences, i, err)
		}
		if err := ch.validateTypedConfig(i); err != nil {
			return err
		}
	}
	if p.QuietHours != nil {
		if err := validate.Struct(p.QuietHours); err != nil {
			return fmt.Errorf("%w: quiet_hours: %v", ErrInvalidPreferences, err)
		}
		if _, err := time.Parse("15:04", p.QuietHours.Start); err != nil {
			return fmt.Errorf("%w: quiet_hours.start: %v", ErrInvalidPreferences, err)
		}
		if _, err := time.Parse("15:04", p.QuietHours.End); err != nil {
			return fmt.Errorf("%w: quiet_hours.end: %v", ErrInvalidPreferences, err)
		}
	}
	return nil
}

func (c *ChannelConfig) validateTypedConfig(i int) error {
	var cfg interface{}
	switch c.Type {
	case ChannelEmail:
		if c.Email == nil {
			return fmt.Errorf("%w: channel %d: email config required", ErrInvalidPreferences, i)
		}
		cfg = c.Email
	case ChannelChatWebhook:
		if c.ChatWebhook == nil {
			return fmt.Errorf("%w: channel %d: chat_webhook config required", ErrInvalidPreferences, i)
		}
		cfg = c.ChatWebhook
	case ChannelPager:
		if c.Pager == nil {
			return fmt.Errorf("%w: channel %d: pager config required", ErrInvalidPreferences, i)
		}
		cfg = c.Pager
	case ChannelWebhook:
		if c.Webhook == nil {
			return fmt.Errorf("%w: channel %d: webhook config required", ErrInvalidPreferences, i)
		}
		cfg = c.Webhook
	case ChannelSMS:
		if c.SMS == nil {
			return fmt.Errorf("%w: channel %d: sms config required", ErrInvalidPreferences, i)
		}
		cfg = c.SMS
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: channel %d (%s): %v", ErrInvalidPreferences, i, c.Type, err)
	}
	return nil
}
