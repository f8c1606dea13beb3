package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/apishield/admission-control/models"
)

// Channel delivers one breach event to one destination. Send must
// return an error instead of panicking; the dispatcher isolates and
// retries around it.
type Channel interface {
	Type() ChannelType
	Send(ctx context.Context, event *models.BreachEvent, cfg *ChannelConfig) error
}

// SMTPSettings carries the relay the email channel hands messages to.
type SMTPSettings struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type EmailChannel struct {
	smtp SMTPSettings
}

func NewEmailChannel(settings SMTPSettings) *EmailChannel {
	return &EmailChannel{smtp: settings}
}

func (c *EmailChannel) Type() ChannelType { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, event *models.BreachEvent, cfg *ChannelConfig) error {
	if cfg.Email == nil || len(cfg.Email.Recipients) == 0 {
		return fmt.Errorf("email channel: no recipients")
	}
	if c.smtp.Host == "" {
		return fmt.Errorf("email channel: smtp relay not configured")
	}

	subject := fmt.Sprintf("[%s] %s breach from %s", event.Severity, event.BreachType, event.IP)
	body := new(strings.Builder)
	fmt.Fprintf(body, "From: %s\r\n", c.smtp.From)
	fmt.Fprintf(body, "To: %s\r\n", strings.Join(cfg.Email.Recipients, ", "))
	fmt.Fprintf(body, "Subject: %s\r\n\r\n", subject)
	fmt.Fprintf(body, "IP: %s\nEndpoint: %s\nType: %s\nSeverity: %s\nAt: %s\n",
		event.IP, event.Endpoint, event.BreachType, event.Severity, event.Timestamp.Format(time.RFC3339))
	for k, v := range event.Details {
		fmt.Fprintf(body, "%s: %s\n", k, v)
	}

	var auth smtp.Auth
	if c.smtp.Username != "" {
		auth = smtp.PlainAuth("", c.smtp.Username, c.smtp.Password, c.smtp.Host)
	}
	addr := c.smtp.Host + ":" + c.smtp.Port
	return smtp.SendMail(addr, auth, c.smtp.From, cfg.Email.Recipients, []byte(body.String()))
}

// webhookPost is shared by the chat-webhook, generic-webhook and
// pager channels: POST the event as JSON and treat any non-2xx
// response as a delivery failure.
func webhookPost(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

type ChatWebhookChannel struct {
	client *http.Client
}

func NewChatWebhookChannel(client *http.Client) *ChatWebhookChannel {
	return &ChatWebhookChannel{client: client}
}

func (c *ChatWebhookChannel) Type() ChannelType { return ChannelChatWebhook }

func (c *ChatWebhookChannel) Send(ctx context.Context, event *models.BreachEvent, cfg *ChannelConfig) error {
	if cfg.ChatWebhook == nil {
		return fmt.Errorf("chat webhook channel: missing config")
	}
	text := fmt.Sprintf(":rotating_light: *%s* breach (%s) from `%s` on `%s` at %s",
		event.Severity, event.BreachType, event.IP, event.Endpoint, event.Timestamp.Format(time.RFC3339))
	return webhookPost(ctx, c.client, cfg.ChatWebhook.URL, map[string]string{"text": text})
}

type WebhookChannel struct {
	client *http.Client
}

func NewWebhookChannel(client *http.Client) *WebhookChannel {
	return &WebhookChannel{client: client}
}

func (c *WebhookChannel) Type() ChannelType { return ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, event *models.BreachEvent, cfg *ChannelConfig) error {
	if cfg.Webhook == nil {
		return fmt.Errorf("webhook channel: missing config")
	}
	return webhookPost(ctx, c.client, cfg.Webhook.URL, event)
}

type PagerChannel struct {
	client   *http.Client
	endpoint string
}

func NewPagerChannel(client *http.Client, defaultEndpoint string) *PagerChannel {
	return &PagerChannel{client: client, endpoint: defaultEndpoint}
}

func (c *PagerChannel) Type() ChannelType { return ChannelPager }

func (c *PagerChannel) Send(ctx context.Context, event *models.BreachEvent, cfg *ChannelConfig) error {
	if cfg.Pager == nil {
		return fmt.Errorf("pager channel: missing config")
	}
	endpoint := cfg.Pager.Endpoint
	if endpoint == "" {
		endpoint = c.endpoint
	}
	if endpoint == "" {
		return fmt.Errorf("pager channel: no endpoint configured")
	}
	payload := map[string]interface{}{
		"service_key": cfg.Pager.ServiceKey,
		"event_type":  "trigger",
		"description": fmt.Sprintf("%s breach from %s (%s)", event.BreachType, event.IP, event.Severity),
		"details":     event,
	}
	return webhookPost(ctx, c.client, endpoint, payload)
}

// SMSChannel hands messages to an HTTP SMS gateway; carrier delivery
// is the gateway's problem.
type SMSChannel struct {
	client     *http.Client
	gatewayURL string
}

func NewSMSChannel(client *http.Client, gatewayURL string) *SMSChannel {
	return &SMSChannel{client: client, gatewayURL: gatewayURL}
}

func (c *SMSChannel) Type() ChannelType { return ChannelSMS }

func (c *SMSChannel) Send(ctx context.Context, event *models.BreachEvent, cfg *ChannelConfig) error {
	if cfg.SMS == nil || len(cfg.SMS.Numbers) == 0 {
		return fmt.Errorf("sms channel: no numbers")
	}
	if c.gatewayURL == "" {
		return fmt.Errorf("sms channel: gateway not configured")
	}
	payload := map[string]interface{}{
		"to":      cfg.SMS.Numbers,
		"message": fmt.Sprintf("%s breach from %s (%s)", event.BreachType, event.IP, event.Severity),
	}
	return webhookPost(ctx, c.client, c.gatewayURL, payload)
}
