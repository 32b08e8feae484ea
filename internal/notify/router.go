// Package notify routes alerts and operational messages to the
// configured delivery channels. Channel configuration lives in the
// application database and is cached read-mostly; Reload picks up
// config changes.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/config"
	"github.com/parcelworks/assessor-sync/internal/entities"
)

// EmailSettings is the Config JSON shape for the email channel.
type EmailSettings struct {
	SMTPHost   string   `json:"smtp_host"`
	SMTPPort   int      `json:"smtp_port"`
	From       string   `json:"from"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

// ChatSettings is the Config JSON shape for the chat channel.
type ChatSettings struct {
	WebhookURL string `json:"webhook_url"`
}

// SMSSettings is the Config JSON shape for the sms channel. Delivery is
// a stub until a gateway is selected; messages are logged and recorded.
type SMSSettings struct {
	From       string   `json:"from,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
}

type channelState struct {
	enabled bool
	config  string
	routes  map[string]bool // severity name -> deliver
}

// Router fans a message out to every channel that is enabled and routes
// the message's severity. A failing channel never blocks the others;
// every attempted send leaves a NotificationDelivery row.
type Router struct {
	db         *gorm.DB
	httpClient *http.Client

	mu       sync.RWMutex
	channels map[entities.Channel]channelState

	// sendMail is swapped out in tests.
	sendMail func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewRouter(db *gorm.DB, cfg config.Notify) (*Router, error) {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	r := &Router{
		db:         db,
		httpClient: &http.Client{Timeout: timeout},
		channels:   map[entities.Channel]channelState{},
		sendMail:   smtp.SendMail,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the cached channel configuration from the database.
func (r *Router) Reload() error {
	var rows []entities.NotificationConfig
	if err := r.db.Find(&rows).Error; err != nil {
		return fmt.Errorf("load notification configs: %w", err)
	}

	channels := make(map[entities.Channel]channelState, len(rows))
	for _, row := range rows {
		state := channelState{enabled: row.Enabled, config: row.Config}
		if row.SeverityRoutes != "" {
			routes := map[string]bool{}
			if err := json.Unmarshal([]byte(row.SeverityRoutes), &routes); err != nil {
				log.Printf("Notify: channel %s has unparseable severity routes, ignoring: %v", row.Channel, err)
			} else {
				state.routes = routes
			}
		}
		channels[row.Channel] = state
	}

	r.mu.Lock()
	r.channels = channels
	r.mu.Unlock()
	return nil
}

// Configs returns the stored channel configuration rows.
func (r *Router) Configs() ([]entities.NotificationConfig, error) {
	var rows []entities.NotificationConfig
	err := r.db.Order("channel ASC").Find(&rows).Error
	return rows, err
}

// UpdateConfig upserts one channel's configuration and reloads the cache.
func (r *Router) UpdateConfig(channel entities.Channel, enabled bool, configJSON, severityRoutes string) error {
	if !validChannel(channel) {
		return fmt.Errorf("%s: unknown channel %q", entities.ErrKindConfigInvalid, channel)
	}
	if configJSON != "" && !json.Valid([]byte(configJSON)) {
		return fmt.Errorf("%s: channel config must be a JSON object", entities.ErrKindConfigInvalid)
	}
	if severityRoutes != "" {
		routes := map[string]bool{}
		if err := json.Unmarshal([]byte(severityRoutes), &routes); err != nil {
			return fmt.Errorf("%s: severity routes must map severity to boolean: %v", entities.ErrKindConfigInvalid, err)
		}
	}

	var row entities.NotificationConfig
	err := r.db.Where("channel = ?", channel).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = entities.NotificationConfig{Channel: channel}
	case err != nil:
		return err
	}
	row.Enabled = enabled
	row.Config = configJSON
	row.SeverityRoutes = severityRoutes
	if err := r.db.Save(&row).Error; err != nil {
		return err
	}
	return r.Reload()
}

func validChannel(c entities.Channel) bool {
	for _, known := range entities.AllChannels {
		if c == known {
			return true
		}
	}
	return false
}

// NotifyAlert delivers a matched quality alert. Implements the alert
// sink consumed by the quality engine.
func (r *Router) NotifyAlert(alertID *uint, subject, body string, severity entities.Severity, channels []entities.Channel, recipients []string) {
	r.dispatch(alertID, subject, body, severity, channels, recipients)
}

// Notify delivers an operational message outside the alert pipeline.
func (r *Router) Notify(subject, body string, severity entities.Severity, channels []entities.Channel) {
	r.dispatch(nil, subject, body, severity, channels, nil)
}

func (r *Router) dispatch(alertID *uint, subject, body string, severity entities.Severity, channels []entities.Channel, recipients []string) {
	if len(channels) == 0 {
		channels = entities.AllChannels
	}
	for _, channel := range channels {
		r.mu.RLock()
		state, ok := r.channels[channel]
		r.mu.RUnlock()

		if !ok || !state.enabled {
			continue
		}
		if !routesSeverity(state.routes, severity) {
			continue
		}
		r.send(channel, state.config, alertID, subject, body, severity, recipients)
	}
}

// routesSeverity defaults to delivering warning and above when a channel
// has no explicit route table.
func routesSeverity(routes map[string]bool, severity entities.Severity) bool {
	if routes == nil {
		return severity != entities.SeverityInfo
	}
	deliver, ok := routes[string(severity)]
	if !ok {
		return false
	}
	return deliver
}

func (r *Router) send(channel entities.Channel, configJSON string, alertID *uint, subject, body string, severity entities.Severity, recipients []string) {
	switch channel {
	case entities.ChannelEmail:
		r.sendEmail(configJSON, alertID, subject, body, severity, recipients)
	case entities.ChannelChat:
		r.sendChat(configJSON, alertID, subject, body, severity)
	case entities.ChannelSMS:
		r.sendSMS(configJSON, alertID, subject, body, severity, recipients)
	}
}

func (r *Router) sendEmail(configJSON string, alertID *uint, subject, body string, severity entities.Severity, recipients []string) {
	var settings EmailSettings
	if err := json.Unmarshal([]byte(configJSON), &settings); err != nil || settings.SMTPHost == "" {
		r.record(alertID, entities.ChannelEmail, "", subject, body, severity, fmt.Errorf("email channel not configured"))
		return
	}
	if len(recipients) == 0 {
		recipients = settings.Recipients
	}
	if len(recipients) == 0 {
		r.record(alertID, entities.ChannelEmail, "", subject, body, severity, fmt.Errorf("no recipients configured"))
		return
	}

	port := settings.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", settings.SMTPHost, port)
	var auth smtp.Auth
	if settings.Username != "" {
		auth = smtp.PlainAuth("", settings.Username, settings.Password, settings.SMTPHost)
	}

	msg := buildMessage(settings.From, recipients, subject, body)
	err := r.sendMail(addr, auth, settings.From, recipients, msg)
	for _, recipient := range recipients {
		r.record(alertID, entities.ChannelEmail, recipient, subject, body, severity, err)
	}
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

func (r *Router) sendChat(configJSON string, alertID *uint, subject, body string, severity entities.Severity) {
	var settings ChatSettings
	if err := json.Unmarshal([]byte(configJSON), &settings); err != nil || settings.WebhookURL == "" {
		r.record(alertID, entities.ChannelChat, "", subject, body, severity, fmt.Errorf("chat channel not configured"))
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"text":     fmt.Sprintf("*%s*\n%s", subject, body),
		"severity": string(severity),
	})
	resp, err := r.httpClient.Post(settings.WebhookURL, "application/json", bytes.NewReader(payload))
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			err = fmt.Errorf("webhook returned %s", resp.Status)
		}
	}
	r.record(alertID, entities.ChannelChat, settings.WebhookURL, subject, body, severity, err)
}

// sendSMS records the message without delivering it; no SMS gateway is
// wired up yet.
func (r *Router) sendSMS(configJSON string, alertID *uint, subject, body string, severity entities.Severity, recipients []string) {
	var settings SMSSettings
	_ = json.Unmarshal([]byte(configJSON), &settings)
	if len(recipients) == 0 {
		recipients = settings.Recipients
	}
	if len(recipients) == 0 {
		r.record(alertID, entities.ChannelSMS, "", subject, body, severity, fmt.Errorf("no recipients configured"))
		return
	}
	for _, recipient := range recipients {
		log.Printf("Notify: sms to %s suppressed (no gateway configured): %s", recipient, subject)
		r.record(alertID, entities.ChannelSMS, recipient, subject, body, severity, fmt.Errorf("sms gateway not configured"))
	}
}

func (r *Router) record(alertID *uint, channel entities.Channel, recipient, subject, body string, severity entities.Severity, sendErr error) {
	delivery := entities.NotificationDelivery{
		AlertID:   alertID,
		Subject:   subject,
		Body:      body,
		Severity:  severity,
		Channel:   channel,
		Recipient: recipient,
		Attempts:  1,
	}
	if sendErr != nil {
		delivery.Status = entities.DeliveryFailed
		delivery.Error = sendErr.Error()
		log.Printf("Notify: %s delivery failed: %v", channel, sendErr)
	} else {
		now := time.Now()
		delivery.Status = entities.DeliverySent
		delivery.DeliveredAt = &now
	}
	if err := r.db.Create(&delivery).Error; err != nil {
		log.Printf("Notify: failed to record %s delivery: %v", channel, err)
	}
}

// SendTest pushes a test message through one channel's normal delivery
// path, ignoring severity routing.
func (r *Router) SendTest(channel entities.Channel) error {
	if !validChannel(channel) {
		return fmt.Errorf("%s: unknown channel %q", entities.ErrKindConfigInvalid, channel)
	}
	r.mu.RLock()
	state, ok := r.channels[channel]
	r.mu.RUnlock()
	if !ok || !state.enabled {
		return fmt.Errorf("%s: channel %s is not enabled", entities.ErrKindConfigInvalid, channel)
	}

	subject := "Test notification"
	body := fmt.Sprintf("Test message sent at %s.", time.Now().Format(time.RFC3339))
	r.send(channel, state.config, nil, subject, body, entities.SeverityInfo, nil)
	return nil
}

// Deliveries returns recent delivery records, newest first.
func (r *Router) Deliveries(limit int) ([]entities.NotificationDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []entities.NotificationDelivery
	err := r.db.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
