package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"
)

// RetryConfig holds retry configuration for webhooks.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (default: 3).
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff strategy: linear, exponential or fixed (default: exponential).
	Backoff string `yaml:"backoff"`

	// InitialWait is the wait before the first retry.
	InitialWait time.Duration `yaml:"initial_wait"`
}

// WebhookConfig holds configuration for webhook notifications.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`

	// Events restricts which event types are delivered. Empty means all.
	Events []string `yaml:"events"`

	// PayloadTemplate is a text/template for the request body. Empty means
	// the default JSON payload.
	PayloadTemplate string `yaml:"payload_template"`

	Retry   *RetryConfig  `yaml:"retry"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookProvider posts events to an HTTP endpoint.
type WebhookProvider struct {
	config   WebhookConfig
	client   *http.Client
	template *template.Template
}

// NewWebhookProvider creates a webhook provider, filling in defaults.
func NewWebhookProvider(config WebhookConfig) *WebhookProvider {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	retry := RetryConfig{}
	if config.Retry != nil {
		retry = *config.Retry
	}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialWait == 0 {
		retry.InitialWait = time.Second
	}
	config.Retry = &retry

	p := &WebhookProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
	if config.PayloadTemplate != "" {
		if tmpl, err := template.New("payload").Parse(config.PayloadTemplate); err == nil {
			p.template = tmpl
		}
	}
	return p
}

// Name returns the provider name.
func (p *WebhookProvider) Name() string {
	if p.config.Name != "" {
		return "webhook:" + p.config.Name
	}
	return "webhook"
}

// SupportsEvent reports whether eventType is in the configured filter.
func (p *WebhookProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return true
	}
	for _, e := range p.config.Events {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}

// Validate checks the URL, method, backoff and template.
func (p *WebhookProvider) Validate(ctx context.Context) error {
	if p.config.URL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(p.config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL: %s", p.config.URL)
	}

	switch strings.ToUpper(p.config.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("invalid method: %s (must be POST, PUT, or PATCH)", p.config.Method)
	}

	switch strings.ToLower(p.config.Retry.Backoff) {
	case "linear", "exponential", "fixed":
	default:
		return fmt.Errorf("invalid backoff strategy: %s (must be linear, exponential, or fixed)", p.config.Retry.Backoff)
	}

	if p.config.PayloadTemplate != "" && p.template == nil {
		return fmt.Errorf("invalid payload template")
	}
	return nil
}

// Send delivers the event, retrying with backoff.
func (p *WebhookProvider) Send(ctx context.Context, event Event) error {
	payload, err := p.buildPayload(event)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.Retry.MaxAttempts; attempt++ {
		if lastErr = p.doSend(ctx, payload); lastErr == nil {
			return nil
		}
		if attempt == p.config.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.calculateBackoff(attempt)):
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", p.config.Retry.MaxAttempts, lastErr)
}

func (p *WebhookProvider) doSend(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.config.Method), p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *WebhookProvider) buildPayload(event Event) ([]byte, error) {
	if p.template != nil {
		var buf bytes.Buffer
		if err := p.template.Execute(&buf, newTemplateData(event)); err == nil {
			return buf.Bytes(), nil
		}
		// Fall back to the default payload on template error
	}
	return json.Marshal(newPayload(event))
}

// templateData exposes event fields as strings to payload templates.
type templateData struct {
	Type      string
	SecretID  string
	Mode      string
	Step      string
	Outcome   string
	VersionID string
	KeyID     string
	ExpiresAt string
	Error     string
	Duration  string
	Timestamp string
}

func newTemplateData(event Event) templateData {
	data := templateData{
		Type:      string(event.Type),
		SecretID:  event.SecretID,
		Mode:      event.Mode,
		Step:      event.Step,
		Outcome:   event.Outcome,
		VersionID: event.VersionID,
		KeyID:     event.KeyID,
		Duration:  event.Duration.String(),
		Timestamp: event.Timestamp.Format(time.RFC3339),
	}
	if !event.ExpiresAt.IsZero() {
		data.ExpiresAt = event.ExpiresAt.Format(time.RFC3339)
	}
	if event.Error != nil {
		data.Error = event.Error.Error()
	}
	return data
}

type payload struct {
	Event           string  `json:"event"`
	SecretID        string  `json:"secret_id"`
	Mode            string  `json:"mode"`
	Step            string  `json:"step,omitempty"`
	Outcome         string  `json:"outcome,omitempty"`
	VersionID       string  `json:"version_id,omitempty"`
	KeyID           string  `json:"key_id,omitempty"`
	ExpiresAt       string  `json:"expires_at,omitempty"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Timestamp       string  `json:"timestamp"`
}

func newPayload(event Event) payload {
	data := newTemplateData(event)
	return payload{
		Event:           data.Type,
		SecretID:        data.SecretID,
		Mode:            data.Mode,
		Step:            data.Step,
		Outcome:         data.Outcome,
		VersionID:       data.VersionID,
		KeyID:           data.KeyID,
		ExpiresAt:       data.ExpiresAt,
		Error:           data.Error,
		DurationSeconds: event.Duration.Seconds(),
		Timestamp:       data.Timestamp,
	}
}

func (p *WebhookProvider) calculateBackoff(attempt int) time.Duration {
	initial := p.config.Retry.InitialWait
	switch strings.ToLower(p.config.Retry.Backoff) {
	case "linear":
		return initial * time.Duration(attempt)
	case "exponential":
		return initial * time.Duration(1<<(attempt-1))
	default:
		return initial
	}
}
