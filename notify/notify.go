// Package notify sends transactional email through the Resend HTTP API.
// Delivery is best effort: callers log failures and move on, and no email
// outcome ever rolls back database state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultEndpoint = "https://api.resend.com/emails"

// Mailer is the interface handlers depend on.
type Mailer interface {
	SendInviteEmail(ctx context.Context, to, preview, connectionCode, token string) error
	SendTurnEmail(ctx context.Context, to string, round int) error
}

// Resend posts messages to the Resend emails endpoint.
type Resend struct {
	apiKey   string
	from     string
	appURL   string
	endpoint string
	client   *http.Client
}

// NewResend builds a notifier. An empty API key yields a disabled notifier
// that drops every message silently.
func NewResend(apiKey, from, appURL string) *Resend {
	return &Resend{
		apiKey:   apiKey,
		from:     from,
		appURL:   appURL,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithEndpoint overrides the API endpoint, for tests.
func (r *Resend) WithEndpoint(endpoint string) *Resend {
	r.endpoint = endpoint
	return r
}

type message struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendInviteEmail invites a co-parent to join, carrying the inviter's
// round-1 statement as a preview plus the code and link needed to accept.
func (r *Resend) SendInviteEmail(ctx context.Context, to, preview, connectionCode, token string) error {
	link := fmt.Sprintf("%s/join?token=%s", r.appURL, token)
	html := fmt.Sprintf(
		"<p>Your co-parent started an appreciation exchange and wrote this for round 1:</p>"+
			"<blockquote>%s</blockquote>"+
			"<p>Join with connection code <strong>%s</strong> or follow <a href=%q>this link</a>.</p>",
		preview, connectionCode, link)
	return r.send(ctx, message{
		From:    r.from,
		To:      []string{to},
		Subject: "Your co-parent wrote something for you",
		HTML:    html,
	})
}

// SendTurnEmail tells the recipient it is their turn to write.
func (r *Resend) SendTurnEmail(ctx context.Context, to string, round int) error {
	html := fmt.Sprintf(
		"<p>Your co-parent just shared their round %d appreciation. It is your turn to write yours.</p>"+
			"<p><a href=%q>Open your scorecard</a></p>",
		round, r.appURL)
	return r.send(ctx, message{
		From:    r.from,
		To:      []string{to},
		Subject: fmt.Sprintf("It's your turn (round %d)", round),
		HTML:    html,
	})
}

func (r *Resend) send(ctx context.Context, msg message) error {
	if r.apiKey == "" {
		slog.Debug("notify disabled, dropping email", "subject", msg.Subject)
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: resend returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}
