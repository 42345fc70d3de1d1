package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// Channel is an Alerter with a name for metrics and logs.
type Channel interface {
	Alerter
	Name() string
}

const (
	sendAttempts = 3
	sendTimeout  = 10 * time.Second
)

// errRejected marks a 4xx answer. Retrying the same payload cannot help.
var errRejected = errors.New("alert rejected by receiver")

// poster delivers JSON payloads, retrying transport errors and 5xx answers.
type poster struct {
	url      string
	client   *http.Client
	attempts int
	minWait  time.Duration
}

func newPoster(url string) poster {
	return poster{
		url:      url,
		client:   &http.Client{Timeout: sendTimeout},
		attempts: sendAttempts,
		minWait:  250 * time.Millisecond,
	}
}

func (p poster) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	b := &backoff.Backoff{Min: p.minWait, Max: 4 * p.minWait, Factor: 2}
	for attempt := 1; ; attempt++ {
		err = p.once(ctx, body)
		if err == nil || errors.Is(err, errRejected) || attempt >= p.attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

func (p poster) once(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
	default:
		return fmt.Errorf("receiver status %d", resp.StatusCode)
	}
}

// SlackAlerter posts to a Slack incoming webhook.
type SlackAlerter struct{ poster }

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{newPoster(webhookURL)}
}

func (*SlackAlerter) Name() string { return "slack" }

func (s *SlackAlerter) Send(ctx context.Context, a Alert) error {
	if err := s.post(ctx, map[string]string{"text": slackText(a)}); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

var slackEmoji = map[AlertType]string{
	AlertTypeRecovery:      ":white_check_mark:",
	AlertTypeTxRejected:    ":no_entry:",
	AlertTypeWaitForGas:    ":fuelpump:",
	AlertTypeNonceGap:      ":scales:",
	AlertTypeNonceMismatch: ":scales:",
}

func slackText(a Alert) string {
	emoji, ok := slackEmoji[a.Type]
	if !ok {
		emoji = ":warning:"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s: %s\n%s", emoji, a.Type, a.Subject(), a.Title, a.Message)

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- *%s*: %s\n", k, a.Fields[k])
	}
	return b.String()
}

// WebhookAlerter posts a JSON document to an arbitrary receiver.
type WebhookAlerter struct {
	poster
	nowFn func() time.Time
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{poster: newPoster(url), nowFn: time.Now}
}

func (*WebhookAlerter) Name() string { return "webhook" }

type webhookPayload struct {
	Type     AlertType         `json:"type"`
	Severity Severity          `json:"severity"`
	Chain    string            `json:"chain"`
	Address  string            `json:"address,omitempty"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     string            `json:"time"`
}

func (w *WebhookAlerter) Send(ctx context.Context, a Alert) error {
	err := w.post(ctx, webhookPayload{
		Type:     a.Type,
		Severity: a.Type.Severity(),
		Chain:    a.Chain,
		Address:  a.Address,
		Title:    a.Title,
		Message:  a.Message,
		Fields:   a.Fields,
		Time:     w.nowFn().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}
