package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
)

const sendTimeout = 10 * time.Second

var slackEmoji = map[Kind]string{
	KindRunAborted:    ":rotating_light:",
	KindRunSummary:    ":broom:",
	KindPendingAction: ":hourglass:",
	KindUnhealthy:     ":warning:",
	KindRecovered:     ":white_check_mark:",
}

// Slack posts alerts to an incoming webhook as a text message.
type Slack struct {
	url    string
	client *http.Client
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{url: webhookURL, client: &http.Client{Timeout: sendTimeout}}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, a Alert) error {
	return postJSON(ctx, s.client, s.url, map[string]string{"text": slackText(a)})
}

func slackText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s/%s: %s", slackEmoji[a.Kind], a.Kind, a.Chain, a.Network, a.Headline())
	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "\n- *%s*: %s", label, value)
		}
	}
	line("key", a.Key)
	line("tx", a.TxHash)
	line("reason", a.Reason)
	if a.Counts != nil {
		line("outcomes", a.Counts.String())
	}
	line("run", a.RunID)
	return b.String()
}

// Webhook posts alerts as JSON documents.
type Webhook struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: sendTimeout}, now: time.Now}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Kind         Kind          `json:"kind"`
	Chain        model.Chain   `json:"chain"`
	Network      model.Network `json:"network"`
	Headline     string        `json:"headline"`
	RunID        string        `json:"run_id,omitempty"`
	Key          string        `json:"key,omitempty"`
	TxHash       string        `json:"tx_hash,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	PendingSince *time.Time    `json:"pending_since,omitempty"`
	Failures     int           `json:"consecutive_failures,omitempty"`
	Counts       *Counts       `json:"counts,omitempty"`
	Time         time.Time     `json:"time"`
}

func (w *Webhook) Send(ctx context.Context, a Alert) error {
	p := webhookPayload{
		Kind:     a.Kind,
		Chain:    a.Chain,
		Network:  a.Network,
		Headline: a.Headline(),
		RunID:    a.RunID,
		Key:      a.Key,
		TxHash:   a.TxHash,
		Reason:   a.Reason,
		Failures: a.Failures,
		Counts:   a.Counts,
		Time:     w.now().UTC().Truncate(time.Second),
	}
	if !a.PendingSince.IsZero() {
		since := a.PendingSince.UTC()
		p.PendingSince = &since
	}
	return postJSON(ctx, w.client, w.url, p)
}

func postJSON(ctx context.Context, client *http.Client, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
