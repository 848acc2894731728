// Package alert delivers reconciliation events to operators over Slack and
// generic webhooks.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
)

// Kind categorizes an alert.
type Kind string

const (
	KindRunAborted    Kind = "RUN_ABORTED"
	KindRunSummary    Kind = "RUN_SUMMARY"
	KindPendingAction Kind = "PENDING_ACTION"
	KindUnhealthy     Kind = "UNHEALTHY"
	KindRecovered     Kind = "RECOVERED"
)

// Counts are the per-outcome totals of one run.
type Counts struct {
	Subjects   int `json:"subjects"`
	Completed  int `json:"completed"`
	Insolvent  int `json:"insolvent"`
	NoBalance  int `json:"no_balance"`
	ReadFailed int `json:"read_failed"`
	Pending    int `json:"pending"`
}

func (c Counts) String() string {
	return fmt.Sprintf("%d completed, %d insolvent, %d no balance, %d read failed, %d pending of %d subjects",
		c.Completed, c.Insolvent, c.NoBalance, c.ReadFailed, c.Pending, c.Subjects)
}

// Alert is one reconciliation event. Key, TxHash and Reason describe the
// single key an event is about, when there is one.
type Alert struct {
	Kind    Kind
	Chain   model.Chain
	Network model.Network
	RunID   string

	Key    string
	TxHash string
	Reason string
	// PendingSince is when a still pending action was journaled.
	PendingSince time.Time

	// Failures is the consecutive aborted run count.
	Failures int
	Counts   *Counts
}

// Headline is a one-line description of the event.
func (a Alert) Headline() string {
	switch a.Kind {
	case KindRunAborted:
		if a.Key != "" {
			return "run aborted at " + a.Key
		}
		return "run aborted"
	case KindRunSummary:
		return "run finished"
	case KindPendingAction:
		return fmt.Sprintf("action %s pending since %s", a.TxHash, a.PendingSince.UTC().Format(time.RFC3339))
	case KindUnhealthy:
		return fmt.Sprintf("%d consecutive runs aborted", a.Failures)
	case KindRecovered:
		return "run completed after consecutive failures"
	}
	return string(a.Kind)
}

// dedupKey scopes the cooldown. Key-level events are deduplicated per key
// so one stuck action does not hide another.
func (a Alert) dedupKey() string {
	return strings.Join([]string{string(a.Kind), string(a.Chain), string(a.Network), a.Key}, "|")
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Channel is one alert destination.
type Channel interface {
	Alerter
	Name() string
}

// New builds the alerter for the configured channels. With no channel
// configured it returns Noop.
func New(slackWebhookURL, webhookURL string, cooldown time.Duration, logger *slog.Logger) Alerter {
	var channels []Channel
	if slackWebhookURL != "" {
		channels = append(channels, NewSlack(slackWebhookURL))
	}
	if webhookURL != "" {
		channels = append(channels, NewWebhook(webhookURL))
	}
	if len(channels) == 0 {
		return Noop{}
	}
	return NewDispatcher(cooldown, logger, channels...)
}

// Noop drops every alert.
type Noop struct{}

func (Noop) Send(context.Context, Alert) error { return nil }
