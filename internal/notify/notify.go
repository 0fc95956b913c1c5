// Package notify posts run events to chat and webhook endpoints. Delivery is
// best effort: failures are logged and never abort a run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"

	"piswarm/internal/logging"
)

// Category classifies an event.
type Category string

const (
	CategoryRunStarted   Category = "run-started"
	CategoryHostFailed   Category = "host-failed"
	CategorySwarmFormed  Category = "swarm-formed"
	CategoryRunCompleted Category = "run-completed"
	CategoryRunFailed    Category = "run-failed"
	CategoryRollback     Category = "rollback"
)

// Event is one notification.
type Event struct {
	Category Category  `json:"category"`
	Message  string    `json:"message"`
	Cluster  string    `json:"cluster"`
	RunID    string    `json:"runId,omitempty"`
	Host     string    `json:"host,omitempty"`
	Status   string    `json:"status,omitempty"`
	Time     time.Time `json:"time"`
}

// Text renders the event as a single chat line.
func (e Event) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", e.Cluster, e.Category, e.Message)
	if e.Host != "" {
		fmt.Fprintf(&b, " (host %s)", e.Host)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " status=%s", e.Status)
	}
	return b.String()
}

// Notifier delivers one event.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Kind is the payload flavour of a webhook.
type Kind string

const (
	KindSlack   Kind = "slack"
	KindDiscord Kind = "discord"
	KindGeneric Kind = "generic"
)

// Webhook posts JSON to a URL. Slack receives {"text"}, Discord {"content"},
// anything else the full event.
type Webhook struct {
	Name   string
	Kind   Kind
	URL    string
	Client *http.Client
}

func (w *Webhook) payload(e Event) ([]byte, error) {
	switch w.Kind {
	case KindSlack:
		return json.Marshal(map[string]string{"text": e.Text()})
	case KindDiscord:
		return json.Marshal(map[string]string{"content": e.Text()})
	default:
		return json.Marshal(e)
	}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, e Event) error {
	body, err := w.payload(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify %s: %w", w.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", w.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify %s: unexpected status %s", w.Name, resp.Status)
	}
	return nil
}

// Dispatcher fans events out to every notifier with a per-event timeout.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
}

// NewDispatcher creates a Dispatcher. A zero timeout means 10s.
func NewDispatcher(timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifiers: notifiers, timeout: timeout}
}

// Notify sends e to every notifier. The returned error aggregates individual
// failures; each failure is also logged.
func (d *Dispatcher) Notify(ctx context.Context, e Event) error {
	if d == nil || len(d.notifiers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	var errs error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, e); err != nil {
			logging.L().Warnw("notification failed", "category", string(e.Category), "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
