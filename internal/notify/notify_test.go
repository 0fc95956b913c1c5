package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func testEvent() Event {
	return Event{
		Category: CategoryRunCompleted,
		Message:  "3 of 3 hosts joined",
		Cluster:  "piswarm",
		Status:   "validated",
		Time:     time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookPayloads(t *testing.T) {
	tests := []struct {
		kind Kind
		key  string
	}{
		{KindSlack, "text"},
		{KindDiscord, "content"},
		{KindGeneric, "category"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			var got map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				body, _ := io.ReadAll(r.Body)
				require.NoError(t, json.Unmarshal(body, &got))
				w.WriteHeader(http.StatusNoContent)
			}))
			defer srv.Close()

			w := &Webhook{Name: "test", Kind: tt.kind, URL: srv.URL}
			require.NoError(t, w.Notify(context.Background(), testEvent()))
			assert.Contains(t, got, tt.key)
		})
	}
}

func TestWebhookRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&Webhook{Name: "ops", Kind: KindGeneric, URL: srv.URL}).Notify(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type notifierFunc func(context.Context, Event) error

func (f notifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

func TestDispatcherAggregatesFailures(t *testing.T) {
	delivered := 0
	ok := notifierFunc(func(context.Context, Event) error { delivered++; return nil })
	bad := notifierFunc(func(context.Context, Event) error { return errors.New("boom") })

	d := NewDispatcher(time.Second, bad, ok, bad)
	err := d.Notify(context.Background(), testEvent())
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, 1, delivered, "a failing notifier does not stop the others")
}

func TestDispatcherIgnoresCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawErr error
	n := notifierFunc(func(ctx context.Context, _ Event) error { sawErr = ctx.Err(); return nil })
	require.NoError(t, NewDispatcher(time.Second, n).Notify(ctx, testEvent()))
	assert.NoError(t, sawErr)
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	assert.NoError(t, d.Notify(context.Background(), testEvent()))
}

func TestEventText(t *testing.T) {
	e := testEvent()
	e.Host = "192.168.1.11"
	assert.Equal(t, "[piswarm] run-completed: 3 of 3 hosts joined (host 192.168.1.11) status=validated", e.Text())
}
