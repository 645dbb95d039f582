package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type desktopRecorder struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

func (r *desktopRecorder) notify(title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return r.err
}

func (r *desktopRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func TestDispatchWebhook(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{WebhookURL: srv.URL}, testLogger())
	d.Dispatch(context.Background(), protocol.Update{
		Type:            protocol.UpdateApprovalRequired,
		UserID:          "u1",
		ApprovalID:      "a-1",
		Message:         "Approval required: force push",
		ApprovalDetails: &protocol.ApprovalDetails{Action: "force push", Details: "branch: main"},
		Timestamp:       time.Unix(1700000000, 0),
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	p := payloads[0]
	assert.Equal(t, "APPROVAL_REQUIRED", p["event"])
	assert.Equal(t, "u1", p["user_id"])
	assert.Equal(t, "a-1", p["approval_id"])
	assert.Equal(t, "overseer: approval required (u1)", p["title"])
	assert.Equal(t, "Approval required: force push\nbranch: main", p["message"])
	assert.Equal(t, float64(1700000000), p["timestamp"])
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{WebhookURL: srv.URL}, testLogger())
	title, msg := d.compose(protocol.Update{Type: protocol.UpdateError, Message: "boom"})
	err := d.postWebhook(context.Background(), protocol.Update{Type: protocol.UpdateError}, title, msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHandleFiltersAndQueues(t *testing.T) {
	rec := &desktopRecorder{}
	d := NewDispatcher(Config{Desktop: true}, testLogger())
	d.desktop = rec.notify

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	d.Handle(protocol.Update{Type: protocol.UpdateStatus, Message: "Starting task: x"})
	d.Handle(protocol.Update{Type: protocol.UpdateTaskComplete, UserID: "u1", Message: "Created README.md"})
	d.Handle(protocol.Update{Type: protocol.UpdateError, Message: strings.Repeat("x", 900)})

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"overseer: task complete (u1)", "overseer: task failed"}, rec.titles)
	assert.Len(t, rec.bodies[1], maxMessageLen+3, "long messages are truncated")
}

func TestHandleCustomTypes(t *testing.T) {
	rec := &desktopRecorder{err: errors.New("no notification daemon")}
	d := NewDispatcher(Config{Desktop: true, Types: []protocol.UpdateType{protocol.UpdateStatus}}, testLogger())
	d.desktop = rec.notify

	d.Handle(protocol.Update{Type: protocol.UpdateTaskComplete, Message: "done"})
	d.Handle(protocol.Update{Type: protocol.UpdateStatus, Message: "Starting task: x"})
	require.Len(t, d.queue, 1)

	// Desktop failures are logged, not returned
	d.Dispatch(context.Background(), <-d.queue)
	assert.Equal(t, 1, rec.count())
}

func TestDisabledDispatcherIgnoresUpdates(t *testing.T) {
	d := NewDispatcher(Config{}, testLogger())
	assert.False(t, d.Enabled())

	d.Handle(protocol.Update{Type: protocol.UpdateApprovalRequired, Message: "Approval required: push"})
	assert.Empty(t, d.queue)
}

func TestComposeTruncatesOnRuneBoundary(t *testing.T) {
	d := NewDispatcher(Config{Desktop: true}, testLogger())

	_, message := d.compose(protocol.Update{Type: protocol.UpdateError, Message: strings.Repeat("é", 900)})
	assert.True(t, utf8.ValidString(message))
	assert.Equal(t, maxMessageLen+3, utf8.RuneCountInString(message))
	assert.True(t, strings.HasSuffix(message, "é..."))
}
