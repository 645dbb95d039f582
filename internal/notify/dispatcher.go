// Package notify forwards update events that need a human to desktop
// notifications and an optional JSON webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gen2brain/beeep"
	"github.com/iambrandonn/overseer/internal/protocol"
)

const (
	appName       = "overseer"
	maxMessageLen = 800 // runes
	queueSize     = 64
)

// Config selects the notification channels
type Config struct {
	Desktop    bool
	WebhookURL string
	// Types limits which updates notify; empty means approvals, completions and errors
	Types []protocol.UpdateType
}

var defaultTypes = []protocol.UpdateType{
	protocol.UpdateApprovalRequired,
	protocol.UpdateTaskComplete,
	protocol.UpdateError,
}

// Dispatcher sends notifications to configured channels. Handle never blocks
// the publisher: updates are queued and delivered by the loop Start runs.
type Dispatcher struct {
	cfg     Config
	types   map[protocol.UpdateType]bool
	client  *http.Client
	desktop func(title, message string) error
	logger  *slog.Logger

	queue chan protocol.Update
	wg    sync.WaitGroup
	once  sync.Once
}

// NewDispatcher creates a Dispatcher with a 5s webhook timeout
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	types := cfg.Types
	if len(types) == 0 {
		types = defaultTypes
	}
	d := &Dispatcher{
		cfg:   cfg,
		types: make(map[protocol.UpdateType]bool, len(types)),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		desktop: desktopNotify,
		logger:  logger,
		queue:   make(chan protocol.Update, queueSize),
	}
	for _, t := range types {
		d.types[t] = true
	}
	return d
}

func desktopNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// Enabled reports whether any channel is configured
func (d *Dispatcher) Enabled() bool {
	return d.cfg.Desktop || d.cfg.WebhookURL != ""
}

// Handle queues an update for delivery. It is an events.Handler.
func (d *Dispatcher) Handle(upd protocol.Update) {
	if !d.types[upd.Type] || !d.Enabled() {
		return
	}
	select {
	case d.queue <- upd:
	default:
		d.logger.Warn("notification queue full, dropping update", "type", upd.Type, "user_id", upd.UserID)
	}
}

// Start delivers queued updates in the background until ctx ends
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd := <-d.queue:
			d.Dispatch(ctx, upd)
		}
	}
}

// Wait blocks until the delivery loop has returned
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch sends one update to every configured channel
func (d *Dispatcher) Dispatch(ctx context.Context, upd protocol.Update) {
	title, message := d.compose(upd)

	if d.cfg.Desktop {
		if err := d.desktop(title, message); err != nil {
			// Headless hosts have no notification daemon; say so once
			d.once.Do(func() {
				d.logger.Warn("desktop notification failed", "error", err)
			})
		}
	}

	if d.cfg.WebhookURL != "" {
		if err := d.postWebhook(ctx, upd, title, message); err != nil {
			d.logger.Warn("webhook notification failed", "url", d.cfg.WebhookURL, "error", err)
		}
	}
}

func (d *Dispatcher) compose(upd protocol.Update) (string, string) {
	title := appName
	switch upd.Type {
	case protocol.UpdateApprovalRequired:
		title = appName + ": approval required"
	case protocol.UpdateTaskComplete:
		title = appName + ": task complete"
	case protocol.UpdateError:
		title = appName + ": task failed"
	}
	if upd.UserID != "" {
		title += " (" + upd.UserID + ")"
	}

	message := strings.TrimSpace(upd.Message)
	if message == "" {
		message = string(upd.Type)
	}
	if d := upd.ApprovalDetails; d != nil && d.Details != "" {
		message += "\n" + d.Details
	}
	if utf8.RuneCountInString(message) > maxMessageLen {
		message = string([]rune(message)[:maxMessageLen]) + "..."
	}
	return title, message
}

func (d *Dispatcher) postWebhook(ctx context.Context, upd protocol.Update, title, message string) error {
	payload := map[string]any{
		"event":     upd.Type,
		"user_id":   upd.UserID,
		"task_id":   upd.TaskID,
		"title":     title,
		"message":   message,
		"timestamp": upd.Timestamp.Unix(),
	}
	if upd.ApprovalID != "" {
		payload["approval_id"] = upd.ApprovalID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
