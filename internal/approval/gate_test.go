package approval

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iambrandonn/overseer/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu      sync.Mutex
	updates []protocol.Update
}

func (r *recorder) Publish(upd protocol.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, upd)
}

func (r *recorder) snapshot() []protocol.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Update(nil), r.updates...)
}

func forcePush() Request {
	return Request{
		UserID:  "u-1",
		Action:  "force push",
		Repo:    "demo",
		Details: "branch: main, force flag",
		Command: "git push origin main --force",
	}
}

func TestRequestApprovalPublishesRequirement(t *testing.T) {
	gate := NewGate(time.Minute, testLogger())
	rec := &recorder{}

	p := gate.RequestApproval(forcePush(), rec)
	require.NotEmpty(t, p.ID)

	updates := rec.snapshot()
	require.Len(t, updates, 1)
	upd := updates[0]
	assert.Equal(t, protocol.UpdateApprovalRequired, upd.Type)
	assert.Equal(t, "u-1", upd.UserID)
	assert.Equal(t, p.ID, upd.ApprovalID)
	require.NotNil(t, upd.ApprovalDetails)
	assert.Equal(t, "force push", upd.ApprovalDetails.Action)
	assert.Equal(t, "demo", upd.ApprovalDetails.Repo)
	assert.Equal(t, "branch: main, force flag", upd.ApprovalDetails.Details)
	assert.Equal(t, 1, gate.Len())
	assert.Equal(t, time.Minute, p.ExpiresAt.Sub(p.CreatedAt))
}

func TestHandleResponseSettlesOnce(t *testing.T) {
	gate := NewGate(time.Minute, testLogger())
	p := gate.RequestApproval(forcePush(), &recorder{})

	assert.True(t, gate.HandleResponse(p.ID, true, "u-1"))
	assert.False(t, gate.HandleResponse(p.ID, false, "u-1"), "second response must report not found")

	approved, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, approved)
	assert.Equal(t, OutcomeApproved, p.Outcome())
	assert.Equal(t, 0, gate.Len())

	// Waiting again returns the same decision
	approved, err = p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, approved)
}

func TestHandleResponseRejection(t *testing.T) {
	gate := NewGate(time.Minute, testLogger())
	p := gate.RequestApproval(forcePush(), &recorder{})

	require.True(t, gate.HandleResponse(p.ID, false, "u-1"))

	approved, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Equal(t, OutcomeRejected, p.Outcome())
}

func TestHandleResponseFailsClosed(t *testing.T) {
	gate := NewGate(time.Minute, testLogger())
	p := gate.RequestApproval(forcePush(), &recorder{})

	assert.False(t, gate.HandleResponse("unknown", true, "u-1"))
	assert.False(t, gate.HandleResponse(p.ID, true, "intruder"))

	assert.Equal(t, 1, gate.Len(), "mismatched user must not settle the approval")
	assert.Empty(t, p.Outcome())

	select {
	case <-p.Done():
		t.Fatal("approval settled by a mismatched response")
	default:
	}
}

func TestTimeoutAutoRejects(t *testing.T) {
	gate := NewGate(20*time.Millisecond, testLogger())
	rec := &recorder{}
	p := gate.RequestApproval(forcePush(), rec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	approved, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Equal(t, OutcomeTimedOut, p.Outcome())
	assert.Equal(t, 0, gate.Len())
	assert.False(t, gate.HandleResponse(p.ID, true, "u-1"), "late response after timeout")

	// The timeout notification is published after settlement
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	updates := rec.snapshot()
	require.Len(t, updates, 2, "exactly one timeout notification")
	assert.Equal(t, protocol.UpdateStatus, updates[1].Type)
	assert.Contains(t, updates[1].Message, "timed out")
	assert.Equal(t, p.ID, updates[1].ApprovalID)
}

func TestResponseStopsTimeout(t *testing.T) {
	gate := NewGate(20*time.Millisecond, testLogger())
	rec := &recorder{}
	p := gate.RequestApproval(forcePush(), rec)

	require.True(t, gate.HandleResponse(p.ID, true, "u-1"))
	time.Sleep(60 * time.Millisecond)

	assert.Len(t, rec.snapshot(), 1, "no timeout notification after an explicit response")
	assert.Equal(t, OutcomeApproved, p.Outcome())
}

func TestCancelAllForUser(t *testing.T) {
	gate := NewGate(time.Minute, testLogger())
	rec := &recorder{}

	a := gate.RequestApproval(forcePush(), rec)
	b := gate.RequestApproval(Request{UserID: "u-1", Action: "publish npm package"}, rec)
	other := gate.RequestApproval(Request{UserID: "u-2", Action: "destroy infrastructure"}, rec)

	assert.Equal(t, 2, gate.CancelAllForUser("u-1"))
	assert.Equal(t, 0, gate.CancelAllForUser("u-1"))

	for _, p := range []*Pending{a, b} {
		approved, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.False(t, approved)
		assert.Equal(t, OutcomeCancelled, p.Outcome())
	}

	assert.Empty(t, other.Outcome())
	assert.Equal(t, 1, gate.Len())
	assert.True(t, gate.HandleResponse(other.ID, true, "u-2"))
}

func TestClearAll(t *testing.T) {
	gate := NewGate(time.Minute, testLogger())

	a := gate.RequestApproval(forcePush(), nil)
	b := gate.RequestApproval(Request{UserID: "u-2", Action: "deploy application"}, nil)

	assert.Equal(t, 2, gate.ClearAll())
	assert.Equal(t, 0, gate.Len())
	assert.Equal(t, OutcomeCancelled, a.Outcome())
	assert.Equal(t, OutcomeCancelled, b.Outcome())
}

func TestPendingFor(t *testing.T) {
	gate := NewGate(time.Minute, testLogger())

	first := gate.RequestApproval(forcePush(), nil)
	time.Sleep(time.Millisecond)
	second := gate.RequestApproval(Request{UserID: "u-1", Action: "publish crate"}, nil)
	gate.RequestApproval(Request{UserID: "u-2", Action: "deploy application"}, nil)

	snaps := gate.PendingFor("u-1")
	require.Len(t, snaps, 2)
	assert.Equal(t, first.ID, snaps[0].ID)
	assert.Equal(t, second.ID, snaps[1].ID)
	assert.Equal(t, "git push origin main --force", snaps[0].Command)

	assert.Empty(t, gate.PendingFor("nobody"))
}

func TestWaitHonoursContext(t *testing.T) {
	gate := NewGate(time.Minute, testLogger())
	p := gate.RequestApproval(forcePush(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	approved, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, approved)
	assert.Equal(t, 1, gate.Len(), "context cancellation does not settle the approval")
}

func TestConcurrentSettlementIsExclusive(t *testing.T) {
	gate := NewGate(5*time.Millisecond, testLogger())

	for i := 0; i < 50; i++ {
		p := gate.RequestApproval(forcePush(), nil)

		var wg sync.WaitGroup
		results := make(chan bool, 3)
		wg.Add(3)
		go func() { defer wg.Done(); results <- gate.HandleResponse(p.ID, true, "u-1") }()
		go func() { defer wg.Done(); results <- gate.HandleResponse(p.ID, false, "u-1") }()
		go func() { defer wg.Done(); results <- gate.CancelAllForUser("u-1") > 0 }()
		wg.Wait()
		close(results)

		<-p.Done()
		applied := 0
		for ok := range results {
			if ok {
				applied++
			}
		}
		assert.LessOrEqual(t, applied, 1)
	}
}
