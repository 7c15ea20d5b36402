package bus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flywheel/internal/types"
)

func openTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := Open(":memory:", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to open bus: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func publish(t *testing.T, b *Bus, queue string, priority types.Priority, corr, body string) Message {
	t.Helper()
	msg, err := NewMessage(queue, "test_event", priority, corr, map[string]string{"body": body})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	stored, err := b.Publish(context.Background(), msg)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return stored
}

func TestPublishAssignsIdentity(t *testing.T) {
	b := openTestBus(t)

	m := publish(t, b, QueueTelemetry, types.PriorityNormal, "corr-1", "hello")
	if m.ID == "" {
		t.Error("Publish should assign an id")
	}
	if m.Seq == 0 {
		t.Error("Publish should assign a sequence number")
	}
	if m.CreatedAt.IsZero() {
		t.Error("Publish should assign a creation time")
	}
}

func TestDeliveryOrderPriorityThenAge(t *testing.T) {
	b := openTestBus(t)
	ctx := context.Background()

	publish(t, b, QueueSignals, types.PriorityNormal, "c1", "first-normal")
	publish(t, b, QueueSignals, types.PriorityCritical, "c2", "critical")
	publish(t, b, QueueSignals, types.PriorityHigh, "c3", "high")
	publish(t, b, QueueSignals, types.PriorityNormal, "c4", "second-normal")

	sub := b.Subscribe(QueueSignals, "cognition")

	wantCorrs := []string{"c2", "c3", "c1", "c4"}
	for i, want := range wantCorrs {
		msg, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if msg.CorrelationID != want {
			t.Errorf("delivery %d: got corr %s, want %s", i, msg.CorrelationID, want)
		}
		if err := sub.Ack(ctx, msg.ID); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestHigherPriorityOvertakesBacklog(t *testing.T) {
	b := openTestBus(t)
	ctx := context.Background()

	publish(t, b, QueueSignals, types.PriorityNormal, "old", "backlog")
	sub := b.Subscribe(QueueSignals, "cognition")

	first, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	require.Equal(t, "old", first.CorrelationID)

	// A critical arrival while the first is still in flight is delivered
	// ahead of the rest of the backlog.
	publish(t, b, QueueSignals, types.PriorityNormal, "mid", "backlog2")
	publish(t, b, QueueSignals, types.PriorityCritical, "urgent", "now")

	second, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.CorrelationID != "urgent" {
		t.Errorf("expected critical message to overtake, got %s", second.CorrelationID)
	}
}

func TestBroadcastIndependentAcks(t *testing.T) {
	b := openTestBus(t)
	ctx := context.Background()

	m := publish(t, b, QueueOutcomes, types.PriorityNormal, "c1", "outcome")

	percep := b.Subscribe(QueueOutcomes, "perception")
	audit := b.Subscribe(QueueOutcomes, "audit")

	got1, err := percep.Next(ctx)
	require.NoError(t, err)
	got2, err := audit.Next(ctx)
	require.NoError(t, err)

	if got1.ID != m.ID || got2.ID != m.ID {
		t.Fatal("both subscribers should see the same broadcast message")
	}

	// One subscriber acking does not consume the message for the other.
	require.NoError(t, percep.Ack(ctx, m.ID))

	n, err := b.PendingCount(ctx, QueueOutcomes, "perception")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = b.PendingCount(ctx, QueueOutcomes, "audit")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAckIsIdempotent(t *testing.T) {
	b := openTestBus(t)
	ctx := context.Background()

	m := publish(t, b, QueueTelemetry, types.PriorityNormal, "c1", "event")
	sub := b.Subscribe(QueueTelemetry, "perception")

	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := sub.Ack(ctx, m.ID); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := sub.Ack(ctx, m.ID); err != nil {
		t.Fatalf("second Ack should be a no-op, got: %v", err)
	}
	// Acking an id that was never published is also a no-op.
	if err := sub.Ack(ctx, "no-such-message"); err != nil {
		t.Fatalf("Ack of unknown id: %v", err)
	}

	n, err := sub.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestInFlightNotRedeliveredUntilReleased(t *testing.T) {
	b := openTestBus(t)
	ctx := context.Background()

	m1 := publish(t, b, QueueSignals, types.PriorityNormal, "c1", "one")
	m2 := publish(t, b, QueueSignals, types.PriorityNormal, "c2", "two")

	sub := b.Subscribe(QueueSignals, "cognition")

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, m1.ID, first.ID)

	// Without an ack, a second Next moves on to the next message instead
	// of handing the same one out again.
	second, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, m2.ID, second.ID)

	// Releasing the first makes it deliverable again, ahead of nothing
	// else since m2 is still in flight.
	sub.Release(m1.ID)
	third, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, m1.ID, third.ID)
}

func TestNextBlocksUntilPublish(t *testing.T) {
	b := openTestBus(t)
	sub := b.Subscribe(QueueExecution, "action")

	done := make(chan Message, 1)
	go func() {
		msg, err := sub.Next(context.Background())
		if err != nil {
			return
		}
		done <- msg
	}()

	// Give the subscriber time to block, then publish.
	time.Sleep(20 * time.Millisecond)
	published := publish(t, b, QueueExecution, types.PriorityHigh, "c1", "task")

	select {
	case got := <-done:
		if got.ID != published.ID {
			t.Errorf("got message %s, want %s", got.ID, published.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake on publish")
	}
}

func TestNextHonorsContextCancel(t *testing.T) {
	b := openTestBus(t)
	sub := b.Subscribe(QueueExecution, "action")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestByCorrelationChronological(t *testing.T) {
	b := openTestBus(t)
	ctx := context.Background()

	// Mixed queues and priorities, one correlation id.
	publish(t, b, QueueSignals, types.PriorityCritical, "corr-x", "signal")
	publish(t, b, QueueExecution, types.PriorityNormal, "corr-x", "task-a")
	publish(t, b, QueueExecution, types.PriorityHigh, "corr-x", "task-b")
	publish(t, b, QueueOutcomes, types.PriorityNormal, "corr-other", "noise")

	msgs, err := b.ByCorrelation(ctx, "corr-x")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Errorf("messages out of publish order at %d: seq %d then %d", i, msgs[i-1].Seq, msgs[i].Seq)
		}
	}

	var body map[string]string
	require.NoError(t, msgs[0].Decode(&body))
	require.Equal(t, "signal", body["body"])
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.db")

	b, err := Open(path, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	published := publish(t, b, QueueSignals, types.PriorityHigh, "persist-me", "payload")
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	sub := reopened.Subscribe(QueueSignals, "cognition")
	got, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("Next after reopen: %v", err)
	}
	if got.ID != published.ID {
		t.Errorf("got %s, want %s", got.ID, published.ID)
	}
	if got.Priority != types.PriorityHigh {
		t.Errorf("priority lost across reopen: %s", got.Priority)
	}
}

func TestClosedBusReturnsUnavailable(t *testing.T) {
	b, err := Open(":memory:", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sub := b.Subscribe(QueueSignals, "cognition")
	require.NoError(t, b.Close())

	ctx := context.Background()

	if _, err := b.Publish(ctx, Message{Queue: QueueSignals, Type: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Publish on closed bus: got %v, want ErrUnavailable", err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Next on closed bus: got %v, want ErrUnavailable", err)
	}
	if err := b.Ack(ctx, "id", "sub"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ack on closed bus: got %v, want ErrUnavailable", err)
	}
	if _, err := b.PendingCount(ctx, QueueSignals, "sub"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("PendingCount on closed bus: got %v, want ErrUnavailable", err)
	}
	if _, err := b.ByCorrelation(ctx, "c"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("ByCorrelation on closed bus: got %v, want ErrUnavailable", err)
	}
	if _, err := b.Stats(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Stats on closed bus: got %v, want ErrUnavailable", err)
	}

	// Closing twice is fine.
	require.NoError(t, b.Close())
}

func TestStats(t *testing.T) {
	b := openTestBus(t)
	ctx := context.Background()

	publish(t, b, QueueTelemetry, types.PriorityNormal, "c1", "a")
	publish(t, b, QueueTelemetry, types.PriorityNormal, "c2", "b")
	m := publish(t, b, QueueSignals, types.PriorityHigh, "c3", "c")
	require.NoError(t, b.Ack(ctx, m.ID, "cognition"))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)

	byQueue := make(map[string]QueueStats)
	for _, s := range stats {
		byQueue[s.Queue] = s
	}

	if byQueue[QueueTelemetry].Messages != 2 {
		t.Errorf("telemetry messages = %d, want 2", byQueue[QueueTelemetry].Messages)
	}
	if byQueue[QueueTelemetry].Acked != 0 {
		t.Errorf("telemetry acked = %d, want 0", byQueue[QueueTelemetry].Acked)
	}
	if byQueue[QueueSignals].Messages != 1 || byQueue[QueueSignals].Acked != 1 {
		t.Errorf("signals stats = %+v", byQueue[QueueSignals])
	}
}

func TestPurgeKeepsUnconsumedMessages(t *testing.T) {
	b := openTestBus(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)

	ackedOld, err := b.Publish(ctx, Message{
		Queue: QueueTelemetry, Type: "test_event", Priority: types.PriorityNormal, CreatedAt: old,
	})
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, ackedOld.ID, "perception"))

	_, err = b.Publish(ctx, Message{
		Queue: QueueTelemetry, Type: "test_event", Priority: types.PriorityNormal, CreatedAt: old,
	})
	require.NoError(t, err)

	ackedFresh := publish(t, b, QueueTelemetry, types.PriorityNormal, "c", "fresh")
	require.NoError(t, b.Ack(ctx, ackedFresh.ID, "perception"))

	removed, err := b.Purge(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	// The unconsumed old message and the fresh message both survive.
	n, err := b.PendingCount(ctx, QueueTelemetry, "perception")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msgs, err := b.ByCorrelation(ctx, "c")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
