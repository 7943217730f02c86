package delivery_test

import (
	"testing"
	"time"

	"telegram-keyword-bot/internal/domain/delivery"
)

func TestDelayQueueDueBoundary(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := delivery.NewDelayQueue(clk.Now)
	q.Schedule(delivery.Notification{UserID: 1, Text: "delayed"}, 5*time.Second)

	clk.Advance(3 * time.Second)
	if due := q.PopDue(); len(due) != 0 {
		t.Fatalf("due at t+3s = %d items, want 0", len(due))
	}

	clk.Advance(3 * time.Second)
	due := q.PopDue()
	if len(due) != 1 || due[0].Text != "delayed" {
		t.Fatalf("due at t+6s = %#v, want the scheduled item", due)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after pop", q.Len())
	}
}

func TestDelayQueuePopDueOrder(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := delivery.NewDelayQueue(clk.Now)
	q.Schedule(delivery.Notification{UserID: 1, Text: "second"}, 10*time.Second)
	q.Schedule(delivery.Notification{UserID: 1, Text: "first"}, 5*time.Second)
	q.Schedule(delivery.Notification{UserID: 1, Text: "pending"}, 60*time.Second)

	clk.Advance(15 * time.Second)
	due := q.PopDue()
	if len(due) != 2 || due[0].Text != "first" || due[1].Text != "second" {
		t.Fatalf("due = %#v, want [first, second] by send time", due)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 pending", q.Len())
	}
}

func TestDelayQueueDrain(t *testing.T) {
	t.Parallel()

	q := delivery.NewDelayQueue(nil)
	q.Schedule(delivery.Notification{UserID: 1, Text: "a"}, time.Hour)
	q.Schedule(delivery.Notification{UserID: 2, Text: "b"}, time.Hour)

	drained := q.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain() = %d items, want 2", len(drained))
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after drain", q.Len())
	}
}
