package delivery_test

import (
	"testing"
	"time"

	"telegram-keyword-bot/internal/domain/delivery"
)

func TestQuotaTrackerLimit(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := delivery.NewQuotaTracker(clk.Now)

	if !q.Allow(1, 2) || !q.Allow(1, 2) {
		t.Fatal("first two consumptions must be allowed")
	}
	if q.Allow(1, 2) {
		t.Fatal("third consumption at limit 2 must be denied")
	}
	// Отказ не увеличивает расход.
	if used, _ := q.Used(1); used != 2 {
		t.Fatalf("used = %d, want 2 after denial", used)
	}

	clk.Advance(24 * time.Hour)
	if !q.Allow(1, 2) {
		t.Fatal("consumption after rolling day must be allowed")
	}
	if used, _ := q.Used(1); used != 1 {
		t.Fatalf("used = %d, want reset to 1", used)
	}
}

func TestQuotaTrackerUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	q := delivery.NewQuotaTracker(nil)
	for i := 0; i < 100; i++ {
		if !q.Allow(1, 0) {
			t.Fatalf("limit 0 must always allow (denied at %d)", i)
		}
	}
	// Расход учитывается и без лимита: позднее включение лимита видит историю.
	if used, _ := q.Used(1); used != 100 {
		t.Fatalf("used = %d, want 100", used)
	}
}

func TestQuotaTrackerIndependentUsers(t *testing.T) {
	t.Parallel()

	q := delivery.NewQuotaTracker(nil)
	if !q.Allow(1, 1) {
		t.Fatal("user 1 first consumption denied")
	}
	if q.Allow(1, 1) {
		t.Fatal("user 1 over limit allowed")
	}
	if !q.Allow(2, 1) {
		t.Fatal("user 2 must have an independent window")
	}
}

func TestQuotaTrackerReset(t *testing.T) {
	t.Parallel()

	q := delivery.NewQuotaTracker(nil)
	q.Allow(1, 1)
	q.Reset(1)
	if used, _ := q.Used(1); used != 0 {
		t.Fatalf("used = %d, want 0 after reset", used)
	}
	if !q.Allow(1, 1) {
		t.Fatal("consumption after reset denied")
	}
}
