package commands_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"telegram-keyword-bot/internal/domain/commands"
	"telegram-keyword-bot/internal/domain/delivery"
	"telegram-keyword-bot/internal/domain/subscriptions"
)

const adminID int64 = 777

// stubQuotas — неподвижный расход для команды /quota.
type stubQuotas struct {
	notify, forward int
}

func (s stubQuotas) NotifyQuotaUsed(int64) (int, time.Time)  { return s.notify, time.Time{} }
func (s stubQuotas) ForwardQuotaUsed(int64) (int, time.Time) { return s.forward, time.Time{} }

func newTestExecutor(t *testing.T, reg *subscriptions.Registry) (*commands.Executor, *int) {
	t.Helper()

	persisted := 0
	exec := commands.NewExecutor(commands.ExecutorOptions{
		Registry: reg,
		Quotas:   stubQuotas{notify: 3, forward: 1},
		Limiter:  delivery.NewSlidingLimiter(100, time.Minute, nil),
		AdminUID: adminID,
		Persist:  func() error { persisted++; return nil },
	})
	return exec, &persisted
}

func TestExecutorSubscribeFlow(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, persisted := newTestExecutor(t, reg)
	ctx := context.Background()

	reply := exec.Handle(ctx, 1, "/subscribe sale")
	if !strings.Contains(reply, `Subscribed to "sale"`) {
		t.Fatalf("subscribe reply = %q", reply)
	}
	if *persisted != 1 {
		t.Fatalf("persisted = %d, want 1 after mutating command", *persisted)
	}

	reply = exec.Handle(ctx, 1, "/list")
	if !strings.Contains(reply, `"sale"`) {
		t.Fatalf("list reply = %q, want the subscription", reply)
	}

	reply = exec.Handle(ctx, 1, "/priority sale 9")
	if !strings.Contains(reply, "set to 9") {
		t.Fatalf("priority reply = %q", reply)
	}
	sub, _ := reg.Subscription(1, "sale")
	if sub.Priority != 9 {
		t.Fatalf("priority = %d, want 9", sub.Priority)
	}

	reply = exec.Handle(ctx, 1, "/priority sale 15")
	if !strings.HasPrefix(reply, "Error:") {
		t.Fatalf("out-of-range priority reply = %q, want error", reply)
	}

	reply = exec.Handle(ctx, 1, "/unsubscribe sale")
	if !strings.Contains(reply, "Unsubscribed") {
		t.Fatalf("unsubscribe reply = %q", reply)
	}
	if subs := reg.Subscriptions(1); len(subs) != 0 {
		t.Fatalf("subscriptions after unsubscribe = %#v", subs)
	}
}

func TestExecutorParsesBotSuffixAndCase(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, _ := newTestExecutor(t, reg)

	reply := exec.Handle(context.Background(), 1, "/SUBSCRIBE@keyword_bot sale")
	if !strings.Contains(reply, `Subscribed to "sale"`) {
		t.Fatalf("reply = %q, want command recognized", reply)
	}
}

func TestExecutorIgnoresPlainText(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, _ := newTestExecutor(t, reg)

	if reply := exec.Handle(context.Background(), 1, "just chatting"); reply != "" {
		t.Fatalf("reply = %q, want empty for non-command", reply)
	}
}

func TestExecutorUnknownCommand(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, _ := newTestExecutor(t, reg)

	reply := exec.Handle(context.Background(), 1, "/frobnicate")
	if !strings.Contains(reply, "Unknown command /frobnicate") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestExecutorTemplateValidation(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, _ := newTestExecutor(t, reg)
	ctx := context.Background()
	exec.Handle(ctx, 1, "/subscribe sale")

	reply := exec.Handle(ctx, 1, "/template sale got {keyword} in {chat_title}")
	if !strings.Contains(reply, "saved") {
		t.Fatalf("template reply = %q", reply)
	}

	// Неизвестное поле отклоняется при установке, до первой доставки.
	reply = exec.Handle(ctx, 1, "/template sale broken {bogus}")
	if !strings.HasPrefix(reply, "Error:") || !strings.Contains(reply, "bogus") {
		t.Fatalf("broken template reply = %q, want validation error", reply)
	}
	sub, _ := reg.Subscription(1, "sale")
	if !strings.Contains(sub.Template, "{keyword}") {
		t.Fatalf("template = %q, previous value must survive", sub.Template)
	}

	reply = exec.Handle(ctx, 1, "/template sale")
	if !strings.Contains(reply, "reset") {
		t.Fatalf("reset reply = %q", reply)
	}
}

func TestExecutorCombineFlow(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, _ := newTestExecutor(t, reg)
	ctx := context.Background()
	exec.Handle(ctx, 1, "/subscribe crypto")
	exec.Handle(ctx, 1, "/subscribe sale")

	reply := exec.Handle(ctx, 1, "/combine both and crypto sale")
	if !strings.Contains(reply, `Combination "both"`) {
		t.Fatalf("combine reply = %q", reply)
	}
	reply = exec.Handle(ctx, 1, "/combos")
	if !strings.Contains(reply, "AND(crypto, sale)") {
		t.Fatalf("combos reply = %q", reply)
	}
	reply = exec.Handle(ctx, 1, "/uncombine both")
	if !strings.Contains(reply, "removed") {
		t.Fatalf("uncombine reply = %q", reply)
	}
}

func TestExecutorAdminGate(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, _ := newTestExecutor(t, reg)
	ctx := context.Background()

	reply := exec.Handle(ctx, 1, "/setquota 1 10 2")
	if !strings.Contains(reply, "restricted") {
		t.Fatalf("non-admin reply = %q, want denial", reply)
	}
	if notify, _ := reg.Quotas(1); notify != 0 {
		t.Fatal("quota set despite denial")
	}

	reply = exec.Handle(ctx, adminID, "/setquota 1 10 2")
	if !strings.Contains(reply, "10 notifications") {
		t.Fatalf("setquota reply = %q", reply)
	}
	notify, forward := reg.Quotas(1)
	if notify != 10 || forward != 2 {
		t.Fatalf("quotas = (%d, %d), want (10, 2)", notify, forward)
	}
}

func TestExecutorChannelsPerUser(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, _ := newTestExecutor(t, reg)
	ctx := context.Background()

	// Канал добавляет обычный пользователь, не администратор.
	reply := exec.Handle(ctx, 1, "/channels add -100555 deals")
	if !strings.Contains(reply, "now monitored") {
		t.Fatalf("add reply = %q", reply)
	}
	if !reg.ChannelMonitored(1, -100555) {
		t.Fatal("channel not tracked for its owner")
	}
	if reg.ChannelMonitored(2, -100555) {
		t.Fatal("channel leaked to another user")
	}

	if reply := exec.Handle(ctx, 2, "/channels list"); !strings.Contains(reply, "No monitored channels") {
		t.Fatalf("user 2 list = %q, want empty", reply)
	}
	if reply := exec.Handle(ctx, 1, "/channels list"); !strings.Contains(reply, "-100555 deals") {
		t.Fatalf("user 1 list = %q", reply)
	}

	if reply := exec.Handle(ctx, 2, "/channels remove -100555"); !strings.Contains(reply, "was not monitored") {
		t.Fatalf("foreign remove reply = %q", reply)
	}
	if reply := exec.Handle(ctx, 1, "/channels remove -100555"); !strings.Contains(reply, "removed") {
		t.Fatalf("owner remove reply = %q", reply)
	}
}

func TestExecutorAggregateDefaultInterval(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec := commands.NewExecutor(commands.ExecutorOptions{
		Registry:            reg,
		Quotas:              stubQuotas{},
		Limiter:             delivery.NewSlidingLimiter(100, time.Minute, nil),
		AdminUID:            adminID,
		DefaultAggregateSec: 120,
	})
	ctx := context.Background()
	exec.Handle(ctx, 1, "/subscribe sale")

	reply := exec.Handle(ctx, 1, "/aggregate sale on")
	if !strings.Contains(reply, "interval 120s") {
		t.Fatalf("aggregate reply = %q, want configured default interval", reply)
	}
	sub, _ := reg.Subscription(1, "sale")
	if !sub.Aggregate || sub.AggregateSec != 120 {
		t.Fatalf("subscription = (agg=%v, %ds), want enabled at 120s", sub.Aggregate, sub.AggregateSec)
	}

	// Явный интервал перекрывает значение из конфигурации.
	reply = exec.Handle(ctx, 1, "/aggregate sale on 600")
	if !strings.Contains(reply, "interval 600s") {
		t.Fatalf("aggregate reply = %q", reply)
	}
}

func TestExecutorRateLimit(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec := commands.NewExecutor(commands.ExecutorOptions{
		Registry: reg,
		Quotas:   stubQuotas{},
		Limiter:  delivery.NewSlidingLimiter(2, time.Minute, nil),
		AdminUID: adminID,
	})
	ctx := context.Background()

	exec.Handle(ctx, 1, "/help")
	exec.Handle(ctx, 1, "/help")
	reply := exec.Handle(ctx, 1, "/help")
	if !strings.Contains(reply, "Too many commands") {
		t.Fatalf("reply = %q, want rate limit message", reply)
	}

	// Лимит на пользователя: другой пользователь не затронут.
	if reply := exec.Handle(ctx, 2, "/help"); strings.Contains(reply, "Too many") {
		t.Fatalf("user 2 throttled by user 1: %q", reply)
	}
}

func TestExecutorQuotaAndStats(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, _ := newTestExecutor(t, reg)
	ctx := context.Background()

	reply := exec.Handle(ctx, 1, "/quota")
	if !strings.Contains(reply, "notifications 3/∞") {
		t.Fatalf("quota reply = %q", reply)
	}

	reg.BumpStats(1, func(s *subscriptions.Stats) { s.Matches = 4; s.Notifications = 2 })
	reply = exec.Handle(ctx, 1, "/stats")
	if !strings.Contains(reply, "Matches: 4") || !strings.Contains(reply, "Notifications: 2") {
		t.Fatalf("stats reply = %q", reply)
	}
}

func TestExecutorExportImport(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	exec, _ := newTestExecutor(t, reg)
	ctx := context.Background()
	exec.Handle(ctx, 1, "/subscribe sale")

	// Без хука экспорта JSON возвращается прямо в ответе.
	exported := exec.Handle(ctx, 1, "/export")
	if !strings.Contains(exported, `"sale"`) {
		t.Fatalf("export reply = %q", exported)
	}

	reply := exec.Handle(ctx, 2, "/import "+exported)
	if !strings.Contains(reply, "Imported 1") {
		t.Fatalf("import reply = %q", reply)
	}
	if subs := reg.Subscriptions(2); len(subs) != 1 || subs[0].Keyword != "sale" {
		t.Fatalf("imported subs = %#v", subs)
	}
}
