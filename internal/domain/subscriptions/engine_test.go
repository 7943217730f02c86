package subscriptions_test

import (
	"testing"

	"telegram-keyword-bot/internal/domain/subscriptions"
)

func TestEnginePriorityOrdering(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	mustSubscribe(t, reg, 1, "flash")
	mustSubscribe(t, reg, 1, "sale")
	if err := reg.Mutate(1, "flash", func(s *subscriptions.Subscription) { s.Priority = 1 }); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if err := reg.Mutate(1, "sale", func(s *subscriptions.Subscription) { s.Priority = 9 }); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	engine := subscriptions.NewEngine(reg, nil)
	matches := engine.Match(textEvent("flash sale now"))

	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Sub.Keyword != "sale" || matches[1].Sub.Keyword != "flash" {
		t.Fatalf("order = [%s, %s], want priority 9 first",
			matches[0].Sub.Keyword, matches[1].Sub.Keyword)
	}
}

func TestEngineUserOrderByMaxPriority(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	mustSubscribe(t, reg, 1, "sale")
	mustSubscribe(t, reg, 2, "sale")
	if err := reg.Mutate(2, "sale", func(s *subscriptions.Subscription) { s.Priority = 5 }); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	engine := subscriptions.NewEngine(reg, nil)
	matches := engine.Match(textEvent("sale"))

	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].UserID != 2 || matches[1].UserID != 1 {
		t.Fatalf("user order = [%d, %d], want higher-priority user first",
			matches[0].UserID, matches[1].UserID)
	}
}

func TestEngineSkipsDisabled(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	mustSubscribe(t, reg, 1, "sale")
	if err := reg.Mutate(1, "sale", func(s *subscriptions.Subscription) { s.Enabled = false }); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	engine := subscriptions.NewEngine(reg, nil)
	if matches := engine.Match(textEvent("sale")); matches != nil {
		t.Fatalf("matches = %#v, want none for disabled subscription", matches)
	}
}

func TestEngineBlacklist(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	mustSubscribe(t, reg, 1, "sale")
	mustSubscribe(t, reg, 2, "sale")

	// Пользователь 1 блокирует чат-источник, пользователь 2 — отправителя.
	reg.SetBlacklisted(1, -100, true)
	reg.SetBlacklisted(2, 42, true)

	engine := subscriptions.NewEngine(reg, nil)
	if matches := engine.Match(textEvent("sale")); matches != nil {
		t.Fatalf("matches = %#v, want none for blacklisted sources", matches)
	}

	reg.SetBlacklisted(1, -100, false)
	matches := engine.Match(textEvent("sale"))
	if len(matches) != 1 || matches[0].UserID != 1 {
		t.Fatalf("matches = %#v, want only user 1", matches)
	}
}

func TestEngineChannelGating(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	mustSubscribe(t, reg, 1, "sale")
	mustSubscribe(t, reg, 2, "sale")
	engine := subscriptions.NewEngine(reg, nil)

	ev := textEvent("sale")
	ev.ChatKind = subscriptions.ChatChannel
	ev.ChatID = -100555

	if matches := engine.Match(ev); matches != nil {
		t.Fatalf("matches = %#v, want none for untracked channel", matches)
	}

	// Наблюдение за каналом персональное: подписка второго пользователя на то
	// же слово не срабатывает, пока он сам не добавит канал.
	reg.AddChannel(1, -100555, "deals")
	matches := engine.Match(ev)
	if len(matches) != 1 || matches[0].UserID != 1 {
		t.Fatalf("matches = %#v, want only the tracking user", matches)
	}

	reg.AddChannel(2, -100555, "deals")
	if matches := engine.Match(ev); len(matches) != 2 {
		t.Fatalf("matches = %#v, want both users after both track", matches)
	}

	if !reg.RemoveChannel(1, -100555) {
		t.Fatal("RemoveChannel() = false for tracked channel")
	}
	matches = engine.Match(ev)
	if len(matches) != 1 || matches[0].UserID != 2 {
		t.Fatalf("matches = %#v, want only user 2 after removal", matches)
	}
}

func TestEngineCombinationMatch(t *testing.T) {
	t.Parallel()

	reg := subscriptions.NewRegistry(0, nil)
	mustSubscribe(t, reg, 1, "crypto")
	mustSubscribe(t, reg, 1, "sale")
	if err := reg.AddCombination(1, "both", subscriptions.OpAnd, []string{"crypto", "sale"}); err != nil {
		t.Fatalf("AddCombination() error = %v", err)
	}

	engine := subscriptions.NewEngine(reg, nil)
	matches := engine.Match(textEvent("crypto sale live"))

	// Две одиночные подписки плюс комбинация.
	if len(matches) != 3 {
		t.Fatalf("matches = %d, want 3", len(matches))
	}
	last := matches[2]
	if last.Combination != "both" || last.Sub.Keyword != "crypto" {
		t.Fatalf("combination record = %#v, want lead member crypto", last)
	}

	if matches := engine.Match(textEvent("only crypto here")); len(matches) != 1 {
		t.Fatalf("matches = %d, want 1 (AND must not fire)", len(matches))
	}
}
