package subscriptions

import (
	"regexp"
	"testing"
	"time"
)

// TestEngineIsolatesFaultyPredicate портит одну подписку и одну комбинацию
// пользователя и проверяет, что остальные его правила (и правила других
// пользователей) продолжают сопоставляться.
func TestEngineIsolatesFaultyPredicate(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(0, nil)
	if _, _, err := reg.Subscribe(1, "sale", false); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := reg.Mutate(1, "sale", func(s *Subscription) { s.Priority = 5 }); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if _, _, err := reg.Subscribe(1, "boom", false); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, _, err := reg.Subscribe(2, "sale", false); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := reg.AddCombination(1, "pair", OpOr, []string{"sale"}); err != nil {
		t.Fatalf("AddCombination() error = %v", err)
	}

	// Порча состояния в обход валидации: нескомпилированный regexp роняет
	// MatchString, nil-комбинация роняет вычисление до разрешения членов.
	reg.mu.Lock()
	bad, _ := reg.users[1].findSub("boom")
	bad.Predicate.Kind = KindRegex
	bad.Predicate.re = new(regexp.Regexp)
	reg.users[1].Combos = append([]*Combination{nil}, reg.users[1].Combos...)
	reg.mu.Unlock()

	engine := NewEngine(reg, func() time.Time { return time.Unix(1700000000, 0) })
	matches := engine.Match(MessageEvent{
		Text:     "boom sale",
		ChatID:   -100,
		ChatKind: ChatGroup,
		SenderID: 42,
	})

	// Пользователь 1: подписка sale и комбинация pair; пользователь 2: sale.
	if len(matches) != 3 {
		t.Fatalf("matches = %#v, want 3 surviving records", matches)
	}
	if matches[0].UserID != 1 || matches[0].Sub.Keyword != "sale" || matches[0].Combination != "" {
		t.Fatalf("matches[0] = %#v, want user 1 sale subscription", matches[0])
	}
	if matches[1].UserID != 1 || matches[1].Combination != "pair" {
		t.Fatalf("matches[1] = %#v, want user 1 pair combination", matches[1])
	}
	if matches[2].UserID != 2 || matches[2].Sub.Keyword != "sale" {
		t.Fatalf("matches[2] = %#v, want user 2 sale subscription", matches[2])
	}
}
