// engine.go — движок сопоставления: прогоняет событие по подпискам и
// комбинациям всех пользователей и возвращает упорядоченный список
// совпадений для конвейера доставки.

package subscriptions

import (
	"sort"
	"time"

	"telegram-keyword-bot/internal/infra/clock"
	"telegram-keyword-bot/internal/infra/logger"
)

// Match — одно совпадение: кому доставлять и какая подписка сработала.
// Для комбинаций Sub — первая подписка-член, её политика доставки задаёт
// шаблон и приоритет уведомления.
type Match struct {
	UserID      int64
	Sub         Subscription
	Combination string // имя комбинации, пусто для одиночной подписки
	Event       MessageEvent
}

// Engine сопоставляет события с реестром.
type Engine struct {
	reg *Registry
	now clock.Func
}

// NewEngine создаёт движок над реестром.
func NewEngine(reg *Registry, nowFn clock.Func) *Engine {
	return &Engine{reg: reg, now: clock.OrNow(nowFn)}
}

// Match возвращает совпадения для события, упорядоченные детерминированно:
// пользователи — по максимальному приоритету включённых подписок (по
// убыванию), при равенстве — по порядку появления в реестре; внутри
// пользователя — по приоритету подписки, затем по порядку создания.
//
// Событие из канала сопоставляется только для пользователей, которые
// наблюдают этот канал. Источники из чёрного списка пользователя (чат или
// отправитель) пропускаются для этого пользователя. Паника при вычислении
// одной подписки или комбинации изолируется: остальные обрабатываются.
func (e *Engine) Match(ev MessageEvent) []Match {
	now := e.now()

	e.reg.mu.RLock()
	defer e.reg.mu.RUnlock()

	type candidate struct {
		user     *UserState
		priority int
		order    int
	}
	candidates := make([]candidate, 0, len(e.reg.order))
	for i, id := range e.reg.order {
		u := e.reg.users[id]
		prio, ok := u.MaxPriority()
		if !ok {
			continue
		}
		if ev.ChatKind == ChatChannel {
			if _, tracked := u.Channels[ev.ChatID]; !tracked {
				continue
			}
		}
		if _, blocked := u.Blacklist[ev.ChatID]; blocked {
			continue
		}
		if _, blocked := u.Blacklist[ev.SenderID]; blocked {
			continue
		}
		candidates = append(candidates, candidate{u, prio, i})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].order < candidates[j].order
	})

	var matches []Match
	for _, c := range candidates {
		matches = append(matches, e.matchUser(c.user, ev, now)...)
	}
	return matches
}

// matchUser вычисляет подписки и комбинации одного пользователя.
func (e *Engine) matchUser(u *UserState, ev MessageEvent, now time.Time) []Match {
	ordered := make([]*Subscription, 0, len(u.Subs))
	for _, s := range u.Subs {
		if s.Enabled {
			ordered = append(ordered, s)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var out []Match
	for _, s := range ordered {
		if e.safeMatch(u.UserID, s, ev, now) {
			out = append(out, Match{UserID: u.UserID, Sub: *s, Event: ev})
		}
	}

	resolve := func(kw string) (*Subscription, bool) { return u.findSub(kw) }
	for _, c := range u.Combos {
		if m, ok := e.safeComboMatch(u, c, ev, now, resolve); ok {
			out = append(out, m)
		}
	}
	return out
}

// safeMatch вычисляет один предикат. Паника (битый regexp, испорченные
// пользовательские данные) гасится: подписка считается несовпавшей, уже
// собранные совпадения и остальные подписки не затрагиваются.
func (e *Engine) safeMatch(userID int64, s *Subscription, ev MessageEvent, now time.Time) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("user %d: subscription %q match panic: %v", userID, s.Keyword, rec)
			matched = false
		}
	}()
	return s.Match(ev, now)
}

// safeComboMatch вычисляет одну комбинацию с той же изоляцией паник.
func (e *Engine) safeComboMatch(u *UserState, c *Combination, ev MessageEvent,
	now time.Time, resolve func(string) (*Subscription, bool)) (m Match, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("user %d: combination match panic: %v", u.UserID, rec)
			ok = false
		}
	}()
	if !c.Match(ev, now, resolve) {
		return Match{}, false
	}
	lead, found := u.findSub(c.Members[0])
	if !found {
		return Match{}, false
	}
	return Match{UserID: u.UserID, Sub: *lead, Combination: c.Name, Event: ev}, true
}
