// ratelimit.go — ограничитель частоты команд на пользователя. Скользящее
// окно по точным отметкам времени: не больше limit срабатываний за window,
// без выравнивания по календарным границам.

package delivery

import (
	"sync"
	"time"

	"telegram-keyword-bot/internal/infra/clock"
)

// SlidingLimiter хранит отметки последних срабатываний каждого пользователя.
type SlidingLimiter struct {
	mu     sync.Mutex
	hits   map[int64][]time.Time
	limit  int
	window time.Duration
	now    clock.Func
}

// NewSlidingLimiter создаёт ограничитель. limit <= 0 пропускает всё.
func NewSlidingLimiter(limit int, window time.Duration, nowFn clock.Func) *SlidingLimiter {
	return &SlidingLimiter{
		hits:   make(map[int64][]time.Time),
		limit:  limit,
		window: window,
		now:    clock.OrNow(nowFn),
	}
}

// Allow фиксирует попытку и сообщает, укладывается ли она в лимит.
// Отметки вне окна отбрасываются при каждом вызове, отказ отметку не
// добавляет: заблокированные попытки не продлевают блокировку.
func (l *SlidingLimiter) Allow(userID int64) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	fresh := l.hits[userID][:0]
	for _, at := range l.hits[userID] {
		if now.Sub(at) < l.window {
			fresh = append(fresh, at)
		}
	}
	if len(fresh) >= l.limit {
		l.hits[userID] = fresh
		return false
	}
	l.hits[userID] = append(fresh, now)
	return true
}

// RetryAfter возвращает, сколько осталось ждать до следующего разрешённого
// вызова. Ноль — можно сразу.
func (l *SlidingLimiter) RetryAfter(userID int64) time.Duration {
	if l.limit <= 0 {
		return 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	fresh := l.hits[userID][:0]
	for _, at := range l.hits[userID] {
		if now.Sub(at) < l.window {
			fresh = append(fresh, at)
		}
	}
	l.hits[userID] = fresh
	if len(fresh) < l.limit {
		return 0
	}
	return l.window - now.Sub(fresh[0])
}
