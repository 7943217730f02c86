// delay.go — очередь отложенной доставки. Уведомление с задержкой получает
// абсолютное время отправки и ждёт периодического свипа, который отделяет
// созревшие элементы от ожидающих. Нулевая задержка сюда не попадает.

package delivery

import (
	"sort"
	"sync"
	"time"

	"telegram-keyword-bot/internal/infra/clock"
)

// delayedItem — уведомление с назначенным временем отправки.
type delayedItem struct {
	n      Notification
	sendAt time.Time
}

// DelayQueue — потокобезопасная очередь отложенных уведомлений.
type DelayQueue struct {
	mu    sync.Mutex
	items []delayedItem
	now   clock.Func
}

// NewDelayQueue создаёт пустую очередь.
func NewDelayQueue(nowFn clock.Func) *DelayQueue {
	return &DelayQueue{now: clock.OrNow(nowFn)}
}

// Schedule ставит уведомление с отправкой через delay от текущего момента.
func (q *DelayQueue) Schedule(n Notification, delay time.Duration) {
	sendAt := q.now().Add(delay)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, delayedItem{n: n, sendAt: sendAt})
}

// PopDue извлекает созревшие уведомления (время отправки не позже текущего),
// отсортированные по времени отправки. Остальные остаются в очереди.
func (q *DelayQueue) PopDue() []Notification {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var due []delayedItem
	pending := q.items[:0]
	for _, it := range q.items {
		if it.sendAt.After(now) {
			pending = append(pending, it)
		} else {
			due = append(due, it)
		}
	}
	q.items = pending

	sort.SliceStable(due, func(i, j int) bool { return due[i].sendAt.Before(due[j].sendAt) })
	out := make([]Notification, len(due))
	for i, it := range due {
		out[i] = it.n
	}
	return out
}

// Drain извлекает всё содержимое очереди независимо от сроков (останов).
func (q *DelayQueue) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Notification, len(q.items))
	for i, it := range q.items {
		out[i] = it.n
	}
	q.items = nil
	return out
}

// Len возвращает число ожидающих уведомлений.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
