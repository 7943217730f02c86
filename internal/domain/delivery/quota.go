// quota.go — суточные лимиты: квота уведомлений и лимит пересылок.
// Счётчики ведутся на скользящие сутки с ленивым сбросом: окно начинается
// с первого расхода и обнуляется при первом обращении спустя 24 часа.

package delivery

import (
	"sync"
	"time"

	"telegram-keyword-bot/internal/infra/clock"
)

// quotaPeriod — длительность расчётного окна.
const quotaPeriod = 24 * time.Hour

// usage — расход одного пользователя в текущем окне.
type usage struct {
	windowStart time.Time
	count       int
}

// QuotaTracker считает расход против лимита, задаваемого извне при каждой
// проверке (лимиты живут в реестре и меняются администратором на лету).
// Один трекер считает один вид расхода; уведомления и пересылки — два
// независимых экземпляра.
type QuotaTracker struct {
	mu    sync.Mutex
	users map[int64]*usage
	now   clock.Func
}

// NewQuotaTracker создаёт пустой трекер.
func NewQuotaTracker(nowFn clock.Func) *QuotaTracker {
	return &QuotaTracker{
		users: make(map[int64]*usage),
		now:   clock.OrNow(nowFn),
	}
}

// Allow проверяет лимит и при положительном ответе списывает единицу.
// limit <= 0 означает отсутствие лимита: расход всё равно учитывается,
// чтобы статистика оставалась честной при позднем включении лимита.
func (q *QuotaTracker) Allow(userID int64, limit int) bool {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	u, ok := q.users[userID]
	if !ok || now.Sub(u.windowStart) >= quotaPeriod {
		u = &usage{windowStart: now}
		q.users[userID] = u
	}
	if limit > 0 && u.count >= limit {
		return false
	}
	u.count++
	return true
}

// Used возвращает расход пользователя в текущем окне и момент его начала.
// Для пользователя без расхода окно нулевое.
func (q *QuotaTracker) Used(userID int64) (int, time.Time) {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	u, ok := q.users[userID]
	if !ok || now.Sub(u.windowStart) >= quotaPeriod {
		return 0, time.Time{}
	}
	return u.count, u.windowStart
}

// Reset сбрасывает окно пользователя (административная операция).
func (q *QuotaTracker) Reset(userID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.users, userID)
}
