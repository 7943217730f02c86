// dedup.go — подавление повторных уведомлений. Работает поверх отпечатка
// (пользователь + нормализованный текст): одинаковое содержимое не уходит
// одному получателю чаще, чем раз в окно.

package delivery

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"telegram-keyword-bot/internal/infra/clock"
)

// DefaultDedupWindow — окно подавления повторов по умолчанию.
const DefaultDedupWindow = 600 * time.Second

// Dedup хранит отпечатки недавно отправленных уведомлений. Очистка ленивая:
// устаревшие записи вычищаются при каждой проверке, отдельного свипера нет.
type Dedup struct {
	mu     sync.Mutex
	seen   map[uint64]time.Time
	window time.Duration
	now    clock.Func
}

// NewDedup создаёт кеш с заданным окном. window <= 0 отключает подавление.
func NewDedup(window time.Duration, nowFn clock.Func) *Dedup {
	return &Dedup{
		seen:   make(map[uint64]time.Time),
		window: window,
		now:    clock.OrNow(nowFn),
	}
}

// fingerprint сводит пару (получатель, текст) к числу. Текст нормализуется:
// регистр опускается, пробельные последовательности схлопываются, чтобы
// косметические правки исходного сообщения не пробивали окно.
func fingerprint(userID int64, text string) uint64 {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%s", userID, normalized)
	return h.Sum64()
}

// Duplicate сообщает, отправлялось ли такое уведомление в пределах окна,
// и фиксирует отпечаток для последующих проверок.
func (d *Dedup) Duplicate(userID int64, text string) bool {
	if d.window <= 0 {
		return false
	}
	now := d.now()
	key := fingerprint(userID, text)

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}

// Len возвращает число живых отпечатков (для статистики и тестов).
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
