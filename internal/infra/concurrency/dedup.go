// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Deduplicator — потокобезопасный кэш «недавно видели», который подавляет
// повторную обработку входящих апдейтов Telegram в пределах заданного окна:
// повторные доставки одного апдейта и частые правки сообщения не должны
// запускать сопоставление заново.

package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telegram-keyword-bot/internal/infra/clock"
)

// Deduplicator хранит сигнатуры недавно обработанных событий и решает,
// считать ли очередное событие повтором в рамках заданного окна.
// Ключ формируется как `<chatID>:<msgID>:<editDate>`; изменение editDate при
// правке сообщения даёт новую сигнатуру. Структура потокобезопасна.
type Deduplicator struct {
	mu     sync.Mutex           // защищает карту seen
	seen   map[string]time.Time // key -> expireAt
	window time.Duration
	now    clock.Func

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeduplicator создаёт кэш подавления повторов с окном window.
// nowFn допускает внедрение управляемых часов в тестах; nil — clock.Now.
func NewDeduplicator(window time.Duration, nowFn clock.Func) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: window,
		now:    clock.OrNow(nowFn),
	}
}

// Start поднимает фоновую горутину очистки устаревших ключей. Повторные вызовы
// безопасны и игнорируются.
func (d *Deduplicator) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		// Раз в минуту вычищаем просроченные записи, чтобы карта не росла бесконечно.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Cleanup()
			}
		}
	})
}

// Stop корректно завершает фоновую очистку и дожидается её окончания.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	d.wg.Wait()
}

// Seen сообщает, видели ли уже событие с сигнатурой `<chatID>:<msgID>:<editDate>`
// в пределах окна. Возвращает true, если запись ещё актуальна (повтор), иначе
// регистрирует новую запись с истечением через window и возвращает false.
func (d *Deduplicator) Seen(chatID int64, msgID int, editDate int) bool {
	key := fmt.Sprintf("%d:%d:%d", chatID, msgID, editDate)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Cleanup удаляет из карты все записи с истёкшим сроком. Потокобезопасен,
// может вызываться как фоново (через Start), так и синхронно.
func (d *Deduplicator) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}
