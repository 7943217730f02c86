// Пакет clock предоставляет источник текущего времени приложения.
// Все компоненты, зависящие от времени, принимают Func и по умолчанию
// используют Now: так тесты могут подставлять управляемые часы.
package clock

import (
	"sync/atomic"
	"time"
)

// Func — источник текущего времени. Сигнатура совпадает с time.Now.
type Func func() time.Time

// location хранит глобальную таймзону приложения (устанавливается из конфигурации).
var location atomic.Pointer[time.Location]

// SetLocation фиксирует таймзону приложения. Вызывается один раз на старте.
func SetLocation(loc *time.Location) {
	if loc != nil {
		location.Store(loc)
	}
}

// Location возвращает текущую таймзону приложения (UTC, пока не задана иная).
func Location() *time.Location {
	if loc := location.Load(); loc != nil {
		return loc
	}
	return time.UTC
}

// Now возвращает текущее время в глобальной таймзоне приложения.
func Now() time.Time {
	return time.Now().In(Location())
}

// OrNow возвращает fn, если он задан, иначе Now. Удобно в конструкторах
// компонентов с внедряемыми часами.
func OrNow(fn Func) Func {
	if fn != nil {
		return fn
	}
	return Now
}
