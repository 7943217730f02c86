// aggregate.go — буфер агрегации. Совпадения подписок с флагом агрегации
// копятся по корзинам (пользователь, ключевое слово) и сбрасываются одним
// сводным уведомлением: по достижении порога либо по истечении интервала
// подписки. Оба триггера независимы, свип интервалов не трогает путь приёма.

package delivery

import (
	"sync"
	"time"

	"telegram-keyword-bot/internal/domain/subscriptions"
	"telegram-keyword-bot/internal/infra/clock"
	"telegram-keyword-bot/internal/infra/logger"
)

// DefaultAggregateThreshold — размер корзины, при котором она сбрасывается
// немедленно, не дожидаясь интервала.
const DefaultAggregateThreshold = 5

type bucketKey struct {
	userID  int64
	keyword string
}

type bucket struct {
	items    []subscriptions.Match
	openedAt time.Time
	interval time.Duration
}

// FlushedBucket — содержимое сброшенной корзины.
type FlushedBucket struct {
	UserID  int64
	Keyword string
	Items   []subscriptions.Match
}

// Aggregator — потокобезопасный буфер агрегации.
type Aggregator struct {
	mu        sync.Mutex
	buckets   map[bucketKey]*bucket
	threshold int
	now       clock.Func
}

// NewAggregator создаёт буфер. threshold <= 0 заменяется значением по
// умолчанию.
func NewAggregator(threshold int, nowFn clock.Func) *Aggregator {
	if threshold <= 0 {
		threshold = DefaultAggregateThreshold
	}
	return &Aggregator{
		buckets:   make(map[bucketKey]*bucket),
		threshold: threshold,
		now:       clock.OrNow(nowFn),
	}
}

// Add кладёт совпадение в корзину. Интервал корзины задаётся первой записью
// (интервал подписки) и живёт до сброса. При достижении порога корзина
// сбрасывается немедленно; возвращённый срез — её содержимое, следующее
// совпадение начнёт новую корзину.
func (a *Aggregator) Add(m subscriptions.Match) (FlushedBucket, bool) {
	key := bucketKey{m.UserID, m.Sub.Keyword}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[key]
	if !ok {
		interval := time.Duration(m.Sub.AggregateSec) * time.Second
		if interval <= 0 {
			interval = time.Duration(subscriptions.DefaultAggregateSec) * time.Second
		}
		b = &bucket{openedAt: a.now(), interval: interval}
		a.buckets[key] = b
	}
	b.items = append(b.items, m)

	if len(b.items) < a.threshold {
		return FlushedBucket{}, false
	}
	delete(a.buckets, key)
	logger.Debugf("aggregate bucket %d/%q flushed by count (%d items)", key.userID, key.keyword, len(b.items))
	return FlushedBucket{UserID: key.userID, Keyword: key.keyword, Items: b.items}, true
}

// FlushDue сбрасывает корзины, чей интервал истёк. Вызывается периодическим
// свипером; пустых корзин в буфере не бывает, поэтому пустых сбросов нет.
func (a *Aggregator) FlushDue() []FlushedBucket {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []FlushedBucket
	for key, b := range a.buckets {
		if now.Sub(b.openedAt) < b.interval {
			continue
		}
		delete(a.buckets, key)
		out = append(out, FlushedBucket{UserID: key.userID, Keyword: key.keyword, Items: b.items})
	}
	return out
}

// FlushAll опустошает все корзины (используется при останове конвейера).
func (a *Aggregator) FlushAll() []FlushedBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]FlushedBucket, 0, len(a.buckets))
	for key, b := range a.buckets {
		out = append(out, FlushedBucket{UserID: key.userID, Keyword: key.keyword, Items: b.items})
	}
	a.buckets = make(map[bucketKey]*bucket)
	return out
}

// Pending возвращает число открытых корзин.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}
