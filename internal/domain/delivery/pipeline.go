// pipeline.go — конвейер доставки. Принимает события сообщений в ограниченную
// очередь, единственным воркером прогоняет их через движок сопоставления и
// стадии доставки (дедупликация, агрегация, задержка, квоты) и отдаёт готовые
// уведомления транспорту. Конвейер рассчитан на долгую работу: периодические
// свипы отложенной очереди и интервалов агрегации не блокируют приём, а
// останов дренирует всё начатое и явно отчитывается о потерянном.

package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"telegram-keyword-bot/internal/domain/subscriptions"
	"telegram-keyword-bot/internal/infra/clock"
	"telegram-keyword-bot/internal/infra/logger"
)

// ErrQueueFull возвращается при переполнении входной очереди: событие
// отбрасывается, приём не блокируется.
var ErrQueueFull = errors.New("delivery pipeline: inbound queue is full")

// ErrClosed возвращается после начала останова конвейера.
var ErrClosed = errors.New("delivery pipeline: closed")

// PipelineOptions — зависимости и параметры конвейера. Clock допускает
// подмену времени в тестах; по умолчанию используются часы приложения.
type PipelineOptions struct {
	Engine     *subscriptions.Engine
	Registry   *subscriptions.Registry
	Dispatcher *Dispatcher
	Sender     Sender

	Capacity       int           // ёмкость входной очереди
	DedupWindow    time.Duration // окно подавления повторов
	Threshold      int           // порог немедленного сброса агрегации
	DelaySweep     time.Duration // период свипа отложенной очереди
	AggregateSweep time.Duration // период свипа интервалов агрегации
	Clock          clock.Func
}

// Pipeline — конвейер доставки уведомлений.
type Pipeline struct {
	engine     *subscriptions.Engine
	reg        *subscriptions.Registry
	dispatcher *Dispatcher
	sender     Sender

	dedup      *Dedup
	aggregator *Aggregator
	delayed    *DelayQueue
	notifQuota *QuotaTracker
	fwdQuota   *QuotaTracker

	events     chan subscriptions.MessageEvent
	delaySweep time.Duration
	aggSweep   time.Duration
	now        clock.Func

	mu     sync.Mutex
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

// NewPipeline собирает конвейер. Обязательны движок, реестр, диспетчер и
// транспорт; нулевые периоды и ёмкости заменяются умолчаниями.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Engine == nil {
		return nil, errors.New("delivery pipeline: engine is nil")
	}
	if opts.Registry == nil {
		return nil, errors.New("delivery pipeline: registry is nil")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("delivery pipeline: dispatcher is nil")
	}
	if opts.Sender == nil {
		return nil, errors.New("delivery pipeline: sender is nil")
	}

	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1000
	}
	dedupWindow := opts.DedupWindow
	if dedupWindow == 0 {
		dedupWindow = DefaultDedupWindow
	}
	delaySweep := opts.DelaySweep
	if delaySweep <= 0 {
		delaySweep = 5 * time.Second
	}
	aggSweep := opts.AggregateSweep
	if aggSweep <= 0 {
		aggSweep = 5 * time.Second
	}
	nowFn := clock.OrNow(opts.Clock)

	return &Pipeline{
		engine:     opts.Engine,
		reg:        opts.Registry,
		dispatcher: opts.Dispatcher,
		sender:     opts.Sender,
		dedup:      NewDedup(dedupWindow, nowFn),
		aggregator: NewAggregator(opts.Threshold, nowFn),
		delayed:    NewDelayQueue(nowFn),
		notifQuota: NewQuotaTracker(nowFn),
		fwdQuota:   NewQuotaTracker(nowFn),
		events:     make(chan subscriptions.MessageEvent, capacity),
		delaySweep: delaySweep,
		aggSweep:   aggSweep,
		now:        nowFn,
	}, nil
}

// Start запускает воркера и свиперы; повторный вызов игнорируется.
func (p *Pipeline) Start(ctx context.Context) {
	p.runOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.wg.Go(p.workerLoop)
		p.wg.Go(p.delayLoop)
		p.wg.Go(p.aggregateLoop)
		logger.Infof("delivery pipeline started (queue capacity %d)", cap(p.events))
	})
}

// Enqueue ставит событие во входную очередь. При переполнении возвращает
// ErrQueueFull, после начала останова — ErrClosed.
func (p *Pipeline) Enqueue(ev subscriptions.MessageEvent) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	select {
	case p.events <- ev:
		return nil
	default:
		logger.Warnf("inbound queue overflow, event from chat %d dropped", ev.ChatID)
		return ErrQueueFull
	}
}

// Backlog возвращает глубину входной очереди.
func (p *Pipeline) Backlog() int {
	return len(p.events)
}

// PendingDelayed возвращает число уведомлений в отложенной очереди.
func (p *Pipeline) PendingDelayed() int {
	return p.delayed.Len()
}

// PendingAggregates возвращает число открытых корзин агрегации.
func (p *Pipeline) PendingAggregates() int {
	return p.aggregator.Pending()
}

// FlushAggregatesNow досрочно сбрасывает все открытые корзины агрегации и
// отправляет сводные уведомления. Возвращает число сброшенных корзин.
func (p *Pipeline) FlushAggregatesNow() int {
	buckets := p.aggregator.FlushAll()
	for _, fb := range buckets {
		p.emitAggregate(fb)
	}
	return len(buckets)
}

// NotifyQuotaUsed возвращает расход квоты уведомлений пользователя.
func (p *Pipeline) NotifyQuotaUsed(userID int64) (int, time.Time) {
	return p.notifQuota.Used(userID)
}

// ForwardQuotaUsed возвращает расход лимита пересылок целевого пользователя.
func (p *Pipeline) ForwardQuotaUsed(userID int64) (int, time.Time) {
	return p.fwdQuota.Used(userID)
}

// workerLoop — единственный потребитель входной очереди. Последовательная
// обработка гарантирует порядок прибытия относительно состояния дедупликации,
// агрегации и приоритетов для каждого пользователя.
func (p *Pipeline) workerLoop() {
	for {
		select {
		case <-p.ctx.Done():
			p.drainInbound()
			return
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			p.processEvent(ev)
		}
	}
}

// drainInbound дорабатывает события, оставшиеся в очереди на момент останова.
func (p *Pipeline) drainInbound() {
	for {
		select {
		case ev := <-p.events:
			p.processEvent(ev)
		default:
			return
		}
	}
}

// processEvent прогоняет одно событие через сопоставление и стадии доставки.
// Паника в обработке события не роняет воркера.
func (p *Pipeline) processEvent(ev subscriptions.MessageEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("pipeline: panic on event from chat %d: %v", ev.ChatID, rec)
		}
	}()

	matches := p.engine.Match(ev)
	p.reg.BumpType(ev.Content.String(), len(matches) > 0)
	now := p.now()
	for _, m := range matches {
		p.reg.BumpStats(m.UserID, func(s *subscriptions.Stats) {
			s.Matches++
			s.LastMatchAt = now
		})
		p.processMatch(m)
	}
}

// processMatch ведёт одно совпадение по стадиям: дедупликация (до агрегации
// и до отправки), затем агрегация либо немедленная сборка уведомления.
func (p *Pipeline) processMatch(m subscriptions.Match) {
	if p.dedup.Duplicate(m.UserID, m.Event.Text) {
		p.reg.BumpStats(m.UserID, func(s *subscriptions.Stats) { s.Deduplicated++ })
		logger.Debugf("user %d: duplicate suppressed for %q", m.UserID, m.Sub.Keyword)
		return
	}

	if m.Sub.Aggregate {
		if flushed, ok := p.aggregator.Add(m); ok {
			p.emitAggregate(flushed)
		}
		return
	}

	n := p.dispatcher.Compose(m, nil)
	p.emit(n, time.Duration(m.Sub.DelaySec)*time.Second)
}

// emitAggregate собирает сводное уведомление из сброшенной корзины.
func (p *Pipeline) emitAggregate(fb FlushedBucket) {
	if len(fb.Items) == 0 {
		return
	}
	n := p.dispatcher.ComposeAggregate(fb.UserID, fb.Keyword, fb.Items)
	delay := time.Duration(fb.Items[0].Sub.DelaySec) * time.Second
	p.emit(n, delay)
}

// emit проверяет квоту уведомлений и либо откладывает, либо отправляет.
// Квота списывается здесь, до задержки: отложенное уведомление уже учтено.
func (p *Pipeline) emit(n Notification, delay time.Duration) {
	limit, _ := p.reg.Quotas(n.UserID)
	if !p.notifQuota.Allow(n.UserID, limit) {
		p.reg.BumpStats(n.UserID, func(s *subscriptions.Stats) { s.Dropped++ })
		logger.Warnf("user %d: notification dropped, daily quota reached", n.UserID)
		return
	}
	if delay > 0 {
		p.delayed.Schedule(n, delay)
		logger.Debugf("user %d: notification delayed by %s", n.UserID, delay)
		return
	}
	p.send(n)
}

// send отдаёт уведомление транспорту и фиксирует исход в статистике.
// Контекст отвязан от останова воркера: события, дорабатываемые при дрейне,
// всё ещё должны быть доставлены.
func (p *Pipeline) send(n Notification) {
	forwardAllowed := func(target int64) bool {
		_, fwdLimit := p.reg.Quotas(target)
		return p.fwdQuota.Allow(target, fwdLimit)
	}
	forwards, err := p.dispatcher.Deliver(context.WithoutCancel(p.ctx), p.sender, n, forwardAllowed)
	if err != nil {
		p.reg.BumpStats(n.UserID, func(s *subscriptions.Stats) { s.Dropped++ })
		return
	}
	p.reg.BumpStats(n.UserID, func(s *subscriptions.Stats) {
		s.Notifications++
		s.Forwards += int64(forwards)
	})
}

// delayLoop — периодический свип отложенной очереди.
func (p *Pipeline) delayLoop() {
	ticker := time.NewTicker(p.delaySweep)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			for _, n := range p.delayed.PopDue() {
				p.send(n)
			}
		}
	}
}

// aggregateLoop — периодический свип интервалов агрегации.
func (p *Pipeline) aggregateLoop() {
	ticker := time.NewTicker(p.aggSweep)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			for _, fb := range p.aggregator.FlushDue() {
				p.emitAggregate(fb)
			}
		}
	}
}

// Close останавливает конвейер: прекращает приём, дорабатывает события из
// входной очереди, затем досрочно сбрасывает корзины агрегации и пытается
// доставить всё отложенное. Недоставленное при останове явно логируется как
// потерянное, молчаливых потерь нет.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	lost := 0
	for _, fb := range p.aggregator.FlushAll() {
		n := p.dispatcher.ComposeAggregate(fb.UserID, fb.Keyword, fb.Items)
		if err := p.sender.Send(ctx, n.UserID, n.Text); err != nil {
			lost++
		}
	}
	for _, n := range p.delayed.Drain() {
		if err := p.sender.Send(ctx, n.UserID, n.Text); err != nil {
			lost++
		}
	}
	if lost > 0 {
		logger.Errorf("pipeline shutdown: %d pending notification(s) lost", lost)
	} else {
		logger.Infof("pipeline shutdown: all pending notifications flushed")
	}
	return nil
}
