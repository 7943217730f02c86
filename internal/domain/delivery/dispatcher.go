// dispatcher.go — сборка и отправка уведомлений. Диспетчер рендерит тело по
// шаблону подписки (или общему), добавляет необязательные секции (ссылка на
// сообщение, цитата ответа, контекстное окно) и передаёт готовый текст во
// внешний транспорт. Сам транспорт сетевой и живёт в адаптерах.

package delivery

import (
	"context"
	"fmt"
	"strings"

	"telegram-keyword-bot/internal/domain/subscriptions"
	"telegram-keyword-bot/internal/infra/logger"
)

// Sender — внешний интерфейс отправки. Реализации отвечают за троттлинг и
// ретраи; ядро лишь фиксирует факт неудачи.
type Sender interface {
	Send(ctx context.Context, userID int64, text string) error
	Forward(ctx context.Context, target int64, ev subscriptions.MessageEvent) error
}

// Notification — полностью собранное уведомление, готовое к отправке либо
// к задержке в отложенной очереди.
type Notification struct {
	UserID    int64
	Keyword   string
	Priority  int
	Text      string
	ForwardTo []int64
	Event     subscriptions.MessageEvent
}

// Dispatcher собирает текст уведомлений.
type Dispatcher struct {
	defaultTpl  string
	contextSize int
}

// NewDispatcher создаёт диспетчер. defaultTpl пустой — берётся встроенный.
// contextSize ограничивает число сообщений контекстного окна (0 — секция
// отключена).
func NewDispatcher(defaultTpl string, contextSize int) (*Dispatcher, error) {
	if defaultTpl == "" {
		defaultTpl = DefaultTemplate
	}
	if err := ValidateTemplate(defaultTpl); err != nil {
		return nil, fmt.Errorf("default template rejected: %w", err)
	}
	return &Dispatcher{defaultTpl: defaultTpl, contextSize: contextSize}, nil
}

// Compose рендерит уведомление для одного совпадения. contextMsgs — тексты
// соседних сообщений, если вызывающая сторона их собрала.
func (d *Dispatcher) Compose(m subscriptions.Match, contextMsgs []string) Notification {
	tpl := m.Sub.Template
	if tpl == "" {
		tpl = d.defaultTpl
	}

	keyword := m.Sub.Format.Apply(m.Sub.Keyword)
	body := RenderTemplate(tpl, keyword, m.Event)

	var b strings.Builder
	b.WriteString(body)
	if m.Combination != "" {
		fmt.Fprintf(&b, "\nCombination: %s", m.Combination)
	}
	if m.Event.Permalink != "" {
		fmt.Fprintf(&b, "\nLink: %s", m.Event.Permalink)
	}
	if m.Event.ReplyToText != "" {
		fmt.Fprintf(&b, "\nIn reply to: %s", trimQuote(m.Event.ReplyToText))
	}
	if d.contextSize > 0 && len(contextMsgs) > 0 {
		window := contextMsgs
		if len(window) > d.contextSize {
			window = window[:d.contextSize]
		}
		b.WriteString("\nContext:")
		for _, msg := range window {
			fmt.Fprintf(&b, "\n  • %s", trimQuote(msg))
		}
	}

	return Notification{
		UserID:    m.UserID,
		Keyword:   m.Sub.Keyword,
		Priority:  m.Sub.Priority,
		Text:      b.String(),
		ForwardTo: append([]int64(nil), m.Sub.ForwardTo...),
		Event:     m.Event,
	}
}

// ComposeAggregate рендерит сводное уведомление по пачке совпадений одного
// ключевого слова: заголовок с количеством и по строке на элемент.
func (d *Dispatcher) ComposeAggregate(userID int64, keyword string, items []subscriptions.Match) Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "📦 keyword %q: %d messages", keyword, len(items))
	priority := 0
	for _, m := range items {
		if m.Sub.Priority > priority {
			priority = m.Sub.Priority
		}
		fmt.Fprintf(&b, "\n• [%s] %s (%s)",
			m.Event.SourceLabel(),
			trimQuote(m.Event.Text),
			m.Event.Timestamp.Format("15:04:05"))
	}
	return Notification{
		UserID:   userID,
		Keyword:  keyword,
		Priority: priority,
		Text:     b.String(),
	}
}

// Deliver отправляет уведомление и, при наличии целей пересылки, исходное
// сообщение. forwardAllowed вызывается на каждую цель: лимит пересылок
// списывается по целевому пользователю. Возвращает число удачных пересылок.
func (d *Dispatcher) Deliver(ctx context.Context, s Sender, n Notification, forwardAllowed func(target int64) bool) (forwards int, err error) {
	if sendErr := s.Send(ctx, n.UserID, n.Text); sendErr != nil {
		logger.Errorf("delivery to %d failed: %v", n.UserID, sendErr)
		return 0, sendErr
	}
	for _, target := range n.ForwardTo {
		if forwardAllowed != nil && !forwardAllowed(target) {
			logger.Warnf("forward to %d skipped: daily limit reached", target)
			continue
		}
		if fwdErr := s.Forward(ctx, target, n.Event); fwdErr != nil {
			logger.Errorf("forward to %d failed: %v", target, fwdErr)
			continue
		}
		forwards++
	}
	return forwards, nil
}

// trimQuote укорачивает цитируемый текст до одной строки разумной длины.
func trimQuote(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	const maxQuote = 120
	runes := []rune(text)
	if len(runes) > maxQuote {
		return string(runes[:maxQuote]) + "…"
	}
	return text
}
