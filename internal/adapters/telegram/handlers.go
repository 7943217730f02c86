// handlers.go — реакции на апдейты gotd: новые и отредактированные сообщения
// личек, групп и каналов. Каждый апдейт проходит быструю дедупликацию по
// сигнатуре (peerID, msgID, editDate), конвертируется в доменное событие и
// ставится во входную очередь конвейера доставки. Сетевых вызовов здесь нет.

package telegram

import (
	"context"

	"github.com/gotd/td/tg"

	"telegram-keyword-bot/internal/domain/subscriptions"
	"telegram-keyword-bot/internal/infra/concurrency"
	"telegram-keyword-bot/internal/infra/logger"
	"telegram-keyword-bot/internal/support/debug"
)

// Intake принимает события конвейера (срез Pipeline, достаточный адаптеру).
type Intake interface {
	Enqueue(ev subscriptions.MessageEvent) error
}

// Handlers маршрутизирует апдейты Telegram в конвейер.
type Handlers struct {
	intake   Intake
	dupCache *concurrency.Deduplicator
}

// NewHandlers связывает конвейер и дедупликатор событий.
func NewHandlers(intake Intake, dup *concurrency.Deduplicator) *Handlers {
	return &Handlers{intake: intake, dupCache: dup}
}

// Register подписывает обработчики на диспетчер апдейтов.
func (h *Handlers) Register(dispatcher tg.UpdateDispatcher) {
	dispatcher.OnNewMessage(h.OnNewMessage)
	dispatcher.OnNewChannelMessage(h.OnNewChannelMessage)
	dispatcher.OnEditMessage(h.OnEditMessage)
	dispatcher.OnEditChannelMessage(h.OnEditChannelMessage)
}

// ingest — общий путь: дедупликация сигнатуры, конвертация, постановка.
func (h *Handlers) ingest(label string, entities tg.Entities, msg *tg.Message) error {
	if msg == nil || msg.Out {
		return nil
	}
	if h.dupCache.Seen(peerID(msg.PeerID), msg.ID, msg.EditDate) {
		return nil
	}
	debug.PrintUpdate(label, msg, entities)

	ev := buildEvent(entities, msg)
	if err := h.intake.Enqueue(ev); err != nil {
		// Переполнение очереди — штатная деградация, событие теряется.
		logger.Warnf("%s: event from chat %d not enqueued: %v", label, ev.ChatID, err)
	}
	return nil
}

// OnNewMessage обрабатывает входящее личное или групповое сообщение.
func (h *Handlers) OnNewMessage(_ context.Context, entities tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	return h.ingest("DM/Group", entities, msg)
}

// OnNewChannelMessage обрабатывает входящее сообщение канала или супергруппы.
func (h *Handlers) OnNewChannelMessage(_ context.Context, entities tg.Entities, u *tg.UpdateNewChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	return h.ingest("Channel", entities, msg)
}

// OnEditMessage обрабатывает правку личного/группового сообщения. Правка с
// новым editDate проходит дедупликацию как новое содержимое.
func (h *Handlers) OnEditMessage(_ context.Context, entities tg.Entities, u *tg.UpdateEditMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	return h.ingest("Edit", entities, msg)
}

// OnEditChannelMessage обрабатывает правку сообщения канала.
func (h *Handlers) OnEditChannelMessage(_ context.Context, entities tg.Entities, u *tg.UpdateEditChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	return h.ingest("ChannelEdit", entities, msg)
}
