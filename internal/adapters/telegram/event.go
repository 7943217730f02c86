// event.go — преобразование сырых апдейтов gotd в доменные события сообщений.
// Здесь извлекаются текст или подпись медиа, тип контента, метаданные чата и
// отправителя. Недоступные без дополнительных RPC поля (роль администратора,
// текст цитируемого сообщения) заполняются наилучшим приближением.

package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"telegram-keyword-bot/internal/domain/subscriptions"
)

// peerID нормализует peer до числового идентификатора (user/chat/channel).
func peerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// contentKind классифицирует медиа сообщения.
func contentKind(msg *tg.Message) subscriptions.ContentKind {
	if msg.Media == nil {
		return subscriptions.ContentText
	}
	switch media := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		return subscriptions.ContentPhoto
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return subscriptions.ContentDocument
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				return subscriptions.ContentVideo
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					return subscriptions.ContentVoice
				}
			}
		}
		return subscriptions.ContentDocument
	default:
		return subscriptions.ContentOther
	}
}

// buildEvent собирает доменное событие из сообщения и сопутствующих entities.
func buildEvent(entities tg.Entities, msg *tg.Message) subscriptions.MessageEvent {
	_, forwarded := msg.GetFwdFrom()
	ev := subscriptions.MessageEvent{
		Text:      msg.Message,
		ChatID:    peerID(msg.PeerID),
		MessageID: int64(msg.ID),
		Content:   contentKind(msg),
		Forwarded: forwarded,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if ev.Content != subscriptions.ContentText && msg.Message != "" {
		// Текст медиа-сообщения — это подпись.
		ev.CaptionOnly = true
	}

	fillChat(&ev, entities, msg)
	fillSender(&ev, entities, msg)
	return ev
}

// fillChat определяет вид чата, его название и постоянную ссылку на сообщение.
func fillChat(ev *subscriptions.MessageEvent, entities tg.Entities, msg *tg.Message) {
	switch peer := msg.PeerID.(type) {
	case *tg.PeerUser:
		ev.ChatKind = subscriptions.ChatPrivate
		if u, ok := entities.Users[peer.UserID]; ok {
			ev.ChatTitle = strings.TrimSpace(u.FirstName + " " + u.LastName)
		}
	case *tg.PeerChat:
		ev.ChatKind = subscriptions.ChatGroup
		if c, ok := entities.Chats[peer.ChatID]; ok {
			ev.ChatTitle = c.Title
		}
	case *tg.PeerChannel:
		ev.ChatKind = subscriptions.ChatGroup
		ch, ok := entities.Channels[peer.ChannelID]
		if !ok {
			return
		}
		ev.ChatTitle = ch.Title
		if ch.Broadcast {
			ev.ChatKind = subscriptions.ChatChannel
		}
		if ch.Username != "" {
			ev.Permalink = fmt.Sprintf("https://t.me/%s/%d", ch.Username, msg.ID)
		} else {
			ev.Permalink = fmt.Sprintf("https://t.me/c/%d/%d", peer.ChannelID, msg.ID)
		}
	}
}

// fillSender извлекает отправителя. Пост канала без автора считается
// анонимным; различение администраторов потребовало бы отдельного RPC на
// каждое сообщение, поэтому остальные отправители помечаются участниками.
func fillSender(ev *subscriptions.MessageEvent, entities tg.Entities, msg *tg.Message) {
	ev.SenderRole = subscriptions.SenderMember

	from, hasFrom := msg.GetFromID()
	if !hasFrom {
		ev.SenderRole = subscriptions.SenderAnonymous
		if msg.Post {
			ev.SenderName = ev.ChatTitle
			ev.SenderUsername = msg.PostAuthor
		}
		return
	}
	ev.SenderID = peerID(from)

	u, ok := entities.Users[ev.SenderID]
	if !ok {
		return
	}
	ev.SenderName = strings.TrimSpace(u.FirstName + " " + u.LastName)
	ev.SenderUsername = u.Username
}
