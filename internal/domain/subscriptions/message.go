// Package subscriptions — доменная модель подписок на ключевые слова и движок
// сопоставления входящих сообщений с подписками пользователей.
//
// В этом файле описано событие входящего сообщения — единственная форма, в
// которой транспортный слой передаёт сообщения в домен. Тип контента и роль
// отправителя вычисляются один раз при конвертации апдейта и дальше
// потребляются как явные перечисления, без обращения к транспортным структурам.
package subscriptions

import "time"

// ContentKind — тип содержимого сообщения.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentPhoto
	ContentVideo
	ContentDocument
	ContentVoice
	ContentOther
)

// String возвращает каноническое имя типа контента (используется в фильтрах
// и статистике).
func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentPhoto:
		return "photo"
	case ContentVideo:
		return "video"
	case ContentDocument:
		return "document"
	case ContentVoice:
		return "voice"
	default:
		return "other"
	}
}

// ParseContentKind разбирает имя типа контента; неизвестные значения → ok=false.
func ParseContentKind(v string) (ContentKind, bool) {
	switch v {
	case "text":
		return ContentText, true
	case "photo":
		return ContentPhoto, true
	case "video":
		return ContentVideo, true
	case "document":
		return ContentDocument, true
	case "voice":
		return ContentVoice, true
	case "other":
		return ContentOther, true
	default:
		return ContentOther, false
	}
}

// ChatKind — тип источника сообщения.
type ChatKind int

const (
	ChatGroup ChatKind = iota
	ChatChannel
	ChatPrivate
)

// SenderRole — класс отправителя в чате-источнике.
type SenderRole int

const (
	SenderMember SenderRole = iota
	SenderAdmin
	SenderAnonymous
)

// String возвращает каноническое имя класса отправителя.
func (r SenderRole) String() string {
	switch r {
	case SenderAdmin:
		return "admin"
	case SenderAnonymous:
		return "anonymous"
	default:
		return "user"
	}
}

// ParseSenderRole разбирает имя класса отправителя; неизвестные значения → ok=false.
func ParseSenderRole(v string) (SenderRole, bool) {
	switch v {
	case "admin":
		return SenderAdmin, true
	case "user":
		return SenderMember, true
	case "anonymous":
		return SenderAnonymous, true
	default:
		return SenderMember, false
	}
}

// MessageEvent — нормализованное входящее сообщение. Формируется транспортным
// слоем один раз; домен не знает про tg.* структуры.
//
// Text содержит либо тело сообщения, либо подпись медиа; CaptionOnly=true
// означает, что собственного текстового тела у сообщения нет (текст взят из
// подписи). Permalink и ReplyToText опциональны и могут быть пустыми.
type MessageEvent struct {
	Text        string
	CaptionOnly bool

	ChatID    int64
	ChatKind  ChatKind
	ChatTitle string
	MessageID int64

	SenderID       int64
	SenderName     string
	SenderUsername string
	SenderRole     SenderRole

	Content   ContentKind
	Forwarded bool

	ReplyToText string
	Permalink   string
	Timestamp   time.Time
}

// SourceLabel возвращает человекочитаемую метку источника для шаблонов
// уведомлений.
func (e MessageEvent) SourceLabel() string {
	switch e.ChatKind {
	case ChatChannel:
		return "channel"
	case ChatPrivate:
		return "private"
	default:
		return "group"
	}
}
