// Package debug — печать входящих апдейтов для наблюдения за ботом в
// консоли. Включается уровнем логирования debug; в проде молчит. На
// бизнес-логику не влияет.

package debug

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gotd/td/tg"

	"telegram-keyword-bot/internal/infra/logger"
	"telegram-keyword-bot/internal/infra/pr"
)

// PrintUpdate печатает компактное представление сообщения: источник, автор,
// урезанный текст. Имена берутся из entities апдейта; отсутствующие
// заменяются плейсхолдерами.
func PrintUpdate(prefix string, msg *tg.Message, entities tg.Entities) {
	if !logger.IsDebugEnabled() {
		return
	}

	text := msg.Message
	// Режем по рунам, чтобы не порвать UTF-8.
	const textMaxLen = 50
	if utf8.RuneCountInString(text) > textMaxLen {
		runes := []rune(text)
		text = string(runes[:textMaxLen]) + "..."
	}

	var from, name string
	switch peer := msg.PeerID.(type) {
	case *tg.PeerUser:
		from = "User"
		name = "<unknown>"
		if u, ok := entities.Users[peer.UserID]; ok {
			full := strings.TrimSpace(u.FirstName + " " + u.LastName)
			if full == "" {
				full = "<unknown>"
			}
			name = fmt.Sprintf("'%s' (@%s)", full, u.Username)
		}
	case *tg.PeerChat:
		from = "Chat"
		name = "<unknown chat>"
		if c, ok := entities.Chats[peer.ChatID]; ok {
			name = fmt.Sprintf("'%s'", c.Title)
		}
	case *tg.PeerChannel:
		from = "Channel-like"
		name = "<untitled channel>"
		if ch, ok := entities.Channels[peer.ChannelID]; ok {
			if ch.Broadcast {
				from = "Channel"
			} else if ch.Megagroup {
				from = "Supergroup"
			}
			name = fmt.Sprintf("'%s' (@%s)", ch.Title, ch.Username)
		}
	default:
		from = "Unknown"
		name = fmt.Sprintf("%+v", peer)
	}

	pr.Printf("[%s] %s > %s: %s\n", prefix, from, name, text)
}

// Dump pretty-печатает произвольное значение при активном debug-уровне.
func Dump(label string, v any) {
	if !logger.IsDebugEnabled() {
		return
	}
	pr.Printf("--- %s ---\n%s", label, pr.Pf(v))
}
