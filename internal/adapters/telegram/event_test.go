package telegram

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"telegram-keyword-bot/internal/domain/subscriptions"
)

func userEntities() tg.Entities {
	return tg.Entities{
		Users: map[int64]*tg.User{
			42: {ID: 42, FirstName: "Alice", LastName: "Smith", Username: "alice"},
		},
		Chats: map[int64]*tg.Chat{
			500: {ID: 500, Title: "Old Group"},
		},
		Channels: map[int64]*tg.Channel{
			700: {ID: 700, Title: "Deals Channel", Broadcast: true, Username: "deals"},
			800: {ID: 800, Title: "Private Super"},
		},
	}
}

func TestBuildEventGroupMessage(t *testing.T) {
	t.Parallel()

	msg := &tg.Message{
		ID:      15,
		Message: "flash sale today",
		PeerID:  &tg.PeerChat{ChatID: 500},
		Date:    1700000000,
	}
	msg.SetFromID(&tg.PeerUser{UserID: 42})

	ev := buildEvent(userEntities(), msg)

	if ev.ChatKind != subscriptions.ChatGroup || ev.ChatID != 500 {
		t.Fatalf("chat = (%v, %d), want group 500", ev.ChatKind, ev.ChatID)
	}
	if ev.ChatTitle != "Old Group" {
		t.Fatalf("ChatTitle = %q", ev.ChatTitle)
	}
	if ev.SenderID != 42 || ev.SenderName != "Alice Smith" || ev.SenderUsername != "alice" {
		t.Fatalf("sender = (%d, %q, %q)", ev.SenderID, ev.SenderName, ev.SenderUsername)
	}
	if ev.SenderRole != subscriptions.SenderMember {
		t.Fatalf("SenderRole = %v, want member", ev.SenderRole)
	}
	if ev.Content != subscriptions.ContentText || ev.CaptionOnly {
		t.Fatalf("content = (%v, caption=%v), want plain text", ev.Content, ev.CaptionOnly)
	}
	if ev.MessageID != 15 || !ev.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("meta = (id=%d, ts=%v)", ev.MessageID, ev.Timestamp)
	}
}

func TestBuildEventChannelPost(t *testing.T) {
	t.Parallel()

	msg := &tg.Message{
		ID:         7,
		Message:    "announcement",
		PeerID:     &tg.PeerChannel{ChannelID: 700},
		Post:       true,
		PostAuthor: "editor",
	}

	ev := buildEvent(userEntities(), msg)

	if ev.ChatKind != subscriptions.ChatChannel {
		t.Fatalf("ChatKind = %v, want channel", ev.ChatKind)
	}
	if ev.Permalink != "https://t.me/deals/7" {
		t.Fatalf("Permalink = %q", ev.Permalink)
	}
	if ev.SenderRole != subscriptions.SenderAnonymous {
		t.Fatalf("SenderRole = %v, want anonymous", ev.SenderRole)
	}
	if ev.SenderName != "Deals Channel" || ev.SenderUsername != "editor" {
		t.Fatalf("sender = (%q, %q)", ev.SenderName, ev.SenderUsername)
	}
}

func TestBuildEventSupergroupPermalink(t *testing.T) {
	t.Parallel()

	msg := &tg.Message{
		ID:      3,
		Message: "hi",
		PeerID:  &tg.PeerChannel{ChannelID: 800},
	}
	msg.SetFromID(&tg.PeerUser{UserID: 42})

	ev := buildEvent(userEntities(), msg)

	// Супергруппа без username получает внутреннюю c-ссылку и остаётся группой.
	if ev.ChatKind != subscriptions.ChatGroup {
		t.Fatalf("ChatKind = %v, want group", ev.ChatKind)
	}
	if ev.Permalink != "https://t.me/c/800/3" {
		t.Fatalf("Permalink = %q", ev.Permalink)
	}
}

func TestBuildEventForwardedFlag(t *testing.T) {
	t.Parallel()

	msg := &tg.Message{
		ID:      1,
		Message: "fwd text",
		PeerID:  &tg.PeerChat{ChatID: 500},
	}
	msg.SetFromID(&tg.PeerUser{UserID: 42})
	msg.SetFwdFrom(tg.MessageFwdHeader{})

	ev := buildEvent(userEntities(), msg)
	if !ev.Forwarded {
		t.Fatal("Forwarded = false, want true")
	}
}

func TestContentKind(t *testing.T) {
	t.Parallel()

	video := &tg.Document{Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeVideo{},
	}}
	voice := &tg.Document{Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeAudio{Voice: true},
	}}
	music := &tg.Document{Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeAudio{},
	}}

	cases := []struct {
		name  string
		media tg.MessageMediaClass
		want  subscriptions.ContentKind
	}{
		{name: "photo", media: &tg.MessageMediaPhoto{}, want: subscriptions.ContentPhoto},
		{name: "video", media: &tg.MessageMediaDocument{Document: video}, want: subscriptions.ContentVideo},
		{name: "voice", media: &tg.MessageMediaDocument{Document: voice}, want: subscriptions.ContentVoice},
		{name: "musicIsDocument", media: &tg.MessageMediaDocument{Document: music}, want: subscriptions.ContentDocument},
		{name: "geoIsOther", media: &tg.MessageMediaGeo{}, want: subscriptions.ContentOther},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			msg := &tg.Message{Message: "caption"}
			msg.Media = tc.media
			if got := contentKind(msg); got != tc.want {
				t.Fatalf("contentKind() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildEventCaptionOnly(t *testing.T) {
	t.Parallel()

	msg := &tg.Message{
		ID:      2,
		Message: "nice photo caption",
		PeerID:  &tg.PeerChat{ChatID: 500},
	}
	msg.SetFromID(&tg.PeerUser{UserID: 42})
	msg.Media = &tg.MessageMediaPhoto{}

	ev := buildEvent(userEntities(), msg)
	if ev.Content != subscriptions.ContentPhoto || !ev.CaptionOnly {
		t.Fatalf("content = (%v, caption=%v), want photo caption", ev.Content, ev.CaptionOnly)
	}
}
