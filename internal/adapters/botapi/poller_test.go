package botapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// pollerFixture поднимает фиктивный Bot API: первый getUpdates отдаёт
// заготовленные апдейты, последующие блокируются до отмены контекста.
// Ответы бота (sendMessage) копятся в replies.
type pollerFixture struct {
	mu      sync.Mutex
	batch   string
	served  bool
	offsets []string
	replies []string
	done    chan struct{}
}

func (f *pollerFixture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.Contains(r.URL.Path, "getUpdates"):
		f.mu.Lock()
		f.offsets = append(f.offsets, r.URL.Query().Get("offset"))
		first := !f.served
		f.served = true
		f.mu.Unlock()
		if first {
			w.Write([]byte(f.batch))
			return
		}
		select {
		case <-f.done:
		case <-r.Context().Done():
		}
		w.Write([]byte(`{"ok":true,"result":[]}`))
	case strings.Contains(r.URL.Path, "sendMessage"):
		f.mu.Lock()
		f.replies = append(f.replies, r.URL.Query().Get("text"))
		f.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	default:
		w.Write([]byte(`{"ok":true}`))
	}
}

func TestPollerUsesUntimedClient(t *testing.T) {
	t.Parallel()

	p := NewPoller(NewSender("TOKEN", false, 1), nil)
	// Длинный опрос живёт дольше таймаута клиента отправки; границу каждого
	// запроса задаёт его контекст.
	if p.client == p.sender.client {
		t.Fatal("poller must not share the sender's HTTP client")
	}
	if p.client.Timeout != 0 {
		t.Fatalf("poller client timeout = %v, want none", p.client.Timeout)
	}
}

func TestPollerDispatchesPrivateCommands(t *testing.T) {
	t.Parallel()

	fixture := &pollerFixture{
		done: make(chan struct{}),
		batch: `{"ok":true,"result":[
			{"update_id":10,"message":{"text":"/list","from":{"id":42},"chat":{"id":42,"type":"private"}}},
			{"update_id":11,"message":{"text":"/list","from":{"id":43},"chat":{"id":-50,"type":"group"}}},
			{"update_id":12}
		]}`,
	}
	srv := httptest.NewServer(fixture)
	defer srv.Close()
	defer close(fixture.done)

	var handledMu sync.Mutex
	var handled []int64
	handler := func(ctx context.Context, userID int64, text string) string {
		handledMu.Lock()
		handled = append(handled, userID)
		handledMu.Unlock()
		return "ok: " + text
	}

	p := NewPoller(newTestSender(srv.URL), handler)
	ctx, cancel := context.WithCancel(context.Background())
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		p.Run(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		fixture.mu.Lock()
		got := len(fixture.replies)
		fixture.mu.Unlock()
		if got >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for bot reply")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-pollerDone

	handledMu.Lock()
	defer handledMu.Unlock()
	if len(handled) != 1 || handled[0] != 42 {
		t.Fatalf("handled users = %v, want only private sender 42", handled)
	}
	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	if len(fixture.replies) != 1 || fixture.replies[0] != "ok: /list" {
		t.Fatalf("replies = %v", fixture.replies)
	}
	// Смещение следующего цикла должно перешагнуть весь пакет, включая
	// проигнорированные апдейты.
	if len(fixture.offsets) < 2 || fixture.offsets[1] != "13" {
		t.Fatalf("offsets = %v, want second request with offset 13", fixture.offsets)
	}
}

func TestPollerSilentWhenHandlerReturnsEmpty(t *testing.T) {
	t.Parallel()

	fixture := &pollerFixture{
		done: make(chan struct{}),
		batch: `{"ok":true,"result":[
			{"update_id":1,"message":{"text":"hello","from":{"id":42},"chat":{"id":42,"type":"private"}}}
		]}`,
	}
	srv := httptest.NewServer(fixture)
	defer srv.Close()
	defer close(fixture.done)

	p := NewPoller(newTestSender(srv.URL), func(ctx context.Context, userID int64, text string) string {
		return ""
	})
	ctx, cancel := context.WithCancel(context.Background())
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		p.Run(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		fixture.mu.Lock()
		requests := len(fixture.offsets)
		fixture.mu.Unlock()
		if requests >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for second poll cycle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-pollerDone

	fixture.mu.Lock()
	defer fixture.mu.Unlock()
	if len(fixture.replies) != 0 {
		t.Fatalf("replies = %v, want none for empty handler result", fixture.replies)
	}
}
