// poller.go — приём команд через длинный опрос getUpdates. Каждое входящее
// личное сообщение боту передаётся обработчику команд, ответ уходит тем же
// клиентом. Ошибки опроса не фатальны: пауза и новый цикл.

package botapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-faster/errors"

	"telegram-keyword-bot/internal/infra/logger"
)

// pollTimeout — серверный таймаут длинного опроса, секунды.
const pollTimeout = 30

// errorBackoff — пауза после неудачного цикла опроса.
const errorBackoff = 5 * time.Second

// CommandHandler обрабатывает текст команды и возвращает ответ (пустой —
// не отвечать).
type CommandHandler func(ctx context.Context, userID int64, text string) string

// update — минимальная проекция Update из Bot API.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
	} `json:"message"`
}

// Poller крутит getUpdates и раздаёт команды обработчику.
type Poller struct {
	sender  *Sender
	client  *http.Client
	handler CommandHandler
	offset  int64
}

// NewPoller создаёт поллер поверх готового клиента Bot API. Длинный опрос
// держит соединение дольше таймаута клиента отправки, поэтому у поллера
// собственный HTTP-клиент без общего таймаута: каждый запрос ограничивает
// свой контекст.
func NewPoller(sender *Sender, handler CommandHandler) *Poller {
	return &Poller{sender: sender, client: &http.Client{}, handler: handler}
}

// Run блокируется до отмены контекста.
func (p *Poller) Run(ctx context.Context) {
	logger.Infof("bot api poller started")
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := p.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("getUpdates failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		for _, u := range updates {
			p.offset = u.UpdateID + 1
			p.handle(ctx, u)
		}
	}
}

// fetch выполняет один цикл длинного опроса.
func (p *Poller) fetch(ctx context.Context) ([]update, error) {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(pollTimeout))
	params.Set("allowed_updates", `["message"]`)
	if p.offset > 0 {
		params.Set("offset", strconv.FormatInt(p.offset, 10))
	}

	reqCtx, cancel := context.WithTimeout(ctx, (pollTimeout+10)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		p.sender.baseURL+"getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "getUpdates request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "getUpdates read response")
	}

	var payload struct {
		OK          bool     `json:"ok"`
		Description string   `json:"description"`
		Result      []update `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "getUpdates decode response")
	}
	if !payload.OK {
		return nil, errors.Errorf("getUpdates: %s", payload.Description)
	}
	return payload.Result, nil
}

// handle передаёт команду из личного чата обработчику и отвечает автору.
// Групповые сообщения боту игнорируются: командный интерфейс личный.
func (p *Poller) handle(ctx context.Context, u update) {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.Text == "" || msg.Chat.Type != "private" {
		return
	}
	reply := p.handler(ctx, msg.From.ID, msg.Text)
	if reply == "" {
		return
	}
	if err := p.sender.Send(ctx, msg.Chat.ID, reply); err != nil {
		logger.Errorf("reply to %d failed: %v", msg.Chat.ID, err)
	}
}
