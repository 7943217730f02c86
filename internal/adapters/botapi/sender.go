// Package botapi реализует delivery.Sender поверх Telegram Bot API.
//
// Уведомления уходят методом sendMessage, пересылки исходных сообщений —
// методом forwardMessage. Запросы проходят через общий троттлер (token
// bucket); ошибки классифицируются на постоянные (4xx) и временные
// (429 с retry_after, 5xx, сеть). Временные повторяются ограниченное число
// раз с уважением к retry_after, постоянные возвращаются вызывающему сразу.
package botapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"

	"telegram-keyword-bot/internal/domain/subscriptions"
	"telegram-keyword-bot/internal/infra/logger"
)

// httpClientTimeout — таймаут HTTP-клиента, покрывает медленные соединения.
const httpClientTimeout = 30 * time.Second

// maxSendAttempts ограничивает повторы временных ошибок на один запрос.
const maxSendAttempts = 3

// botSuperPrefix участвует в построении chat_id каналов и супергрупп:
// chat_id = -100<channel_id>.
const botSuperPrefix int64 = -1000000000000

// Sender — клиент Bot API с троттлером.
type Sender struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewSender создаёт клиента для бота. При testDC=true к токену добавляется
// суффикс /test согласно Bot API. rps задаёт среднюю частоту запросов.
func NewSender(token string, testDC bool, rps int) *Sender {
	if testDC {
		token += "/test"
	}
	if rps <= 0 {
		rps = 1
	}
	return &Sender{
		baseURL: "https://api.telegram.org/bot" + token + "/",
		client:  &http.Client{Timeout: httpClientTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Send доставляет текст уведомления пользователю.
func (s *Sender) Send(ctx context.Context, userID int64, text string) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(userID, 10))
	params.Set("text", text)
	params.Set("disable_web_page_preview", "true")
	return s.call(ctx, "sendMessage", params)
}

// Forward пересылает исходное сообщение события целевому пользователю.
// Без id сообщения пересылать нечего: такие события (например, собранные
// агрегаты) отклоняются сразу.
func (s *Sender) Forward(ctx context.Context, target int64, ev subscriptions.MessageEvent) error {
	if ev.MessageID == 0 {
		return errors.New("event has no source message id")
	}
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(target, 10))
	params.Set("from_chat_id", strconv.FormatInt(toBotChatID(ev), 10))
	params.Set("message_id", strconv.FormatInt(ev.MessageID, 10))
	return s.call(ctx, "forwardMessage", params)
}

// toBotChatID конвертирует доменный идентификатор чата события в chat_id
// Bot API: пользователь — положительный, группа — отрицательный,
// канал/супергруппа — -100<id>. Существование чата не проверяется.
func toBotChatID(ev subscriptions.MessageEvent) int64 {
	id := ev.ChatID
	switch ev.ChatKind {
	case subscriptions.ChatPrivate:
		if id < 0 {
			return -id
		}
		return id
	case subscriptions.ChatGroup:
		if id > 0 {
			return -id
		}
		return id
	default:
		if id > 0 {
			return botSuperPrefix - id
		}
		return id
	}
}

// call выполняет метод Bot API с троттлингом и ретраями временных ошибок.
func (s *Sender) call(ctx context.Context, method string, params url.Values) error {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		permanent, retryAfter, err := s.perform(ctx, method, params)
		if err == nil {
			return nil
		}
		if permanent {
			return err
		}
		lastErr = err
		if retryAfter <= 0 {
			retryAfter = time.Duration(attempt) * time.Second
		}
		logger.Warnf("bot api %s attempt %d/%d failed: %v (retry in %s)",
			method, attempt, maxSendAttempts, err, retryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
	return errors.Wrapf(lastErr, "bot api %s: retries exhausted", method)
}

// perform выполняет один запрос без троттлера. Возвращает признак
// постоянной ошибки и рекомендованную паузу перед повтором.
func (s *Sender) perform(ctx context.Context, method string, params url.Values) (permanent bool, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+method+"?"+params.Encode(), nil)
	if err != nil {
		return false, 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, 0, errors.Wrap(err, "bot api request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, 0, errors.Wrap(err, "bot api read response")
	}

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(resp, body)
	}
	return classifyAPIResponse(body)
}

// classifyHTTPError нормализует не-200 ответы: 429 — временная с retry_after,
// остальные 4xx — постоянные, 5xx — временные.
func classifyHTTPError(resp *http.Response, body []byte) (bool, time.Duration, error) {
	status := resp.StatusCode
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		wait := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		if wait == 0 {
			wait = parseRetryAfterBody(body)
		}
		return false, wait, errors.Errorf("bot api rate limit (%d): %s", status, msg)
	case status >= 400 && status < 500:
		return true, 0, errors.Errorf("bot api client error (%d): %s", status, msg)
	default:
		return false, 0, errors.Errorf("bot api server error (%d): %s", status, msg)
	}
}

// classifyAPIResponse разбирает JSON-ответ Bot API по тем же правилам,
// учитывая parameters.retry_after.
func classifyAPIResponse(body []byte) (bool, time.Duration, error) {
	var apiResp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		ErrorCode   int    `json:"error_code"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return false, 0, errors.Wrap(err, "bot api decode response")
	}
	if apiResp.OK {
		return false, 0, nil
	}

	msg := strings.TrimSpace(apiResp.Description)
	if msg == "" {
		msg = "(empty bot api description)"
	}
	if apiResp.ErrorCode == http.StatusTooManyRequests {
		return false, time.Duration(apiResp.Parameters.RetryAfter) * time.Second,
			errors.Errorf("bot api rate limit (%d): %s", apiResp.ErrorCode, msg)
	}
	if apiResp.ErrorCode >= 400 && apiResp.ErrorCode < 500 {
		return true, 0, errors.Errorf("bot api error %d: %s", apiResp.ErrorCode, msg)
	}
	return false, 0, errors.Errorf("bot api error %d: %s", apiResp.ErrorCode, msg)
}

// parseRetryAfterHeader парсит Retry-After: число секунд либо абсолютная дата.
func parseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(value); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

// parseRetryAfterBody извлекает parameters.retry_after из тела ответа.
func parseRetryAfterBody(body []byte) time.Duration {
	var payload struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	if payload.Parameters.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(payload.Parameters.RetryAfter) * time.Second
}
