// middleware.go — цепочка обёрток вокруг исполнителя команд: восстановление
// после паники, ограничение частоты, проверка прав администратора. Порядок
// фиксирован: сначала лимит частоты, затем права, чтобы перебор админских
// команд не обходил троттлинг.

package commands

import (
	"context"
	"fmt"
	"time"

	"telegram-keyword-bot/internal/domain/delivery"
	"telegram-keyword-bot/internal/infra/logger"
)

// Request — разобранная команда одного пользователя.
type Request struct {
	UserID  int64
	Command string
	Args    []string
	Raw     string // исходный текст после имени команды
}

// Handler обрабатывает запрос и возвращает текст ответа.
type Handler func(ctx context.Context, req Request) (string, error)

// Middleware оборачивает обработчик.
type Middleware func(Handler) Handler

// Chain применяет обёртки к обработчику в порядке перечисления: первая в
// списке оказывается внешней.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Recover изолирует панику обработчика: пользователь получает нейтральный
// ответ, конвейер и остальные команды продолжают работать.
func Recover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (reply string, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("command %q from %d panicked: %v", req.Command, req.UserID, rec)
					reply = "Internal error, please try again later."
					err = nil
				}
			}()
			return next(ctx, req)
		}
	}
}

// RateLimit отклоняет команды сверх скользящего окна пользователя.
func RateLimit(limiter *delivery.SlidingLimiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (string, error) {
			if !limiter.Allow(req.UserID) {
				wait := limiter.RetryAfter(req.UserID)
				return fmt.Sprintf("Too many commands, retry in %s.", wait.Round(time.Second)), nil
			}
			return next(ctx, req)
		}
	}
}

// AdminGate пропускает команды из списка adminOnly только администратору.
func AdminGate(adminUID int64, adminOnly map[string]bool) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (string, error) {
			if adminOnly[req.Command] && req.UserID != adminUID {
				logger.Warnf("user %d denied admin command %q", req.UserID, req.Command)
				return "This command is restricted to the administrator.", nil
			}
			return next(ctx, req)
		}
	}
}
