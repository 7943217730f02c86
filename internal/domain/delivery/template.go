// template.go — шаблоны уведомлений. Подстановки вида {field} проверяются
// в момент установки шаблона: неизвестное поле отклоняется сразу, чтобы
// сломанный шаблон не молчал до первой доставки.

package delivery

import (
	"fmt"
	"regexp"
	"strings"

	"telegram-keyword-bot/internal/domain/subscriptions"
)

// DefaultTemplate — общепроцессный шаблон, используемый подписками без
// собственного. Переопределяется конфигурацией приложения.
const DefaultTemplate = "🔔 {keyword} matched in {chat_title}\n" +
	"From: {sender_name} (@{sender_username})\n" +
	"Source: {source}"

// placeholderRe вылавливает все подстановки из текста шаблона.
var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// templateFields перечисляет распознаваемые поля.
var templateFields = map[string]struct{}{
	"keyword":         {},
	"text":            {},
	"chat_title":      {},
	"sender_id":       {},
	"sender_name":     {},
	"sender_username": {},
	"source":          {},
	"time":            {},
}

// ValidateTemplate проверяет шаблон пробной подстановкой представительного
// набора полей. Возвращает ошибку с именем первого неизвестного поля.
func ValidateTemplate(tpl string) error {
	if strings.TrimSpace(tpl) == "" {
		return fmt.Errorf("template cannot be empty")
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
		if _, ok := templateFields[m[1]]; !ok {
			return fmt.Errorf("unknown template field %q", m[1])
		}
	}
	return nil
}

// RenderTemplate подставляет поля события в шаблон. Неэкранированные фигурные
// скобки без распознанного поля остаются как есть (валидация их не пропустит
// в сохранённые шаблоны, но защищаться от них при рендере не нужно).
func RenderTemplate(tpl, keyword string, ev subscriptions.MessageEvent) string {
	replacer := strings.NewReplacer(
		"{keyword}", keyword,
		"{text}", ev.Text,
		"{chat_title}", ev.ChatTitle,
		"{sender_id}", fmt.Sprintf("%d", ev.SenderID),
		"{sender_name}", ev.SenderName,
		"{sender_username}", ev.SenderUsername,
		"{source}", ev.SourceLabel(),
		"{time}", ev.Timestamp.Format("2006-01-02 15:04:05"),
	)
	return replacer.Replace(tpl)
}
