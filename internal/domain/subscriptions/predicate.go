// predicate.go — единичное проверяемое условие над сообщением: ключевое слово
// или регулярное выражение плюс набор опциональных ограничений. Все заданные
// ограничения объединяются логическим И; незаданное ограничение пропускается.
//
// Инвариант: регулярное выражение обязано компилироваться в момент создания
// или изменения паттерна. Ошибка компиляции отклоняет предикат целиком —
// деградации до буквального поиска не происходит.

package subscriptions

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"telegram-keyword-bot/internal/infra/timeutil"
)

// MatchKind — способ проверки ключа: буквальная подстрока или регулярное выражение.
type MatchKind string

const (
	KindKeyword MatchKind = "keyword"
	KindRegex   MatchKind = "regex"
)

// Predicate описывает условие срабатывания подписки. Сериализуется в JSON как
// есть; скомпилированный паттерн кешируется в приватном поле и восстанавливается
// через Compile после загрузки из хранилища.
//
// Указательные поля отличают «не задано» от нулевого значения: nil-ограничение
// считается выполненным.
type Predicate struct {
	Kind    MatchKind `json:"kind"`
	Pattern string    `json:"pattern"`

	MessageTypes []string `json:"message_types,omitempty"`
	SenderRoles  []string `json:"sender_roles,omitempty"`
	TimeWindow   string   `json:"time_window,omitempty"` // "HH:MM-HH:MM"
	ChatIDs      []int64  `json:"chat_ids,omitempty"`
	MinLength    *int     `json:"min_length,omitempty"`
	MaxLength    *int     `json:"max_length,omitempty"`
	ExcludeTerms []string `json:"exclude_terms,omitempty"`

	AllowForwarded    *bool `json:"allow_forwarded,omitempty"`
	CheckMediaCaption *bool `json:"check_media_caption,omitempty"`

	re        *regexp.Regexp            // скомпилированный паттерн для KindRegex
	window    *timeutil.DayWindow       // разобранное суточное окно
	types     map[ContentKind]struct{}  // множество типов контента
	roles     map[SenderRole]struct{}   // множество классов отправителей
	chatAllow map[int64]struct{}        // allow-set чатов
}

// Compile валидирует предикат и кеширует производные структуры. Обязателен
// после каждого изменения полей и после десериализации. Возвращает первую
// найденную ошибку валидации.
func (p *Predicate) Compile() error {
	if strings.TrimSpace(p.Pattern) == "" {
		return errors.New("pattern cannot be empty")
	}

	switch p.Kind {
	case KindKeyword:
		p.re = nil
	case KindRegex:
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", p.Pattern, err)
		}
		p.re = re
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}

	if p.MinLength != nil && *p.MinLength < 0 {
		return fmt.Errorf("min_length %d must be non-negative", *p.MinLength)
	}
	if p.MaxLength != nil && *p.MaxLength < 0 {
		return fmt.Errorf("max_length %d must be non-negative", *p.MaxLength)
	}
	if p.MinLength != nil && p.MaxLength != nil && *p.MinLength > *p.MaxLength {
		return fmt.Errorf("min_length %d exceeds max_length %d", *p.MinLength, *p.MaxLength)
	}

	p.window = nil
	if p.TimeWindow != "" {
		win, err := timeutil.ParseDayWindow(p.TimeWindow)
		if err != nil {
			return fmt.Errorf("invalid time window: %w", err)
		}
		p.window = &win
	}

	p.types = nil
	if len(p.MessageTypes) > 0 {
		p.types = make(map[ContentKind]struct{}, len(p.MessageTypes))
		for _, name := range p.MessageTypes {
			kind, ok := ParseContentKind(name)
			if !ok {
				return fmt.Errorf("unknown message type %q", name)
			}
			p.types[kind] = struct{}{}
		}
	}

	p.roles = nil
	if len(p.SenderRoles) > 0 {
		p.roles = make(map[SenderRole]struct{}, len(p.SenderRoles))
		for _, name := range p.SenderRoles {
			role, ok := ParseSenderRole(name)
			if !ok {
				return fmt.Errorf("unknown sender role %q", name)
			}
			p.roles[role] = struct{}{}
		}
	}

	p.chatAllow = nil
	if len(p.ChatIDs) > 0 {
		p.chatAllow = make(map[int64]struct{}, len(p.ChatIDs))
		for _, id := range p.ChatIDs {
			p.chatAllow[id] = struct{}{}
		}
	}

	return nil
}

// Match проверяет событие по конвейеру условий. Порядок проверок выбран по
// стоимости: сначала ключ, затем дешёвые множества, в конце — проход по
// исключающим словам. Любая непройденная проверка завершает работу.
// now — текущее время для суточного окна (подставляется часами движка).
func (p *Predicate) Match(ev MessageEvent, now time.Time) bool {
	// 1) Ключ: подстрока либо регулярное выражение.
	switch p.Kind {
	case KindRegex:
		if p.re == nil || !p.re.MatchString(ev.Text) {
			return false
		}
	default:
		if !strings.Contains(ev.Text, p.Pattern) {
			return false
		}
	}

	// 2) Тип контента.
	if p.types != nil {
		if _, ok := p.types[ev.Content]; !ok {
			return false
		}
	}

	// 3) Класс отправителя.
	if p.roles != nil {
		if _, ok := p.roles[ev.SenderRole]; !ok {
			return false
		}
	}

	// 4) Суточное окно, включительно с обеих сторон.
	if p.window != nil && !p.window.Contains(now) {
		return false
	}

	// 5) Allow-set чатов.
	if p.chatAllow != nil {
		if _, ok := p.chatAllow[ev.ChatID]; !ok {
			return false
		}
	}

	// 6) Границы длины текста.
	length := len([]rune(ev.Text))
	if p.MinLength != nil && length < *p.MinLength {
		return false
	}
	if p.MaxLength != nil && length > *p.MaxLength {
		return false
	}

	// 7) Исключающие слова: любое вхождение отклоняет.
	for _, term := range p.ExcludeTerms {
		if term != "" && strings.Contains(ev.Text, term) {
			return false
		}
	}

	// 8) Пересланные сообщения.
	if p.AllowForwarded != nil && !*p.AllowForwarded && ev.Forwarded {
		return false
	}

	// 9) Сообщения, текст которых взят только из подписи медиа.
	if p.CheckMediaCaption != nil && !*p.CheckMediaCaption && ev.CaptionOnly {
		return false
	}

	return true
}
