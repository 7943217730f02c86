// subscription.go — подписка пользователя: предикат плюс политика доставки
// (приоритет, шаблон, агрегация, задержка, пересылка, теги). Здесь же —
// комбинации подписок (AND/OR) для составных правил.

package subscriptions

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Пределы политики доставки. Диапазоны унаследованы от командного интерфейса:
// приоритет задаётся одной цифрой, интервал агрегации — от минуты до часа.
const (
	MinPriority         = 0
	MaxPriority         = 9
	MinAggregateSec     = 60
	MaxAggregateSec     = 3600
	DefaultAggregateSec = 300
)

// FormatOptions — оформление совпавшего текста перед подстановкой в шаблон.
type FormatOptions struct {
	Bold   bool `json:"bold,omitempty"`
	Italic bool `json:"italic,omitempty"`
	Code   bool `json:"code,omitempty"`
}

// Apply оборачивает текст в markdown-разметку согласно опциям.
func (f FormatOptions) Apply(text string) string {
	if f.Bold {
		text = "*" + text + "*"
	}
	if f.Italic {
		text = "_" + text + "_"
	}
	if f.Code {
		text = "`" + text + "`"
	}
	return text
}

// Subscription — именованное правило одного пользователя. Ключевое слово
// (Keyword) уникально в пределах владельца и совпадает с Predicate.Pattern.
//
// Жизненный цикл: создаётся командой подписки (с учётом лимита на количество),
// мутируется командами настройки, удаляется по запросу или вместе с
// владельцем. Мутации выполняются только под блокировкой пользовательского
// агрегата (см. registry.go).
type Subscription struct {
	Keyword   string    `json:"keyword"`
	Predicate Predicate `json:"predicate"`

	Priority     int           `json:"priority"`
	Enabled      bool          `json:"enabled"`
	Template     string        `json:"template,omitempty"`
	Aggregate    bool          `json:"aggregate"`
	AggregateSec int           `json:"aggregate_sec"`
	DelaySec     int           `json:"delay_sec"`
	Tags         []string      `json:"tags,omitempty"`
	Note         string        `json:"note,omitempty"`
	ForwardTo    []int64       `json:"forward_to,omitempty"`
	Format       FormatOptions `json:"format,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NewSubscription создаёт подписку с предикатом по ключу/паттерну и проверяет
// его компилируемость. Политика доставки получает значения по умолчанию.
func NewSubscription(keyword string, isRegex bool) (*Subscription, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.New("keyword cannot be empty")
	}

	kind := KindKeyword
	if isRegex {
		kind = KindRegex
	}

	sub := &Subscription{
		Keyword: keyword,
		Predicate: Predicate{
			Kind:    kind,
			Pattern: keyword,
		},
		Enabled:      true,
		AggregateSec: DefaultAggregateSec,
	}
	if err := sub.Predicate.Compile(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Validate перепроверяет согласованность политики доставки и предиката.
// Вызывается после мутации и после загрузки из хранилища.
func (s *Subscription) Validate() error {
	if strings.TrimSpace(s.Keyword) == "" {
		return errors.New("keyword cannot be empty")
	}
	if s.Priority < MinPriority || s.Priority > MaxPriority {
		return fmt.Errorf("priority %d out of range [%d..%d]", s.Priority, MinPriority, MaxPriority)
	}
	if s.DelaySec < 0 {
		return fmt.Errorf("delay %d must be non-negative", s.DelaySec)
	}
	if s.Aggregate && (s.AggregateSec < MinAggregateSec || s.AggregateSec > MaxAggregateSec) {
		return fmt.Errorf("aggregate interval %d out of range [%d..%d]",
			s.AggregateSec, MinAggregateSec, MaxAggregateSec)
	}
	return s.Predicate.Compile()
}

// Match проверяет событие предикатом подписки. Выключенные подписки не
// сопоставляются на уровне движка, здесь это не проверяется.
func (s *Subscription) Match(ev MessageEvent, now time.Time) bool {
	return s.Predicate.Match(ev, now)
}

// CombineOp — оператор комбинации подписок.
type CombineOp string

const (
	OpAnd CombineOp = "AND"
	OpOr  CombineOp = "OR"
)

// Combination — именованная булева композиция подписок одного пользователя.
// Члены хранятся по ключевым словам (ссылки, не копии): изменение предиката
// подписки сразу отражается на комбинации. Разрешение ссылок выполняется в
// момент вычисления по живому набору подписок владельца.
type Combination struct {
	Name    string    `json:"name"`
	Op      CombineOp `json:"op"`
	Members []string  `json:"members"`
}

// NewCombination валидирует оператор и список членов. Существование членов
// проверяет вызывающая сторона (реестр), здесь — только форма.
func NewCombination(name string, op CombineOp, members []string) (*Combination, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("combination name cannot be empty")
	}
	if op != OpAnd && op != OpOr {
		return nil, fmt.Errorf("operator must be AND or OR, got %q", op)
	}
	if len(members) == 0 {
		return nil, errors.New("combination requires at least one member")
	}
	return &Combination{Name: name, Op: op, Members: members}, nil
}

// Match вычисляет комбинацию над живым набором подписок resolve.
// AND завершается на первом false, OR — на первом true. Отсутствующий член
// (подписка удалена после создания комбинации) трактуется как false.
func (c *Combination) Match(ev MessageEvent, now time.Time, resolve func(keyword string) (*Subscription, bool)) bool {
	switch c.Op {
	case OpAnd:
		for _, kw := range c.Members {
			sub, ok := resolve(kw)
			if !ok || !sub.Match(ev, now) {
				return false
			}
		}
		return true
	default: // OpOr
		for _, kw := range c.Members {
			if sub, ok := resolve(kw); ok && sub.Match(ev, now) {
				return true
			}
		}
		return false
	}
}
