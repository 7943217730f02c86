// registry.go — реестр состояний пользователей: подписки, комбинации,
// чёрные списки, наблюдаемые каналы, лимиты и счётчики статистики. Единственный владелец
// мутируемого состояния домена; остальные слои работают через его методы
// либо получают копии.

package subscriptions

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"telegram-keyword-bot/internal/infra/clock"
	"telegram-keyword-bot/internal/infra/logger"
)

// Stats — накопительные счётчики одного пользователя.
type Stats struct {
	Matches       int64     `json:"matches"`
	Notifications int64     `json:"notifications"`
	Deduplicated  int64     `json:"deduplicated"`
	Dropped       int64     `json:"dropped"`
	Forwards      int64     `json:"forwards"`
	LastMatchAt   time.Time `json:"last_match_at,omitempty"`
}

// TypeCounter — сколько событий данного типа контента совпало хотя бы с одной
// подпиской и сколько прошло мимо.
type TypeCounter struct {
	Matched   int64 `json:"matched"`
	Unmatched int64 `json:"unmatched"`
}

// UserState — агрегат одного пользователя. Подписки хранятся срезом в порядке
// создания: порядок вставки участвует в разрешении ничьих при сопоставлении.
// Мутируется только под мьютексом реестра.
type UserState struct {
	UserID       int64              `json:"user_id"`
	Subs         []*Subscription    `json:"subs"`
	Combos       []*Combination     `json:"combos,omitempty"`
	Blacklist    map[int64]struct{} `json:"blacklist,omitempty"`
	// Channels — наблюдаемые пользователем каналы: id -> название. События из
	// каналов сопоставляются только для наблюдающих пользователей.
	Channels     map[int64]string `json:"channels,omitempty"`
	NotifyQuota  int              `json:"notify_quota,omitempty"`  // 0 — без лимита
	ForwardQuota int              `json:"forward_quota,omitempty"` // 0 — без лимита
	Stats        Stats            `json:"stats"`
}

// findSub возвращает подписку по ключевому слову (точное совпадение).
func (u *UserState) findSub(keyword string) (*Subscription, bool) {
	for _, s := range u.Subs {
		if s.Keyword == keyword {
			return s, true
		}
	}
	return nil, false
}

// MaxPriority возвращает максимальный приоритет среди включённых подписок
// пользователя и признак наличия хотя бы одной такой подписки.
func (u *UserState) MaxPriority() (int, bool) {
	best, found := 0, false
	for _, s := range u.Subs {
		if !s.Enabled {
			continue
		}
		if !found || s.Priority > best {
			best = s.Priority
		}
		found = true
	}
	return best, found
}

// Registry — потокобезопасный реестр пользовательских агрегатов. Создание
// агрегата ленивое: первый доступ по id заводит пустое состояние.
type Registry struct {
	mu      sync.RWMutex
	users   map[int64]*UserState
	order   []int64 // порядок появления пользователей
	byType  map[string]*TypeCounter
	maxSubs int
	now     clock.Func
}

// NewRegistry создаёт пустой реестр. maxSubs ограничивает число подписок на
// пользователя, nowFn позволяет подменять часы в тестах.
func NewRegistry(maxSubs int, nowFn clock.Func) *Registry {
	return &Registry{
		users:   make(map[int64]*UserState),
		byType:  make(map[string]*TypeCounter),
		maxSubs: maxSubs,
		now:     clock.OrNow(nowFn),
	}
}

// userLocked возвращает агрегат пользователя, создавая его при первом
// обращении. Вызывается только под mu.
func (r *Registry) userLocked(userID int64) *UserState {
	u, ok := r.users[userID]
	if !ok {
		u = &UserState{
			UserID:    userID,
			Blacklist: make(map[int64]struct{}),
			Channels:  make(map[int64]string),
		}
		r.users[userID] = u
		r.order = append(r.order, userID)
	}
	return u
}

// Subscribe создаёт подписку либо обновляет существующую с тем же ключевым
// словом (предикат перекомпилируется, политика доставки сохраняется).
// Возвращает подписку и признак того, что она создана, а не обновлена.
func (r *Registry) Subscribe(userID int64, keyword string, isRegex bool) (*Subscription, bool, error) {
	fresh, err := NewSubscription(keyword, isRegex)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.userLocked(userID)
	if existing, ok := u.findSub(fresh.Keyword); ok {
		existing.Predicate = fresh.Predicate
		logger.Debugf("user %d: subscription %q updated", userID, fresh.Keyword)
		return existing, false, nil
	}
	if r.maxSubs > 0 && len(u.Subs) >= r.maxSubs {
		return nil, false, fmt.Errorf("subscription limit reached (%d)", r.maxSubs)
	}
	fresh.CreatedAt = r.now()
	u.Subs = append(u.Subs, fresh)
	logger.Infof("user %d: subscribed to %q (%s)", userID, fresh.Keyword, fresh.Predicate.Kind)
	return fresh, true, nil
}

// Unsubscribe удаляет подписку и вычищает её из всех комбинаций пользователя.
func (r *Registry) Unsubscribe(userID int64, keyword string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("no subscription %q", keyword)
	}
	for i, s := range u.Subs {
		if s.Keyword != keyword {
			continue
		}
		u.Subs = append(u.Subs[:i], u.Subs[i+1:]...)
		for _, c := range u.Combos {
			c.Members = removeString(c.Members, keyword)
		}
		logger.Infof("user %d: unsubscribed from %q", userID, keyword)
		return nil
	}
	return fmt.Errorf("no subscription %q", keyword)
}

// Mutate применяет fn к подписке под блокировкой и перевалидирует результат.
// Используется командами настройки (приоритет, шаблон, задержка и т.д.).
func (r *Registry) Mutate(userID int64, keyword string, fn func(*Subscription)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("no subscription %q", keyword)
	}
	s, ok := u.findSub(keyword)
	if !ok {
		return fmt.Errorf("no subscription %q", keyword)
	}
	backup := *s
	fn(s)
	if err := s.Validate(); err != nil {
		*s = backup
		return err
	}
	return nil
}

// Subscription возвращает копию подписки пользователя.
func (r *Registry) Subscription(userID int64, keyword string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return Subscription{}, false
	}
	s, ok := u.findSub(keyword)
	if !ok {
		return Subscription{}, false
	}
	return *s, true
}

// Subscriptions возвращает копии всех подписок пользователя в порядке создания.
func (r *Registry) Subscriptions(userID int64) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]Subscription, 0, len(u.Subs))
	for _, s := range u.Subs {
		out = append(out, *s)
	}
	return out
}

// AddCombination регистрирует комбинацию, проверяя существование всех членов.
// Повторное имя перезаписывает комбинацию.
func (r *Registry) AddCombination(userID int64, name string, op CombineOp, members []string) error {
	combo, err := NewCombination(name, op, members)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.userLocked(userID)
	for _, kw := range members {
		if _, ok := u.findSub(kw); !ok {
			return fmt.Errorf("combination member %q is not subscribed", kw)
		}
	}
	for i, c := range u.Combos {
		if c.Name == name {
			u.Combos[i] = combo
			return nil
		}
	}
	u.Combos = append(u.Combos, combo)
	return nil
}

// RemoveCombination удаляет комбинацию по имени.
func (r *Registry) RemoveCombination(userID int64, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("no combination %q", name)
	}
	for i, c := range u.Combos {
		if c.Name == name {
			u.Combos = append(u.Combos[:i], u.Combos[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no combination %q", name)
}

// Combinations возвращает копии комбинаций пользователя.
func (r *Registry) Combinations(userID int64) []Combination {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]Combination, 0, len(u.Combos))
	for _, c := range u.Combos {
		cp := *c
		cp.Members = append([]string(nil), c.Members...)
		out = append(out, cp)
	}
	return out
}

// SetBlacklisted включает или выключает источник (чат либо отправителя) в
// чёрном списке пользователя. Сообщения из заблокированных источников не
// сопоставляются с его подписками.
func (r *Registry) SetBlacklisted(userID, sourceID int64, blocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.userLocked(userID)
	if blocked {
		u.Blacklist[sourceID] = struct{}{}
	} else {
		delete(u.Blacklist, sourceID)
	}
}

// Blacklist возвращает отсортированный чёрный список пользователя.
func (r *Registry) Blacklist(userID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(u.Blacklist))
	for id := range u.Blacklist {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetQuotas устанавливает суточные лимиты уведомлений и пересылок (0 — снять).
func (r *Registry) SetQuotas(userID int64, notify, forward int) error {
	if notify < 0 || forward < 0 {
		return fmt.Errorf("quota must be non-negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.userLocked(userID)
	u.NotifyQuota = notify
	u.ForwardQuota = forward
	return nil
}

// Quotas возвращает текущие лимиты пользователя.
func (r *Registry) Quotas(userID int64) (notify, forward int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if u, ok := r.users[userID]; ok {
		return u.NotifyQuota, u.ForwardQuota
	}
	return 0, 0
}

// AddChannel добавляет канал в список наблюдаемых пользователем. События из
// каналов сопоставляются с подписками только тех пользователей, которые
// наблюдают канал-источник.
func (r *Registry) AddChannel(userID, chatID int64, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userLocked(userID).Channels[chatID] = title
	logger.Infof("user %d: monitored channel added: %d (%s)", userID, chatID, title)
}

// RemoveChannel убирает канал из наблюдения пользователя.
func (r *Registry) RemoveChannel(userID, chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := u.Channels[chatID]; !ok {
		return false
	}
	delete(u.Channels, chatID)
	return true
}

// Channels возвращает копию списка наблюдаемых каналов пользователя.
func (r *Registry) Channels(userID int64) map[int64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make(map[int64]string, len(u.Channels))
	for id, title := range u.Channels {
		out[id] = title
	}
	return out
}

// ChannelMonitored сообщает, наблюдает ли пользователь канал.
func (r *Registry) ChannelMonitored(userID, chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return false
	}
	_, ok = u.Channels[chatID]
	return ok
}

// AllChannels возвращает объединение наблюдаемых каналов всех пользователей.
// Используется операторской консолью для обзора источников.
func (r *Registry) AllChannels() map[int64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]string)
	for _, id := range r.order {
		for chatID, title := range r.users[id].Channels {
			out[chatID] = title
		}
	}
	return out
}

// BumpStats атомарно изменяет счётчики пользователя.
func (r *Registry) BumpStats(userID int64, fn func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.userLocked(userID).Stats)
}

// BumpType учитывает событие в счётчиках типов контента.
func (r *Registry) BumpType(kind string, matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byType[kind]
	if !ok {
		c = &TypeCounter{}
		r.byType[kind] = c
	}
	if matched {
		c.Matched++
	} else {
		c.Unmatched++
	}
}

// TypeStats возвращает копию счётчиков типов контента.
func (r *Registry) TypeStats() map[string]TypeCounter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]TypeCounter, len(r.byType))
	for kind, c := range r.byType {
		out[kind] = *c
	}
	return out
}

// UserStats возвращает копию счётчиков пользователя.
func (r *Registry) UserStats(userID int64) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[userID]; ok {
		return u.Stats
	}
	return Stats{}
}

// snapshot — сериализуемый слепок реестра для персистентности и экспорта.
type snapshot struct {
	Users []*UserState `json:"users"`
}

// MarshalSnapshot сериализует реестр в JSON. Порядок пользователей — порядок
// их появления, поэтому слепок стабилен между вызовами.
func (r *Registry) MarshalSnapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var snap snapshot
	for _, id := range r.order {
		snap.Users = append(snap.Users, r.users[id])
	}
	return json.MarshalIndent(snap, "", "  ")
}

// RestoreSnapshot загружает слепок, заменяя текущее содержимое реестра.
// Подписки с некомпилируемыми предикатами пропускаются с предупреждением.
func (r *Registry) RestoreSnapshot(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal registry snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.users = make(map[int64]*UserState, len(snap.Users))
	r.order = r.order[:0]
	for _, u := range snap.Users {
		if u.Blacklist == nil {
			u.Blacklist = make(map[int64]struct{})
		}
		if u.Channels == nil {
			u.Channels = make(map[int64]string)
		}
		kept := u.Subs[:0]
		for _, s := range u.Subs {
			if err := s.Validate(); err != nil {
				logger.Errorf("user %d: dropping subscription %q: %v", u.UserID, s.Keyword, err)
				continue
			}
			kept = append(kept, s)
		}
		u.Subs = kept
		r.users[u.UserID] = u
		r.order = append(r.order, u.UserID)
	}
	logger.Infof("registry restored: %d users", len(r.users))
	return nil
}

// ExportUser сериализует подписки и комбинации одного пользователя.
func (r *Registry) ExportUser(userID int64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok || len(u.Subs) == 0 {
		return nil, fmt.Errorf("nothing to export")
	}
	return json.MarshalIndent(struct {
		Subs   []*Subscription `json:"subs"`
		Combos []*Combination  `json:"combos,omitempty"`
	}{u.Subs, u.Combos}, "", "  ")
}

// ImportUser загружает подписки пользователя из экспорта. Существующие
// подписки с теми же ключами перезаписываются, лимит подписок соблюдается.
// Возвращает число принятых подписок.
func (r *Registry) ImportUser(userID int64, data []byte) (int, error) {
	var payload struct {
		Subs   []*Subscription `json:"subs"`
		Combos []*Combination  `json:"combos,omitempty"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("failed to unmarshal import payload: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.userLocked(userID)
	accepted := 0
	for _, s := range payload.Subs {
		if err := s.Validate(); err != nil {
			logger.Warnf("user %d: import skips %q: %v", userID, s.Keyword, err)
			continue
		}
		if existing, ok := u.findSub(s.Keyword); ok {
			*existing = *s
			accepted++
			continue
		}
		if r.maxSubs > 0 && len(u.Subs) >= r.maxSubs {
			logger.Warnf("user %d: import stopped at subscription limit (%d)", userID, r.maxSubs)
			break
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = r.now()
		}
		u.Subs = append(u.Subs, s)
		accepted++
	}
	for _, c := range payload.Combos {
		valid := true
		for _, kw := range c.Members {
			if _, ok := u.findSub(kw); !ok {
				valid = false
				break
			}
		}
		if valid {
			u.Combos = append(u.Combos, c)
		}
	}
	return accepted, nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
