// executor.go — исполнитель пользовательских команд. Разбирает текст вида
// "/command args", находит обработчик в таблице и отвечает текстом. Все
// мутации состояния идут через реестр; после успешной мутации вызывается
// хук персистентности.

package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"telegram-keyword-bot/internal/domain/delivery"
	"telegram-keyword-bot/internal/domain/subscriptions"
	"telegram-keyword-bot/internal/infra/logger"
)

// QuotaReader — срез конвейера, нужный командам: расход квот.
type QuotaReader interface {
	NotifyQuotaUsed(userID int64) (int, time.Time)
	ForwardQuotaUsed(userID int64) (int, time.Time)
}

// ExecutorOptions — зависимости исполнителя.
type ExecutorOptions struct {
	Registry *subscriptions.Registry
	Quotas   QuotaReader
	Limiter  *delivery.SlidingLimiter
	AdminUID int64
	// DefaultAggregateSec — интервал агрегации, когда /aggregate вызван без
	// явного значения. Ноль подставляет доменный интервал по умолчанию.
	DefaultAggregateSec int
	// Persist вызывается после команд, меняющих реестр. Может быть nil.
	Persist func() error
	// Export сохраняет сериализованный набор подписок пользователя и
	// возвращает путь к файлу. Может быть nil (экспорт отключён).
	Export func(userID int64, data []byte) (string, error)
}

type commandSpec struct {
	handler Handler
	usage   string
	help    string
	admin   bool
	mutates bool
}

// Executor маршрутизирует команды по таблице, оборачивая вызовы цепочкой
// middleware (recover → rate limit → admin gate).
type Executor struct {
	reg        *subscriptions.Registry
	quotas     QuotaReader
	persist    func() error
	export     func(int64, []byte) (string, error)
	aggDefault int

	table   map[string]commandSpec
	wrapped Handler
}

// NewExecutor строит таблицу команд и цепочку middleware.
func NewExecutor(opts ExecutorOptions) *Executor {
	e := &Executor{
		reg:        opts.Registry,
		quotas:     opts.Quotas,
		persist:    opts.Persist,
		export:     opts.Export,
		aggDefault: opts.DefaultAggregateSec,
	}
	if e.aggDefault <= 0 {
		e.aggDefault = subscriptions.DefaultAggregateSec
	}
	e.buildTable()

	adminOnly := make(map[string]bool, len(e.table))
	for name, spec := range e.table {
		if spec.admin {
			adminOnly[name] = true
		}
	}
	e.wrapped = Chain(e.dispatch,
		Recover(),
		RateLimit(opts.Limiter),
		AdminGate(opts.AdminUID, adminOnly),
	)
	return e
}

// Handle разбирает текст команды и выполняет её. Не-команды (без ведущего
// слеша) игнорируются с пустым ответом.
func (e *Executor) Handle(ctx context.Context, userID int64, text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	fields := strings.Fields(text)
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Ботовый суффикс "/cmd@botname" отбрасывается.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	raw := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	req := Request{UserID: userID, Command: cmd, Args: fields[1:], Raw: raw}
	reply, err := e.wrapped(ctx, req)
	if err != nil {
		logger.Warnf("command /%s from %d failed: %v", cmd, userID, err)
		return fmt.Sprintf("Error: %v", err)
	}
	return reply
}

// dispatch — конечный обработчик цепочки: поиск по таблице и персистентность.
func (e *Executor) dispatch(ctx context.Context, req Request) (string, error) {
	spec, ok := e.table[req.Command]
	if !ok {
		return fmt.Sprintf("Unknown command /%s, see /help.", req.Command), nil
	}
	reply, err := spec.handler(ctx, req)
	if err != nil {
		return "", err
	}
	if spec.mutates && e.persist != nil {
		if perr := e.persist(); perr != nil {
			logger.Errorf("persist after /%s failed: %v", req.Command, perr)
		}
	}
	return reply, nil
}

func (e *Executor) buildTable() {
	e.table = map[string]commandSpec{
		"subscribe": {
			handler: e.cmdSubscribe, mutates: true,
			usage: "/subscribe <keyword> [re]",
			help:  "subscribe to a keyword, add `re` for a regular expression",
		},
		"unsubscribe": {
			handler: e.cmdUnsubscribe, mutates: true,
			usage: "/unsubscribe <keyword>",
			help:  "remove a subscription",
		},
		"list": {
			handler: e.cmdList,
			usage:   "/list",
			help:    "list your subscriptions",
		},
		"toggle": {
			handler: e.cmdToggle, mutates: true,
			usage: "/toggle <keyword>",
			help:  "enable or disable a subscription",
		},
		"template": {
			handler: e.cmdTemplate, mutates: true,
			usage: "/template <keyword> <text with {fields}>",
			help:  "set the notification template (empty to reset)",
		},
		"priority": {
			handler: e.cmdPriority, mutates: true,
			usage: "/priority <keyword> <0-9>",
			help:  "set match priority",
		},
		"delay": {
			handler: e.cmdDelay, mutates: true,
			usage: "/delay <keyword> <seconds>",
			help:  "delay notifications, 0 delivers immediately",
		},
		"aggregate": {
			handler: e.cmdAggregate, mutates: true,
			usage: "/aggregate <keyword> on|off [interval_sec]",
			help:  "batch matches into one summary notification",
		},
		"tags": {
			handler: e.cmdTags, mutates: true,
			usage: "/tags <keyword> <tag1,tag2,...>",
			help:  "label a subscription (empty to clear)",
		},
		"note": {
			handler: e.cmdNote, mutates: true,
			usage: "/note <keyword> <text>",
			help:  "attach a note to a subscription",
		},
		"forward": {
			handler: e.cmdForward, mutates: true,
			usage: "/forward <keyword> <user_id,...>",
			help:  "forward matched messages to other users (empty to clear)",
		},
		"format": {
			handler: e.cmdFormat, mutates: true,
			usage: "/format <keyword> [bold] [italic] [code]",
			help:  "style the keyword in notifications, no flags resets",
		},
		"combine": {
			handler: e.cmdCombine, mutates: true,
			usage: "/combine <name> AND|OR <kw1> <kw2> ...",
			help:  "create a combination over your subscriptions",
		},
		"uncombine": {
			handler: e.cmdUncombine, mutates: true,
			usage: "/uncombine <name>",
			help:  "remove a combination",
		},
		"combos": {
			handler: e.cmdCombos,
			usage:   "/combos",
			help:    "list your combinations",
		},
		"blacklist": {
			handler: e.cmdBlacklist, mutates: true,
			usage: "/blacklist add|remove|list [id]",
			help:  "mute a chat or sender",
		},
		"channels": {
			handler: e.cmdChannels, mutates: true,
			usage: "/channels add|remove|list [id] [title]",
			help:  "manage your monitored channels",
		},
		"setquota": {
			handler: e.cmdSetQuota, admin: true, mutates: true,
			usage: "/setquota <user_id> <notify_per_day> <forwards_per_day>",
			help:  "set daily limits, 0 removes the limit",
		},
		"quota": {
			handler: e.cmdQuota,
			usage:   "/quota",
			help:    "show your daily usage",
		},
		"stats": {
			handler: e.cmdStats,
			usage:   "/stats",
			help:    "show your match statistics",
		},
		"export": {
			handler: e.cmdExport,
			usage:   "/export",
			help:    "export your subscriptions as JSON",
		},
		"import": {
			handler: e.cmdImport, mutates: true,
			usage: "/import <json>",
			help:  "import subscriptions from an export",
		},
		"help": {
			handler: e.cmdHelp,
			usage:   "/help",
			help:    "this message",
		},
	}
}

func (e *Executor) cmdSubscribe(_ context.Context, req Request) (string, error) {
	if len(req.Args) == 0 {
		return e.usage("subscribe"), nil
	}
	keyword := req.Args[0]
	isRegex := len(req.Args) > 1 && strings.EqualFold(req.Args[1], "re")
	sub, created, err := e.reg.Subscribe(req.UserID, keyword, isRegex)
	if err != nil {
		return "", err
	}
	if !created {
		return fmt.Sprintf("Subscription %q updated.", sub.Keyword), nil
	}
	return fmt.Sprintf("Subscribed to %q (%s).", sub.Keyword, sub.Predicate.Kind), nil
}

func (e *Executor) cmdUnsubscribe(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 1 {
		return e.usage("unsubscribe"), nil
	}
	if err := e.reg.Unsubscribe(req.UserID, req.Args[0]); err != nil {
		return "", err
	}
	return fmt.Sprintf("Unsubscribed from %q.", req.Args[0]), nil
}

func (e *Executor) cmdList(_ context.Context, req Request) (string, error) {
	subs := e.reg.Subscriptions(req.UserID)
	if len(subs) == 0 {
		return "No subscriptions yet, start with /subscribe.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Subscriptions (%d):", len(subs))
	for _, s := range subs {
		state := "on"
		if !s.Enabled {
			state = "off"
		}
		fmt.Fprintf(&b, "\n• %q [%s] prio=%d %s", s.Keyword, s.Predicate.Kind, s.Priority, state)
		if s.Aggregate {
			fmt.Fprintf(&b, " agg=%ds", s.AggregateSec)
		}
		if s.DelaySec > 0 {
			fmt.Fprintf(&b, " delay=%ds", s.DelaySec)
		}
		if len(s.Tags) > 0 {
			fmt.Fprintf(&b, " tags=%s", strings.Join(s.Tags, ","))
		}
		if s.Note != "" {
			fmt.Fprintf(&b, " (%s)", s.Note)
		}
	}
	return b.String(), nil
}

func (e *Executor) cmdToggle(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 1 {
		return e.usage("toggle"), nil
	}
	var enabled bool
	err := e.reg.Mutate(req.UserID, req.Args[0], func(s *subscriptions.Subscription) {
		s.Enabled = !s.Enabled
		enabled = s.Enabled
	})
	if err != nil {
		return "", err
	}
	if enabled {
		return fmt.Sprintf("Subscription %q enabled.", req.Args[0]), nil
	}
	return fmt.Sprintf("Subscription %q disabled.", req.Args[0]), nil
}

func (e *Executor) cmdTemplate(_ context.Context, req Request) (string, error) {
	if len(req.Args) == 0 {
		return e.usage("template"), nil
	}
	keyword := req.Args[0]
	tpl := strings.TrimSpace(strings.TrimPrefix(req.Raw, keyword))
	if tpl != "" {
		// Валидация на момент установки: битый шаблон не доживает до доставки.
		if err := delivery.ValidateTemplate(tpl); err != nil {
			return "", err
		}
	}
	err := e.reg.Mutate(req.UserID, keyword, func(s *subscriptions.Subscription) {
		s.Template = tpl
	})
	if err != nil {
		return "", err
	}
	if tpl == "" {
		return fmt.Sprintf("Template for %q reset to default.", keyword), nil
	}
	return fmt.Sprintf("Template for %q saved.", keyword), nil
}

func (e *Executor) cmdPriority(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 2 {
		return e.usage("priority"), nil
	}
	prio, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return "", fmt.Errorf("priority must be a number: %w", err)
	}
	err = e.reg.Mutate(req.UserID, req.Args[0], func(s *subscriptions.Subscription) {
		s.Priority = prio
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Priority of %q set to %d.", req.Args[0], prio), nil
}

func (e *Executor) cmdDelay(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 2 {
		return e.usage("delay"), nil
	}
	sec, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return "", fmt.Errorf("delay must be a number of seconds: %w", err)
	}
	err = e.reg.Mutate(req.UserID, req.Args[0], func(s *subscriptions.Subscription) {
		s.DelaySec = sec
	})
	if err != nil {
		return "", err
	}
	if sec == 0 {
		return fmt.Sprintf("Notifications for %q are delivered immediately.", req.Args[0]), nil
	}
	return fmt.Sprintf("Notifications for %q delayed by %ds.", req.Args[0], sec), nil
}

func (e *Executor) cmdAggregate(_ context.Context, req Request) (string, error) {
	if len(req.Args) < 2 {
		return e.usage("aggregate"), nil
	}
	keyword := req.Args[0]
	var on bool
	switch strings.ToLower(req.Args[1]) {
	case "on":
		on = true
	case "off":
	default:
		return e.usage("aggregate"), nil
	}
	interval := e.aggDefault
	if len(req.Args) > 2 {
		v, err := strconv.Atoi(req.Args[2])
		if err != nil {
			return "", fmt.Errorf("interval must be a number of seconds: %w", err)
		}
		interval = v
	}
	err := e.reg.Mutate(req.UserID, keyword, func(s *subscriptions.Subscription) {
		s.Aggregate = on
		if on {
			s.AggregateSec = interval
		}
	})
	if err != nil {
		return "", err
	}
	if on {
		return fmt.Sprintf("Aggregation for %q enabled, interval %ds.", keyword, interval), nil
	}
	return fmt.Sprintf("Aggregation for %q disabled.", keyword), nil
}

func (e *Executor) cmdTags(_ context.Context, req Request) (string, error) {
	if len(req.Args) == 0 {
		return e.usage("tags"), nil
	}
	keyword := req.Args[0]
	var tags []string
	if len(req.Args) > 1 {
		for _, t := range strings.Split(strings.Join(req.Args[1:], ","), ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	err := e.reg.Mutate(req.UserID, keyword, func(s *subscriptions.Subscription) {
		s.Tags = tags
	})
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return fmt.Sprintf("Tags for %q cleared.", keyword), nil
	}
	return fmt.Sprintf("Tags for %q: %s.", keyword, strings.Join(tags, ", ")), nil
}

func (e *Executor) cmdNote(_ context.Context, req Request) (string, error) {
	if len(req.Args) == 0 {
		return e.usage("note"), nil
	}
	keyword := req.Args[0]
	note := strings.TrimSpace(strings.TrimPrefix(req.Raw, keyword))
	err := e.reg.Mutate(req.UserID, keyword, func(s *subscriptions.Subscription) {
		s.Note = note
	})
	if err != nil {
		return "", err
	}
	if note == "" {
		return fmt.Sprintf("Note for %q cleared.", keyword), nil
	}
	return fmt.Sprintf("Note for %q saved.", keyword), nil
}

func (e *Executor) cmdForward(_ context.Context, req Request) (string, error) {
	if len(req.Args) == 0 {
		return e.usage("forward"), nil
	}
	keyword := req.Args[0]
	var targets []int64
	if len(req.Args) > 1 {
		for _, part := range strings.Split(strings.Join(req.Args[1:], ","), ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return "", fmt.Errorf("bad user id %q: %w", part, err)
			}
			targets = append(targets, id)
		}
	}
	err := e.reg.Mutate(req.UserID, keyword, func(s *subscriptions.Subscription) {
		s.ForwardTo = targets
	})
	if err != nil {
		return "", err
	}
	if len(targets) == 0 {
		return fmt.Sprintf("Forwarding for %q cleared.", keyword), nil
	}
	return fmt.Sprintf("Matches for %q will be forwarded to %d user(s).", keyword, len(targets)), nil
}

func (e *Executor) cmdFormat(_ context.Context, req Request) (string, error) {
	if len(req.Args) == 0 {
		return e.usage("format"), nil
	}
	keyword := req.Args[0]
	var opts subscriptions.FormatOptions
	for _, flag := range req.Args[1:] {
		switch strings.ToLower(flag) {
		case "bold":
			opts.Bold = true
		case "italic":
			opts.Italic = true
		case "code":
			opts.Code = true
		default:
			return "", fmt.Errorf("unknown format flag %q", flag)
		}
	}
	err := e.reg.Mutate(req.UserID, keyword, func(s *subscriptions.Subscription) {
		s.Format = opts
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Format for %q updated.", keyword), nil
}

func (e *Executor) cmdCombine(_ context.Context, req Request) (string, error) {
	if len(req.Args) < 3 {
		return e.usage("combine"), nil
	}
	name := req.Args[0]
	op := subscriptions.CombineOp(strings.ToUpper(req.Args[1]))
	if err := e.reg.AddCombination(req.UserID, name, op, req.Args[2:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("Combination %q (%s over %d members) saved.", name, op, len(req.Args)-2), nil
}

func (e *Executor) cmdUncombine(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 1 {
		return e.usage("uncombine"), nil
	}
	if err := e.reg.RemoveCombination(req.UserID, req.Args[0]); err != nil {
		return "", err
	}
	return fmt.Sprintf("Combination %q removed.", req.Args[0]), nil
}

func (e *Executor) cmdCombos(_ context.Context, req Request) (string, error) {
	combos := e.reg.Combinations(req.UserID)
	if len(combos) == 0 {
		return "No combinations yet, start with /combine.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Combinations (%d):", len(combos))
	for _, c := range combos {
		fmt.Fprintf(&b, "\n• %q: %s(%s)", c.Name, c.Op, strings.Join(c.Members, ", "))
	}
	return b.String(), nil
}

func (e *Executor) cmdBlacklist(_ context.Context, req Request) (string, error) {
	if len(req.Args) == 0 {
		return e.usage("blacklist"), nil
	}
	switch strings.ToLower(req.Args[0]) {
	case "list":
		ids := e.reg.Blacklist(req.UserID)
		if len(ids) == 0 {
			return "Blacklist is empty.", nil
		}
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return "Blacklist: " + strings.Join(parts, ", "), nil
	case "add", "remove":
		if len(req.Args) != 2 {
			return e.usage("blacklist"), nil
		}
		id, err := strconv.ParseInt(req.Args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad id %q: %w", req.Args[1], err)
		}
		add := strings.EqualFold(req.Args[0], "add")
		e.reg.SetBlacklisted(req.UserID, id, add)
		if add {
			return fmt.Sprintf("Source %d muted.", id), nil
		}
		return fmt.Sprintf("Source %d unmuted.", id), nil
	default:
		return e.usage("blacklist"), nil
	}
}

func (e *Executor) cmdChannels(_ context.Context, req Request) (string, error) {
	if len(req.Args) == 0 {
		return e.usage("channels"), nil
	}
	switch strings.ToLower(req.Args[0]) {
	case "list":
		channels := e.reg.Channels(req.UserID)
		if len(channels) == 0 {
			return "No monitored channels.", nil
		}
		ids := make([]int64, 0, len(channels))
		for id := range channels {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		var b strings.Builder
		b.WriteString("Monitored channels:")
		for _, id := range ids {
			fmt.Fprintf(&b, "\n• %d %s", id, channels[id])
		}
		return b.String(), nil
	case "add":
		if len(req.Args) < 2 {
			return e.usage("channels"), nil
		}
		id, err := strconv.ParseInt(req.Args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad channel id %q: %w", req.Args[1], err)
		}
		title := strings.Join(req.Args[2:], " ")
		e.reg.AddChannel(req.UserID, id, title)
		return fmt.Sprintf("Channel %d is now monitored.", id), nil
	case "remove":
		if len(req.Args) != 2 {
			return e.usage("channels"), nil
		}
		id, err := strconv.ParseInt(req.Args[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad channel id %q: %w", req.Args[1], err)
		}
		if !e.reg.RemoveChannel(req.UserID, id) {
			return fmt.Sprintf("Channel %d was not monitored.", id), nil
		}
		return fmt.Sprintf("Channel %d removed from monitoring.", id), nil
	default:
		return e.usage("channels"), nil
	}
}

func (e *Executor) cmdSetQuota(_ context.Context, req Request) (string, error) {
	if len(req.Args) != 3 {
		return e.usage("setquota"), nil
	}
	userID, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad user id %q: %w", req.Args[0], err)
	}
	notify, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return "", fmt.Errorf("bad notification limit: %w", err)
	}
	forward, err := strconv.Atoi(req.Args[2])
	if err != nil {
		return "", fmt.Errorf("bad forward limit: %w", err)
	}
	if err := e.reg.SetQuotas(userID, notify, forward); err != nil {
		return "", err
	}
	return fmt.Sprintf("Quotas for %d: %s notifications, %s forwards per day.",
		userID, limitLabel(notify), limitLabel(forward)), nil
}

func (e *Executor) cmdQuota(_ context.Context, req Request) (string, error) {
	notifyLimit, fwdLimit := e.reg.Quotas(req.UserID)
	notifyUsed, _ := e.quotas.NotifyQuotaUsed(req.UserID)
	fwdUsed, _ := e.quotas.ForwardQuotaUsed(req.UserID)
	return fmt.Sprintf("Daily usage: notifications %d/%s, forwards %d/%s.",
		notifyUsed, limitLabel(notifyLimit), fwdUsed, limitLabel(fwdLimit)), nil
}

func (e *Executor) cmdStats(_ context.Context, req Request) (string, error) {
	st := e.reg.UserStats(req.UserID)
	var b strings.Builder
	fmt.Fprintf(&b, "Matches: %d\nNotifications: %d\nForwards: %d\nSuppressed duplicates: %d\nDropped: %d",
		st.Matches, st.Notifications, st.Forwards, st.Deduplicated, st.Dropped)
	if !st.LastMatchAt.IsZero() {
		fmt.Fprintf(&b, "\nLast match: %s", st.LastMatchAt.Format("2006-01-02 15:04:05"))
	}
	return b.String(), nil
}

func (e *Executor) cmdExport(_ context.Context, req Request) (string, error) {
	data, err := e.reg.ExportUser(req.UserID)
	if err != nil {
		return "", err
	}
	if e.export == nil {
		return string(data), nil
	}
	path, err := e.export(req.UserID, data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Exported to %s.", path), nil
}

func (e *Executor) cmdImport(_ context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Raw) == "" {
		return e.usage("import"), nil
	}
	accepted, err := e.reg.ImportUser(req.UserID, []byte(req.Raw))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Imported %d subscription(s).", accepted), nil
}

func (e *Executor) cmdHelp(_ context.Context, _ Request) (string, error) {
	names := make([]string, 0, len(e.table))
	for name := range e.table {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Commands:")
	for _, name := range names {
		spec := e.table[name]
		fmt.Fprintf(&b, "\n%s — %s", spec.usage, spec.help)
		if spec.admin {
			b.WriteString(" (admin)")
		}
	}
	return b.String(), nil
}

func (e *Executor) usage(name string) string {
	return "Usage: " + e.table[name].usage
}

func limitLabel(limit int) string {
	if limit <= 0 {
		return "∞"
	}
	return strconv.Itoa(limit)
}
