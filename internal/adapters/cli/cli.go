// Package cli — интерактивная консоль оператора. Стартует фоном, читает
// команды из readline и показывает состояние конвейера, реестра и квот.
// Start/Stop идемпотентны и встроены в общий жизненный цикл приложения.
package cli

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"telegram-keyword-bot/internal/domain/delivery"
	"telegram-keyword-bot/internal/domain/subscriptions"
	"telegram-keyword-bot/internal/infra/logger"
	"telegram-keyword-bot/internal/infra/pr"
)

// commandDescriptor описывает одну CLI-команду для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Имена должны совпадать с
// кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands"},
	{name: "status", description: "Show pipeline status (backlog, delayed, aggregation buckets)"},
	{name: "channels", description: "List channels monitored by any user"},
	{name: "types", description: "Show matched/unmatched counters per content type"},
	{name: "flush", description: "Flush open aggregation buckets immediately"},
	{name: "save", description: "Persist the registry to disk now"},
	{name: "loglevel", description: "Change console log level: loglevel debug|info|warn|error"},
	{name: "exit", description: "Stop the bot"},
}

// Service — CLI-сервис с собственным циклом чтения команд.
type Service struct {
	reg      *subscriptions.Registry
	pipeline *delivery.Pipeline
	persist  func() error
	stopApp  context.CancelFunc

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль. stopApp — глобальная остановка приложения
// (команда exit, Ctrl-C на пустой строке).
func NewService(reg *subscriptions.Registry, pipeline *delivery.Pipeline,
	persist func() error, stopApp context.CancelFunc) *Service {
	return &Service{reg: reg, pipeline: pipeline, persist: persist, stopApp: stopApp}
}

// Start запускает цикл чтения в отдельной горутине, повторные вызовы
// игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop прерывает readline и дожидается завершения цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — главный цикл: приглашение, обработчики клавиш, построчное чтение.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames())
	pr.Println("Press '?' or type 'help' for details.")
	s.installKeyHandlers()

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}
		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}
		if s.handleCommand(strings.TrimSpace(line)) {
			return
		}
	}
}

// installKeyHandlers подключает '?' для быстрой справки и Ctrl-C: на пустой
// строке — остановка приложения, на непустой — очистка строки.
func (s *Service) installKeyHandlers() {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { // Ctrl-C (ETX)
			if strings.TrimSpace(string(line)) == "" {
				if s.stopApp != nil {
					s.stopApp()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	for _, d := range commandDescriptors {
		pr.Printf("  %-10s %s\n", d.name, d.description)
	}
}

func joinCommandNames() string {
	names := make([]string, len(commandDescriptors))
	for i, d := range commandDescriptors {
		names[i] = d.name
	}
	return strings.Join(names, ", ")
}

// handleCommand выполняет команду. Возвращает true, если запрошен выход.
func (s *Service) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	name := ""
	if len(fields) > 0 {
		name = fields[0]
	}
	switch name {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "channels":
		s.handleChannels()
	case "types":
		s.handleTypes()
	case "flush":
		n := s.pipeline.FlushAggregatesNow()
		pr.Printf("Flushed %d aggregation bucket(s).\n", n)
	case "save":
		if err := s.persist(); err != nil {
			pr.ErrPrintf("save error: %v\n", err)
		} else {
			pr.Println("Registry saved.")
		}
	case "loglevel":
		if len(fields) != 2 {
			pr.Println("usage: loglevel debug|info|warn|error")
			break
		}
		logger.Init(fields[1])
		pr.Println("Console log level:", fields[1])
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// handleStatus печатает глубины очередей конвейера.
func (s *Service) handleStatus() {
	pr.Printf("Inbound backlog:      %d\n", s.pipeline.Backlog())
	pr.Printf("Delayed pending:      %d\n", s.pipeline.PendingDelayed())
	pr.Printf("Aggregation buckets:  %d\n", s.pipeline.PendingAggregates())
	pr.Printf("Time:                 %s\n", time.Now().Format("2006-01-02 15:04:05"))
}

// handleChannels печатает объединение наблюдаемых каналов всех пользователей.
func (s *Service) handleChannels() {
	channels := s.reg.AllChannels()
	if len(channels) == 0 {
		pr.Println("No monitored channels.")
		return
	}
	ids := make([]int64, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		pr.Printf("  %d  %s\n", id, channels[id])
	}
}

// handleTypes печатает счётчики типов контента.
func (s *Service) handleTypes() {
	stats := s.reg.TypeStats()
	if len(stats) == 0 {
		pr.Println("No events processed yet.")
		return
	}
	kinds := make([]string, 0, len(stats))
	for kind := range stats {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		c := stats[kind]
		pr.Printf("  %-10s matched=%d unmatched=%d\n", kind, c.Matched, c.Unmatched)
	}
}
