// Package app — верхний уровень сборки бота. Здесь связываются конфигурация,
// доменное ядро (реестр подписок, движок сопоставления, конвейер доставки),
// транспорты (MTProto-приём через gotd, Bot API для уведомлений и команд) и
// инфраструктурные сервисы. Отсюда стартует цикл обработки и организуется
// корректный shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	"telegram-keyword-bot/internal/adapters/botapi"
	"telegram-keyword-bot/internal/adapters/cli"
	tgadapter "telegram-keyword-bot/internal/adapters/telegram"
	"telegram-keyword-bot/internal/domain/commands"
	"telegram-keyword-bot/internal/domain/delivery"
	"telegram-keyword-bot/internal/domain/subscriptions"
	"telegram-keyword-bot/internal/infra/clock"
	"telegram-keyword-bot/internal/infra/concurrency"
	"telegram-keyword-bot/internal/infra/config"
	"telegram-keyword-bot/internal/infra/logger"
	"telegram-keyword-bot/internal/infra/storage"
)

// lazyUpdateHandler откладывает установку реального обработчика апдейтов,
// разрывая цикл инициализации клиента и менеджера апдейтов.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// App агрегирует зависимости бота и управляет их связью.
type App struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc

	registry *subscriptions.Registry
	store    *subscriptions.Store
	pipeline *delivery.Pipeline
	executor *commands.Executor
	poller   *botapi.Poller
	dupCache *concurrency.Deduplicator
	cli      *cli.Service
	runner   *Runner
	stateDB  *bbolt.DB
}

// NewApp создаёт каркас приложения; фактическая сборка происходит в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{mainCtx: mainCtx, mainCancel: mainCancel}
}

// Run собирает все подсистемы и блокируется до остановки приложения.
func (a *App) Run() error {
	logger.Info("Keyword bot initializing...")
	cfg := config.Env()
	clock.SetLocation(config.AppLocation)

	// Реестр подписок и его персистентность.
	store, err := subscriptions.OpenStore(cfg.RegistryFile)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	a.store = store
	a.registry = subscriptions.NewRegistry(cfg.MaxSubscriptions, nil)
	if err := store.Load(a.registry); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	// Доменное ядро: движок, диспетчер уведомлений, конвейер.
	engine := subscriptions.NewEngine(a.registry, nil)
	dispatcher, err := delivery.NewDispatcher(cfg.DefaultTemplate, 0)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	sender := botapi.NewSender(cfg.BotToken, cfg.TestDC, cfg.ThrottleRPS)
	a.pipeline, err = delivery.NewPipeline(delivery.PipelineOptions{
		Engine:         engine,
		Registry:       a.registry,
		Dispatcher:     dispatcher,
		Sender:         sender,
		Capacity:       cfg.QueueCapacity,
		DedupWindow:    time.Duration(cfg.NotifyDedupSec) * time.Second,
		Threshold:      cfg.AggregateThreshold,
		DelaySweep:     time.Duration(cfg.DelaySweepSec) * time.Second,
		AggregateSweep: time.Duration(cfg.DelaySweepSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	// Командный слой поверх Bot API.
	persist := func() error { return store.Save(a.registry) }
	a.executor = commands.NewExecutor(commands.ExecutorOptions{
		Registry: a.registry,
		Quotas:   a.pipeline,
		Limiter: delivery.NewSlidingLimiter(cfg.CmdRateLimit,
			time.Duration(cfg.CmdRateWindowSec)*time.Second, nil),
		AdminUID:            cfg.AdminUID,
		DefaultAggregateSec: cfg.AggregateSec,
		Persist:             persist,
		Export:              a.exportUser,
	})
	a.poller = botapi.NewPoller(sender, a.executor.Handle)

	// Дедупликация сырых апдейтов по сигнатуре (peer, msgID, editDate).
	a.dupCache = concurrency.NewDeduplicator(
		time.Duration(cfg.EventDedupSec)*time.Second, nil)

	// MTProto-клиент: сессия, троттлинг, floodwait, диспетчер апдейтов.
	tgDispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	waiter := floodwait.NewWaiter()
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			waiter,
			ratelimit.New(rate.Limit(cfg.ThrottleRPS), cfg.ThrottleRPS*2),
		},
	}
	if cfg.TestDC {
		options.DCList = dcs.Test()
	}
	if err := storage.EnsureDir(cfg.SessionFile); err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}
	client := telegram.NewClient(cfg.APIID, cfg.APIHash, options)

	// Состояние менеджера апдейтов живёт в отдельной bbolt-базе рядом с реестром.
	stateFile := filepath.Join(filepath.Dir(cfg.RegistryFile), "updates.bbolt")
	if err := storage.EnsureDir(stateFile); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	stateDB, err := bbolt.Open(stateFile, 0o600, nil)
	if err != nil {
		return errors.Wrap(err, "open updates state storage")
	}
	a.stateDB = stateDB
	updMgr := tgupdates.New(tgupdates.Config{
		Handler: tgDispatcher,
		Storage: boltstor.NewStateStorage(stateDB),
	})
	lazyHandler.set(updMgr)

	// Маршрутизация апдейтов в конвейер.
	handlers := tgadapter.NewHandlers(a.pipeline, a.dupCache)
	handlers.Register(tgDispatcher)

	a.cli = cli.NewService(a.registry, a.pipeline, persist, a.mainCancel)

	a.runner = NewRunner(a.mainCtx, a.mainCancel, client, a)
	return a.runner.Run(waiter, updMgr)
}

// exportUser пишет экспорт подписок пользователя в файл каталога экспорта.
func (a *App) exportUser(userID int64, data []byte) (string, error) {
	dir := config.Env().ExportDir
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	name := fmt.Sprintf("subs_%d_%s.json", userID, clock.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := storage.AtomicWriteFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}
