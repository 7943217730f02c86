// runner.go — оркестрация жизненного цикла. Здесь выполняется авторизация,
// линейный запуск сервисов в правильном порядке и корректное завершение:
// сначала гасятся приёмники событий, затем конвейер сливает накопленное,
// реестр сохраняется на диск, и только после этого гасится MTProto-движок.

package app

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	tgadapter "telegram-keyword-bot/internal/adapters/telegram"
	"telegram-keyword-bot/internal/infra/config"
	"telegram-keyword-bot/internal/infra/logger"
)

const (
	// pipelineDrainTimeout ограничивает ожидание слива конвейера при остановке.
	pipelineDrainTimeout = 15 * time.Second
	// registrySavePeriod задаёт период фонового сохранения реестра.
	registrySavePeriod = time.Minute
)

// Runner инкапсулирует сценарий запуска и остановки клиента и сервисов бота.
type Runner struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc
	client     *telegram.Client
	app        *App

	servicesWG     sync.WaitGroup
	servicesCancel context.CancelFunc
	updatesWG      sync.WaitGroup
	updatesCancel  context.CancelFunc
	stopOnce       sync.Once
}

// NewRunner подготавливает Runner; запуск происходит в Run().
func NewRunner(mainCtx context.Context, mainCancel context.CancelFunc,
	client *telegram.Client, a *App) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		client:     client,
		app:        a,
	}
}

// Run — главный цикл бота. Выполняет логин, запускает сервисы, стартует
// updates.Manager и блокируется до завершения клиентского контекста.
// MTProto-движок живёт в отдельном контексте, чтобы конвейер успел слить
// отложенные и агрегированные уведомления до обрыва сети.
func (r *Runner) Run(waiter *floodwait.Waiter, updmgr *tgupdates.Manager) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	// Слушаем сигнал остановки сразу, чтобы Ctrl+C работал и во время логина.
	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	return waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.client.Run(ctx, func(ctx context.Context) error {
			logger.Info("Keyword bot running...")

			self, loginErr := r.loginSelf(ctx)
			if loginErr != nil {
				return loginErr
			}

			if err := r.startAllServices(ctx, updmgr, self.ID); err != nil {
				r.stopAllServices()
				return err
			}

			<-ctx.Done()
			shutdownWG.Wait()
			return ctx.Err()
		})
	})
}

func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(
		tgadapter.TerminalAuthenticator{PhoneNumber: config.Env().PhoneNumber},
		auth.SendCodeOptions{},
	)

	if err := r.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, err
	}
	logger.Logger().Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

func (r *Runner) startAllServices(ctx context.Context, updmgr *tgupdates.Manager, selfID int64) error {
	servicesCtx, servicesCancel := context.WithCancel(ctx)
	r.servicesCancel = servicesCancel

	// deduplicator
	logger.Debug("starting service deduplicator")
	r.app.dupCache.Start(servicesCtx)
	logger.Debug("service deduplicator started")

	// pipeline
	logger.Debug("starting service pipeline")
	r.app.pipeline.Start(servicesCtx)
	logger.Debug("service pipeline started")

	// bot api poller
	logger.Debug("starting service bot_poller")
	r.servicesWG.Go(func() {
		r.app.poller.Run(servicesCtx)
	})
	logger.Debug("service bot_poller started")

	// Фоновое сохранение реестра. Команды сохраняют его и сами, таймер
	// страхует от потери счётчиков статистики при аварийном завершении.
	r.servicesWG.Go(func() {
		ticker := time.NewTicker(registrySavePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-servicesCtx.Done():
				return
			case <-ticker.C:
				if err := r.app.store.Save(r.app.registry); err != nil {
					logger.Errorf("periodic registry save: %v", err)
				}
			}
		}
	})

	// cli
	logger.Debug("starting service cli")
	r.app.cli.Start(servicesCtx)
	logger.Debug("service cli started")

	// updates_manager
	logger.Debug("starting service updates_manager")
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesWG.Go(func() {
		mgrErr := updmgr.Run(updatesCtx, r.client.API(), selfID, tgupdates.AuthOptions{
			Forget: false,
			OnStart: func(ctx context.Context) {
				logger.Debug("Updates manager started")
			},
		})
		if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
			logger.Errorf("updmgr.Run return: %v", mgrErr)
			r.mainCancel()
		}
		logger.Debugf("updates_manager service: Run finished (err=%v)", mgrErr)
	})
	logger.Debug("service updates_manager started")

	return nil
}

func (r *Runner) stopAllServices() {
	r.stopOnce.Do(func() {
		// Останавливаем в обратном порядке.

		// updates_manager — первым, чтобы новые события перестали поступать.
		logger.Debug("stopping service updates_manager")
		if r.updatesCancel != nil {
			r.updatesCancel()
		}
		r.updatesWG.Wait()
		logger.Debug("service updates_manager stopped")

		// pipeline — сливаем очередь, буферы агрегации и отложенные уведомления,
		// пока Bot API ещё доступен.
		logger.Debug("stopping service pipeline")
		drainCtx, cancel := context.WithTimeout(context.Background(), pipelineDrainTimeout)
		if err := r.app.pipeline.Close(drainCtx); err != nil {
			logger.Errorf("stop pipeline: %v", err)
		}
		cancel()
		logger.Debug("service pipeline stopped")

		// bot_poller и таймер сохранения
		logger.Debug("stopping service bot_poller")
		if r.servicesCancel != nil {
			r.servicesCancel()
		}
		r.servicesWG.Wait()
		logger.Debug("service bot_poller stopped")

		// deduplicator
		logger.Debug("stopping service deduplicator")
		r.app.dupCache.Stop()
		logger.Debug("service deduplicator stopped")

		// Финальное сохранение реестра и закрытие хранилищ.
		if err := r.app.store.Save(r.app.registry); err != nil {
			logger.Errorf("final registry save: %v", err)
		}
		if err := r.app.store.Close(); err != nil {
			logger.Errorf("close registry store: %v", err)
		}
		if r.app.stateDB != nil {
			if err := r.app.stateDB.Close(); err != nil {
				logger.Errorf("close updates state storage: %v", err)
			}
		}

		// cli
		if r.app.cli != nil {
			logger.Debug("stopping service cli")
			r.app.cli.Stop()
			logger.Debug("service cli stopped")
		}
	})
}
