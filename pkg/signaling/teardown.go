package signaling

import (
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/mrcp_bridge/pkg/bridge"
	"github.com/arzzra/mrcp_bridge/pkg/engine"
)

// Close закрывает сессию. Повторные вызовы и вызовы для неизвестного handle
// ничего не делают.
//
// Под мьютексом реестра запись помечается неактивной, из нее извлекаются
// воркер, подписка и объекты движка, после чего запись удаляется. С этого
// момента ни один производитель не найдет подписку. Остальное выполняется
// без мьютекса: остановка объектов движка, ожидание воркера, освобождение
// подписки, коррелятора, порта и ссылки на рантайм.
func (c *Controller) Close(h Handle) {
	var (
		worker     *workerHandle
		sink       *bridge.Sink[Event]
		client     engine.Client
		session    engine.Session
		correlator *engine.Correlator
		runtime    *engine.Runtime
		ports      *portPool
		localPort  int
		lifecycle  *fsm.FSM
		openedAt   time.Time
	)

	c.registry.mu.Lock()
	rec := c.registry.lookupLocked(h)
	if rec == nil {
		c.registry.mu.Unlock()
		return
	}
	rec.running.Store(false)
	transition(rec.lifecycle, eventClose)

	worker, rec.worker = rec.worker, nil
	sink, rec.sink = rec.sink, nil
	client, rec.client = rec.client, nil
	session, rec.session = rec.session, nil
	correlator, rec.correlator = rec.correlator, nil
	runtime, rec.runtime = rec.runtime, nil
	rec.channel = nil
	ports, localPort = rec.portPool, rec.localPort
	lifecycle, openedAt = rec.lifecycle, rec.openedAt

	if sink != nil {
		sink.Close()
	}
	if worker != nil {
		worker.cancel()
	}
	c.registry.eraseLocked(h)
	c.registry.cond.Broadcast()
	c.registry.mu.Unlock()

	logger := c.logger.With(slog.Uint64("handle", uint64(h)))

	c.teardownEngine(h, session, client, logger)
	if worker != nil {
		worker.join()
	}
	if sink != nil {
		sink.Release()
	}
	correlator.Free()
	if ports != nil && localPort != 0 {
		ports.Release(localPort)
	}
	if runtime != nil {
		runtime.Release()
	}
	transition(lifecycle, eventClosed)
	c.metrics.closed()

	logger.Info("сессия закрыта", slog.Duration("lifetime", time.Since(openedAt)))
}

// Shutdown закрывает все открытые сессии
func (c *Controller) Shutdown() {
	for _, h := range c.registry.Handles() {
		c.Close(h)
	}
}

// teardownEngine останавливает объекты движка. Ошибки только логируются:
// локальная очистка выполняется в любом случае.
func (c *Controller) teardownEngine(h Handle, session engine.Session, client engine.Client, logger *slog.Logger) {
	if session != nil {
		if err := session.Terminate(); err != nil {
			c.metrics.engineError("terminate")
			logger.Warn("ошибка завершения сессии движка", slog.String("error", err.Error()))
		}
		if err := session.Destroy(); err != nil {
			c.metrics.engineError("destroy")
			logger.Warn("ошибка уничтожения сессии движка", slog.String("error", err.Error()))
		}
	}
	if client != nil {
		c.shutdownClient(client, h)
	}
}

func (c *Controller) shutdownClient(client engine.Client, h Handle) {
	if err := client.Shutdown(); err != nil {
		c.metrics.engineError("shutdown")
		c.logger.Warn("ошибка остановки клиента движка",
			slog.Uint64("handle", uint64(h)),
			slog.String("error", err.Error()))
	}
}
