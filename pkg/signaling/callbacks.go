package signaling

import (
	"context"
	"log/slog"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
	"github.com/arzzra/mrcp_bridge/pkg/mrcp"
)

// engineCallbacks принимает обратные вызовы движка. Handle находится через
// коррелятор; освобожденный коррелятор означает гонку с Close, такие
// события учитываются как отброшенные.
type engineCallbacks struct {
	c *Controller
}

func (cb *engineCallbacks) resolve(corr *engine.Correlator) (Handle, bool) {
	h, ok := corr.Handle()
	return Handle(h), ok
}

// OnChannelAdd записывает результат согласования и будит ожидающий OpenSession
func (cb *engineCallbacks) OnChannelAdd(corr *engine.Correlator, ch engine.Channel, status engine.Status, desc *engine.RTPDescriptor) {
	h, ok := cb.resolve(corr)
	if !ok {
		cb.c.registry.broadcast()
		return
	}

	applied := false
	cb.c.registry.update(h, func(rec *record) {
		if ch != nil && rec.channel == nil {
			rec.channel = ch
		}
		// OpenSession уже вернул параметры по умолчанию
		if rec.lifecycle.Current() != StateNegotiating {
			return
		}
		applied = rec.applyChannelAddLocked(status, desc)
	})

	if applied {
		cb.c.logger.Debug("результат добавления канала",
			slog.Uint64("handle", uint64(h)),
			slog.String("status", status.String()))
	}
}

// OnMessage передает входящее MRCP сообщение подписчику
func (cb *engineCallbacks) OnMessage(corr *engine.Correlator, _ engine.Channel, msg *mrcp.Message) {
	if msg == nil {
		return
	}
	h, ok := cb.resolve(corr)
	if !ok {
		cb.c.dropped(0, nil, "коррелятор освобожден")
		return
	}
	_ = cb.c.deliver(context.Background(), h, func() Event {
		return eventFromMessage(msg)
	})
}

// OnTerminate сообщает подписчику о завершении сессии движком
func (cb *engineCallbacks) OnTerminate(corr *engine.Correlator, _ engine.Channel) {
	h, ok := cb.resolve(corr)
	if !ok {
		cb.c.dropped(0, nil, "коррелятор освобожден")
		return
	}
	_ = cb.c.deliver(context.Background(), h, func() Event {
		return ClosedEvent("terminated")
	})
}
