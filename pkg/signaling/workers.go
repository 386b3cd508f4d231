package signaling

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Worker горутина, принадлежащая сессии. Запускается при подписке и
// останавливается при закрытии: ctx отменяется, Close ждет возврата.
// Воркер обязан завершаться по отмене ctx или когда Producer.Running == false.
type Worker func(ctx context.Context, p *Producer)

// WorkerFactory создает воркер для открытой сессии. nil означает "без воркера".
type WorkerFactory func(info SessionInfo) Worker

type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *workerHandle) join() {
	<-w.done
}

func (c *Controller) newWorker(h Handle, worker Worker) (*workerHandle, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	wh := &workerHandle{cancel: cancel, done: make(chan struct{})}
	p := &Producer{c: c, handle: h}

	run := func() {
		defer close(wh.done)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("паника в воркере сессии",
					slog.Uint64("handle", uint64(h)),
					slog.Any("panic", r))
			}
		}()
		worker(ctx, p)
	}
	return wh, run
}

// Producer точка доставки событий для воркера сессии
type Producer struct {
	c      *Controller
	handle Handle
}

// Handle сессия воркера
func (p *Producer) Handle() Handle { return p.handle }

// Running проверяет под мьютексом реестра, что сессия не закрывается
func (p *Producer) Running() bool {
	running := false
	p.c.registry.view(p.handle, func(rec *record) { running = rec.running.Load() })
	return running
}

// Emit доставляет событие подписчику и ждет его обработки.
// Возвращает ErrEventDropped, если сессия уже закрывается.
func (p *Producer) Emit(ctx context.Context, ev Event) error {
	return p.c.deliver(ctx, p.handle, func() Event { return ev })
}

// RecordRTP учитывает принятый RTP пакет в телеметрии и метриках
func (p *Producer) RecordRTP(payloadSize int) {
	var stats *telemetry
	p.c.registry.view(p.handle, func(rec *record) { stats = rec.stats })
	if stats != nil {
		stats.rtpPacket(payloadSize)
	}
	p.c.metrics.rtp(payloadSize)
}

// Logger логгер сессии
func (p *Producer) Logger() *slog.Logger {
	return p.c.logger.With(slog.Uint64("handle", uint64(p.handle)))
}

// SimulatorConfig параметры имитатора результатов
type SimulatorConfig struct {
	PartialInterval time.Duration
	FinalAfter      time.Duration
	TextPool        []string
}

// DefaultSimulatorConfig одиночный финальный результат через 5 секунд
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		FinalAfter: 5 * time.Second,
		TextPool:   []string{"demo result"},
	}
}

// ResultSimulator воркер, выдающий промежуточные результаты с интервалом
// PartialInterval и один финальный через FinalAfter с задержкой в LatencyMs.
// Используется вместо движка распознавания в демонстрации и тестах.
func ResultSimulator(cfg SimulatorConfig) Worker {
	pick := func() string {
		if len(cfg.TextPool) == 0 {
			return "demo"
		}
		return cfg.TextPool[rand.Intn(len(cfg.TextPool))]
	}

	return func(ctx context.Context, p *Producer) {
		started := time.Now()
		final := time.NewTimer(cfg.FinalAfter)
		defer final.Stop()

		var partial <-chan time.Time
		if cfg.PartialInterval > 0 && cfg.PartialInterval < cfg.FinalAfter {
			ticker := time.NewTicker(cfg.PartialInterval)
			defer ticker.Stop()
			partial = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-partial:
				if !p.Running() {
					return
				}
				if err := p.Emit(ctx, ResultEvent(StagePartial, pick(), 0)); errors.Is(err, ErrEventDropped) {
					return
				}
			case <-final.C:
				if !p.Running() {
					return
				}
				latency := time.Since(started).Milliseconds()
				_ = p.Emit(ctx, ResultEvent(StageFinal, pick(), latency))
				return
			}
		}
	}
}

// Workers объединяет несколько воркеров в один. Все они запускаются
// одновременно, объединенный воркер возвращается после завершения всех.
func Workers(workers ...Worker) Worker {
	return func(ctx context.Context, p *Producer) {
		var wg sync.WaitGroup
		for _, w := range workers {
			if w == nil {
				continue
			}
			wg.Add(1)
			go func(w Worker) {
				defer wg.Done()
				w(ctx, p)
			}(w)
		}
		wg.Wait()
	}
}
