package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/mrcp_bridge/pkg/bridge"
	"github.com/arzzra/mrcp_bridge/pkg/engine"
	"github.com/arzzra/mrcp_bridge/pkg/mrcp"
)

// ErrEventDropped событие не доставлено: сессия закрыта или нет подписчика
var ErrEventDropped = errors.New("signaling: событие отброшено")

// Controller управляет жизненным циклом сессий: открытие с ограниченным
// ожиданием согласования, подписка на события и закрытие.
type Controller struct {
	cfg      *Config
	registry *Registry
	runtime  *engine.Runtime
	ports    *portPool
	metrics  *Metrics
	logger   *slog.Logger

	workerFactory WorkerFactory
	handler       engine.Handler
}

// Option настройка Controller
type Option func(*Controller)

// WithRegistry использовать общий реестр
func WithRegistry(r *Registry) Option {
	return func(c *Controller) { c.registry = r }
}

// WithRuntime использовать общий счетчик инициализации движка
func WithRuntime(rt *engine.Runtime) Option {
	return func(c *Controller) { c.runtime = rt }
}

// WithMetrics использовать метрики m
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger логгер контроллера
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithWorkerFactory запускать воркер сессии при подписке
func WithWorkerFactory(f WorkerFactory) Option {
	return func(c *Controller) { c.workerFactory = f }
}

// NewController создает контроллер для движка binding
func NewController(binding engine.Binding, cfg *Config, opts ...Option) (*Controller, error) {
	if binding == nil {
		return nil, fmt.Errorf("binding не может быть nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}

	c := &Controller{
		cfg:   cfg.Copy(),
		ports: newPortPool(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	if c.runtime == nil {
		c.runtime = engine.NewRuntime(binding, c.cfg.Layout())
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.logger == nil {
		c.logger = slog.Default().With(slog.String("component", "signaling"))
	}
	c.handler = &engineCallbacks{c: c}
	return c, nil
}

// Registry реестр сессий контроллера
func (c *Controller) Registry() *Registry { return c.registry }

// OpenSession открывает сессию и ждет согласования канала не дольше
// Config.NegotiationTimeout. Истечение ожидания не является ошибкой:
// возвращаются параметры по умолчанию и Negotiated == false.
func (c *Controller) OpenSession(ctx context.Context, sc SessionConfig) (*SessionInfo, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	profileID := sc.ProfileID
	if profileID == "" {
		profileID = c.cfg.DefaultProfile
	}

	if err := c.runtime.Acquire(); err != nil {
		c.metrics.engineError("init")
		return nil, newError(ErrorCodeEngineInitFailure, 0, err, "движок не инициализирован")
	}

	client, err := c.runtime.Binding().NewClient(c.runtime.Layout())
	if err != nil {
		c.runtime.Release()
		c.metrics.engineError("create_client")
		return nil, newError(ErrorCodeEngineInitFailure, 0, err, "клиент движка не создан")
	}
	if err := client.Start(); err != nil {
		c.shutdownClient(client, 0)
		c.runtime.Release()
		c.metrics.engineError("start_client")
		return nil, newError(ErrorCodeEngineInitFailure, 0, err, "клиент движка не запущен")
	}

	localPort, err := c.ports.Allocate(0, sc.RTPPortMin, sc.RTPPortMax)
	if err != nil {
		c.shutdownClient(client, 0)
		c.runtime.Release()
		return nil, newError(ErrorCodeResourceExhausted, 0, err, "нет свободного RTP порта")
	}

	rec := &record{
		payloadType: PayloadType(sc.Codec),
		localPort:   localPort,
		portPool:    c.ports,
		runtime:     c.runtime,
		client:      client,
		lifecycle:   newLifecycleFSM(),
		stats:       newTelemetry(),
		profileID:   profileID,
		codec:       sc.Codec,
		openedAt:    time.Now(),
	}
	rec.running.Store(true)
	h := c.registry.allocate(rec)
	c.ports.Assign(localPort, h)
	c.metrics.opened()

	logger := c.logger.With(slog.Uint64("handle", uint64(h)))
	logger.Debug("сессия создана",
		slog.String("profile", profileID),
		slog.String("codec", sc.Codec),
		slog.Int("local_port", localPort))

	channel := c.setupChannel(h, sc, profileID, localPort, logger)
	if channel == nil && !c.registry.Contains(h) {
		return nil, invalidHandle(h)
	}

	var (
		neg     negotiation
		outcome = waitTimedOut
		started = time.Now()
	)
	if channel != nil {
		neg, outcome = c.registry.waitNegotiated(ctx, h, c.cfg.NegotiationTimeout)
	}

	switch outcome {
	case waitGone:
		return nil, invalidHandle(h)
	case waitCancelled:
		c.Close(h)
		return nil, fmt.Errorf("открытие сессии %d прервано: %w", h, ctx.Err())
	}

	info := &SessionInfo{Handle: h, LocalPort: localPort}
	label := "timeout"
	// итог определяется по записи: результат мог прийти сразу после таймаута
	alive := c.registry.view(h, func(rec *record) {
		switch {
		case channel == nil:
			transition(rec.lifecycle, eventFailed)
			label = "failed"
		case rec.channelAdded && rec.addStatus == engine.StatusSuccess:
			transition(rec.lifecycle, eventAdded)
			info.Negotiated = true
			label = "added"
		case rec.channelAdded:
			transition(rec.lifecycle, eventFailed)
			label = "failed"
		default:
			transition(rec.lifecycle, eventTimeout)
		}
		neg = rec.snapshotLocked()
	})
	if !alive {
		return nil, invalidHandle(h)
	}
	c.metrics.negotiated(label, time.Since(started))

	info.RemoteIP = neg.remoteIP
	if info.RemoteIP == "" {
		info.RemoteIP = c.cfg.FallbackIP
	}
	info.RemotePort = neg.remotePort
	if info.RemotePort == 0 {
		info.RemotePort = c.cfg.FallbackPort
	}
	info.PtimeMs = neg.ptimeMs
	if info.PtimeMs == 0 {
		info.PtimeMs = c.cfg.FallbackPtimeMs
	}
	info.PayloadType = neg.payloadType

	logger.Info("сессия открыта",
		slog.String("negotiation", label),
		slog.String("remote_ip", info.RemoteIP),
		slog.Int("remote_port", info.RemotePort),
		slog.Int("payload_type", int(info.PayloadType)),
		slog.Int("ptime_ms", info.PtimeMs))
	return info, nil
}

// setupChannel создает сессию и канал движка и отправляет запрос на
// добавление канала. Возвращает nil, если канал не удалось запросить:
// в этом случае ожидание пропускается и используются параметры по умолчанию.
func (c *Controller) setupChannel(h Handle, sc SessionConfig, profileID string, localPort int, logger *slog.Logger) engine.Channel {
	var client engine.Client
	c.registry.view(h, func(rec *record) { client = rec.client })
	if client == nil {
		return nil
	}

	corr := engine.NewCorrelator(uint64(h))
	session, err := client.CreateSession(engine.SessionParams{ProfileID: profileID, Endpoint: sc.Endpoint}, corr, c.handler)
	if err != nil {
		corr.Free()
		c.metrics.engineError("create_session")
		logger.Warn("сессия движка не создана", slog.String("error", err.Error()))
		return nil
	}

	alive := c.registry.view(h, func(rec *record) {
		rec.session = session
		rec.correlator = corr
	})
	if !alive {
		// сессию закрыли, пока движок создавал свою
		c.teardownEngine(h, session, nil, logger)
		corr.Free()
		return nil
	}

	channel, err := session.CreateChannel(engine.ChannelParams{
		Resource:    "speechrecog",
		Codec:       sc.Codec,
		SampleRate:  sc.SampleRate,
		PayloadType: PayloadType(sc.Codec),
		PtimeMs:     c.cfg.FallbackPtimeMs,
		LocalIP:     c.cfg.LocalIP,
		LocalPort:   localPort,
	})
	if err != nil {
		c.metrics.engineError("create_channel")
		logger.Warn("канал движка не создан", slog.String("error", err.Error()))
		return nil
	}

	alive = c.registry.view(h, func(rec *record) {
		if rec.channel == nil {
			rec.channel = channel
		}
		transition(rec.lifecycle, eventNegotiate)
	})
	if !alive {
		return nil
	}

	if err := session.AddChannel(channel); err != nil {
		c.metrics.engineError("add_channel")
		logger.Warn("запрос на добавление канала отклонен", slog.String("error", err.Error()))
		return nil
	}
	return channel
}

// Subscribe привязывает потребителя событий к handle. Потребитель
// вызывается на отдельной горутине строго по одному событию.
// Повторная подписка на тот же handle отклоняется с AlreadySubscribed.
func (c *Controller) Subscribe(h Handle, consumer func(Event)) error {
	if consumer == nil {
		return invalidArgument("consumer не может быть nil")
	}

	sink := bridge.NewSink[Event](consumer,
		bridge.WithName(fmt.Sprintf("handle-%d", h)),
		bridge.WithLogger(c.logger))

	var (
		subErr error
		start  func()
	)
	alive := c.registry.view(h, func(rec *record) {
		if !rec.running.Load() {
			subErr = invalidHandle(h)
			return
		}
		if rec.sink != nil {
			subErr = newError(ErrorCodeAlreadySubscribed, h, nil, "подписка уже существует")
			return
		}
		rec.sink = sink
		if c.workerFactory != nil && rec.worker == nil {
			worker := c.workerFactory(rec.infoLocked(c.cfg))
			if worker != nil {
				wh, run := c.newWorker(h, worker)
				rec.worker = wh
				start = run
			}
		}
	})
	if !alive {
		subErr = invalidHandle(h)
	}
	if subErr != nil {
		sink.Release()
		return subErr
	}
	if start != nil {
		go start()
	}
	return nil
}

// SendMessage отправляет MRCP запрос в канал сессии
func (c *Controller) SendMessage(h Handle, msg *mrcp.Message) error {
	if msg == nil {
		return invalidArgument("сообщение не может быть nil")
	}

	var (
		session engine.Session
		channel engine.Channel
	)
	alive := c.registry.view(h, func(rec *record) {
		if rec.running.Load() {
			session, channel = rec.session, rec.channel
		}
	})
	if !alive {
		return invalidHandle(h)
	}
	if session == nil || channel == nil {
		return fmt.Errorf("сессия %d: канал движка не создан", h)
	}

	if msg.ChannelID() == "" && channel.ID() != "" {
		msg.SetHeader(mrcp.HeaderChannelIdentifier, channel.ID())
	}
	if err := session.SendMessage(channel, msg); err != nil {
		c.metrics.engineError("send_message")
		return fmt.Errorf("сессия %d: отправка %s: %w", h, msg.Method, err)
	}
	return nil
}

// State текущее состояние жизненного цикла сессии
func (c *Controller) State(h Handle) (string, error) {
	var state string
	if !c.registry.view(h, func(rec *record) { state = rec.lifecycle.Current() }) {
		return StateClosed, invalidHandle(h)
	}
	return state, nil
}

// Stats снимок телеметрии сессии
func (c *Controller) Stats(h Handle) (Stats, error) {
	var (
		stats *telemetry
		base  Stats
	)
	alive := c.registry.view(h, func(rec *record) {
		stats = rec.stats
		base = Stats{
			State:      rec.lifecycle.Current(),
			OpenedAt:   rec.openedAt,
			Negotiated: rec.channelAdded && rec.addStatus == engine.StatusSuccess,
			LocalPort:  rec.localPort,
		}
	})
	if !alive {
		return Stats{}, invalidHandle(h)
	}

	s := stats.snapshot()
	s.Handle = h
	s.State = base.State
	s.OpenedAt = base.OpenedAt
	s.Negotiated = base.Negotiated
	s.LocalPort = base.LocalPort
	return s, nil
}

// Handles открытые сессии
func (c *Controller) Handles() []Handle {
	return c.registry.Handles()
}

// deliver доставляет событие подписчику handle. Живость записи и подписка
// проверяются под мьютексом реестра непосредственно перед доставкой;
// сама доставка выполняется без мьютекса.
func (c *Controller) deliver(ctx context.Context, h Handle, build func() Event) error {
	var (
		sink  *bridge.Sink[Event]
		stats *telemetry
	)
	c.registry.view(h, func(rec *record) {
		if rec.running.Load() {
			sink, stats = rec.sink, rec.stats
		}
	})
	if sink == nil {
		c.dropped(h, stats, "нет подписчика или сессия закрыта")
		return ErrEventDropped
	}

	err := sink.Deliver(ctx, func() Event {
		ev := build()
		ev.Handle = h
		stats.observe(ev)
		c.metrics.delivered(ev.Type)
		return ev
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bridge.ErrSinkClosed):
		c.dropped(h, stats, "sink закрыт")
		return ErrEventDropped
	default:
		return err
	}
}

func (c *Controller) dropped(h Handle, stats *telemetry, reason string) {
	if stats != nil {
		stats.dropped()
	}
	c.metrics.dropped()
	c.logger.Debug("событие отброшено",
		slog.Uint64("handle", uint64(h)),
		slog.String("reason", reason))
}

func (rec *record) infoLocked(cfg *Config) SessionInfo {
	info := SessionInfo{
		Handle:      rec.handle,
		RemoteIP:    rec.remoteIP,
		RemotePort:  rec.remotePort,
		PayloadType: rec.payloadType,
		PtimeMs:     rec.ptimeMs,
		LocalPort:   rec.localPort,
		Negotiated:  rec.channelAdded && rec.addStatus == engine.StatusSuccess,
	}
	if info.RemoteIP == "" {
		info.RemoteIP = cfg.FallbackIP
	}
	if info.RemotePort == 0 {
		info.RemotePort = cfg.FallbackPort
	}
	if info.PtimeMs == 0 {
		info.PtimeMs = cfg.FallbackPtimeMs
	}
	return info
}
