package mockEngine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
	"github.com/arzzra/mrcp_bridge/pkg/mrcp"
)

// ErrInjected ошибка, которую возвращают операции, настроенные на отказ
var ErrInjected = errors.New("mockEngine: injected failure")

// ChannelAddMode поведение движка после AddChannel
type ChannelAddMode int

const (
	// ChannelAddSucceed сообщить успех с заданным описанием
	ChannelAddSucceed ChannelAddMode = iota
	// ChannelAddFail сообщить отказ
	ChannelAddFail
	// ChannelAddNever никогда не сообщать результат
	ChannelAddNever
)

// Option настройка Engine
type Option func(*Engine)

// WithChannelAdd успех AddChannel с описанием desc через delay
func WithChannelAdd(desc *engine.RTPDescriptor, delay time.Duration) Option {
	return func(e *Engine) {
		e.mode = ChannelAddSucceed
		e.desc = desc
		e.delay = delay
	}
}

// WithChannelAddFailure отказ AddChannel через delay
func WithChannelAddFailure(delay time.Duration) Option {
	return func(e *Engine) {
		e.mode = ChannelAddFail
		e.delay = delay
	}
}

// WithNeverComplete AddChannel никогда не завершается
func WithNeverComplete() Option {
	return func(e *Engine) { e.mode = ChannelAddNever }
}

// WithInitError Init возвращает err
func WithInitError(err error) Option {
	return func(e *Engine) { e.initErr = err }
}

// WithClientError NewClient возвращает ошибку
func WithClientError() Option {
	return func(e *Engine) { e.failClient = true }
}

// WithSessionError CreateSession возвращает ошибку
func WithSessionError() Option {
	return func(e *Engine) { e.failSession = true }
}

// WithChannelError CreateChannel возвращает ошибку
func WithChannelError() Option {
	return func(e *Engine) { e.failChannel = true }
}

// WithTeardownError Terminate, Destroy и Shutdown возвращают ошибку
func WithTeardownError() Option {
	return func(e *Engine) { e.failTeardown = true }
}

// Engine детерминированный движок для тестов
type Engine struct {
	mode         ChannelAddMode
	desc         *engine.RTPDescriptor
	delay        time.Duration
	initErr      error
	failClient   bool
	failSession  bool
	failChannel  bool
	failTeardown bool

	inits   atomic.Int32
	deinits atomic.Int32

	mu       sync.Mutex
	clients  []*Client
	sessions []*Session
	pending  sync.WaitGroup
}

// New создает движок. По умолчанию AddChannel сразу сообщает успех без описания.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init реализует engine.Binding
func (e *Engine) Init(engine.DirLayout) error {
	if e.initErr != nil {
		return e.initErr
	}
	e.inits.Add(1)
	return nil
}

// Deinit реализует engine.Binding
func (e *Engine) Deinit() {
	e.deinits.Add(1)
}

// NewClient реализует engine.Binding
func (e *Engine) NewClient(engine.DirLayout) (engine.Client, error) {
	if e.failClient {
		return nil, fmt.Errorf("create client: %w", ErrInjected)
	}
	c := &Client{engine: e}
	e.mu.Lock()
	e.clients = append(e.clients, c)
	e.mu.Unlock()
	return c, nil
}

// Inits количество успешных Init
func (e *Engine) Inits() int { return int(e.inits.Load()) }

// Deinits количество Deinit
func (e *Engine) Deinits() int { return int(e.deinits.Load()) }

// Sessions все созданные сессии в порядке создания
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Clients все созданные клиенты
func (e *Engine) Clients() []*Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Client(nil), e.clients...)
}

// LastSession последняя созданная сессия или nil
func (e *Engine) LastSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Wait ждет завершения отложенных обратных вызовов AddChannel
func (e *Engine) Wait() {
	e.pending.Wait()
}

// Client клиент движка
type Client struct {
	engine   *Engine
	started  atomic.Bool
	shutdown atomic.Int32
}

// Start реализует engine.Client
func (c *Client) Start() error {
	c.started.Store(true)
	return nil
}

// Shutdown реализует engine.Client
func (c *Client) Shutdown() error {
	c.shutdown.Add(1)
	if c.engine.failTeardown {
		return fmt.Errorf("shutdown: %w", ErrInjected)
	}
	return nil
}

// Started сообщает, вызывался ли Start
func (c *Client) Started() bool { return c.started.Load() }

// Shutdowns количество вызовов Shutdown
func (c *Client) Shutdowns() int { return int(c.shutdown.Load()) }

// CreateSession реализует engine.Client
func (c *Client) CreateSession(params engine.SessionParams, corr *engine.Correlator, h engine.Handler) (engine.Session, error) {
	if c.engine.failSession {
		return nil, fmt.Errorf("create session: %w", ErrInjected)
	}
	s := &Session{
		engine:     c.engine,
		Params:     params,
		correlator: corr,
		handler:    h,
	}
	c.engine.mu.Lock()
	c.engine.sessions = append(c.engine.sessions, s)
	c.engine.mu.Unlock()
	return s, nil
}

// Channel канал движка
type Channel struct {
	id     string
	Params engine.ChannelParams
}

// ID реализует engine.Channel
func (ch *Channel) ID() string { return ch.id }

// Session сессия движка
type Session struct {
	engine     *Engine
	Params     engine.SessionParams
	correlator *engine.Correlator
	handler    engine.Handler

	mu         sync.Mutex
	channel    *Channel
	sent       []*mrcp.Message
	terminates int
	destroys   int
}

// CreateChannel реализует engine.Session
func (s *Session) CreateChannel(params engine.ChannelParams) (engine.Channel, error) {
	if s.engine.failChannel {
		return nil, fmt.Errorf("create channel: %w", ErrInjected)
	}
	ch := &Channel{id: fmt.Sprintf("mock-%p@%s", s, params.Resource), Params: params}
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
	return ch, nil
}

// AddChannel реализует engine.Session. Результат сообщается с отдельной горутины.
func (s *Session) AddChannel(ch engine.Channel) error {
	e := s.engine
	if e.mode == ChannelAddNever {
		return nil
	}

	status := engine.StatusSuccess
	desc := e.desc
	if e.mode == ChannelAddFail {
		status = engine.StatusFailure
		desc = nil
	}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if e.delay > 0 {
			time.Sleep(e.delay)
		}
		s.handler.OnChannelAdd(s.correlator, ch, status, desc)
	}()
	return nil
}

// SendMessage реализует engine.Session
func (s *Session) SendMessage(_ engine.Channel, msg *mrcp.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// Terminate реализует engine.Session
func (s *Session) Terminate() error {
	s.mu.Lock()
	s.terminates++
	s.mu.Unlock()
	if s.engine.failTeardown {
		return fmt.Errorf("terminate: %w", ErrInjected)
	}
	return nil
}

// Destroy реализует engine.Session
func (s *Session) Destroy() error {
	s.mu.Lock()
	s.destroys++
	s.mu.Unlock()
	if s.engine.failTeardown {
		return fmt.Errorf("destroy: %w", ErrInjected)
	}
	return nil
}

// Correlator коррелятор, переданный движку при создании сессии
func (s *Session) Correlator() *engine.Correlator { return s.correlator }

// Channel созданный канал или nil
func (s *Session) Channel() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) current() engine.Channel {
	if ch := s.Channel(); ch != nil {
		return ch
	}
	return nil
}

// Sent отправленные через сессию сообщения
func (s *Session) Sent() []*mrcp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*mrcp.Message(nil), s.sent...)
}

// Terminates количество вызовов Terminate
func (s *Session) Terminates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminates
}

// Destroys количество вызовов Destroy
func (s *Session) Destroys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroys
}

// Deliver вызывает OnMessage на текущей горутине, как это сделал бы поток движка
func (s *Session) Deliver(msg *mrcp.Message) {
	s.handler.OnMessage(s.correlator, s.current(), msg)
}

// FireTerminate вызывает OnTerminate на текущей горутине
func (s *Session) FireTerminate() {
	s.handler.OnTerminate(s.correlator, s.current())
}

// FireChannelAdd вызывает OnChannelAdd на текущей горутине
func (s *Session) FireChannelAdd(status engine.Status, desc *engine.RTPDescriptor) {
	s.handler.OnChannelAdd(s.correlator, s.current(), status, desc)
}
