// Package bridge реализует доставку событий из нескольких горутин-производителей
// в один контекст потребителя.
//
// Sink владеет отдельной горутиной потребителя и передает ей значения через
// канал емкостью 1. Производитель занимает единственный слот диспетчеризации,
// ставит запрос и ждет, пока потребитель закончит обработку. Поэтому события
// одного Sink обрабатываются строго по одному; порядок между разными Sink и
// между конкурирующими производителями не гарантируется.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSinkClosed доставка отклонена: Sink закрыт, потребитель не вызывался
var ErrSinkClosed = errors.New("bridge: sink закрыт")

// Consumer обработчик значений на стороне потребителя
type Consumer[T any] func(T)

// BuildFunc строит значение в контексте потребителя непосредственно перед вызовом Consumer
type BuildFunc[T any] func() T

type delivery[T any] struct {
	build    BuildFunc[T]
	started  bool // защищен Sink.mu
	finished chan struct{}
	err      error
}

// Sink точка доставки событий в контекст одного потребителя
type Sink[T any] struct {
	name     string
	consumer Consumer[T]
	logger   *slog.Logger

	slot     chan struct{} // емкость 1: один вызов в полете
	requests chan *delivery[T]
	quit     chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	closed   bool
	released bool
}

// Option настройка Sink
type Option func(*options)

type options struct {
	name   string
	logger *slog.Logger
}

// WithName имя Sink для логов
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger логгер Sink
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// NewSink создает Sink и запускает горутину потребителя
func NewSink[T any](consumer func(T), opts ...Option) *Sink[T] {
	o := options{name: "events"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With(slog.String("component", "bridge"))
	}

	s := &Sink[T]{
		name:     o.name,
		consumer: consumer,
		logger:   o.logger.With(slog.String("sink", o.name)),
		slot:     make(chan struct{}, 1),
		requests: make(chan *delivery[T], 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Deliver передает значение, построенное build, потребителю и возвращается
// после того, как потребитель его обработал. Если Sink закрыт до начала
// обработки, возвращается ErrSinkClosed и потребитель не вызывается.
//
// Если Sink закрывается, пока потребитель обрабатывает значение, Deliver
// возвращает nil не дожидаясь конца обработки: закрытие может выполняться из
// самого потребителя.
func (s *Sink[T]) Deliver(ctx context.Context, build BuildFunc[T]) error {
	select {
	case <-s.quit:
		return ErrSinkClosed
	default:
	}

	select {
	case s.slot <- struct{}{}:
	case <-s.quit:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.slot }()

	d := &delivery[T]{build: build, finished: make(chan struct{})}

	select {
	case s.requests <- d:
	case <-s.quit:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-d.finished:
		return d.err
	case <-s.quit:
		s.mu.Lock()
		started := d.started
		s.mu.Unlock()
		if started {
			return nil
		}
		return ErrSinkClosed
	}
}

func (s *Sink[T]) loop() {
	defer close(s.done)
	for {
		select {
		case d := <-s.requests:
			s.dispatch(d)
		case <-s.quit:
			return
		}
	}
}

func (s *Sink[T]) dispatch(d *delivery[T]) {
	defer close(d.finished)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		d.err = ErrSinkClosed
		return
	}
	d.started = true
	consumer := s.consumer
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника в обработчике событий", slog.Any("panic", r))
		}
	}()
	consumer(d.build())
}

// Close прекращает прием событий. После возврата Close ни один новый вызов
// потребителя не начнется, а заблокированные производители освобождаются.
// Не блокируется и безопасен для вызова под внешними блокировками.
func (s *Sink[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)
}

// Release освобождает Sink. Повторные вызовы ничего не делают.
// Release не ждет завершения текущего вызова потребителя: для этого есть Done.
func (s *Sink[T]) Release() {
	s.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.logger.Debug("sink освобожден")
}

// Closed сообщает, закрыт ли Sink
func (s *Sink[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done закрывается, когда горутина потребителя завершилась
func (s *Sink[T]) Done() <-chan struct{} {
	return s.done
}
