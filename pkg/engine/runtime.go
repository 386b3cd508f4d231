package engine

import (
	"fmt"
	"log/slog"
	"sync"
)

// Runtime считает ссылки на инициализированный движок. Первый Acquire
// инициализирует Binding, последний Release деинициализирует его.
// Счетчик защищен собственным мьютексом и не зависит от реестра сессий.
type Runtime struct {
	binding Binding
	layout  DirLayout
	logger  *slog.Logger

	mu   sync.Mutex
	refs int
}

// NewRuntime создает счетчик для binding с раскладкой каталогов layout
func NewRuntime(binding Binding, layout DirLayout) *Runtime {
	return &Runtime{
		binding: binding,
		layout:  layout,
		logger:  slog.Default().With(slog.String("component", "engine_runtime")),
	}
}

// Acquire увеличивает счетчик, инициализируя движок при переходе 0 -> 1.
// При ошибке инициализации счетчик не меняется.
func (r *Runtime) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		if err := r.binding.Init(r.layout); err != nil {
			return fmt.Errorf("инициализация движка (%s): %w", r.layout.Root, err)
		}
		r.logger.Info("движок инициализирован", slog.String("root", r.layout.Root))
	}
	r.refs++
	return nil
}

// Release уменьшает счетчик и деинициализирует движок при достижении нуля.
// Лишние вызовы игнорируются.
func (r *Runtime) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		return
	}
	r.refs--
	if r.refs == 0 {
		r.binding.Deinit()
		r.logger.Info("движок деинициализирован")
	}
}

// Refs текущее количество ссылок
func (r *Runtime) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Binding возвращает движок рантайма
func (r *Runtime) Binding() Binding { return r.binding }

// Layout возвращает раскладку каталогов рантайма
func (r *Runtime) Layout() DirLayout { return r.layout }
