package engine

import "sync/atomic"

// Correlator слабая обратная ссылка из сессии движка на handle моста.
// Движок получает указатель на коррелятор и возвращает его в обратных
// вызовах; владеет им запись сессии, которая освобождает его при закрытии.
type Correlator struct {
	handle uint64
	freed  atomic.Bool
}

// NewCorrelator создает коррелятор для handle
func NewCorrelator(handle uint64) *Correlator {
	return &Correlator{handle: handle}
}

// Handle возвращает handle и false, если коррелятор уже освобожден или nil
func (c *Correlator) Handle() (uint64, bool) {
	if c == nil || c.freed.Load() {
		return 0, false
	}
	return c.handle, true
}

// Free освобождает коррелятор. Повторные вызовы ничего не делают.
func (c *Correlator) Free() {
	if c == nil {
		return
	}
	c.freed.Store(true)
}

// Freed сообщает, освобожден ли коррелятор
func (c *Correlator) Freed() bool {
	return c == nil || c.freed.Load()
}
