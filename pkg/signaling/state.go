package signaling

import (
	"context"

	"github.com/looplab/fsm"
)

// Состояния жизненного цикла сессии
const (
	StateCreated             = "created"
	StateNegotiating         = "negotiating"
	StateActive              = "active"
	StateNegotiationTimedOut = "negotiation_timed_out"
	StateNegotiationFailed   = "negotiation_failed"
	StateClosing             = "closing"
	StateClosed              = "closed"
)

// События жизненного цикла
const (
	eventNegotiate = "negotiate"
	eventAdded     = "added"
	eventTimeout   = "timeout"
	eventFailed    = "failed"
	eventClose     = "close"
	eventClosed    = "closed"
)

// newLifecycleFSM создает автомат сессии.
// Переходы выполняются под мьютексом реестра, кроме closing -> closed.
func newLifecycleFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: eventNegotiate, Src: []string{StateCreated}, Dst: StateNegotiating},
			{Name: eventAdded, Src: []string{StateNegotiating}, Dst: StateActive},
			{Name: eventTimeout, Src: []string{StateNegotiating}, Dst: StateNegotiationTimedOut},
			{Name: eventFailed, Src: []string{StateCreated, StateNegotiating}, Dst: StateNegotiationFailed},
			{Name: eventClose, Src: []string{
				StateCreated, StateNegotiating, StateActive,
				StateNegotiationTimedOut, StateNegotiationFailed,
			}, Dst: StateClosing},
			{Name: eventClosed, Src: []string{StateClosing}, Dst: StateClosed},
		}, nil,
	)
}

// transition выполняет переход, игнорируя недопустимые из текущего состояния
func transition(f *fsm.FSM, event string) {
	if f == nil || !f.Can(event) {
		return
	}
	_ = f.Event(context.Background(), event)
}
