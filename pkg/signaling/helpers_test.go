package signaling

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
	"github.com/arzzra/mrcp_bridge/pkg/engine/mockEngine"
)

func remoteDesc(ip string, port, ptime int) *engine.RTPDescriptor {
	return &engine.RTPDescriptor{Remote: &engine.MediaEndpoint{IP: ip, Port: port, PtimeMs: ptime}}
}

func testConfig(timeout time.Duration) *Config {
	cfg := DefaultConfig()
	cfg.NegotiationTimeout = timeout
	return cfg
}

func pcmuConfig() SessionConfig {
	return SessionConfig{Codec: "PCMU", SampleRate: 8000, RTPPortMin: 10000, RTPPortMax: 10010}
}

func newTestController(t *testing.T, eng *mockEngine.Engine, cfg *Config, opts ...Option) *Controller {
	t.Helper()
	ctrl, err := NewController(eng, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctrl.Shutdown()
		eng.Wait()
	})
	return ctrl
}

// collector потребитель, запоминающий события
type collector struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newCollector() *collector {
	return &collector{ch: make(chan Event, 128)}
}

func (c *collector) consume(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.ch <- ev:
	default:
	}
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) count(t EventType) int {
	n := 0
	for _, ev := range c.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (c *collector) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("событие не получено")
		return Event{}
	}
}
