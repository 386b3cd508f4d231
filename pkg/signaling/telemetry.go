package signaling

import (
	"sync"
	"time"
)

// Stats снимок телеметрии одной сессии
type Stats struct {
	Handle     Handle
	State      string
	OpenedAt   time.Time
	Negotiated bool
	LocalPort  int

	PartialCount       int64
	FinalCount         int64
	ErrorCount         int64
	MessageCount       int64
	ResultEventsTotal  int64
	ResultTextBytes    int64
	LastFinalLatencyMs int64
	LastErrorCode      string

	RTPPacketsReceived int64
	RTPBytesReceived   int64
	DroppedDeliveries  int64
}

// telemetry счетчики сессии. Обновляются с горутины потребителя, воркеров
// и потока движка, поэтому защищены собственным мьютексом.
type telemetry struct {
	mu sync.Mutex
	s  Stats
}

func newTelemetry() *telemetry {
	return &telemetry{}
}

// observe учитывает событие, переданное потребителю
func (t *telemetry) observe(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case EventResult:
		t.s.ResultEventsTotal++
		t.s.ResultTextBytes += int64(len(ev.Text))
		switch ev.Stage {
		case StagePartial:
			t.s.PartialCount++
		case StageFinal:
			t.s.FinalCount++
			if ev.LatencyMs > 0 {
				t.s.LastFinalLatencyMs = ev.LatencyMs
			}
		}
	case EventError:
		t.s.ErrorCount++
		if ev.Code != "" {
			t.s.LastErrorCode = ev.Code
		}
	case EventMessage:
		t.s.MessageCount++
	}
}

func (t *telemetry) rtpPacket(size int) {
	t.mu.Lock()
	t.s.RTPPacketsReceived++
	t.s.RTPBytesReceived += int64(size)
	t.mu.Unlock()
}

func (t *telemetry) dropped() {
	t.mu.Lock()
	t.s.DroppedDeliveries++
	t.mu.Unlock()
}

func (t *telemetry) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}
