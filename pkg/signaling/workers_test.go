package signaling

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mrcp_bridge/pkg/engine/mockEngine"
)

func TestResultSimulator(t *testing.T) {
	eng := mockEngine.New()
	sim := ResultSimulator(SimulatorConfig{
		PartialInterval: 10 * time.Millisecond,
		FinalAfter:      60 * time.Millisecond,
		TextPool:        []string{"алло"},
	})
	ctrl := newTestController(t, eng, testConfig(time.Second),
		WithWorkerFactory(func(SessionInfo) Worker { return sim }))

	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	events := newCollector()
	require.NoError(t, ctrl.Subscribe(info.Handle, events.consume))

	var final Event
	for final.Stage != StageFinal {
		final = events.next(t)
		require.Equal(t, EventResult, final.Type)
		assert.Equal(t, "алло", final.Text)
		assert.Equal(t, info.Handle, final.Handle)
	}
	assert.GreaterOrEqual(t, final.LatencyMs, int64(60))

	stats, err := ctrl.Stats(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FinalCount)
	assert.Positive(t, stats.PartialCount)
	assert.Equal(t, final.LatencyMs, stats.LastFinalLatencyMs)
	assert.Equal(t, stats.PartialCount+1, stats.ResultEventsTotal)
}

func TestResultSimulator_StopsOnClose(t *testing.T) {
	eng := mockEngine.New()
	sim := ResultSimulator(DefaultSimulatorConfig())
	ctrl := newTestController(t, eng, testConfig(time.Second),
		WithWorkerFactory(func(SessionInfo) Worker { return sim }))

	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	events := newCollector()
	require.NoError(t, ctrl.Subscribe(info.Handle, events.consume))

	started := time.Now()
	ctrl.Close(info.Handle)
	assert.Less(t, time.Since(started), time.Second)
	assert.Empty(t, events.all())
}

func TestWorkers_RunConcurrently(t *testing.T) {
	eng := mockEngine.New()
	emit := func(text string) Worker {
		return func(ctx context.Context, p *Producer) {
			_ = p.Emit(ctx, ResultEvent(StagePartial, text, 0))
		}
	}
	ctrl := newTestController(t, eng, testConfig(time.Second),
		WithWorkerFactory(func(SessionInfo) Worker {
			return Workers(emit("a"), nil, emit("b"))
		}))

	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	events := newCollector()
	require.NoError(t, ctrl.Subscribe(info.Handle, events.consume))

	got := map[string]bool{}
	got[events.next(t).Text] = true
	got[events.next(t).Text] = true
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
}

func TestWorkerFactory_ReceivesSessionInfo(t *testing.T) {
	eng := mockEngine.New(mockEngine.WithChannelAdd(remoteDesc("10.0.0.5", 6000, 30), 0))
	infos := make(chan SessionInfo, 1)
	ctrl := newTestController(t, eng, testConfig(time.Second),
		WithWorkerFactory(func(info SessionInfo) Worker {
			infos <- info
			return nil
		}))

	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)
	require.NoError(t, ctrl.Subscribe(info.Handle, func(Event) {}))

	got := <-infos
	assert.Equal(t, *info, got)
}

func TestWorker_PanicRecovered(t *testing.T) {
	eng := mockEngine.New()
	ctrl := newTestController(t, eng, testConfig(time.Second),
		WithWorkerFactory(func(SessionInfo) Worker {
			return func(context.Context, *Producer) { panic("boom") }
		}))

	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)
	require.NoError(t, ctrl.Subscribe(info.Handle, func(Event) {}))

	assert.NotPanics(t, func() { ctrl.Close(info.Handle) })
}

// freeEvenUDPPort ищет четный порт, свободный на 127.0.0.1
func freeEvenUDPPort(t *testing.T) int {
	t.Helper()
	for i := 0; i < 100; i++ {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		port := conn.LocalAddr().(*net.UDPAddr).Port
		conn.Close()
		if port%2 == 0 {
			return port
		}
	}
	t.Skip("не найден свободный четный UDP порт")
	return 0
}

func TestRTPMonitor_CountsPackets(t *testing.T) {
	port := freeEvenUDPPort(t)
	eng := mockEngine.New()
	cfg := RTPMonitorConfig{ListenIP: "127.0.0.1", PollTimeout: 20 * time.Millisecond}
	ctrl := newTestController(t, eng, testConfig(time.Second),
		WithWorkerFactory(func(info SessionInfo) Worker { return RTPMonitor(cfg, info.LocalPort) }))

	info, err := ctrl.OpenSession(context.Background(), SessionConfig{
		Codec: "PCMU", SampleRate: 8000, RTPPortMin: port, RTPPortMax: port,
	})
	require.NoError(t, err)
	require.Equal(t, port, info.LocalPort)
	require.NoError(t, ctrl.Subscribe(info.Handle, func(Event) {}))

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SSRC: 0x1234, Timestamp: 160},
		Payload: make([]byte, 160),
	}
	seq := uint16(1)
	send := func() {
		pkt.SequenceNumber = seq
		seq++
		if raw, err := pkt.Marshal(); err == nil {
			_, _ = conn.Write(raw)
		}
	}

	require.Eventually(t, func() bool {
		send()
		stats, err := ctrl.Stats(info.Handle)
		return err == nil && stats.RTPPacketsReceived >= 3
	}, 2*time.Second, 20*time.Millisecond)

	stats, err := ctrl.Stats(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, stats.RTPPacketsReceived*160, stats.RTPBytesReceived)
}

func TestRTPMonitor_ListenFailure(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("поведение SO_REUSEADDR для UDP зависит от платформы")
	}

	var busy net.PacketConn
	for i := 0; i < 100 && busy == nil; i++ {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		if conn.LocalAddr().(*net.UDPAddr).Port%2 == 0 {
			busy = conn
		} else {
			conn.Close()
		}
	}
	if busy == nil {
		t.Skip("не найден четный UDP порт")
	}
	defer busy.Close()
	port := busy.LocalAddr().(*net.UDPAddr).Port

	eng := mockEngine.New()
	cfg := RTPMonitorConfig{ListenIP: "127.0.0.1"}
	ctrl := newTestController(t, eng, testConfig(time.Second),
		WithWorkerFactory(func(info SessionInfo) Worker { return RTPMonitor(cfg, info.LocalPort) }))

	info, err := ctrl.OpenSession(context.Background(), SessionConfig{
		Codec: "PCMU", SampleRate: 8000, RTPPortMin: port, RTPPortMax: port,
	})
	require.NoError(t, err)

	events := newCollector()
	require.NoError(t, ctrl.Subscribe(info.Handle, events.consume))

	ev := events.next(t)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, EventCodeRTPListenFailed, ev.Code)
	assert.NotEmpty(t, ev.Message)
}
