package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
	"github.com/arzzra/mrcp_bridge/pkg/engine/mockEngine"
	"github.com/arzzra/mrcp_bridge/pkg/mrcp"
)

func TestOpenSession_Negotiated(t *testing.T) {
	eng := mockEngine.New(mockEngine.WithChannelAdd(remoteDesc("10.0.0.5", 6000, 20), 50*time.Millisecond))
	ctrl := newTestController(t, eng, DefaultConfig())

	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	assert.Equal(t, Handle(1), info.Handle)
	assert.Equal(t, "10.0.0.5", info.RemoteIP)
	assert.Equal(t, 6000, info.RemotePort)
	assert.Equal(t, uint8(0), info.PayloadType)
	assert.Equal(t, 20, info.PtimeMs)
	assert.Equal(t, 10000, info.LocalPort)
	assert.True(t, info.Negotiated)

	state, err := ctrl.State(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	sess := eng.LastSession()
	require.NotNil(t, sess)
	ch := sess.Channel()
	require.NotNil(t, ch)
	assert.Equal(t, "speechrecog", ch.Params.Resource)
	assert.Equal(t, 10000, ch.Params.LocalPort)
	assert.Equal(t, uint8(0), ch.Params.PayloadType)
}

func TestOpenSession_NegotiationTimeoutDefaults(t *testing.T) {
	if testing.Short() {
		t.Skip("ожидание полного таймаута согласования")
	}
	eng := mockEngine.New(mockEngine.WithNeverComplete())
	ctrl := newTestController(t, eng, DefaultConfig())

	started := time.Now()
	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(started), 3000*time.Millisecond)
	assert.Equal(t, "127.0.0.1", info.RemoteIP)
	assert.Equal(t, 5004, info.RemotePort)
	assert.Equal(t, uint8(0), info.PayloadType)
	assert.Equal(t, 20, info.PtimeMs)
	assert.False(t, info.Negotiated)
}

func TestOpenSession_LateChannelAddIgnored(t *testing.T) {
	eng := mockEngine.New(mockEngine.WithNeverComplete())
	ctrl := newTestController(t, eng, testConfig(100*time.Millisecond))

	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)
	require.False(t, info.Negotiated)

	eng.LastSession().FireChannelAdd(engine.StatusSuccess, remoteDesc("10.0.0.5", 6000, 30))

	state, err := ctrl.State(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, StateNegotiationTimedOut, state)

	stats, err := ctrl.Stats(info.Handle)
	require.NoError(t, err)
	assert.False(t, stats.Negotiated)
}

func TestOpenSession_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		opts       []mockEngine.Option
		wantIP     string
		wantPort   int
		wantPtime  int
		wantState  string
		negotiated bool
	}{
		{
			name:      "timeout",
			opts:      []mockEngine.Option{mockEngine.WithNeverComplete()},
			wantIP:    "127.0.0.1", wantPort: 5004, wantPtime: 20,
			wantState: StateNegotiationTimedOut,
		},
		{
			name:      "failure status",
			opts:      []mockEngine.Option{mockEngine.WithChannelAddFailure(10 * time.Millisecond)},
			wantIP:    "127.0.0.1", wantPort: 5004, wantPtime: 20,
			wantState: StateNegotiationFailed,
		},
		{
			name: "local side fallback",
			opts: []mockEngine.Option{mockEngine.WithChannelAdd(&engine.RTPDescriptor{
				Local: &engine.MediaEndpoint{IP: "192.168.1.10", Port: 7000, PtimeMs: 30},
			}, 0)},
			wantIP: "192.168.1.10", wantPort: 7000, wantPtime: 30,
			wantState: StateActive, negotiated: true,
		},
		{
			name:   "remote without ptime",
			opts:   []mockEngine.Option{mockEngine.WithChannelAdd(remoteDesc("10.0.0.7", 6002, 0), 0)},
			wantIP: "10.0.0.7", wantPort: 6002, wantPtime: 20,
			wantState: StateActive, negotiated: true,
		},
		{
			name:      "session creation fails",
			opts:      []mockEngine.Option{mockEngine.WithSessionError()},
			wantIP:    "127.0.0.1", wantPort: 5004, wantPtime: 20,
			wantState: StateNegotiationFailed,
		},
		{
			name:      "channel creation fails",
			opts:      []mockEngine.Option{mockEngine.WithChannelError()},
			wantIP:    "127.0.0.1", wantPort: 5004, wantPtime: 20,
			wantState: StateNegotiationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := mockEngine.New(tt.opts...)
			ctrl := newTestController(t, eng, testConfig(100*time.Millisecond))

			info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
			require.NoError(t, err)

			assert.Equal(t, tt.wantIP, info.RemoteIP)
			assert.Equal(t, tt.wantPort, info.RemotePort)
			assert.Equal(t, tt.wantPtime, info.PtimeMs)
			assert.Equal(t, tt.negotiated, info.Negotiated)

			state, err := ctrl.State(info.Handle)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, state)
		})
	}
}

func TestOpenSession_EngineFailureSkipsWait(t *testing.T) {
	eng := mockEngine.New(mockEngine.WithChannelError())
	ctrl := newTestController(t, eng, testConfig(2*time.Second))

	started := time.Now()
	_, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
}

func TestOpenSession_InvalidArgument(t *testing.T) {
	tests := []struct {
		name string
		cfg  SessionConfig
	}{
		{name: "no codec", cfg: SessionConfig{SampleRate: 8000, RTPPortMin: 10000, RTPPortMax: 10010}},
		{name: "no sample rate", cfg: SessionConfig{Codec: "PCMU", RTPPortMin: 10000, RTPPortMax: 10010}},
		{name: "no port range", cfg: SessionConfig{Codec: "PCMU", SampleRate: 8000}},
		{name: "inverted range", cfg: SessionConfig{Codec: "PCMU", SampleRate: 8000, RTPPortMin: 10010, RTPPortMax: 10000}},
		{name: "port too big", cfg: SessionConfig{Codec: "PCMU", SampleRate: 8000, RTPPortMin: 10000, RTPPortMax: 70000}},
		{name: "no even port", cfg: SessionConfig{Codec: "PCMU", SampleRate: 8000, RTPPortMin: 10001, RTPPortMax: 10001}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := mockEngine.New()
			ctrl := newTestController(t, eng, testConfig(100*time.Millisecond))

			info, err := ctrl.OpenSession(context.Background(), tt.cfg)
			assert.Nil(t, info)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Equal(t, ErrorCodeInvalidArgument, CodeOf(err))
			assert.Zero(t, ctrl.Registry().Len())
			assert.Zero(t, eng.Inits())
			assert.Empty(t, eng.Clients())
		})
	}
}

func TestOpenSession_EngineInitFailure(t *testing.T) {
	t.Run("init", func(t *testing.T) {
		boom := errors.New("sdk missing")
		eng := mockEngine.New(mockEngine.WithInitError(boom))
		ctrl := newTestController(t, eng, testConfig(100*time.Millisecond))

		_, err := ctrl.OpenSession(context.Background(), pcmuConfig())
		assert.ErrorIs(t, err, ErrEngineInitFailure)
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, ctrl.Registry().Len())
	})

	t.Run("client", func(t *testing.T) {
		eng := mockEngine.New(mockEngine.WithClientError())
		rt := engine.NewRuntime(eng, engine.NewDirLayout(""))
		ctrl := newTestController(t, eng, testConfig(100*time.Millisecond), WithRuntime(rt))

		_, err := ctrl.OpenSession(context.Background(), pcmuConfig())
		assert.ErrorIs(t, err, ErrEngineInitFailure)
		assert.Zero(t, ctrl.Registry().Len())
		assert.Zero(t, rt.Refs())
		assert.Equal(t, 1, eng.Deinits())
	})
}

func TestOpenSession_HandlesStrictlyIncrease(t *testing.T) {
	eng := mockEngine.New(mockEngine.WithChannelAdd(remoteDesc("10.0.0.5", 6000, 20), 0))
	ctrl := newTestController(t, eng, testConfig(time.Second))

	cfg := pcmuConfig()
	cfg.RTPPortMax = 10100

	var prev Handle
	for i := 0; i < 10; i++ {
		info, err := ctrl.OpenSession(context.Background(), cfg)
		require.NoError(t, err)
		assert.Greater(t, info.Handle, prev)
		prev = info.Handle
		if i%2 == 0 {
			ctrl.Close(info.Handle)
		}
	}

	info, err := ctrl.OpenSession(context.Background(), cfg)
	require.NoError(t, err)
	assert.Greater(t, info.Handle, prev)
	assert.Len(t, ctrl.Handles(), 6)
}

func TestOpenSession_PortAllocation(t *testing.T) {
	eng := mockEngine.New()
	ctrl := newTestController(t, eng, testConfig(100*time.Millisecond))

	cfg := SessionConfig{Codec: "PCMA", SampleRate: 8000, RTPPortMin: 10001, RTPPortMax: 10004}

	first, err := ctrl.OpenSession(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 10002, first.LocalPort)
	assert.Equal(t, uint8(8), first.PayloadType)

	second, err := ctrl.OpenSession(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 10004, second.LocalPort)

	_, err = ctrl.OpenSession(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Len(t, ctrl.Handles(), 2)

	ctrl.Close(first.Handle)
	third, err := ctrl.OpenSession(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 10002, third.LocalPort)
}

func TestOpenSession_ContextCancelled(t *testing.T) {
	eng := mockEngine.New(mockEngine.WithNeverComplete())
	ctrl := newTestController(t, eng, testConfig(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := ctrl.OpenSession(ctx, pcmuConfig())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Zero(t, ctrl.Registry().Len())
	assert.Equal(t, 1, eng.LastSession().Destroys())
}

func TestOpenSession_ClosedDuringNegotiation(t *testing.T) {
	eng := mockEngine.New(mockEngine.WithNeverComplete())
	ctrl := newTestController(t, eng, testConfig(5*time.Second))

	type result struct {
		info *SessionInfo
		err  error
	}
	done := make(chan result, 1)
	go func() {
		info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
		done <- result{info, err}
	}()

	require.Eventually(t, func() bool {
		state, err := ctrl.State(1)
		return err == nil && state == StateNegotiating
	}, time.Second, 5*time.Millisecond)
	ctrl.Close(1)

	select {
	case r := <-done:
		assert.Nil(t, r.info)
		assert.ErrorIs(t, r.err, ErrInvalidHandle)
	case <-time.After(2 * time.Second):
		t.Fatal("OpenSession не проснулся после Close")
	}
}

func TestPayloadType(t *testing.T) {
	assert.Equal(t, uint8(0), PayloadType("PCMU"))
	assert.Equal(t, uint8(0), PayloadType("pcmu"))
	assert.Equal(t, uint8(8), PayloadType("PCMA"))
	assert.Equal(t, uint8(96), PayloadType("L16"))
	assert.Equal(t, uint8(96), PayloadType("opus"))
}

func TestSubscribe_UnknownHandle(t *testing.T) {
	ctrl := newTestController(t, mockEngine.New(), testConfig(100*time.Millisecond))

	err := ctrl.Subscribe(42, func(Event) {})
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.Zero(t, ctrl.Registry().Len())
	assert.False(t, ctrl.Registry().Contains(42))
}

func TestSubscribe_Twice(t *testing.T) {
	ctrl := newTestController(t, mockEngine.New(), testConfig(100*time.Millisecond))
	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	require.NoError(t, ctrl.Subscribe(info.Handle, func(Event) {}))
	err = ctrl.Subscribe(info.Handle, func(Event) {})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	assert.ErrorIs(t, ctrl.Subscribe(info.Handle, nil), ErrInvalidArgument)
}

func TestEvents_FromEngine(t *testing.T) {
	eng := mockEngine.New(mockEngine.WithChannelAdd(remoteDesc("10.0.0.5", 6000, 20), 0))
	ctrl := newTestController(t, eng, testConfig(time.Second))
	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	events := newCollector()
	require.NoError(t, ctrl.Subscribe(info.Handle, events.consume))
	sess := eng.LastSession()

	start := &mrcp.Message{Type: mrcp.MessageTypeEvent, Method: mrcp.EventStartOfInput, RequestID: 1, RequestState: mrcp.RequestStateInProgress}
	sess.Deliver(start)

	complete := &mrcp.Message{Type: mrcp.MessageTypeEvent, Method: mrcp.EventRecognitionComplete, RequestID: 1, RequestState: mrcp.RequestStateComplete}
	complete.SetHeader(mrcp.HeaderCompletionCause, "000 success")
	complete.Body = []byte("привет")
	sess.Deliver(complete)

	noMatch := &mrcp.Message{Type: mrcp.MessageTypeEvent, Method: mrcp.EventRecognitionComplete, RequestID: 2, RequestState: mrcp.RequestStateComplete}
	noMatch.SetHeader(mrcp.HeaderCompletionCause, "001 no-match")
	sess.Deliver(noMatch)

	sess.FireTerminate()

	got := events.all()
	require.Len(t, got, 4)

	assert.Equal(t, EventMessage, got[0].Type)
	assert.Equal(t, mrcp.EventStartOfInput, got[0].MRCP.Method)

	assert.Equal(t, EventResult, got[1].Type)
	assert.Equal(t, StageFinal, got[1].Stage)
	assert.Equal(t, "привет", got[1].Text)
	assert.Equal(t, "success", got[1].CompletionCause)

	assert.Equal(t, EventError, got[2].Type)
	assert.Equal(t, EventCodeRecognition, got[2].Code)
	assert.Equal(t, "no-match", got[2].Message)

	assert.Equal(t, EventClosed, got[3].Type)
	assert.Equal(t, "terminated", got[3].Reason)
	for _, ev := range got {
		assert.Equal(t, info.Handle, ev.Handle)
	}

	stats, err := ctrl.Stats(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FinalCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, int64(1), stats.MessageCount)
	assert.Equal(t, int64(len("привет")), stats.ResultTextBytes)
	assert.Equal(t, EventCodeRecognition, stats.LastErrorCode)
	assert.True(t, stats.Negotiated)
	assert.Equal(t, StateActive, stats.State)
}

func TestEvents_WithoutSubscriberDropped(t *testing.T) {
	eng := mockEngine.New()
	ctrl := newTestController(t, eng, testConfig(time.Second))
	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	eng.LastSession().FireTerminate()

	stats, err := ctrl.Stats(info.Handle)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DroppedDeliveries)
}

func TestSendMessage(t *testing.T) {
	eng := mockEngine.New()
	ctrl := newTestController(t, eng, testConfig(time.Second))
	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	req := mrcp.NewRequest(mrcp.MethodRecognize, 1, "")
	req.Body = []byte("builtin:grammar/transcribe")
	require.NoError(t, ctrl.SendMessage(info.Handle, req))

	sent := eng.LastSession().Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, eng.LastSession().Channel().ID(), sent[0].ChannelID())

	assert.ErrorIs(t, ctrl.SendMessage(999, req), ErrInvalidHandle)
	assert.ErrorIs(t, ctrl.SendMessage(info.Handle, nil), ErrInvalidArgument)
}

func TestSendMessage_NoChannel(t *testing.T) {
	eng := mockEngine.New(mockEngine.WithChannelError())
	ctrl := newTestController(t, eng, testConfig(time.Second))
	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)

	err = ctrl.SendMessage(info.Handle, mrcp.NewRequest(mrcp.MethodStop, 2, ""))
	assert.Error(t, err)
	assert.Zero(t, CodeOf(err))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	eng := mockEngine.New(mockEngine.WithChannelAdd(remoteDesc("10.0.0.5", 6000, 20), 0))
	ctrl := newTestController(t, eng, testConfig(time.Second), WithMetrics(metrics))

	info, err := ctrl.OpenSession(context.Background(), pcmuConfig())
	require.NoError(t, err)
	require.NoError(t, ctrl.Subscribe(info.Handle, func(Event) {}))
	eng.LastSession().FireTerminate()

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.sessionsOpened))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.sessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.negotiations.WithLabelValues("added")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.eventsDelivered.WithLabelValues("closed")))

	sess := eng.LastSession()
	ctrl.Close(info.Handle)
	sess.FireTerminate()
	sess.Deliver(&mrcp.Message{Type: mrcp.MessageTypeEvent, Method: mrcp.EventStartOfInput})

	// обратные вызовы после Close учитываются как отброшенные
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.sessionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.deliveriesDropped))

	count, err := testutil.GatherAndCount(reg, "mrcp_signaling_sessions_opened_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
