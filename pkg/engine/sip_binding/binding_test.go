package sip_binding

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
	"github.com/arzzra/mrcp_bridge/pkg/mrcp"
)

func writeProfiles(t *testing.T, content string) engine.DirLayout {
	t.Helper()
	layout := engine.NewDirLayout(t.TempDir())
	require.NoError(t, os.MkdirAll(layout.ConfDir, 0o755))
	require.NoError(t, os.WriteFile(layout.ProfilesPath(), []byte(content), 0o644))
	return layout
}

func TestBinding_InitMissingProfiles(t *testing.T) {
	b := New(DefaultConfig())
	err := b.Init(engine.NewDirLayout(filepath.Join(t.TempDir(), "absent")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "каталог конфигурации")

	_, err = b.NewClient(engine.DirLayout{})
	assert.ErrorIs(t, err, ErrNotInitialized)

	// каталог есть, файла профилей нет
	layout := engine.NewDirLayout(t.TempDir())
	require.NoError(t, os.MkdirAll(layout.ConfDir, 0o755))
	assert.Error(t, b.Init(layout))
}

func TestBinding_InitPortBusy(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.LocalAddr().(*net.UDPAddr).Port

	layout := writeProfiles(t, fmt.Sprintf(`
[profiles.uni2]
server_ip = "127.0.0.1"
client_ip = "127.0.0.1"
client_port = %d
`, port))

	b := New(DefaultConfig())
	err = b.Init(layout)
	require.Error(t, err, "занятый SIP порт должен приводить к ошибке Init")
	assert.Contains(t, err.Error(), strconv.Itoa(port))

	_, err = b.NewClient(layout)
	assert.ErrorIs(t, err, ErrNotInitialized)

	// после освобождения порта Init проходит
	require.NoError(t, busy.Close())
	require.NoError(t, b.Init(layout))
	b.Deinit()
}

func TestBinding_Lifecycle(t *testing.T) {
	layout := writeProfiles(t, `
default_profile = "uni2"

[profiles.uni2]
server_ip = "127.0.0.1"
server_port = 8060
client_ip = "127.0.0.1"
client_port = 0
invite_timeout = "1s"
`)

	b := New(Config{})
	require.NoError(t, b.Init(layout))
	defer b.Deinit()

	assert.Error(t, b.Init(layout))

	c, err := b.NewClient(layout)
	require.NoError(t, err)

	_, err = c.CreateSession(engine.SessionParams{}, engine.NewCorrelator(1), &recorder{})
	assert.Error(t, err, "клиент не запущен")

	require.NoError(t, c.Start())
	sess, err := c.CreateSession(engine.SessionParams{}, engine.NewCorrelator(1), &recorder{})
	require.NoError(t, err)

	_, err = c.CreateSession(engine.SessionParams{ProfileID: "missing"}, engine.NewCorrelator(2), &recorder{})
	assert.Error(t, err)

	ch, err := sess.CreateChannel(engine.ChannelParams{Codec: "PCMU", SampleRate: 8000, LocalPort: 10000})
	require.NoError(t, err)
	assert.Empty(t, ch.ID())
	_, err = sess.CreateChannel(engine.ChannelParams{})
	assert.Error(t, err)

	assert.Error(t, sess.SendMessage(ch, mrcp.NewRequest(mrcp.MethodRecognize, 1, "")))

	require.NoError(t, c.Shutdown())
	assert.Error(t, c.Start())
	require.NoError(t, sess.Destroy())
}

func TestTargetURI(t *testing.T) {
	p := engine.Profile{Name: "p", ServerIP: "10.0.0.5", ServerPort: 8060, ServerUser: "unimrcp", Transport: "udp"}

	uri, err := targetURI(p, "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", uri.Host)
	assert.Equal(t, 8060, uri.Port)
	assert.Equal(t, "unimrcp", uri.User)

	uri, err = targetURI(p, "10.0.0.7:5070")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", uri.Host)
	assert.Equal(t, 5070, uri.Port)

	uri, err = targetURI(p, "mrcp.example.org")
	require.NoError(t, err)
	assert.Equal(t, "mrcp.example.org", uri.Host)
	assert.Equal(t, 8060, uri.Port)

	_, err = targetURI(p, "10.0.0.7:0")
	assert.Error(t, err)

	_, err = targetURI(engine.Profile{Name: "empty"}, "")
	assert.Error(t, err)
}

// recorder Handler, запоминающий входящие сообщения
type recorder struct {
	mu         sync.Mutex
	messages   []*mrcp.Message
	terminated int
}

func (r *recorder) OnChannelAdd(*engine.Correlator, engine.Channel, engine.Status, *engine.RTPDescriptor) {
}

func (r *recorder) OnMessage(_ *engine.Correlator, _ engine.Channel, m *mrcp.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

func (r *recorder) OnTerminate(*engine.Correlator, engine.Channel) {
	r.mu.Lock()
	r.terminated++
	r.mu.Unlock()
}

func (r *recorder) received() []*mrcp.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*mrcp.Message(nil), r.messages...)
}

func TestSession_ControlChannel(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	rec := &recorder{}
	s := &Session{
		handler: rec,
		corr:    engine.NewCorrelator(1),
		logger:  slog.Default(),
		control: local,
	}
	ch := &Channel{id: "32AECB23433801@speechrecog"}

	done := make(chan struct{})
	go func() {
		s.readControl(local, ch)
		close(done)
	}()

	req := mrcp.NewRequest(mrcp.MethodRecognize, 1, ch.ID())
	req.Body = []byte("builtin:grammar/transcribe")
	got := make(chan *mrcp.Message, 1)
	go func() {
		_ = mrcp.ReadMessages(remote, func(m *mrcp.Message) { got <- m }, nil)
	}()
	require.NoError(t, s.SendMessage(ch, req))

	select {
	case m := <-got:
		assert.Equal(t, mrcp.MethodRecognize, m.Method)
		assert.Equal(t, ch.ID(), m.ChannelID())
		assert.Equal(t, req.Body, m.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("запрос не дошел до сервера")
	}

	ev := &mrcp.Message{
		Type:         mrcp.MessageTypeEvent,
		Version:      mrcp.Version,
		Method:       mrcp.EventRecognitionComplete,
		RequestID:    1,
		RequestState: mrcp.RequestStateComplete,
	}
	ev.SetHeader(mrcp.HeaderChannelIdentifier, ch.ID())
	ev.SetHeader(mrcp.HeaderCompletionCause, "000 success")
	_, err := remote.Write(ev.Marshal())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.received()[0].IsEvent(mrcp.EventRecognitionComplete))

	local.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("чтение управляющего канала не завершилось")
	}
}
