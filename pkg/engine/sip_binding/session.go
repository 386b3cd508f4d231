package sip_binding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
	"github.com/arzzra/mrcp_bridge/pkg/mrcp"
)

// Channel канал ресурса MRCP. Идентификатор известен после согласования.
type Channel struct {
	params engine.ChannelParams

	mu sync.RWMutex
	id string
}

// ID реализует engine.Channel
func (ch *Channel) ID() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.id
}

func (ch *Channel) setID(id string) {
	ch.mu.Lock()
	ch.id = id
	ch.mu.Unlock()
}

// Session SIP диалог с сервером MRCP и управляющее TCP соединение
// единственного канала.
type Session struct {
	client  *Client
	stack   *stack
	profile engine.Profile
	target  sip.Uri
	corr    *engine.Correlator
	handler engine.Handler
	logger  *slog.Logger

	callID   string
	localTag string
	cseq     atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	channel     *Channel
	invite      *sip.Request
	answer      *sip.Response
	remote      sip.Uri
	control     net.Conn
	established bool
	terminated  bool
	destroyed   bool

	writeMu sync.Mutex
}

func newSession(c *Client, p engine.Profile, target sip.Uri, corr *engine.Correlator, h engine.Handler) *Session {
	s := &Session{
		client:   c,
		stack:    c.stack,
		profile:  p,
		target:   target,
		corr:     corr,
		handler:  h,
		callID:   uuid.NewString(),
		localTag: uuid.NewString()[:8],
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.logger = c.logger.With(slog.String("call_id", s.callID))
	return s
}

// CreateChannel реализует engine.Session. Поддерживается один канал на сессию.
func (s *Session) CreateChannel(params engine.ChannelParams) (engine.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return nil, fmt.Errorf("сессия завершена")
	}
	if s.channel != nil {
		return nil, fmt.Errorf("канал уже создан")
	}
	if params.Resource == "" {
		params.Resource = "speechrecog"
	}
	if params.LocalIP == "" {
		params.LocalIP = s.profile.RTPIP
	}
	s.channel = &Channel{params: params}
	return s.channel, nil
}

// AddChannel реализует engine.Session. INVITE отправляется асинхронно,
// результат сообщается через Handler.OnChannelAdd ровно один раз.
func (s *Session) AddChannel(ch engine.Channel) error {
	channel, ok := ch.(*Channel)
	if !ok || channel == nil {
		return fmt.Errorf("чужой канал %T", ch)
	}

	offer, err := buildOffer(offerParams{
		LocalIP:     channel.params.LocalIP,
		RTPPort:     channel.params.LocalPort,
		Codec:       channel.params.Codec,
		SampleRate:  channel.params.SampleRate,
		PayloadType: channel.params.PayloadType,
		PtimeMs:     channel.params.PtimeMs,
		Resource:    channel.params.Resource,
	})
	if err != nil {
		return err
	}

	if !s.spawn(func() { s.negotiate(channel, offer) }) {
		return fmt.Errorf("сессия завершена")
	}
	return nil
}

// spawn запускает горутину сессии, если сессия еще не уничтожена
func (s *Session) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Session) negotiate(ch *Channel, offer []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, s.profile.InviteTimeout)
	defer cancel()

	desc, err := s.sendInvite(ctx, ch, offer)
	if err != nil {
		s.logger.Warn("канал не добавлен", slog.String("error", err.Error()))
		s.handler.OnChannelAdd(s.corr, ch, engine.StatusFailure, nil)
		return
	}

	s.logger.Info("канал добавлен",
		slog.String("channel", ch.ID()),
		slog.String("remote_rtp", net.JoinHostPort(desc.Remote.IP, strconv.Itoa(desc.Remote.Port))))
	s.handler.OnChannelAdd(s.corr, ch, engine.StatusSuccess, desc)
}

// sendInvite выполняет INVITE транзакцию, подтверждает 2xx и подключает
// управляющий канал. Возвращает RTP описание обеих сторон.
func (s *Session) sendInvite(ctx context.Context, ch *Channel, offer []byte) (*engine.RTPDescriptor, error) {
	req := s.buildInvite(offer)
	s.mu.Lock()
	s.invite = req
	s.mu.Unlock()

	tx, err := s.stack.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, fmt.Errorf("failed to send INVITE: %w", err)
	}
	defer tx.Terminate()

	var res *sip.Response
	for res == nil {
		select {
		case r := <-tx.Responses():
			if r.StatusCode < 200 {
				continue
			}
			res = r
		case <-tx.Done():
			return nil, fmt.Errorf("INVITE транзакция завершена: %w", tx.Err())
		case <-ctx.Done():
			return nil, fmt.Errorf("нет ответа на INVITE: %w", ctx.Err())
		}
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("INVITE отклонен: %d %s", res.StatusCode, res.Reason)
	}

	remote := s.target
	if contact := res.Contact(); contact != nil {
		remote = contact.Address
	}
	s.mu.Lock()
	s.answer = res
	s.remote = remote
	s.established = true
	s.mu.Unlock()

	if err := s.stack.client.WriteRequest(s.buildACK(req, res), sipgo.ClientRequestAddVia); err != nil {
		return nil, fmt.Errorf("failed to send ACK: %w", err)
	}

	info, err := parseAnswer(res.Body())
	if err != nil {
		return nil, err
	}
	ch.setID(info.ChannelID)

	conn, err := (&net.Dialer{Timeout: s.client.cfg.DialTimeout}).DialContext(ctx, "tcp", info.ControlAddr)
	if err != nil {
		return nil, fmt.Errorf("подключение управляющего канала %s: %w", info.ControlAddr, err)
	}
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("сессия завершена во время согласования")
	}
	s.control = conn
	s.mu.Unlock()

	// если Destroy уже начат, соединение закрывает он
	s.spawn(func() { s.readControl(conn, ch) })

	desc := &engine.RTPDescriptor{
		Local: &engine.MediaEndpoint{
			IP:      ch.params.LocalIP,
			Port:    ch.params.LocalPort,
			PtimeMs: ch.params.PtimeMs,
		},
		Remote: info.Audio,
	}
	if desc.Remote == nil {
		desc.Remote = &engine.MediaEndpoint{}
	}
	return desc, nil
}

func (s *Session) readControl(conn net.Conn, ch *Channel) {
	err := mrcp.ReadMessages(conn,
		func(m *mrcp.Message) {
			s.handler.OnMessage(s.corr, ch, m)
		},
		func(err error) {
			s.logger.Warn("ошибка разбора MRCP", slog.String("error", err.Error()))
		})

	s.mu.Lock()
	expected := s.terminated
	s.mu.Unlock()
	if !expected && err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		s.logger.Warn("управляющий канал закрыт", slog.String("error", err.Error()))
	}
}

// SendMessage реализует engine.Session
func (s *Session) SendMessage(_ engine.Channel, msg *mrcp.Message) error {
	s.mu.Lock()
	conn := s.control
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("управляющий канал не подключен")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := conn.Write(msg.Marshal()); err != nil {
		return fmt.Errorf("запись в управляющий канал: %w", err)
	}
	return nil
}

// Terminate реализует engine.Session: BYE для установленного диалога
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	established := s.established
	s.established = false
	conn := s.control
	s.control = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	if !established {
		return nil
	}
	return s.sendBye()
}

func (s *Session) sendBye() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.cfg.RequestTimeout)
	defer cancel()

	bye := s.buildInDialog(sip.BYE)
	tx, err := s.stack.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("failed to send BYE: %w", err)
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode >= 300 {
			return fmt.Errorf("BYE отклонен: %d %s", res.StatusCode, res.Reason)
		}
		return nil
	case <-tx.Done():
		return fmt.Errorf("BYE транзакция завершена: %w", tx.Err())
	case <-ctx.Done():
		return fmt.Errorf("нет ответа на BYE: %w", ctx.Err())
	}
}

// Destroy реализует engine.Session. Ждет завершения горутин сессии.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.terminated = true
	conn := s.control
	s.control = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.stack.unregister(s)
	s.client.forget(s)
	s.wg.Wait()
	return nil
}

// remoteBye сервер завершил диалог
func (s *Session) remoteBye() {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.established = false
	conn := s.control
	s.control = nil
	ch := s.channel
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	s.logger.Info("сервер завершил сессию")

	var channel engine.Channel
	if ch != nil {
		channel = ch
	}
	s.spawn(func() { s.handler.OnTerminate(s.corr, channel) })
}

func (s *Session) buildInvite(offer []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, s.target)
	callID := sip.CallIDHeader(s.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{
		Address: s.stack.contact.Address,
		Params:  sip.NewParams().Add("tag", s.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: s.target, Params: sip.NewParams()})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq.Add(1), MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	contact := s.stack.contact
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("User-Agent", s.client.cfg.UserAgent))

	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Content-Length", strconv.Itoa(len(offer))))
	return req
}

// buildACK ACK на 2xx: CSeq как у INVITE, To с тегом сервера
func (s *Session) buildACK(invite *sip.Request, res *sip.Response) *sip.Request {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()

	ack := sip.NewRequest(sip.ACK, remote)
	callID := sip.CallIDHeader(s.callID)
	ack.AppendHeader(&callID)
	ack.AppendHeader(invite.From())
	ack.AppendHeader(res.To())
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	return ack
}

func (s *Session) buildInDialog(method sip.RequestMethod) *sip.Request {
	s.mu.Lock()
	invite, res, remote := s.invite, s.answer, s.remote
	s.mu.Unlock()

	req := sip.NewRequest(method, remote)
	callID := sip.CallIDHeader(s.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(invite.From())
	req.AppendHeader(res.To())
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq.Add(1), MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(sip.NewHeader("User-Agent", s.client.cfg.UserAgent))
	return req
}
