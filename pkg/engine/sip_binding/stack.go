package sip_binding

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
)

// stack SIP стек движка: UA, клиент для исходящих запросов и сервер для
// входящих BYE. Диалоги сопоставляются с сессиями по Call-ID.
type stack struct {
	cfg        Config
	logger     *slog.Logger
	ua         *sipgo.UserAgent
	server     *sipgo.Server
	client     *sipgo.Client
	contact    sip.ContactHeader
	transport  string
	listenAddr string

	ctx      context.Context
	cancel   context.CancelFunc
	listener io.Closer
	served   chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session
}

func newStack(cfg Config, p engine.Profile, logger *slog.Logger) (*stack, error) {
	transport := strings.ToLower(p.Transport)
	if transport != "udp" && transport != "tcp" {
		return nil, fmt.Errorf("неподдерживаемый транспорт %q", p.Transport)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("failed to create UA: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(p.ClientIP))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	s := &stack{
		cfg:       cfg,
		logger:    logger,
		ua:        ua,
		server:    server,
		client:    client,
		transport: transport,
		served:    make(chan struct{}),
		sessions:  make(map[string]*Session),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	server.OnBye(s.handleBye)

	// bind синхронный, ошибка возвращается из Init
	serve, bound, err := s.listen(net.JoinHostPort(p.ClientIP, strconv.Itoa(p.ClientPort)))
	if err != nil {
		s.cancel()
		client.Close()
		server.Close()
		ua.Close()
		return nil, err
	}
	s.listenAddr = bound.String()
	s.contact = sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "mrcp-bridge",
			Host:   p.ClientIP,
			Port:   addrPort(bound),
		},
	}

	go func() {
		defer close(s.served)
		if err := serve(); err != nil && s.ctx.Err() == nil {
			logger.Error("SIP сервер остановлен с ошибкой",
				slog.String("listen", s.listenAddr),
				slog.String("error", err.Error()))
		}
	}()
	return s, nil
}

// listen открывает сокет транспорта и возвращает функцию обслуживания
func (s *stack) listen(addr string) (func() error, net.Addr, error) {
	switch s.transport {
	case "tcp":
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("SIP listen tcp %s: %w", addr, err)
		}
		s.listener = l
		return func() error { return s.server.ServeTCP(l) }, l.Addr(), nil
	default:
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, nil, fmt.Errorf("SIP listen udp %s: %w", addr, err)
		}
		s.listener = conn
		return func() error { return s.server.ServeUDP(conn) }, conn.LocalAddr(), nil
	}
}

func addrPort(a net.Addr) int {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.Port
	case *net.TCPAddr:
		return v.Port
	}
	return 0
}

func (s *stack) register(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.callID] = sess
	s.mu.Unlock()
}

func (s *stack) unregister(sess *Session) {
	s.mu.Lock()
	if s.sessions[sess.callID] == sess {
		delete(s.sessions, sess.callID)
	}
	s.mu.Unlock()
}

func (s *stack) lookup(callID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[callID]
}

// handleBye завершает сессию по инициативе сервера
func (s *stack) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	sess := s.lookup(callID)
	if sess == nil {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Warn("не удалось ответить на BYE",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
	sess.remoteBye()
}

func (s *stack) close() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.server != nil {
		s.server.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	s.ua.Close()

	select {
	case <-s.served:
	case <-time.After(time.Second):
		s.logger.Warn("SIP сервер не остановился за 1с", slog.String("listen", s.listenAddr))
	}
}
