package sip_binding

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
)

// Client клиент движка. Владеет созданными через него сессиями и
// завершает оставшиеся при Shutdown.
type Client struct {
	cfg      Config
	stack    *stack
	profiles *engine.Profiles
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	sessions map[*Session]struct{}
}

// Start реализует engine.Client
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("клиент остановлен")
	}
	c.started = true
	return nil
}

// CreateSession реализует engine.Client
func (c *Client) CreateSession(params engine.SessionParams, corr *engine.Correlator, h engine.Handler) (engine.Session, error) {
	if h == nil {
		return nil, fmt.Errorf("handler не может быть nil")
	}
	profile, err := c.profiles.Lookup(params.ProfileID)
	if err != nil {
		return nil, err
	}
	target, err := targetURI(profile, params.Endpoint)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed {
		return nil, fmt.Errorf("клиент не запущен")
	}

	sess := newSession(c, profile, target, corr, h)
	c.sessions[sess] = struct{}{}
	c.stack.register(sess)

	sess.logger.Debug("сессия движка создана",
		slog.String("profile", profile.Name),
		slog.String("target", target.String()))
	return sess, nil
}

// Shutdown реализует engine.Client
func (c *Client) Shutdown() error {
	c.mu.Lock()
	c.closed = true
	left := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		left = append(left, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range left {
		errs = append(errs, s.Terminate(), s.Destroy())
	}
	return errors.Join(errs...)
}

func (c *Client) forget(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// targetURI строит Request-URI сервера из профиля. endpoint "host[:port]"
// заменяет адрес сервера профиля.
func targetURI(p engine.Profile, endpoint string) (sip.Uri, error) {
	host, port := p.ServerIP, p.ServerPort
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		h, ps, err := net.SplitHostPort(endpoint)
		if err != nil {
			host = endpoint
		} else {
			n, err := strconv.Atoi(ps)
			if err != nil || n <= 0 || n > 65535 {
				return sip.Uri{}, fmt.Errorf("некорректный порт в адресе %q", endpoint)
			}
			host, port = h, n
		}
	}
	if host == "" {
		return sip.Uri{}, fmt.Errorf("профиль %q: не задан адрес сервера", p.Name)
	}

	uri := sip.Uri{
		Scheme: "sip",
		User:   p.ServerUser,
		Host:   host,
		Port:   port,
	}
	if strings.EqualFold(p.Transport, "tcp") {
		uri.UriParams = sip.NewParams().Add("transport", "tcp")
	}
	return uri, nil
}
