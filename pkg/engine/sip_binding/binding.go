package sip_binding

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
)

// ErrNotInitialized Init не вызывался или уже выполнен Deinit
var ErrNotInitialized = errors.New("sip_binding: движок не инициализирован")

// Config настройки SIP движка
type Config struct {
	UserAgent      string
	DialTimeout    time.Duration // подключение управляющего канала TCP
	RequestTimeout time.Duration // ожидание ответа на BYE
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		UserAgent:      "mrcp-bridge",
		DialTimeout:    3 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Binding реализует engine.Binding поверх SIP (sipgo) с управляющим
// каналом MRCPv2 по TCP. Init читает профили клиента и поднимает SIP стек
// на адресе профиля по умолчанию; все клиенты используют этот стек.
type Binding struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	profiles *engine.Profiles
	stack    *stack
}

// New создает движок
func New(cfg Config) *Binding {
	def := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Binding{
		cfg:    cfg,
		logger: slog.Default().With(slog.String("component", "sip_binding")),
	}
}

// Init реализует engine.Binding. Ошибка bind SIP порта профиля по
// умолчанию возвращается вызывающему.
func (b *Binding) Init(layout engine.DirLayout) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stack != nil {
		return fmt.Errorf("sip_binding: повторный Init")
	}

	if err := layout.Check(); err != nil {
		return err
	}
	profiles, err := engine.LoadProfiles(layout.ProfilesPath())
	if err != nil {
		return err
	}
	def, err := profiles.Lookup("")
	if err != nil {
		return err
	}

	st, err := newStack(b.cfg, def, b.logger)
	if err != nil {
		return err
	}
	b.profiles = profiles
	b.stack = st

	b.logger.Info("SIP движок запущен",
		slog.String("profile", def.Name),
		slog.String("transport", def.Transport),
		slog.String("listen", st.listenAddr),
		slog.Any("profiles", profiles.Names()))
	return nil
}

// Deinit реализует engine.Binding
func (b *Binding) Deinit() {
	b.mu.Lock()
	st := b.stack
	b.stack = nil
	b.profiles = nil
	b.mu.Unlock()

	if st != nil {
		st.close()
		b.logger.Info("SIP движок остановлен")
	}
}

// NewClient реализует engine.Binding
func (b *Binding) NewClient(engine.DirLayout) (engine.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stack == nil {
		return nil, ErrNotInitialized
	}
	return &Client{
		cfg:      b.cfg,
		stack:    b.stack,
		profiles: b.profiles,
		sessions: make(map[*Session]struct{}),
		logger:   b.logger,
	}, nil
}
