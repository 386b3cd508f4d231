package signaling

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
)

// Config настройки контроллера сессий.
// Значения по умолчанию соответствуют DefaultConfig, переопределяются
// переменными окружения через LoadConfigFromEnv.
type Config struct {
	// Корень каталогов движка
	Root string `env:"UNIMRCP_ROOT,default=configs/unimrcp"`

	// Ожидание согласования канала
	NegotiationTimeout time.Duration `env:"MRCP_NEGOTIATION_TIMEOUT,default=3s"`

	// Профиль клиента, если он не задан в SessionConfig
	DefaultProfile string `env:"MRCP_DEFAULT_PROFILE"`

	// Параметры медиа, подставляемые при отсутствии результата согласования
	FallbackIP      string `env:"MRCP_FALLBACK_IP,default=127.0.0.1"`
	FallbackPort    int    `env:"MRCP_FALLBACK_PORT,default=5004"`
	FallbackPtimeMs int    `env:"MRCP_FALLBACK_PTIME_MS,default=20"`

	// Локальный адрес RTP, сообщаемый движку при создании канала
	LocalIP string `env:"MRCP_LOCAL_IP,default=127.0.0.1"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Root:               engine.DefaultRoot,
		NegotiationTimeout: 3 * time.Second,
		FallbackIP:         "127.0.0.1",
		FallbackPort:       5004,
		FallbackPtimeMs:    20,
		LocalIP:            "127.0.0.1",
	}
}

// LoadConfigFromEnv читает конфигурацию из переменных окружения
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("конфигурация из окружения: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("Root не может быть пустым")
	}
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("NegotiationTimeout должен быть положительным")
	}
	if net.ParseIP(c.FallbackIP) == nil {
		return fmt.Errorf("некорректный FallbackIP %q", c.FallbackIP)
	}
	if c.FallbackPort <= 0 || c.FallbackPort > 65535 {
		return fmt.Errorf("некорректный FallbackPort %d", c.FallbackPort)
	}
	if c.FallbackPtimeMs <= 0 {
		return fmt.Errorf("FallbackPtimeMs должен быть положительным")
	}
	if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
		return fmt.Errorf("некорректный LocalIP %q", c.LocalIP)
	}
	return nil
}

// Copy создает копию конфигурации
func (c *Config) Copy() *Config {
	cp := *c
	return &cp
}

// Layout раскладка каталогов движка для Root
func (c *Config) Layout() engine.DirLayout {
	return engine.NewDirLayout(c.Root)
}

// SessionConfig параметры открытия сессии
type SessionConfig struct {
	Endpoint   string // адрес сервера, необязательный
	ProfileID  string // профиль клиента, необязательный
	Codec      string // PCMU, PCMA, L16 ...
	SampleRate int
	RTPPortMin int
	RTPPortMax int
}

// Validate проверяет обязательные поля и их форму
func (sc SessionConfig) Validate() error {
	if strings.TrimSpace(sc.Codec) == "" {
		return invalidArgument("codec обязателен")
	}
	if sc.SampleRate <= 0 {
		return invalidArgument("некорректная частота дискретизации %d", sc.SampleRate)
	}
	if sc.RTPPortMin <= 0 || sc.RTPPortMax > 65535 {
		return invalidArgument("некорректный диапазон RTP портов %d-%d", sc.RTPPortMin, sc.RTPPortMax)
	}
	if sc.RTPPortMin > sc.RTPPortMax {
		return invalidArgument("минимальный порт больше максимального: %d > %d", sc.RTPPortMin, sc.RTPPortMax)
	}
	if firstEven(sc.RTPPortMin) > sc.RTPPortMax {
		return invalidArgument("в диапазоне %d-%d нет четного порта", sc.RTPPortMin, sc.RTPPortMax)
	}
	return nil
}

// PayloadType возвращает статический payload type кодека или 96 для динамического
func PayloadType(codec string) uint8 {
	switch strings.ToUpper(strings.TrimSpace(codec)) {
	case "PCMU":
		return 0
	case "PCMA":
		return 8
	default:
		return 96
	}
}

// SessionInfo результат открытия сессии
type SessionInfo struct {
	Handle      Handle
	RemoteIP    string
	RemotePort  int
	PayloadType uint8
	PtimeMs     int
	LocalPort   int
	// Negotiated false, если параметры подставлены по умолчанию
	Negotiated bool
}
