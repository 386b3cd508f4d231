package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Profile профиль клиента: куда и как устанавливать сессии
type Profile struct {
	Name             string
	ServerIP         string
	ServerPort       int
	ServerUser       string
	Transport        string
	ClientIP         string
	ClientPort       int
	RTPIP            string
	ResourceLocation string
	InviteTimeout    time.Duration
}

// Profiles набор профилей из client-profiles.toml
type Profiles struct {
	Default string
	byName  map[string]Profile
}

type profileFile struct {
	DefaultProfile string                `toml:"default_profile"`
	Profiles       map[string]rawProfile `toml:"profiles"`
}

type rawProfile struct {
	ServerIP         string `toml:"server_ip"`
	ServerPort       int    `toml:"server_port"`
	ServerUser       string `toml:"server_user"`
	Transport        string `toml:"transport"`
	ClientIP         string `toml:"client_ip"`
	ClientPort       int    `toml:"client_port"`
	RTPIP            string `toml:"rtp_ip"`
	ResourceLocation string `toml:"resource_location"`
	InviteTimeout    string `toml:"invite_timeout"`
}

func defaultProfile(name string) Profile {
	return Profile{
		Name:             name,
		ServerPort:       8060,
		ServerUser:       "unimrcp",
		Transport:        "udp",
		ClientIP:         "127.0.0.1",
		ClientPort:       25097,
		ResourceLocation: "media",
		InviteTimeout:    5 * time.Second,
	}
}

// LoadProfiles читает профили из файла TOML
func LoadProfiles(path string) (*Profiles, error) {
	var raw profileFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("загрузка профилей %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("неизвестный ключ в %s: %s", path, undecoded[0])
	}
	if len(raw.Profiles) == 0 {
		return nil, fmt.Errorf("в %s нет ни одного профиля", path)
	}

	out := &Profiles{
		Default: strings.TrimSpace(raw.DefaultProfile),
		byName:  make(map[string]Profile, len(raw.Profiles)),
	}

	for name, rp := range raw.Profiles {
		p := defaultProfile(name)
		key := func(k string) bool { return meta.IsDefined("profiles", name, k) }

		if key("server_ip") {
			p.ServerIP = strings.TrimSpace(rp.ServerIP)
		}
		if key("server_port") {
			p.ServerPort = rp.ServerPort
		}
		if key("server_user") {
			p.ServerUser = strings.TrimSpace(rp.ServerUser)
		}
		if key("transport") {
			p.Transport = strings.ToLower(strings.TrimSpace(rp.Transport))
		}
		if key("client_ip") {
			p.ClientIP = strings.TrimSpace(rp.ClientIP)
		}
		if key("client_port") {
			p.ClientPort = rp.ClientPort
		}
		if key("rtp_ip") {
			p.RTPIP = strings.TrimSpace(rp.RTPIP)
		}
		if key("resource_location") {
			p.ResourceLocation = strings.TrimSpace(rp.ResourceLocation)
		}
		if key("invite_timeout") {
			d, err := time.ParseDuration(strings.TrimSpace(rp.InviteTimeout))
			if err != nil {
				return nil, fmt.Errorf("профиль %s: invite_timeout: %w", name, err)
			}
			p.InviteTimeout = d
		}
		if p.RTPIP == "" {
			p.RTPIP = p.ClientIP
		}

		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("профиль %s: %w", name, err)
		}
		out.byName[name] = p
	}

	if out.Default != "" {
		if _, ok := out.byName[out.Default]; !ok {
			return nil, fmt.Errorf("default_profile %q не найден в %s", out.Default, path)
		}
	}
	return out, nil
}

// Validate проверяет обязательные поля профиля
func (p Profile) Validate() error {
	if p.ServerIP == "" {
		return fmt.Errorf("server_ip не задан")
	}
	if p.ServerPort <= 0 || p.ServerPort > 65535 {
		return fmt.Errorf("некорректный server_port %d", p.ServerPort)
	}
	if p.ClientPort < 0 || p.ClientPort > 65535 {
		return fmt.Errorf("некорректный client_port %d", p.ClientPort)
	}
	switch p.Transport {
	case "udp", "tcp":
	default:
		return fmt.Errorf("неподдерживаемый transport %q", p.Transport)
	}
	return nil
}

// Lookup возвращает профиль по имени. Пустое имя означает профиль по умолчанию,
// а при его отсутствии единственный профиль файла.
func (ps *Profiles) Lookup(name string) (Profile, error) {
	if name == "" {
		name = ps.Default
	}
	if name == "" && len(ps.byName) == 1 {
		for _, p := range ps.byName {
			return p, nil
		}
	}
	p, ok := ps.byName[name]
	if !ok {
		return Profile{}, fmt.Errorf("профиль %q не найден", name)
	}
	return p, nil
}

// Names имена профилей в алфавитном порядке
func (ps *Profiles) Names() []string {
	names := make([]string, 0, len(ps.byName))
	for name := range ps.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
