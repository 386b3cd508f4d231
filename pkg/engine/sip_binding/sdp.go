package sip_binding

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
)

const (
	protoMRCPv2  = "MRCPv2"
	mediaControl = "application"
	mediaAudio   = "audio"
)

// offerParams параметры SDP offer для одного канала распознавания
type offerParams struct {
	SessionName string
	LocalIP     string
	RTPPort     int
	Codec       string
	SampleRate  int
	PayloadType uint8
	PtimeMs     int
	Resource    string
}

// answerInfo результат разбора SDP answer
type answerInfo struct {
	Audio       *engine.MediaEndpoint
	ControlAddr string // host:port управляющего канала TCP
	ChannelID   string // значение a=channel
}

// buildOffer создает offer с управляющим каналом MRCPv2 и аудио потоком.
// Клиент только отправляет речь, поэтому аудио sendonly.
func buildOffer(p offerParams) ([]byte, error) {
	if net.ParseIP(p.LocalIP) == nil {
		return nil, fmt.Errorf("некорректный локальный адрес %q", p.LocalIP)
	}
	if p.RTPPort <= 0 {
		return nil, fmt.Errorf("некорректный RTP порт %d", p.RTPPort)
	}
	if p.SessionName == "" {
		p.SessionName = "mrcp-bridge"
	}
	if p.Resource == "" {
		p.Resource = "speechrecog"
	}
	conn := &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: p.LocalIP},
	}

	now := uint64(time.Now().Unix())
	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.LocalIP,
		},
		SessionName:           sdp.SessionName(p.SessionName),
		ConnectionInformation: conn,
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	control := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   mediaControl,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"TCP", protoMRCPv2},
			Formats: []string{"1"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("setup", "active"),
			sdp.NewAttribute("connection", "new"),
			sdp.NewAttribute("resource", p.Resource),
			sdp.NewAttribute("cmid", "1"),
		},
	}

	pt := strconv.Itoa(int(p.PayloadType))
	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   mediaAudio,
			Port:    sdp.RangedPort{Value: p.RTPPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
		ConnectionInformation: conn,
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%s %s/%d", pt, strings.ToUpper(p.Codec), p.SampleRate)),
			sdp.NewPropertyAttribute("sendonly"),
			sdp.NewAttribute("mid", "1"),
		},
	}
	if p.PtimeMs > 0 {
		audio.Attributes = append(audio.Attributes, sdp.NewAttribute("ptime", strconv.Itoa(p.PtimeMs)))
	}

	offer.MediaDescriptions = []*sdp.MediaDescription{control, audio}
	return offer.Marshal()
}

// parseAnswer извлекает из answer адрес управляющего канала и RTP сервера.
// Порт 0 у управляющего канала означает отказ сервера от ресурса.
func parseAnswer(body []byte) (*answerInfo, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("разбор SDP answer: %w", err)
	}

	info := &answerInfo{}
	for _, md := range desc.MediaDescriptions {
		host := connectionAddress(&desc, md)

		switch {
		case md.MediaName.Media == mediaControl && hasProto(md, protoMRCPv2):
			port := md.MediaName.Port.Value
			if port == 0 {
				return nil, fmt.Errorf("сервер отклонил управляющий канал")
			}
			if host == "" {
				return nil, fmt.Errorf("нет адреса управляющего канала")
			}
			info.ControlAddr = net.JoinHostPort(host, strconv.Itoa(port))
			if ch, ok := md.Attribute("channel"); ok {
				info.ChannelID = strings.TrimSpace(ch)
			}

		case md.MediaName.Media == mediaAudio && info.Audio == nil:
			ep := &engine.MediaEndpoint{IP: host, Port: md.MediaName.Port.Value}
			if v, ok := md.Attribute("ptime"); ok {
				if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					ep.PtimeMs = ms
				}
			}
			info.Audio = ep
		}
	}

	if info.ControlAddr == "" {
		return nil, fmt.Errorf("в answer нет управляющего канала %s", protoMRCPv2)
	}
	if info.ChannelID == "" {
		return nil, fmt.Errorf("в answer нет идентификатора канала")
	}
	return info, nil
}

func connectionAddress(desc *sdp.SessionDescription, md *sdp.MediaDescription) string {
	ci := md.ConnectionInformation
	if ci == nil {
		ci = desc.ConnectionInformation
	}
	if ci == nil || ci.Address == nil {
		return ""
	}
	return ci.Address.Address
}

func hasProto(md *sdp.MediaDescription, proto string) bool {
	for _, p := range md.MediaName.Protos {
		if strings.EqualFold(p, proto) {
			return true
		}
	}
	return false
}
