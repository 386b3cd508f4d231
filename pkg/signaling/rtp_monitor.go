package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/pion/rtp"
)

// RTPMonitorConfig параметры монитора входящего RTP
type RTPMonitorConfig struct {
	ListenIP    string
	ReadBuffer  int           // SO_RCVBUF, 0 - системное значение
	PollTimeout time.Duration // период проверки отмены
}

// DefaultRTPMonitorConfig конфигурация по умолчанию
func DefaultRTPMonitorConfig() RTPMonitorConfig {
	return RTPMonitorConfig{
		ListenIP:    "0.0.0.0",
		ReadBuffer:  256 * 1024,
		PollTimeout: 200 * time.Millisecond,
	}
}

// RTPMonitor воркер, слушающий локальный RTP порт сессии. Каждый пакет
// разбирается как RTP и учитывается в телеметрии сессии. Если порт открыть
// не удалось, подписчик получает событие error.
func RTPMonitor(cfg RTPMonitorConfig, localPort int) Worker {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 200 * time.Millisecond
	}

	return func(ctx context.Context, p *Producer) {
		logger := p.Logger().With(slog.Int("rtp_port", localPort))

		conn, err := listenRTP(ctx, cfg, localPort)
		if err != nil {
			logger.Warn("не удалось открыть RTP порт", slog.String("error", err.Error()))
			_ = p.Emit(ctx, ErrorEvent(EventCodeRTPListenFailed, err.Error()))
			return
		}
		defer conn.Close()

		var (
			buf  = make([]byte, 1500)
			pkt  rtp.Packet
			ssrc uint32
			seen bool
		)
		for {
			if ctx.Err() != nil || !p.Running() {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(cfg.PollTimeout))
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Debug("ошибка чтения RTP", slog.String("error", err.Error()))
				continue
			}

			if err := pkt.Unmarshal(buf[:n]); err != nil {
				logger.Debug("не RTP пакет", slog.Int("size", n), slog.String("error", err.Error()))
				continue
			}
			if !seen || pkt.SSRC != ssrc {
				logger.Debug("новый RTP источник",
					slog.Uint64("ssrc", uint64(pkt.SSRC)),
					slog.Int("payload_type", int(pkt.PayloadType)))
				ssrc, seen = pkt.SSRC, true
			}
			p.RecordRTP(len(pkt.Payload))
		}
	}
}

func listenRTP(ctx context.Context, cfg RTPMonitorConfig, port int) (net.PacketConn, error) {
	ip := cfg.ListenIP
	if ip == "" {
		ip = "0.0.0.0"
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setRTPSocketOptions(int(fd), cfg.ReadBuffer)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen udp %s:%d: %w", ip, port, err)
	}
	return conn, nil
}
