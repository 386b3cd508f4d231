package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/mrcp_bridge/pkg/engine/sip_binding"
	"github.com/arzzra/mrcp_bridge/pkg/mrcp"
	"github.com/arzzra/mrcp_bridge/pkg/signaling"
)

var (
	profileID  string
	endpoint   string
	codec      string
	sampleRate int
	rtpMin     int
	rtpMax     int
	negotiate  time.Duration
	grammar    string
	duration   time.Duration
	simulate   bool
	monitorRTP bool
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Открыть сессию распознавания и печатать события до закрытия",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("negotiation-timeout") {
			cfg.NegotiationTimeout = negotiate
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := newMetricsRegistry()
		if metricsAddr != "" {
			serveMetrics(ctx, metricsAddr, reg)
		}

		binding := sip_binding.New(sip_binding.DefaultConfig())
		ctrl, err := signaling.NewController(binding, cfg,
			signaling.WithMetrics(signaling.NewMetrics(reg)),
			signaling.WithWorkerFactory(probeWorkers))
		if err != nil {
			return err
		}
		defer ctrl.Shutdown()

		info, err := ctrl.OpenSession(ctx, signaling.SessionConfig{
			Endpoint:   endpoint,
			ProfileID:  profileID,
			Codec:      codec,
			SampleRate: sampleRate,
			RTPPortMin: rtpMin,
			RTPPortMax: rtpMax,
		})
		if err != nil {
			return fmt.Errorf("открытие сессии: %w", err)
		}
		fmt.Printf("handle=%d remote=%s:%d pt=%d ptime=%dms local_port=%d negotiated=%t\n",
			info.Handle, info.RemoteIP, info.RemotePort, info.PayloadType,
			info.PtimeMs, info.LocalPort, info.Negotiated)

		closed := make(chan struct{})
		var once sync.Once
		err = ctrl.Subscribe(info.Handle, func(ev signaling.Event) {
			printEvent(ev)
			if ev.Type == signaling.EventClosed {
				once.Do(func() { close(closed) })
			}
		})
		if err != nil {
			return err
		}

		if grammar != "" && info.Negotiated {
			req := mrcp.NewRequest(mrcp.MethodRecognize, 1, "")
			req.SetHeader(mrcp.HeaderContentType, "text/uri-list")
			req.Body = []byte(grammar)
			if err := ctrl.SendMessage(info.Handle, req); err != nil {
				slog.Warn("RECOGNIZE не отправлен", slog.String("error", err.Error()))
			}
		}

		var deadline <-chan time.Time
		if duration > 0 {
			deadline = time.After(duration)
		}
		select {
		case <-ctx.Done():
		case <-closed:
		case <-deadline:
		}

		if stats, err := ctrl.Stats(info.Handle); err == nil {
			fmt.Printf("state=%s final=%d partial=%d errors=%d rtp_packets=%d dropped=%d\n",
				stats.State, stats.FinalCount, stats.PartialCount, stats.ErrorCount,
				stats.RTPPacketsReceived, stats.DroppedDeliveries)
		}
		ctrl.Close(info.Handle)
		return nil
	},
}

func probeWorkers(info signaling.SessionInfo) signaling.Worker {
	var workers []signaling.Worker
	if monitorRTP {
		workers = append(workers, signaling.RTPMonitor(signaling.DefaultRTPMonitorConfig(), info.LocalPort))
	}
	if simulate {
		workers = append(workers, signaling.ResultSimulator(signaling.DefaultSimulatorConfig()))
	}
	if len(workers) == 0 {
		return nil
	}
	return signaling.Workers(workers...)
}

func printEvent(ev signaling.Event) {
	switch ev.Type {
	case signaling.EventResult:
		fmt.Printf("[%d] result %s %q cause=%s latency=%dms\n", ev.Handle, ev.Stage, ev.Text, ev.CompletionCause, ev.LatencyMs)
	case signaling.EventError:
		fmt.Printf("[%d] error %s: %s\n", ev.Handle, ev.Code, ev.Message)
	case signaling.EventClosed:
		fmt.Printf("[%d] closed: %s\n", ev.Handle, ev.Reason)
	case signaling.EventMessage:
		fmt.Printf("[%d] mrcp %s\n", ev.Handle, ev.MRCP)
	}
}

func init() {
	openCmd.Flags().StringVar(&profileID, "profile", "", "Профиль клиента, пусто - профиль по умолчанию")
	openCmd.Flags().StringVar(&endpoint, "endpoint", "", "Адрес сервера host[:port] вместо адреса профиля")
	openCmd.Flags().StringVar(&codec, "codec", "PCMU", "Кодек аудио")
	openCmd.Flags().IntVar(&sampleRate, "rate", 8000, "Частота дискретизации")
	openCmd.Flags().IntVar(&rtpMin, "rtp-min", 10000, "Начало диапазона локальных RTP портов")
	openCmd.Flags().IntVar(&rtpMax, "rtp-max", 10100, "Конец диапазона локальных RTP портов")
	openCmd.Flags().DurationVar(&negotiate, "negotiation-timeout", 3*time.Second, "Ожидание согласования канала")
	openCmd.Flags().StringVar(&grammar, "recognize", "", "URI грамматики для RECOGNIZE после согласования")
	openCmd.Flags().DurationVar(&duration, "duration", 0, "Закрыть сессию через указанное время, 0 - до Ctrl+C")
	openCmd.Flags().BoolVar(&simulate, "simulate", false, "Имитировать результаты распознавания")
	openCmd.Flags().BoolVar(&monitorRTP, "monitor-rtp", false, "Считать входящие RTP пакеты на локальном порту")
}
