package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/arzzra/mrcp_bridge/pkg/engine"
	"github.com/arzzra/mrcp_bridge/pkg/signaling"
)

var (
	root        string
	debug       bool
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "mrcp_probe",
	Short: "Проверка сессий распознавания через MRCP сервер",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
			sip.SIPDebug = true
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Показать профили клиента из client-profiles.toml",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		layout := cfg.Layout()
		profiles, err := engine.LoadProfiles(layout.ProfilesPath())
		if err != nil {
			return err
		}

		for _, name := range profiles.Names() {
			p, _ := profiles.Lookup(name)
			mark := " "
			if name == profiles.Default {
				mark = "*"
			}
			fmt.Printf("%s %-12s %s sip:%s@%s:%d client=%s:%d rtp=%s invite_timeout=%s\n",
				mark, name, p.Transport, p.ServerUser, p.ServerIP, p.ServerPort,
				p.ClientIP, p.ClientPort, p.RTPIP, p.InviteTimeout)
		}
		return nil
	},
}

// loadConfig конфигурация из окружения с переопределением флагами
func loadConfig(cmd *cobra.Command) (*signaling.Config, error) {
	cfg, err := signaling.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("root") {
		cfg.Root = root
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serveMetrics отдает метрики реестра reg на addr до отмены ctx
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		slog.Info("метрики доступны", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("сервер метрик остановлен", slog.String("error", err.Error()))
		}
	}()
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func init() {
	rootCmd.PersistentFlags().StringVar(&root, "root", engine.DefaultRoot, "Корень каталогов движка (UNIMRCP_ROOT)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Отладочный лог и трассировка SIP")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Адрес HTTP для /metrics, пусто - выключено")
}

func main() {
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(profilesCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
