package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"thermosched/go-mqtt-thermostat/internal/config"
	"thermosched/go-mqtt-thermostat/internal/model"
	"thermosched/go-mqtt-thermostat/internal/monitor"
	"thermosched/go-mqtt-thermostat/internal/mqtt"
)

// DeviceSource returns the current device snapshots.
type DeviceSource interface {
	Snapshots(ctx context.Context) ([]model.Snapshot, error)
}

// App wires together the thermostat monitor services and manages their lifecycle.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	mdns   *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run connects to the broker, starts the monitor and blocks until the context is
// cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := mqtt.Connect(mqtt.Options{
		BrokerURL: mqtt.BrokerURL(a.cfg.MQTT.Broker, a.cfg.MQTT.Port),
		ClientID:  mqtt.ClientID("thermostat-monitor", a.cfg.MQTT.ClientID),
		Username:  a.cfg.MQTT.Username,
		Password:  a.cfg.MQTT.Password,
		Timeout:   a.cfg.MQTT.ConnectTimeout.Std(),
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		client.Close()
		a.logger.Info("mqtt client disconnected")
	}()

	mon := monitor.New(a.cfg, client, monitor.NewMetrics(registry), a.logger)
	if err := mon.Subscribe(); err != nil {
		return err
	}

	scheduler := cron.New()
	scanEvery := "@every " + a.cfg.Monitor.ScanInterval.Std().String()
	if _, err := scheduler.AddFunc(scanEvery, mon.Scan); err != nil {
		return fmt.Errorf("schedule staleness scan: %w", err)
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()
	a.logger.Info("staleness scan scheduled", "every", a.cfg.Monitor.ScanInterval.Std(), "stale_after", a.cfg.Monitor.StaleAfter.Std())

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	monErrCh := make(chan error, 1)
	go func() {
		monErrCh <- mon.Run(loopCtx)
	}()

	var httpServer *http.Server
	httpErrCh := make(chan error, 1)
	if a.cfg.Monitor.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              a.cfg.Monitor.HTTPAddr,
			Handler:           Routes(mon, registry, a.logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("http server: %w", err)
			}
		}()

		if a.cfg.Monitor.Advertise {
			if err := a.startMDNS(a.cfg.Monitor.HTTPAddr); err != nil {
				a.logger.Warn("mDNS advertisement unavailable", "error", err)
			}
		}
	}
	defer a.stopMDNS()

	shutdownHTTP := func() error {
		if httpServer == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	}

	select {
	case <-ctx.Done():
		cancelLoop()
		<-monErrCh
		return shutdownHTTP()
	case err := <-httpErrCh:
		cancelLoop()
		<-monErrCh
		return err
	case err := <-monErrCh:
		_ = shutdownHTTP()
		return err
	}
}

// Routes builds the monitor HTTP surface.
func Routes(devices DeviceSource, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		snaps, err := devices.Snapshots(ctx)
		if err != nil {
			logger.Error("failed to load device snapshots", "error", err)
			http.Error(w, "monitor unavailable", http.StatusServiceUnavailable)
			return
		}

		response := struct {
			Devices []model.Snapshot `json:"devices"`
		}{Devices: snaps}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("failed to encode devices response", "error", err)
		}
	})
	return r
}
