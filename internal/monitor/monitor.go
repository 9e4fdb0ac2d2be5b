package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"thermosched/go-mqtt-thermostat/internal/config"
	"thermosched/go-mqtt-thermostat/internal/model"
	"thermosched/go-mqtt-thermostat/internal/mqtt"
)

const eventBuffer = 256

// ErrStopped is returned by requests made after the event loop has exited.
var ErrStopped = errors.New("monitor stopped")

// Client is the part of the MQTT client the monitor uses.
type Client interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler mqtt.Handler) error
}

type event func(*Monitor)

// Monitor tracks thermostat state reported through the bridge and answers snapshot
// requests. All state is owned by the goroutine running Run.
type Monitor struct {
	cfg     *config.Config
	client  Client
	metrics *Metrics
	logger  *slog.Logger
	state   *State

	events chan event
	done   chan struct{}
	now    func() time.Time
}

// New constructs a monitor for every thermostat in cfg. metrics may be nil.
func New(cfg *config.Config, client Client, metrics *Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Monitor{
		cfg:     cfg,
		client:  client,
		metrics: metrics,
		logger:  logger,
		state:   NewState(cfg.Names()),
		events:  make(chan event, eventBuffer),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Subscribe registers the device state topics and the request topic.
func (m *Monitor) Subscribe() error {
	for _, name := range m.state.Names() {
		name := name
		topic := m.cfg.MQTT.StateTopic(name)
		err := m.client.Subscribe(topic, func(msg mqtt.Message) {
			payload := append([]byte(nil), msg.Payload()...)
			m.offer("state", func(m *Monitor) { m.observe(name, payload) })
		})
		if err != nil {
			return fmt.Errorf("subscribe device %q: %w", name, err)
		}
		m.logger.Debug("subscribed", "device", name, "topic", topic)
	}

	err := m.client.Subscribe(m.cfg.Monitor.RequestTopic, func(msg mqtt.Message) {
		payload := append([]byte(nil), msg.Payload()...)
		m.offer("request", func(m *Monitor) { m.handleRequest(payload) })
	})
	if err != nil {
		return fmt.Errorf("subscribe request topic: %w", err)
	}
	m.logger.Info("monitoring thermostats", "devices", len(m.state.Names()), "request_topic", m.cfg.Monitor.RequestTopic)
	return nil
}

// Run processes events until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			ev(m)
		}
	}
}

// Scan queues a staleness report.
func (m *Monitor) Scan() {
	m.post(func(m *Monitor) { m.reportUnseen() })
}

// Snapshots returns every device snapshot as seen by the event loop.
func (m *Monitor) Snapshots(ctx context.Context) ([]model.Snapshot, error) {
	reply := make(chan []model.Snapshot, 1)
	if !m.post(func(m *Monitor) { reply <- m.state.Snapshots() }) {
		return nil, ErrStopped
	}
	select {
	case snaps := <-reply:
		return snaps, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrStopped
	}
}

func (m *Monitor) post(ev event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// offer queues ev without blocking and drops it when the queue is full.
// MQTT callbacks must not block the client's delivery goroutine.
func (m *Monitor) offer(kind string, ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	default:
		m.metrics.dropped.Inc()
		m.logger.Warn("event queue full, dropping message", "kind", kind)
	}
}

func (m *Monitor) observe(name string, payload []byte) {
	now := m.now()
	if !m.state.Observe(name, payload, now) {
		return
	}
	m.metrics.messages.WithLabelValues(name).Inc()
	m.metrics.lastSeen.WithLabelValues(name).Set(float64(now.Unix()))
	if b, ok := m.state.Battery(name); ok {
		m.metrics.battery.WithLabelValues(name).Set(b)
	}
	m.logger.Debug("thermostat state", "device", name, "bytes", len(payload))
}

func (m *Monitor) handleRequest(payload []byte) {
	if !strings.EqualFold(strings.TrimSpace(string(payload)), "get") {
		m.logger.Debug("ignoring request", "payload", string(payload))
		return
	}
	m.metrics.requests.Inc()
	for _, snap := range m.state.Snapshots() {
		data, err := json.Marshal(snap)
		if err != nil {
			m.logger.Error("encode snapshot failed", "device", snap.Name, "error", err)
			continue
		}
		topic := m.cfg.Monitor.ResponseTopic(snap.Name)
		if err := m.client.Publish(topic, data); err != nil {
			m.logger.Error("publish snapshot failed", "device", snap.Name, "topic", topic, "error", err)
		}
	}
	m.logger.Info("answered snapshot request", "devices", len(m.state.Names()))
}

func (m *Monitor) reportUnseen() {
	names := m.state.Unseen(m.now(), m.cfg.Monitor.StaleAfter.Std())
	m.metrics.unseen.Set(float64(len(names)))

	data, err := json.Marshal(names)
	if err != nil {
		m.logger.Error("encode unseen report failed", "error", err)
		return
	}
	topic := m.cfg.Monitor.UnseenTopic()
	if err := m.client.Publish(topic, data); err != nil {
		m.logger.Error("publish unseen report failed", "topic", topic, "error", err)
		return
	}
	if len(names) > 0 {
		m.logger.Warn("thermostats not seen recently", "devices", strings.Join(names, ", "))
	}
}
