package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"thermosched/go-mqtt-thermostat/internal/config"
	"thermosched/go-mqtt-thermostat/internal/model"
	"thermosched/go-mqtt-thermostat/internal/mqtt"
	"thermosched/go-mqtt-thermostat/internal/schedule"
)

// Client is the part of the MQTT client the publisher uses.
type Client interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler mqtt.Handler) error
}

// Outcome is the per-device result of a run.
type Outcome string

const (
	OutcomePrinted       Outcome = "printed"
	OutcomePublished     Outcome = "published"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeFailed        Outcome = "failed"
	OutcomeMatch         Outcome = "match"
	OutcomeMismatch      Outcome = "mismatch"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// ErrNotConnected is reported for every device when no MQTT session is available.
var ErrNotConnected = errors.New("not connected to mqtt broker")

// Result describes what happened to one device.
type Result struct {
	Device      string
	Outcome     Outcome
	Err         error
	Differences []string
}

// Report collects the results of a run in device order.
type Report struct {
	Results []Result
}

// Count returns how many devices ended with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Publisher sends generated schedules to every configured thermostat.
type Publisher struct {
	cfg    *config.Config
	client Client
	logger *slog.Logger
	out    io.Writer
}

// New constructs a Publisher. client may be nil, in which case publish and check
// report every device as failed. Dry-run output is written to out.
func New(cfg *config.Config, client Client, logger *slog.Logger, out io.Writer) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	return &Publisher{cfg: cfg, client: client, logger: logger, out: out}
}

type dryRunLine struct {
	Device  string         `json:"device"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
}

// DryRun prints every payload as one JSON line without touching the broker.
func (p *Publisher) DryRun(ctx context.Context) Report {
	var report Report
	enc := json.NewEncoder(p.out)
	for _, name := range p.cfg.Names() {
		if ctx.Err() != nil {
			report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeSkipped, Err: ctx.Err()})
			continue
		}
		payload, ok := p.build(name, &report)
		if !ok {
			continue
		}
		topic := p.cfg.MQTT.SetTopic(name)
		if err := enc.Encode(dryRunLine{Device: name, Topic: topic, Payload: payload}); err != nil {
			p.logger.Error("write payload failed", "device", name, "error", err)
			report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeFailed, Err: fmt.Errorf("write payload: %w", err)})
			continue
		}
		p.logger.Info("dry run payload", "device", name, "topic", topic)
		report.Results = append(report.Results, Result{Device: name, Outcome: OutcomePrinted})
	}
	return report
}

// Publish sends each payload with QoS 1, pausing delay_between_messages between
// devices. A failed device is logged and the run continues.
func (p *Publisher) Publish(ctx context.Context) Report {
	var report Report
	delay := p.cfg.MQTT.DelayBetweenMessages.Std()
	sent := 0
	for _, name := range p.cfg.Names() {
		payload, ok := p.build(name, &report)
		if !ok {
			continue
		}
		if p.client == nil {
			p.logger.Error("publish skipped", "device", name, "error", ErrNotConnected)
			report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeFailed, Err: ErrNotConnected})
			continue
		}

		if sent > 0 && delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeSkipped, Err: err})
				continue
			}
		} else if ctx.Err() != nil {
			report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeSkipped, Err: ctx.Err()})
			continue
		}

		data, err := json.Marshal(payload)
		if err != nil {
			p.logger.Error("encode payload failed", "device", name, "error", err)
			report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeFailed, Err: fmt.Errorf("encode payload: %w", err)})
			continue
		}

		topic := p.cfg.MQTT.SetTopic(name)
		sent++
		if err := p.client.Publish(topic, data); err != nil {
			p.logger.Error("publish failed", "device", name, "topic", topic, "error", err)
			report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeFailed, Err: err})
			continue
		}
		p.logger.Info("published schedule", "device", name, "topic", topic)
		report.Results = append(report.Results, Result{Device: name, Outcome: OutcomePublished})
	}
	return report
}

// Check asks the monitor for its snapshots and compares each reported state with the
// payload that would be published.
func (p *Publisher) Check(ctx context.Context) Report {
	var report Report
	expected := make(map[string]map[string]any)
	var names []string
	for _, name := range p.cfg.Names() {
		payload, ok := p.build(name, &report)
		if !ok {
			continue
		}
		normalized, err := normalize(payload)
		if err != nil {
			report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeFailed, Err: err})
			continue
		}
		expected[name] = normalized
		names = append(names, name)
	}
	if len(names) == 0 {
		return report
	}

	if p.client == nil {
		for _, name := range names {
			report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeFailed, Err: ErrNotConnected})
		}
		p.logger.Error("check skipped", "error", ErrNotConnected)
		return sortResults(report)
	}

	collector := newCollector(names)
	prefix := strings.TrimRight(p.cfg.Monitor.RequestTopic, "/") + "/"
	if err := p.client.Subscribe(prefix+"+", func(m mqtt.Message) {
		collector.add(strings.TrimPrefix(m.Topic(), prefix), m.Payload())
	}); err != nil {
		return p.failAll(report, names, err)
	}
	if err := p.client.Publish(p.cfg.Monitor.RequestTopic, []byte("get")); err != nil {
		return p.failAll(report, names, err)
	}

	timer := time.NewTimer(p.cfg.MQTT.CheckTimeout.Std())
	defer timer.Stop()
	select {
	case <-collector.done:
	case <-timer.C:
		p.logger.Warn("check timed out waiting for monitor", "timeout", p.cfg.MQTT.CheckTimeout.Std())
	case <-ctx.Done():
	}

	snapshots := collector.snapshot()
	for _, name := range names {
		res := compare(name, expected[name], snapshots[name])
		switch res.Outcome {
		case OutcomeMatch:
			p.logger.Info("schedule matches", "device", name)
		case OutcomeMismatch:
			p.logger.Warn("schedule mismatch", "device", name, "differences", strings.Join(res.Differences, "; "))
		default:
			p.logger.Warn("schedule state indeterminate", "device", name, "error", res.Err)
		}
		report.Results = append(report.Results, res)
	}
	return sortResults(report)
}

func (p *Publisher) build(name string, report *Report) (map[string]any, bool) {
	payload, err := schedule.Build(p.cfg.Thermostats[name], p.cfg.Types)
	if err == nil {
		return payload, true
	}
	var unknown *schedule.UnknownTypeError
	if errors.As(err, &unknown) {
		p.logger.Error("skipping thermostat", "device", name, "error", err)
		report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeSkipped, Err: err})
		return nil, false
	}
	p.logger.Error("build payload failed", "device", name, "error", err)
	report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeFailed, Err: err})
	return nil, false
}

func (p *Publisher) failAll(report Report, names []string, err error) Report {
	p.logger.Error("check failed", "error", err)
	for _, name := range names {
		report.Results = append(report.Results, Result{Device: name, Outcome: OutcomeFailed, Err: err})
	}
	return sortResults(report)
}

func compare(name string, expected map[string]any, raw []byte) Result {
	res := Result{Device: name, Outcome: OutcomeIndeterminate}
	if raw == nil {
		res.Err = errors.New("no snapshot received")
		return res
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		res.Err = fmt.Errorf("decode snapshot: %w", err)
		return res
	}
	if !snap.Seen {
		res.Err = errors.New("device not seen by monitor")
		return res
	}
	var state map[string]any
	if err := json.Unmarshal(snap.State, &state); err != nil || state == nil {
		res.Err = errors.New("reported state is not a JSON object")
		return res
	}

	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		actual, ok := state[k]
		if !ok {
			res.Differences = append(res.Differences, fmt.Sprintf("%s: missing", k))
			continue
		}
		if !reflect.DeepEqual(expected[k], actual) {
			res.Differences = append(res.Differences, fmt.Sprintf("%s: expected %v, got %v", k, expected[k], actual))
		}
	}
	if len(res.Differences) > 0 {
		res.Outcome = OutcomeMismatch
	} else {
		res.Outcome = OutcomeMatch
	}
	return res
}

// normalize round-trips payload through JSON so values compare like decoded state.
func normalize(payload map[string]any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func sortResults(r Report) Report {
	sort.SliceStable(r.Results, func(i, j int) bool { return r.Results[i].Device < r.Results[j].Device })
	return r
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// collector gathers monitor snapshots until every expected device has answered.
type collector struct {
	mu      sync.Mutex
	pending map[string]struct{}
	got     map[string][]byte
	done    chan struct{}
}

func newCollector(names []string) *collector {
	c := &collector{
		pending: make(map[string]struct{}, len(names)),
		got:     make(map[string][]byte, len(names)),
		done:    make(chan struct{}),
	}
	for _, name := range names {
		c.pending[name] = struct{}{}
	}
	return c
}

func (c *collector) add(name string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[name]; !ok {
		return
	}
	c.got[name] = append([]byte(nil), payload...)
	delete(c.pending, name)
	if len(c.pending) == 0 {
		close(c.done)
	}
}

func (c *collector) snapshot() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.got))
	for k, v := range c.got {
		out[k] = v
	}
	return out
}
