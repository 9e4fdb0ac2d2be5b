package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"thermosched/go-mqtt-thermostat/internal/model"
)

// Config lists everything the scheduler and the monitor read from the YAML file.
type Config struct {
	LogLevel    string
	MQTT        MQTTConfig
	Types       map[string]model.ThermostatType
	Thermostats map[string]model.Thermostat
	Monitor     MonitorConfig
}

// MQTTConfig describes the broker connection and publish pacing.
type MQTTConfig struct {
	Broker               string   `yaml:"broker"`
	Port                 int      `yaml:"port"`
	BaseTopic            string   `yaml:"base_topic"`
	Username             string   `yaml:"username"`
	Password             string   `yaml:"password"`
	ClientID             string   `yaml:"client_id"`
	DelayBetweenMessages Duration `yaml:"delay_between_messages"`
	CheckTimeout         Duration `yaml:"check_timeout"`
	ConnectTimeout       Duration `yaml:"connect_timeout"`
}

// MonitorConfig holds the thermostat monitor settings.
type MonitorConfig struct {
	RequestTopic string   `yaml:"request_topic"`
	StaleAfter   Duration `yaml:"stale_after"`
	ScanInterval Duration `yaml:"scan_interval"`
	HTTPAddr     string   `yaml:"http_addr"`

	// Advertise announces the HTTP surface over mDNS when HTTPAddr is set.
	Advertise bool `yaml:"advertise"`
}

const (
	defaultPort           = 1883
	defaultBaseTopic      = "zigbee2mqtt"
	defaultDelay          = 2 * time.Second
	defaultCheckTimeout   = 10 * time.Second
	defaultConnectTimeout = 15 * time.Second
	defaultRequestTopic   = "thermostat_monitor"
	defaultStaleAfter     = 30 * time.Minute
	defaultScanInterval   = time.Minute
	defaultLogLevel       = "info"

	logLevelEnv = "THERMOSTAT_LOG_LEVEL"
)

// ConfigError reports a configuration problem that prevents startup.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Duration accepts Go duration strings ("30m") or plain seconds ("1.5").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return fmt.Errorf("line %d: negative duration %q", value.Line, raw)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, raw)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: negative duration %q", value.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

type fileConfig struct {
	LogLevel    string                          `yaml:"log_level"`
	MQTT        MQTTConfig                      `yaml:"mqtt"`
	Types       map[string]model.ThermostatType `yaml:"thermostat_types"`
	Thermostats map[string]rawThermostat        `yaml:"thermostats"`
	Monitor     MonitorConfig                   `yaml:"monitor"`
}

type rawThermostat struct {
	DayHour          *model.TimeOfDay `yaml:"day_hour"`
	DayTemperature   *float64         `yaml:"day_temperature"`
	NightHour        *model.TimeOfDay `yaml:"night_hour"`
	NightTemperature *float64         `yaml:"night_temperature"`
	Type             string           `yaml:"type"`
}

// Load reads, decodes and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	cfg, err := Parse(data)
	if err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			cerr.Path = path
			return nil, cerr
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document. Defaults are applied before decoding so
// that only keys present in the document override them.
func Parse(data []byte) (*Config, error) {
	fc := fileConfig{
		LogLevel: defaultLogLevel,
		MQTT: MQTTConfig{
			Port:                 defaultPort,
			BaseTopic:            defaultBaseTopic,
			DelayBetweenMessages: Duration(defaultDelay),
			CheckTimeout:         Duration(defaultCheckTimeout),
			ConnectTimeout:       Duration(defaultConnectTimeout),
		},
		Monitor: MonitorConfig{
			RequestTopic: defaultRequestTopic,
			StaleAfter:   Duration(defaultStaleAfter),
			ScanInterval: Duration(defaultScanInterval),
			Advertise:    true,
		},
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&fc); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decode yaml: %w", err)}
	}

	cfg := &Config{
		LogLevel:    fc.LogLevel,
		MQTT:        fc.MQTT,
		Types:       fc.Types,
		Thermostats: make(map[string]model.Thermostat, len(fc.Thermostats)),
		Monitor:     fc.Monitor,
	}
	if cfg.Types == nil {
		cfg.Types = map[string]model.ThermostatType{}
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		cfg.LogLevel = v
	}

	var problems []string
	for name, raw := range fc.Thermostats {
		t, err := raw.resolve(name)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		cfg.Thermostats[name] = t
	}
	problems = append(problems, cfg.validate()...)

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &ConfigError{Err: errors.New(strings.Join(problems, "; "))}
	}
	return cfg, nil
}

func (r rawThermostat) resolve(name string) (model.Thermostat, error) {
	var missing []string
	if r.DayHour == nil {
		missing = append(missing, "day_hour")
	}
	if r.DayTemperature == nil {
		missing = append(missing, "day_temperature")
	}
	if r.NightHour == nil {
		missing = append(missing, "night_hour")
	}
	if r.NightTemperature == nil {
		missing = append(missing, "night_temperature")
	}
	if strings.TrimSpace(r.Type) == "" {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return model.Thermostat{}, fmt.Errorf("thermostat %q: missing %s", name, strings.Join(missing, ", "))
	}
	if r.DayHour.Normalize() == r.NightHour.Normalize() {
		return model.Thermostat{}, fmt.Errorf("thermostat %q: day_hour and night_hour are both %s", name, r.DayHour.Normalize())
	}

	return model.Thermostat{
		Name:             name,
		DayHour:          *r.DayHour,
		DayTemperature:   *r.DayTemperature,
		NightHour:        *r.NightHour,
		NightTemperature: *r.NightTemperature,
		Type:             strings.TrimSpace(r.Type),
	}, nil
}

func (c *Config) validate() []string {
	var problems []string
	if strings.TrimSpace(c.MQTT.Broker) == "" {
		problems = append(problems, "mqtt.broker is required")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		problems = append(problems, fmt.Sprintf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if strings.Trim(c.MQTT.BaseTopic, "/ ") == "" {
		problems = append(problems, "mqtt.base_topic is required")
	}
	if strings.Trim(c.Monitor.RequestTopic, "/ ") == "" {
		problems = append(problems, "monitor.request_topic is required")
	}
	if c.Monitor.ScanInterval.Std() <= 0 {
		problems = append(problems, "monitor.scan_interval must be positive")
	}
	for name := range c.Thermostats {
		if strings.ContainsAny(name, "/+#") {
			problems = append(problems, fmt.Sprintf("thermostat %q: name must not contain MQTT topic separators or wildcards", name))
		}
		if name == "unseen" {
			problems = append(problems, `thermostat "unseen": name is reserved for the staleness report`)
		}
	}
	return problems
}

// CheckTypes fails when any thermostat references a type missing from thermostat_types.
func (c *Config) CheckTypes() error {
	var unknown []string
	for _, name := range c.Names() {
		t := c.Thermostats[name]
		if _, ok := c.Types[t.Type]; !ok {
			unknown = append(unknown, fmt.Sprintf("thermostat %q references unknown type %q", name, t.Type))
		}
	}
	if len(unknown) > 0 {
		return &ConfigError{Err: errors.New(strings.Join(unknown, "; "))}
	}
	return nil
}

// Names returns the configured thermostat names in a stable order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Thermostats))
	for name := range c.Thermostats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SlogLevel maps log_level onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StateTopic is the bridge topic a device reports its state on.
func (m MQTTConfig) StateTopic(name string) string {
	return strings.TrimRight(m.BaseTopic, "/") + "/" + name + " Thermostat"
}

// SetTopic is the bridge topic accepting commands for a device.
func (m MQTTConfig) SetTopic(name string) string {
	return m.StateTopic(name) + "/set"
}

// ResponseTopic is where the monitor publishes the snapshot of one device.
func (m MonitorConfig) ResponseTopic(name string) string {
	return strings.TrimRight(m.RequestTopic, "/") + "/" + name
}

// UnseenTopic is where the monitor publishes its staleness report.
func (m MonitorConfig) UnseenTopic() string {
	return m.ResponseTopic("unseen")
}
