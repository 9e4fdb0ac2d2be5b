package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinutesPerDay is the length of a day in TimeOfDay units.
const MinutesPerDay = 24 * 60

// TimeOfDay is a wall-clock time expressed in minutes since midnight.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from an hour and minute.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay accepts "HH:MM" or a number of hours ("6", "6.5").
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time of day")
	}

	if h, m, ok := strings.Cut(s, ":"); ok {
		hour, err := strconv.Atoi(h)
		if err != nil {
			return 0, fmt.Errorf("invalid hour in %q: %w", s, err)
		}
		minute, err := strconv.Atoi(m)
		if err != nil {
			return 0, fmt.Errorf("invalid minute in %q: %w", s, err)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return 0, fmt.Errorf("time of day %q out of range", s)
		}
		return NewTimeOfDay(hour, minute), nil
	}

	hours, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if math.IsNaN(hours) || hours < 0 || hours >= 24 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	minutes := int(math.Round(hours * 60))
	if minutes >= MinutesPerDay {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay(minutes), nil
}

// Hour returns the hour component.
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component.
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// Normalize folds t into [00:00, 24:00).
func (t TimeOfDay) Normalize() TimeOfDay {
	return TimeOfDay(((int(t) % MinutesPerDay) + MinutesPerDay) % MinutesPerDay)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// UnmarshalYAML decodes scalar values such as `06:00`, `"6:30"` or `6`.
func (t *TimeOfDay) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: time of day must be a scalar", value.Line)
	}
	parsed, err := ParseTimeOfDay(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*t = parsed
	return nil
}

// Thermostat is the schedule definition of one configured device.
type Thermostat struct {
	Name             string
	DayHour          TimeOfDay
	DayTemperature   float64
	NightHour        TimeOfDay
	NightTemperature float64
	Type             string
}

// ThermostatType lists the payload keys a device model needs to enter schedule mode.
type ThermostatType struct {
	ScheduleMode   map[string]any `yaml:"schedule_mode"`
	SchedulePrefix string         `yaml:"schedule_prefix"`
}

// Snapshot is the last known state of a device as published by the monitor.
type Snapshot struct {
	Name     string          `json:"name"`
	Seen     bool            `json:"seen"`
	LastSeen *time.Time      `json:"last_seen"`
	State    json.RawMessage `json:"state"`
	Battery  *float64        `json:"battery"`
}
