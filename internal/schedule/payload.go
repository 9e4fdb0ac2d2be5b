package schedule

import (
	"fmt"

	"thermosched/go-mqtt-thermostat/internal/model"
)

// DefaultPrefix is used for weekday keys when a type declares no schedule_prefix.
const DefaultPrefix = "schedule_"

// Weekdays are the suffixes of the per-day schedule keys, in bridge order.
var Weekdays = [...]string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// UnknownTypeError reports a thermostat whose type has no definition.
type UnknownTypeError struct {
	Device string
	Type   string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("thermostat %q references unknown type %q", e.Device, e.Type)
}

// Assemble merges the type's schedule mode keys with one key per weekday, all holding
// the same serialized schedule. The type definition is not modified.
func Assemble(def model.ThermostatType, s Schedule) map[string]any {
	payload := make(map[string]any, len(def.ScheduleMode)+len(Weekdays))
	for k, v := range def.ScheduleMode {
		payload[k] = v
	}

	prefix := def.SchedulePrefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	serialized := s.String()
	for _, day := range Weekdays {
		payload[prefix+day] = serialized
	}
	return payload
}

// Build generates the schedule of t and assembles its payload from the matching type.
func Build(t model.Thermostat, types map[string]model.ThermostatType) (map[string]any, error) {
	def, ok := types[t.Type]
	if !ok {
		return nil, &UnknownTypeError{Device: t.Name, Type: t.Type}
	}
	s, err := Generate(t.DayHour, t.DayTemperature, t.NightHour, t.NightTemperature)
	if err != nil {
		return nil, fmt.Errorf("thermostat %q: %w", t.Name, err)
	}
	return Assemble(def, s), nil
}
