package schedule

import (
	"errors"
	"reflect"
	"testing"

	"thermosched/go-mqtt-thermostat/internal/model"
)

func testSchedule(t *testing.T) Schedule {
	t.Helper()
	s, err := Generate(model.NewTimeOfDay(6, 0), 21.5, model.NewTimeOfDay(23, 0), 19.5)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return s
}

func TestAssembleAddsWeekdayKeys(t *testing.T) {
	s := testSchedule(t)
	def := model.ThermostatType{ScheduleMode: map[string]any{"preset": "programming", "system_mode": "heat"}}

	payload := Assemble(def, s)
	if len(payload) != 2+len(Weekdays) {
		t.Fatalf("unexpected key count %d: %v", len(payload), payload)
	}
	if payload["preset"] != "programming" || payload["system_mode"] != "heat" {
		t.Fatalf("schedule mode keys missing: %v", payload)
	}
	for _, day := range Weekdays {
		if payload["schedule_"+day] != s.String() {
			t.Fatalf("unexpected value for %s: %v", day, payload["schedule_"+day])
		}
	}
}

func TestAssembleUsesPrefix(t *testing.T) {
	s := testSchedule(t)
	payload := Assemble(model.ThermostatType{SchedulePrefix: "program_"}, s)
	if _, ok := payload["program_sunday"]; !ok {
		t.Fatalf("expected prefixed key, got %v", payload)
	}
	if _, ok := payload["schedule_sunday"]; ok {
		t.Fatalf("default prefix should not be used: %v", payload)
	}
}

func TestAssembleIsIdempotentAndDoesNotMutate(t *testing.T) {
	s := testSchedule(t)
	def := model.ThermostatType{ScheduleMode: map[string]any{"preset": "programming"}}

	first := Assemble(def, s)
	second := Assemble(def, s)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical payloads:\n%v\n%v", first, second)
	}
	if len(def.ScheduleMode) != 1 {
		t.Fatalf("type definition was modified: %v", def.ScheduleMode)
	}
}

func TestBuildUnknownType(t *testing.T) {
	thermostat := model.Thermostat{
		Name:             "Hall",
		DayHour:          model.NewTimeOfDay(6, 0),
		DayTemperature:   21,
		NightHour:        model.NewTimeOfDay(22, 0),
		NightTemperature: 18,
		Type:             "Foo",
	}
	_, err := Build(thermostat, map[string]model.ThermostatType{"TRV": {}})
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if unknown.Device != "Hall" || unknown.Type != "Foo" {
		t.Fatalf("unexpected error fields %+v", unknown)
	}
}

func TestBuildKnownType(t *testing.T) {
	thermostat := model.Thermostat{
		Name:             "Hall",
		DayHour:          model.NewTimeOfDay(6, 0),
		DayTemperature:   21.5,
		NightHour:        model.NewTimeOfDay(23, 0),
		NightTemperature: 19.5,
		Type:             "TRV",
	}
	payload, err := Build(thermostat, map[string]model.ThermostatType{"TRV": {ScheduleMode: map[string]any{"preset": "programming"}}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if payload["schedule_monday"] != "00:00/19.5 02:30/20.5 06:00/21.5 10:00/21.0 14:30/20.5 18:30/20.0" {
		t.Fatalf("unexpected monday schedule %v", payload["schedule_monday"])
	}
}
