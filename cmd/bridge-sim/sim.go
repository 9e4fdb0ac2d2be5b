package main

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"thermosched/go-mqtt-thermostat/internal/model"
)

// bridge holds the simulated state of every thermostat.
type bridge struct {
	mu      sync.Mutex
	rng     *rand.Rand
	devices map[string]map[string]any
}

func newBridge(thermostats map[string]model.Thermostat, rng *rand.Rand) *bridge {
	b := &bridge{rng: rng, devices: make(map[string]map[string]any, len(thermostats))}
	for name, t := range thermostats {
		b.devices[name] = map[string]any{
			"local_temperature":        t.NightTemperature,
			"current_heating_setpoint": t.NightTemperature,
			"battery":                  100.0,
			"linkquality":              120,
		}
	}
	return b
}

// apply merges a /set payload into the device state and returns the new state.
func (b *bridge) apply(name string, payload []byte) ([]byte, error) {
	var update map[string]any
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, fmt.Errorf("decode set payload: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.devices[name]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", name)
	}
	for k, v := range update {
		state[k] = v
	}
	return json.Marshal(state)
}

// tick drifts the temperature toward the setpoint, drains the battery a little
// and returns the new state.
func (b *bridge) tick(name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.devices[name]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", name)
	}

	current, _ := state["local_temperature"].(float64)
	target, ok := state["current_heating_setpoint"].(float64)
	if !ok {
		target = current
	}
	next := current + (target-current)*0.25 + (b.rng.Float64()-0.5)*0.2
	state["local_temperature"] = math.Round(next*10) / 10

	if battery, ok := state["battery"].(float64); ok && battery > 0 && b.rng.Intn(10) == 0 {
		state["battery"] = battery - 1
	}
	return json.Marshal(state)
}
