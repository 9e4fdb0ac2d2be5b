package monitor

import (
	"encoding/json"
	"sort"
	"time"

	"thermosched/go-mqtt-thermostat/internal/model"
)

type deviceState struct {
	seen     bool
	lastSeen time.Time
	payload  json.RawMessage
	battery  *float64
}

// State is the last known state of every configured thermostat. It is not safe for
// concurrent use; the monitor only touches it from its event loop.
type State struct {
	names   []string
	devices map[string]*deviceState
}

// NewState tracks the given device names, all initially unseen.
func NewState(names []string) *State {
	s := &State{devices: make(map[string]*deviceState, len(names))}
	for _, name := range names {
		if _, ok := s.devices[name]; ok {
			continue
		}
		s.devices[name] = &deviceState{}
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s
}

// Observe records a message from name received at at. Payloads that are not valid
// JSON are kept as a JSON string. It reports false for unknown devices.
func (s *State) Observe(name string, payload []byte, at time.Time) bool {
	d, ok := s.devices[name]
	if !ok {
		return false
	}
	d.seen = true
	d.lastSeen = at
	if json.Valid(payload) {
		d.payload = append(json.RawMessage(nil), payload...)
	} else {
		quoted, _ := json.Marshal(string(payload))
		d.payload = quoted
	}

	var fields struct {
		Battery *float64 `json:"battery"`
	}
	if err := json.Unmarshal(payload, &fields); err == nil && fields.Battery != nil {
		d.battery = fields.Battery
	}
	return true
}

// Battery returns the last reported battery level of name.
func (s *State) Battery(name string) (float64, bool) {
	d, ok := s.devices[name]
	if !ok || d.battery == nil {
		return 0, false
	}
	return *d.battery, true
}

// Snapshot returns the wire form of name's state. Unseen devices produce an empty
// snapshot with null fields.
func (s *State) Snapshot(name string) (model.Snapshot, bool) {
	d, ok := s.devices[name]
	if !ok {
		return model.Snapshot{}, false
	}
	snap := model.Snapshot{Name: name, Seen: d.seen, State: json.RawMessage("null")}
	if !d.seen {
		return snap, true
	}
	lastSeen := d.lastSeen.UTC()
	snap.LastSeen = &lastSeen
	snap.State = append(json.RawMessage(nil), d.payload...)
	if d.battery != nil {
		b := *d.battery
		snap.Battery = &b
	}
	return snap, true
}

// Snapshots returns every device snapshot in name order.
func (s *State) Snapshots() []model.Snapshot {
	out := make([]model.Snapshot, 0, len(s.names))
	for _, name := range s.names {
		snap, _ := s.Snapshot(name)
		out = append(out, snap)
	}
	return out
}

// Unseen lists, in name order, devices never seen or last seen more than staleAfter
// before now. The result is never nil.
func (s *State) Unseen(now time.Time, staleAfter time.Duration) []string {
	out := []string{}
	for _, name := range s.names {
		d := s.devices[name]
		if !d.seen || now.Sub(d.lastSeen) > staleAfter {
			out = append(out, name)
		}
	}
	return out
}

// Names returns the tracked device names in order.
func (s *State) Names() []string {
	return append([]string(nil), s.names...)
}
