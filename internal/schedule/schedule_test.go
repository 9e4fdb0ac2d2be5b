package schedule

import (
	"errors"
	"reflect"
	"testing"

	"thermosched/go-mqtt-thermostat/internal/model"
)

func TestGenerateExample(t *testing.T) {
	s, err := Generate(model.NewTimeOfDay(6, 0), 21.5, model.NewTimeOfDay(23, 0), 19.5)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := "00:00/19.5 02:30/20.5 06:00/21.5 10:00/21.0 14:30/20.5 18:30/20.0"
	if got := s.String(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestGenerateKeepsExistingMidnightPoint(t *testing.T) {
	// night 22:00 -> day 02:00 puts the first night-to-day step exactly on 00:00.
	s, err := Generate(model.NewTimeOfDay(2, 0), 20, model.NewTimeOfDay(22, 0), 18)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := "00:00/19.0 02:00/20.0 07:00/19.5 12:00/19.0 17:00/18.5 22:00/18.0"
	if got := s.String(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestGenerateDuplicateTimesTakeLaterTemperature(t *testing.T) {
	// A 30 minute night-to-day window makes the first step floor onto the night hour.
	s, err := Generate(model.NewTimeOfDay(6, 30), 21, model.NewTimeOfDay(6, 0), 17)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	seen := map[model.TimeOfDay]float64{}
	for _, p := range s {
		if temp, ok := seen[p.Time]; ok && temp != p.Temperature {
			t.Fatalf("duplicate time %s carries different temperatures %.1f and %.1f", p.Time, temp, p.Temperature)
		}
		seen[p.Time] = p.Temperature
	}
	// The last generated point lands on 06:00 with the night temperature.
	if got := seen[model.NewTimeOfDay(6, 0)]; got != 17 {
		t.Fatalf("expected 06:00 to keep later temperature 17.0, got %.1f", got)
	}
}

func TestGenerateZeroWidth(t *testing.T) {
	_, err := Generate(model.NewTimeOfDay(7, 0), 20, model.NewTimeOfDay(7, 0), 18)
	if !errors.Is(err, ErrZeroWidth) {
		t.Fatalf("expected ErrZeroWidth, got %v", err)
	}
}

func TestGenerateInvariantsForAllPairs(t *testing.T) {
	for day := 0; day < model.MinutesPerDay; day += 15 {
		for night := 0; night < model.MinutesPerDay; night += 15 {
			if day == night {
				continue
			}
			s, err := Generate(model.TimeOfDay(day), 21, model.TimeOfDay(night), 18)
			if err != nil {
				t.Fatalf("day=%d night=%d: %v", day, night, err)
			}
			if len(s) != PointsPerDay {
				t.Fatalf("day=%d night=%d: expected %d points", day, night, PointsPerDay)
			}
			if s[0].Time != 0 {
				t.Fatalf("day=%d night=%d: missing 00:00 anchor in %s", day, night, s)
			}
			for i, p := range s {
				if int(p.Time)%Granularity != 0 {
					t.Fatalf("day=%d night=%d: point %s not on granularity", day, night, p)
				}
				if i > 0 && p.Time < s[i-1].Time {
					t.Fatalf("day=%d night=%d: points out of order in %s", day, night, s)
				}
				if p.Temperature < 18 || p.Temperature > 21 {
					t.Fatalf("day=%d night=%d: temperature %.1f outside range", day, night, p.Temperature)
				}
			}
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	s, err := Generate(model.NewTimeOfDay(7, 15), 20.7, model.NewTimeOfDay(21, 45), 16.2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	points, err := Parse(s.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(points, s[:]) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", points, s[:])
	}
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	for _, in := range []string{"06:00", "6:00/20", "06:00/warm", "25:00/20.0"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}
