package schedule

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"thermosched/go-mqtt-thermostat/internal/model"
)

const (
	// PointsPerDay is the number of breakpoints the device firmware expects per day.
	PointsPerDay = 6
	// Granularity is the step, in minutes, every breakpoint is floored to.
	Granularity = 30

	nightToDaySteps = 2
	dayToNightSteps = 4
)

// ErrZeroWidth is returned when the day and night hours coincide.
var ErrZeroWidth = errors.New("day and night hours are equal")

// Point is one time/temperature breakpoint of a daily schedule.
type Point struct {
	Time        model.TimeOfDay
	Temperature float64
}

func (p Point) String() string {
	return fmt.Sprintf("%s/%.1f", p.Time, p.Temperature)
}

// Schedule is a full day of breakpoints ordered by time of day, starting at 00:00.
type Schedule [PointsPerDay]Point

// String renders the schedule in the bridge's "hh:mm/temp hh:mm/temp ..." form.
func (s Schedule) String() string {
	tokens := make([]string, len(s))
	for i, p := range s {
		tokens[i] = p.String()
	}
	return strings.Join(tokens, " ")
}

// Generate computes the six breakpoints of a day/night schedule.
//
// The night to day transition is split into two steps and the day to night transition
// into four, interpolating linearly between the two temperatures. Times are floored to
// Granularity. When no breakpoint lands on 00:00, the latest one is moved there, so the
// temperature in force across midnight is unchanged. Breakpoints that round onto the
// same time all take the temperature of the one generated last.
func Generate(dayHour model.TimeOfDay, dayTemp float64, nightHour model.TimeOfDay, nightTemp float64) (Schedule, error) {
	day := normalize(int(dayHour))
	night := normalize(int(nightHour))
	if day == night {
		return Schedule{}, ErrZeroWidth
	}

	points := make([]Point, 0, PointsPerDay)
	points = appendTransition(points, night, day, nightTemp, dayTemp, nightToDaySteps)
	points = appendTransition(points, day, night, dayTemp, nightTemp, dayToNightSteps)

	for i := range points {
		for j := len(points) - 1; j > i; j-- {
			if points[j].Time == points[i].Time {
				points[i].Temperature = points[j].Temperature
				break
			}
		}
	}

	anchorMidnight(points)

	sort.SliceStable(points, func(i, j int) bool { return points[i].Time < points[j].Time })

	var s Schedule
	copy(s[:], points)
	return s, nil
}

func appendTransition(points []Point, from, to int, fromTemp, toTemp float64, steps int) []Point {
	span := normalize(to - from)
	for i := 1; i <= steps; i++ {
		minute := normalize(from + span*i/steps)
		points = append(points, Point{
			Time:        model.TimeOfDay(minute - minute%Granularity),
			Temperature: roundTenth(fromTemp + (toTemp-fromTemp)*float64(i)/float64(steps)),
		})
	}
	return points
}

func anchorMidnight(points []Point) {
	latest := 0
	for i, p := range points {
		if p.Time == 0 {
			return
		}
		if p.Time >= points[latest].Time {
			latest = i
		}
	}
	points[latest].Time = 0
}

func normalize(minutes int) int {
	return ((minutes % model.MinutesPerDay) + model.MinutesPerDay) % model.MinutesPerDay
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// Parse reads back a schedule string produced by Schedule.String.
func Parse(s string) ([]Point, error) {
	fields := strings.Fields(s)
	points := make([]Point, 0, len(fields))
	for _, token := range fields {
		clock, temp, ok := strings.Cut(token, "/")
		if !ok {
			return nil, fmt.Errorf("schedule token %q: missing '/'", token)
		}
		if len(clock) != 5 || clock[2] != ':' {
			return nil, fmt.Errorf("schedule token %q: time must be hh:mm", token)
		}
		at, err := model.ParseTimeOfDay(clock)
		if err != nil {
			return nil, fmt.Errorf("schedule token %q: %w", token, err)
		}
		value, err := strconv.ParseFloat(temp, 64)
		if err != nil {
			return nil, fmt.Errorf("schedule token %q: invalid temperature: %w", token, err)
		}
		points = append(points, Point{Time: at, Temperature: value})
	}
	return points, nil
}
