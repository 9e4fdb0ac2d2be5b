package app

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"thermosched/go-mqtt-thermostat/internal/config"
)

func TestSanitizeMDNSInstance(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Thermostat Monitor (pi)", "Thermostat Monitor (pi)"},
		{"  host.local_name\n", "host local name"},
		{"\r\n", "Thermostat Monitor"},
		{"", "Thermostat Monitor"},
		{strings.Repeat("é", 70), strings.Repeat("é", 63)},
	}
	for _, tc := range cases {
		if got := sanitizeMDNSInstance(tc.in); got != tc.want {
			t.Fatalf("sanitizeMDNSInstance(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeMDNSHost(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Living Room_Pi", "living-room-pi"},
		{" rpi.lan\n", "rpi.lan"},
		{"   ", "thermostat-monitor"},
		{strings.Repeat("a", 80), strings.Repeat("a", 63)},
	}
	for _, tc := range cases {
		if got := sanitizeMDNSHost(tc.in); got != tc.want {
			t.Fatalf("sanitizeMDNSHost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestListenPort(t *testing.T) {
	cases := []struct {
		addr    string
		want    int
		wantErr bool
	}{
		{":8080", 8080, false},
		{"127.0.0.1:9100", 9100, false},
		{"[::1]:80", 80, false},
		{"8080", 0, true},
		{":http", 0, true},
		{":0", 0, true},
		{":70000", 0, true},
	}
	for _, tc := range cases {
		got, err := listenPort(tc.addr)
		if (err != nil) != tc.wantErr {
			t.Fatalf("listenPort(%q) error = %v, wantErr %v", tc.addr, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("listenPort(%q) = %d, want %d", tc.addr, got, tc.want)
		}
	}
}

func TestMDNSTXTRecords(t *testing.T) {
	cfg, err := config.Parse([]byte(`
mqtt:
  broker: localhost
  base_topic: z2m
thermostats:
  Hall: {day_hour: 6, night_hour: 22, day_temperature: 20, night_temperature: 18, type: TRV}
monitor:
  request_topic: house/monitor
  http_addr: ":8080"
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got := a.mdnsTXT(8080, "Attic Pi")
	want := []string{
		"http_port=8080",
		"request_topic=house/monitor",
		"base_topic=z2m",
		"devices=1",
		"proto=v1",
		"host=attic-pi.local",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected TXT records %v", got)
	}

	if got := a.mdnsTXT(8080, "rpi.lan"); got[len(got)-1] != "host=rpi.lan" {
		t.Fatalf("qualified host should be kept, got %v", got)
	}
}

func TestStopMDNSWithoutServer(t *testing.T) {
	a := New(&config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.stopMDNS()
	if a.mdns != nil {
		t.Fatalf("expected no server")
	}
}
