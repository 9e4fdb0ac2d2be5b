package mqttbroker

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"zigbee2mqtt/Hall Thermostat", "zigbee2mqtt/Hall Thermostat", true},
		{"zigbee2mqtt/Hall Thermostat", "zigbee2mqtt/Hall Thermostat/set", false},
		{"thermostat_monitor/+", "thermostat_monitor/Hall", true},
		{"thermostat_monitor/+", "thermostat_monitor", false},
		{"thermostat_monitor/+", "thermostat_monitor/Hall/extra", false},
		{"zigbee2mqtt/#", "zigbee2mqtt/Hall Thermostat/set", true},
		{"zigbee2mqtt/#", "zigbee2mqtt", true},
		{"#", "anything/at/all", true},
		{"+/+/set", "zigbee2mqtt/Hall Thermostat/set", true},
		{"zigbee2mqtt/#/set", "zigbee2mqtt/Hall/set", false},
		{"other/+", "thermostat_monitor/Hall", false},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.filter, tc.topic); got != tc.want {
			t.Fatalf("MatchTopic(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestParsePublishQoS1(t *testing.T) {
	body := []byte{0x00, 0x03, 'a', '/', 'b', 0x12, 0x34, 'h', 'i'}
	msg, id, err := parsePublish(frame{header: 0x32, body: body})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Topic != "a/b" || string(msg.Payload) != "hi" || msg.QoS != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if id != 0x1234 {
		t.Fatalf("expected packet id 0x1234, got %#x", id)
	}
}

func TestParsePublishRejectsQoS2(t *testing.T) {
	if _, _, err := parsePublish(frame{header: 0x34, body: []byte{0x00, 0x01, 'a', 0x00, 0x01}}); err == nil {
		t.Fatalf("expected error for qos 2")
	}
}

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 127, 128, 16383, 16384, 2097151} {
		encoded := encodeRemainingLength(n)
		got, err := readVarInt(bufio.NewReader(bytes.NewReader(encoded)))
		if err != nil {
			t.Fatalf("%d: %v", n, err)
		}
		if got != n {
			t.Fatalf("expected %d, got %d", n, got)
		}
	}
}

func TestParsePublishTruncated(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x00, 0x05, 'a', 'b'},
		{0x00, 0x00, 'x'},
	}
	for _, body := range cases {
		if _, _, err := parsePublish(frame{header: 0x30, body: body}); err == nil {
			t.Fatalf("expected error for body %v", body)
		}
	}
	// QoS 1 requires a packet identifier after the topic.
	if _, _, err := parsePublish(frame{header: 0x32, body: []byte{0x00, 0x01, 'a', 0x01}}); err == nil {
		t.Fatalf("expected error for missing packet id")
	}
}

func TestParseConnect(t *testing.T) {
	body := []byte{
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04,
		flagUsername | flagPassword | flagWill,
		0x00, 0x3C,
		0x00, 0x03, 'c', 'l', 'i',
		0x00, 0x01, 'w', 0x00, 0x00,
		0x00, 0x02, 'u', 's',
		0x00, 0x02, 'p', 'w',
	}
	req, err := parseConnect(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.clientID != "cli" || req.keepAlive != 60 || req.username != "us" {
		t.Fatalf("unexpected request %+v", req)
	}

	bad := append([]byte(nil), body...)
	bad[6] = 0x03
	if _, err := parseConnect(bad); err == nil {
		t.Fatalf("expected error for MQTT 3.1")
	}
	if _, err := parseConnect(body[:len(body)-1]); err == nil {
		t.Fatalf("expected error for truncated password")
	}
}

func TestParseFilters(t *testing.T) {
	sub := []byte{0x00, 0x07, 0x00, 0x01, 'a', 0x01, 0x00, 0x03, 'b', '/', '+', 0x00}
	id, filters, err := parseFilters(sub, true)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != 7 || strings.Join(filters, ",") != "a,b/+" {
		t.Fatalf("unexpected subscribe %d %v", id, filters)
	}

	unsub := []byte{0x00, 0x09, 0x00, 0x01, 'a'}
	id, filters, err = parseFilters(unsub, false)
	if err != nil || id != 9 || len(filters) != 1 || filters[0] != "a" {
		t.Fatalf("unexpected unsubscribe %d %v %v", id, filters, err)
	}

	if _, _, err := parseFilters([]byte{0x00, 0x01}, true); err == nil {
		t.Fatalf("expected error for empty filter list")
	}
	if _, _, err := parseFilters([]byte{0x00, 0x01, 0x00, 0x01, 'a'}, true); err == nil {
		t.Fatalf("expected error for missing qos byte")
	}
}

func TestFrameEncoding(t *testing.T) {
	pkt, err := publishFrame("a/b", []byte("hi"))
	if err != nil {
		t.Fatalf("publish frame: %v", err)
	}
	want := []byte{0x30, 0x07, 0x00, 0x03, 'a', '/', 'b', 'h', 'i'}
	if !bytes.Equal(pkt, want) {
		t.Fatalf("unexpected publish frame %v", pkt)
	}
	if got := subAckFrame(0x0102, 2); !bytes.Equal(got, []byte{0x90, 0x04, 0x01, 0x02, 0x00, 0x00}) {
		t.Fatalf("unexpected suback %v", got)
	}
	if got := idFrame(pktPubAck, 5); !bytes.Equal(got, []byte{0x40, 0x02, 0x00, 0x05}) {
		t.Fatalf("unexpected puback %v", got)
	}

	f, err := readFrame(bufio.NewReader(bytes.NewReader(pkt)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.kind() != pktPublish || len(f.body) != 7 {
		t.Fatalf("unexpected frame %+v", f)
	}
	if _, err := readFrame(bufio.NewReader(bytes.NewReader(pkt[:5]))); err == nil {
		t.Fatalf("expected error for short body")
	}
}

func TestBrokerRejectsNonConnectFirstPacket(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	conn, err := net.Dial("tcp", b.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{pktPingReq << 4, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected connection to be closed")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	errCh, err := b.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err, ok := <-errCh; ok {
		t.Fatalf("expected closed channel, got %v", err)
	}
	if b.Addr() != nil {
		t.Fatalf("expected no address after stop")
	}
}
