package mqttbroker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Control packet types of MQTT 3.1.1.
const (
	pktConnect     byte = 1
	pktConnAck     byte = 2
	pktPublish     byte = 3
	pktPubAck      byte = 4
	pktSubscribe   byte = 8
	pktSubAck      byte = 9
	pktUnsubscribe byte = 10
	pktUnsubAck    byte = 11
	pktPingReq     byte = 12
	pktPingResp    byte = 13
	pktDisconnect  byte = 14
)

const maxRemainingLength = 268435455

var errShortPacket = errors.New("packet truncated")

// frame is one control packet split into its fixed header byte and body.
type frame struct {
	header byte
	body   []byte
}

func (f frame) kind() byte  { return f.header >> 4 }
func (f frame) flags() byte { return f.header & 0x0F }

func (f frame) bytes() []byte {
	out := make([]byte, 0, 5+len(f.body))
	out = append(out, f.header)
	out = append(out, encodeRemainingLength(len(f.body))...)
	return append(out, f.body...)
}

func readFrame(r *bufio.Reader) (frame, error) {
	header, err := r.ReadByte()
	if err != nil {
		return frame{}, err
	}
	n, err := readVarInt(r)
	if err != nil {
		return frame{}, fmt.Errorf("remaining length: %w", err)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, fmt.Errorf("packet body: %w", err)
	}
	return frame{header: header, body: body}, nil
}

// readVarInt decodes the variable-length remaining length field.
func readVarInt(r io.ByteReader) (int, error) {
	value, shift := 0, 0
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= int(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
	return 0, errors.New("malformed remaining length")
}

func encodeRemainingLength(n int) []byte {
	if n < 0 {
		n = 0
	}
	out := make([]byte, 0, 4)
	for {
		b := byte(n & 0x7F)
		n >>= 7
		if n == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// fields walks a packet body. The first failed read is kept in err and
// every later read returns a zero value.
type fields struct {
	buf []byte
	err error
}

func (d *fields) u8() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 1 {
		d.err = errShortPacket
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *fields) u16() uint16 {
	if d.err != nil {
		return 0
	}
	if len(d.buf) < 2 {
		d.err = errShortPacket
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v
}

func (d *fields) str() string {
	n := int(d.u16())
	if d.err != nil {
		return ""
	}
	if len(d.buf) < n {
		d.err = errShortPacket
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *fields) rest() []byte {
	if d.err != nil || len(d.buf) == 0 {
		return nil
	}
	out := append([]byte(nil), d.buf...)
	d.buf = nil
	return out
}

func (d *fields) more() bool { return d.err == nil && len(d.buf) > 0 }

type connectRequest struct {
	clientID  string
	keepAlive uint16
	username  string
}

// Connect flag bits.
const (
	flagReserved = 1 << 0
	flagWill     = 1 << 2
	flagPassword = 1 << 6
	flagUsername = 1 << 7
)

func parseConnect(body []byte) (connectRequest, error) {
	d := fields{buf: body}
	proto := d.str()
	level := d.u8()
	flags := d.u8()
	req := connectRequest{keepAlive: d.u16(), clientID: d.str()}
	if d.err != nil {
		return connectRequest{}, fmt.Errorf("connect header: %w", d.err)
	}
	if proto != "MQTT" || level != 4 {
		return connectRequest{}, fmt.Errorf("unsupported protocol %q level %d", proto, level)
	}
	if flags&flagReserved != 0 {
		return connectRequest{}, fmt.Errorf("reserved connect flag set %08b", flags)
	}
	if flags&flagWill != 0 {
		_ = d.str() // topic
		_ = d.str() // message
	}
	if flags&flagUsername != 0 {
		req.username = d.str()
	}
	if flags&flagPassword != 0 {
		_ = d.str()
	}
	if d.err != nil {
		return connectRequest{}, fmt.Errorf("connect payload: %w", d.err)
	}
	return req, nil
}

// parsePublish decodes a PUBLISH frame and returns its packet identifier,
// which is zero for QoS 0.
func parsePublish(f frame) (PublishMessage, uint16, error) {
	qos := (f.flags() >> 1) & 0x03
	if qos > 1 {
		return PublishMessage{}, 0, fmt.Errorf("unsupported qos %d", qos)
	}
	d := fields{buf: f.body}
	msg := PublishMessage{Topic: d.str(), QoS: qos}
	var id uint16
	if qos == 1 {
		id = d.u16()
	}
	msg.Payload = d.rest()
	if d.err != nil {
		return PublishMessage{}, 0, fmt.Errorf("publish: %w", d.err)
	}
	if msg.Topic == "" {
		return PublishMessage{}, 0, errors.New("publish: empty topic")
	}
	return msg, id, nil
}

// parseFilters decodes SUBSCRIBE and UNSUBSCRIBE bodies. Subscribe entries
// carry a requested QoS byte after each filter.
func parseFilters(body []byte, withQoS bool) (uint16, []string, error) {
	d := fields{buf: body}
	id := d.u16()
	var filters []string
	for d.more() {
		filters = append(filters, d.str())
		if withQoS {
			_ = d.u8()
		}
	}
	if d.err != nil {
		return 0, nil, d.err
	}
	if len(filters) == 0 {
		return 0, nil, errors.New("no topic filters")
	}
	return id, filters, nil
}

func connAckFrame() []byte {
	return frame{header: pktConnAck << 4, body: []byte{0x00, 0x00}}.bytes()
}

func idFrame(kind byte, id uint16) []byte {
	return frame{header: kind << 4, body: binary.BigEndian.AppendUint16(nil, id)}.bytes()
}

func subAckFrame(id uint16, count int) []byte {
	body := binary.BigEndian.AppendUint16(make([]byte, 0, 2+count), id)
	for i := 0; i < count; i++ {
		body = append(body, 0x00) // granted QoS 0
	}
	return frame{header: pktSubAck << 4, body: body}.bytes()
}

func publishFrame(topic string, payload []byte) ([]byte, error) {
	if len(topic) > math.MaxUint16 {
		return nil, fmt.Errorf("topic of %d bytes too long", len(topic))
	}
	size := 2 + len(topic) + len(payload)
	if size > maxRemainingLength {
		return nil, fmt.Errorf("publish of %d bytes too large", size)
	}
	body := binary.BigEndian.AppendUint16(make([]byte, 0, size), uint16(len(topic)))
	body = append(body, topic...)
	body = append(body, payload...)
	return frame{header: pktPublish << 4, body: body}.bytes(), nil
}

var pingRespFrame = frame{header: pktPingResp << 4}.bytes()
