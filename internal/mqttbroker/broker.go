// Package mqttbroker is a small in-process MQTT 3.1.1 broker used by the bridge
// simulator and by loopback tests.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// PublishMessage is a publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
}

// Handler observes each publish before it is routed to subscribers.
type Handler func(context.Context, PublishMessage)

// Broker accepts QoS 0 and QoS 1 publishes and routes them at QoS 0 to every
// session with a matching filter, the publisher included. Retained messages,
// wills and persistent sessions are not supported.
type Broker struct {
	logger *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*session]struct{}
	onPub    Handler
	stopped  bool

	wg sync.WaitGroup
}

type session struct {
	conn net.Conn
	id   string

	sendMu sync.Mutex

	subMu   sync.Mutex
	filters map[string]struct{}
}

func (s *session) send(pkt []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err := s.conn.Write(pkt)
	return err
}

func (s *session) wants(topic string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for f := range s.filters {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

// New returns a broker that has not started listening.
func New(logger *slog.Logger) *Broker {
	return &Broker{logger: logger, sessions: map[*session]struct{}{}}
}

// SetPublishHandler installs h. A nil h removes the handler.
func (b *Broker) SetPublishHandler(h Handler) {
	b.mu.Lock()
	b.onPub = h
	b.mu.Unlock()
}

// Start listens on bind and accepts clients in the background. The returned
// channel receives an accept failure, if any, and is closed when accepting stops.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		_ = ln.Close()
		return nil, errors.New("mqtt broker stopped")
	}
	b.ln = ln
	b.mu.Unlock()

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		if err := b.accept(ln); err != nil {
			errCh <- err
		}
	}()
	return errCh, nil
}

func (b *Broker) accept(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.isStopped() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("mqtt accept: %w", err)
		}

		s := &session{conn: conn, filters: map[string]struct{}{}}
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		b.sessions[s] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serve(s)
		}()
	}
}

// Addr is the listening address, or nil when the broker is not listening.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Stop closes the listener and every client connection and waits for their
// goroutines. It is safe to call more than once.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	ln := b.ln
	b.ln = nil
	for s := range b.sessions {
		_ = s.conn.Close()
	}
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	b.wg.Wait()
	return nil
}

func (b *Broker) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Publish routes a QoS 0 message to every subscribed session.
func (b *Broker) Publish(topic string, payload []byte) error {
	pkt, err := publishFrame(topic, payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	targets := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if !s.wants(topic) {
			continue
		}
		if err := s.send(pkt); err != nil {
			b.logger.Debug("deliver failed", "client", s.id, "topic", topic, "error", err)
		}
	}
	return nil
}

func (b *Broker) serve(s *session) {
	defer func() {
		b.mu.Lock()
		delete(b.sessions, s)
		b.mu.Unlock()
		_ = s.conn.Close()
	}()

	r := bufio.NewReader(s.conn)

	first, err := readFrame(r)
	if err != nil {
		b.logger.Debug("read connect failed", "error", err)
		return
	}
	if first.kind() != pktConnect {
		b.logger.Debug("first packet is not CONNECT", "type", first.kind())
		return
	}
	req, err := parseConnect(first.body)
	if err != nil {
		b.logger.Debug("rejecting client", "error", err)
		return
	}
	s.id = req.clientID
	if s.id == "" {
		s.id = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	if err := s.send(connAckFrame()); err != nil {
		return
	}
	b.logger.Debug("mqtt client connected", "client", s.id, "username", req.username, "keepalive", req.keepAlive)

	for {
		f, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read packet failed", "client", s.id, "error", err)
			}
			return
		}
		if done, err := b.dispatch(s, f); err != nil || done {
			if err != nil {
				b.logger.Debug("closing client", "client", s.id, "error", err)
			}
			return
		}
	}
}

// dispatch handles one packet after CONNECT and reports whether the client
// asked to disconnect.
func (b *Broker) dispatch(s *session, f frame) (bool, error) {
	switch f.kind() {
	case pktPublish:
		msg, id, err := parsePublish(f)
		if err != nil {
			return false, err
		}
		msg.ClientID = s.id
		b.notify(msg)
		if msg.QoS == 1 {
			if err := s.send(idFrame(pktPubAck, id)); err != nil {
				return false, err
			}
		}
		return false, b.Publish(msg.Topic, msg.Payload)

	case pktSubscribe:
		id, filters, err := parseFilters(f.body, true)
		if err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
		s.subMu.Lock()
		for _, filter := range filters {
			s.filters[filter] = struct{}{}
		}
		s.subMu.Unlock()
		return false, s.send(subAckFrame(id, len(filters)))

	case pktUnsubscribe:
		id, filters, err := parseFilters(f.body, false)
		if err != nil {
			return false, fmt.Errorf("unsubscribe: %w", err)
		}
		s.subMu.Lock()
		for _, filter := range filters {
			delete(s.filters, filter)
		}
		s.subMu.Unlock()
		return false, s.send(idFrame(pktUnsubAck, id))

	case pktPingReq:
		return false, s.send(pingRespFrame)

	case pktPubAck:
		// deliveries are QoS 0
		return false, nil

	case pktDisconnect:
		return true, nil

	default:
		return false, fmt.Errorf("unsupported packet type %d", f.kind())
	}
}

func (b *Broker) notify(msg PublishMessage) {
	b.mu.Lock()
	h := b.onPub
	b.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(context.Background(), msg)
}

// MatchTopic reports whether topic matches an MQTT subscription filter with
// the single-level (+) and multi-level (#) wildcards.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
