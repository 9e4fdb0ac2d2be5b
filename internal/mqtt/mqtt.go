package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// QoS used for every publish and subscription: the broker must acknowledge delivery.
const QoS byte = 1

const defaultTimeout = 15 * time.Second

// ErrTimeout is returned when the broker does not complete an operation in time.
var ErrTimeout = errors.New("mqtt operation timed out")

// TransportError wraps a failed broker interaction.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("mqtt %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mqtt %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Message is the subset of an inbound MQTT message handlers need.
type Message interface {
	Topic() string
	Payload() []byte
}

// Handler processes one inbound message.
type Handler func(Message)

// Options configures Connect.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// Timeout bounds the initial connect and every publish or subscribe.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is a paho client that resubscribes its handlers after a reconnect.
type Client struct {
	client  paho.Client
	logger  *slog.Logger
	timeout time.Duration

	mu   sync.Mutex
	subs map[string]Handler
}

// BrokerURL builds a paho broker URL from a host (or URL) and a port.
// mqtt:// and mqtts:// schemes are mapped to tcp:// and ssl://.
func BrokerURL(broker string, port int) string {
	broker = strings.TrimSpace(broker)
	if !strings.Contains(broker, "://") {
		return "tcp://" + net.JoinHostPort(broker, strconv.Itoa(port))
	}

	u, err := url.Parse(broker)
	if err != nil {
		return broker
	}
	switch u.Scheme {
	case "mqtt":
		u.Scheme = "tcp"
	case "mqtts":
		u.Scheme = "ssl"
	}
	if u.Port() == "" && port > 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	return u.String()
}

// ClientID returns configured when set, otherwise prefix plus a random suffix.
func ClientID(prefix, configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// Connect dials the broker and waits for the session to be established.
func Connect(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{logger: logger, timeout: timeout, subs: make(map[string]Handler)}

	po := paho.NewClientOptions().AddBroker(opts.BrokerURL).SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	po.SetAutoReconnect(true)
	po.SetConnectTimeout(timeout)
	po.SetKeepAlive(30 * time.Second)
	po.SetPingTimeout(10 * time.Second)
	po.SetOnConnectHandler(func(_ paho.Client) {
		logger.Info("mqtt connected", "broker", opts.BrokerURL, "client_id", opts.ClientID)
		c.resubscribe()
	})
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	po.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Info("mqtt reconnecting", "broker", opts.BrokerURL)
	})

	c.client = paho.NewClient(po)
	if err := c.wait(c.client.Connect()); err != nil {
		return nil, &TransportError{Op: "connect", Topic: opts.BrokerURL, Err: err}
	}
	return c, nil
}

// Publish sends payload with QoS 1 and waits for the broker acknowledgement.
func (c *Client) Publish(topic string, payload []byte) error {
	if err := c.wait(c.client.Publish(topic, QoS, false, payload)); err != nil {
		return &TransportError{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// Subscribe registers handler for topic. The subscription survives reconnects.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	if err := c.wait(c.client.Subscribe(topic, QoS, wrap(handler))); err != nil {
		return &TransportError{Op: "subscribe", Topic: topic, Err: err}
	}
	return nil
}

// Close disconnects, giving in-flight messages a moment to complete.
func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(250)
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		if err := c.wait(c.client.Subscribe(topic, QoS, wrap(h))); err != nil {
			c.logger.Error("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (c *Client) wait(tok paho.Token) error {
	if !tok.WaitTimeout(c.timeout) {
		return ErrTimeout
	}
	return tok.Error()
}

func wrap(h Handler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		h(m)
	}
}
