package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nugget/gridsense/internal/config"
	"github.com/nugget/gridsense/internal/topics"
)

var (
	// ErrNotConnected is returned by Publish when no broker session is
	// currently up. It is returned synchronously.
	ErrNotConnected = errors.New("mqtt client not connected")
	// ErrPublishTimeout is returned when the broker does not accept a
	// publish within the configured wait.
	ErrPublishTimeout = errors.New("mqtt publish timed out")
	// ErrPublishFailed wraps transport errors reported by the broker
	// connection.
	ErrPublishFailed = errors.New("mqtt publish failed")
)

// ackSubscriptionQoS is the QoS of the ack wildcard subscription.
const ackSubscriptionQoS = 1

// connection is the subset of [autopaho.ConnectionManager] the client
// uses after start-up.
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// managedConnection is a connection whose lifetime can be observed.
type managedConnection interface {
	connection
	Done() <-chan struct{}
}

// newConnection starts the autopaho connection manager.
var newConnection = func(ctx context.Context, cfg autopaho.ClientConfig) (managedConnection, error) {
	return autopaho.NewConnection(ctx, cfg)
}

// Client manages the broker connection. It is safe for concurrent use.
type Client struct {
	cfg     config.MQTTConfig
	namer   topics.Namer
	handler MessageHandler
	logger  *slog.Logger

	publishTimeout time.Duration

	mu       sync.Mutex
	conn     connection
	clientID string
	limiter  *messageRateLimiter

	connected atomic.Bool
	onDrop    func()
}

// New creates a Client but does not connect. Inbound messages on the
// ack wildcard are passed to handler, which may be nil.
func New(cfg config.MQTTConfig, handler MessageHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		namer:   topics.New(cfg.TopicPrefix),
		handler: handler,
		logger:  logger,

		publishTimeout: time.Duration(cfg.PublishTimeoutSec) * time.Second,
	}
}

// OnDrop registers fn to be called for every inbound message dropped
// by the rate limiter. It must be called before Start.
func (c *Client) OnDrop(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = fn
}

// ClientID returns the identity presented to the broker. It is empty
// until Start has run.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Start begins connecting to the broker. Calling Start on a started
// client is a no-op. The connection lives until ctx is cancelled or
// Stop is called; the initial connection attempt is awaited for at
// most the configured connect timeout and failure to connect in that
// window is logged, not returned.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "gridsense-" + uuid.NewString()[:8]
	}

	ackFilter := c.namer.AckWildcard()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(c.cfg.KeepAliveSec),
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		CleanStartOnInitialConnection: true,
		ConnectRetryDelay:             time.Duration(c.cfg.ReconnectIntervalSec) * time.Second,
		ConnectTimeout:                time.Duration(c.cfg.ConnectTimeoutSec) * time.Second,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("mqtt connected to broker",
				"broker", c.cfg.Broker, "client_id", clientID)

			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: ackFilter, QoS: ackSubscriptionQoS},
				},
			}); err != nil {
				c.logger.Warn("mqtt ack subscription failed",
					"topic", ackFilter, "error", err)
				return
			}
			c.logger.Info("mqtt subscribed", "topic", ackFilter, "qos", ackSubscriptionQoS)
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.onPublish(pr.Packet)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.connected.Store(false)
				c.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				c.logger.Warn("mqtt disconnected by broker", "reason_code", d.ReasonCode)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Inbound messages can arrive as soon as the manager starts.
	limiter := newMessageRateLimiter(int64(c.cfg.AckRateLimit), time.Second, c.logger)
	limiter.onDrop = c.onDrop
	c.limiter = limiter

	cm, err := newConnection(ctx, pahoCfg)
	if err != nil {
		c.limiter = nil
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.conn = cm
	c.clientID = clientID

	go limiter.start(ctx)

	go func() {
		<-cm.Done()
		c.connected.Store(false)
		c.logger.Info("mqtt connection closed")
	}()

	connCtx, connCancel := context.WithTimeout(ctx, time.Duration(c.cfg.ConnectTimeoutSec)*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop disconnects from the broker. The provided context bounds how
// long to wait for the disconnect to complete.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.connected.Store(false)
	return conn.Disconnect(ctx)
}

// IsConnected reports whether a broker session is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// AwaitConnection blocks until the broker connection is established
// or ctx expires. Used by connwatch health probes.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.AwaitConnection(ctx)
}

// PublishOption overrides a publish default for a single call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	qos    byte
	retain bool
}

// WithQoS overrides the configured default QoS.
func WithQoS(qos byte) PublishOption {
	return func(o *publishOptions) { o.qos = qos }
}

// WithRetain overrides the configured default retain flag.
func WithRetain(retain bool) PublishOption {
	return func(o *publishOptions) { o.retain = retain }
}

func (c *Client) resolveOptions(opts []PublishOption) publishOptions {
	o := publishOptions{
		qos:    byte(c.cfg.QoS),
		retain: c.cfg.Retain,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// encodePayload returns the wire form of message. Strings and byte
// slices are sent as-is; anything else is JSON encoded.
func encodePayload(message any) ([]byte, error) {
	switch m := message.(type) {
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	case string:
		return []byte(m), nil
	default:
		b, err := json.Marshal(message)
		if err != nil {
			return nil, fmt.Errorf("encode mqtt payload: %w", err)
		}
		return b, nil
	}
}

// Publish sends message to topic. It returns ErrNotConnected at once
// when the broker session is down and ErrPublishTimeout when the
// broker does not accept the message within the publish timeout.
func (c *Client) Publish(ctx context.Context, topic string, message any, opts ...PublishOption) error {
	payload, err := encodePayload(message)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	o := c.resolveOptions(opts)

	pubCtx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()

	_, err = conn.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     o.qos,
		Retain:  o.retain,
	})
	if err == nil {
		c.logger.Log(ctx, config.LevelTrace, "mqtt published",
			"topic", topic, "qos", o.qos, "retain", o.retain, "payload", string(payload))
		return nil
	}

	switch {
	case errors.Is(pubCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	case errors.Is(err, autopaho.ConnectionDownError):
		c.connected.Store(false)
		return ErrNotConnected
	default:
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
}

// onPublish routes one inbound broker message to the handler. A
// panicking handler is logged and never escapes into the paho
// delivery loop.
func (c *Client) onPublish(p *paho.Publish) {
	if p == nil {
		return
	}
	if c.limiter != nil && !c.limiter.allow() {
		return
	}
	if c.handler == nil {
		c.logger.Debug("mqtt message received without handler", "topic", p.Topic)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("mqtt message handler panicked",
				"topic", p.Topic, "panic", r)
		}
	}()
	c.handler(p.Topic, p.Payload)
}
