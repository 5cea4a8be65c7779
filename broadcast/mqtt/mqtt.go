package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/MrEthical07/authkernel/broadcast"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultOperationTimeout  = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 30 * time.Second
	defaultMaxReconnect      = 30 * time.Second
	maxQoS                   = 2
)

var (
	// ErrInvalidConfig is returned by Connect for unusable settings.
	ErrInvalidConfig = errors.New("mqtt: invalid config")
	// ErrConnectionFailed wraps broker connection failures.
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	// ErrPublishFailed wraps publish failures.
	ErrPublishFailed = errors.New("mqtt: publish failed")
	// ErrSubscribeFailed wraps subscribe failures.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")
)

// Config selects the broker and topic.
type Config struct {
	// Broker is a broker URL such as tcp://127.0.0.1:1883.
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte

	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "authkernel-" + uuid.NewString()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = defaultKeepAlive
	}
	return c
}

func (c Config) validate() error {
	if c.Broker == "" {
		return fmt.Errorf("%w: broker is required", ErrInvalidConfig)
	}
	if c.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	if c.QoS > maxQoS {
		return fmt.Errorf("%w: qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	return nil
}

// Broadcaster publishes and receives broadcast messages on one MQTT topic.
type Broadcaster struct {
	client pahomqtt.Client
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]func(broadcast.Message)
	order  []uint64
	nextID uint64
	closed bool
}

// Connect dials the broker, subscribes to cfg.Topic and returns a ready
// broadcaster. The subscription is renewed on every reconnect.
func Connect(cfg Config, logger *slog.Logger) (*Broadcaster, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	b := &Broadcaster{
		cfg:    cfg,
		logger: logger.With("component", "mqtt-broadcast", "topic", cfg.Topic),
		subs:   make(map[uint64]func(broadcast.Message)),
	}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		// Clean sessions drop subscriptions on reconnect.
		c.Subscribe(cfg.Topic, cfg.QoS, b.handle)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	sub := b.client.Subscribe(cfg.Topic, cfg.QoS, b.handle)
	if !sub.WaitTimeout(defaultOperationTimeout) {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultOperationTimeout)
	}
	if err := sub.Error(); err != nil {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return b, nil
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(defaultMaxReconnect)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetOrderMatters(false)
	return opts
}

// Publish sends msg to every subscriber of the topic, including this process.
func (b *Broadcaster) Publish(ctx context.Context, msg broadcast.Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return broadcast.ErrClosed
	}

	payload, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	token := b.client.Publish(b.cfg.Topic, b.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers fn for decoded messages. fn runs on paho's delivery
// goroutine and must not block.
func (b *Broadcaster) Subscribe(fn func(broadcast.Message)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broadcast.ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i:i], b.order[i+1:]...)
					break
				}
			}
		})
	}, nil
}

func (b *Broadcaster) handle(_ pahomqtt.Client, m pahomqtt.Message) {
	msg, err := decodeMessage(m.Payload())
	if err != nil {
		b.logger.Warn("dropping undecodable broadcast message", "error", err)
		return
	}

	b.mu.RLock()
	fns := make([]func(broadcast.Message), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(fn, msg)
	}
}

func (b *Broadcaster) deliver(fn func(broadcast.Message), msg broadcast.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("broadcast subscriber panic recovered", "panic", r)
		}
	}()
	fn(msg)
}

// Close unsubscribes and disconnects. It is idempotent.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = map[uint64]func(broadcast.Message){}
	b.order = nil
	b.mu.Unlock()

	if b.client.IsConnected() {
		token := b.client.Unsubscribe(b.cfg.Topic)
		token.WaitTimeout(defaultOperationTimeout)
	}
	b.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func encodeMessage(msg broadcast.Message) ([]byte, error) {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	return json.Marshal(msg)
}

func decodeMessage(payload []byte) (broadcast.Message, error) {
	var msg broadcast.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return broadcast.Message{}, err
	}
	if msg.Origin == "" || msg.Action == "" {
		return broadcast.Message{}, errors.New("message lacks origin or action")
	}
	return msg, nil
}

var _ broadcast.Broadcaster = (*Broadcaster)(nil)
