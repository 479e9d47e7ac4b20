package tickbus

import (
	"time"

	"github.com/fxsml/tickbus/lifecycle"
	"github.com/fxsml/tickbus/logging"
)

// Config configures a Client. The zero value is usable; see the field
// comments for defaults.
type Config struct {
	// Endpoint is the broker address passed to the transport.
	Endpoint string `yaml:"endpoint"`

	// QueueCapacity bounds deliveries waiting for Tick. When full, the oldest
	// delivery is dropped. Default 1024.
	QueueCapacity int `yaml:"queue_capacity"`

	// PublishBuffer bounds publishes held while disconnected. Default 256.
	PublishBuffer int `yaml:"publish_buffer"`

	// OperationTimeout bounds every transport call. Default 5s.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// Reconnect configures the backoff between connection attempts.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// Logger receives client logs. Defaults to logging.Default().
	Logger logging.Logger `yaml:"-"`

	// EventLog selects the levels events are logged at. Nil uses the
	// defaults of logging.EventLogConfig.
	EventLog *logging.EventLogConfig `yaml:"-"`

	// OnEvent receives diagnostic events on the host thread, from Tick.
	OnEvent func(Event) `yaml:"-"`
}

// ReconnectConfig configures reconnect backoff.
type ReconnectConfig struct {
	// InitialDelay is the wait before the first retry. Default 500ms.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// Factor multiplies the delay after each failed attempt. Default 2.
	Factor float64 `yaml:"factor"`
	// MaxDelay caps the delay. Default 30s.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Jitter stretches each delay by a random fraction up to this value.
	// Default 0.2. Negative disables jitter.
	Jitter float64 `yaml:"jitter"`
	// MaxRetries limits consecutive failed attempts. Zero retries forever.
	MaxRetries int `yaml:"max_retries"`
	// StableAfter is how long a connection must stay up before its loss
	// restarts the backoff. Default 10s.
	StableAfter time.Duration `yaml:"stable_after"`

	// Backoff replaces the exponential policy when set.
	Backoff lifecycle.BackoffFunc `yaml:"-"`
}

func (c Config) parse() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	c.Logger = logging.OrDefault(c.Logger)
	return c
}

func (c Config) lifecycle() lifecycle.Config {
	return lifecycle.Config{
		Endpoint:         c.Endpoint,
		Backoff:          c.Reconnect.Backoff,
		InitialDelay:     c.Reconnect.InitialDelay,
		Factor:           c.Reconnect.Factor,
		MaxDelay:         c.Reconnect.MaxDelay,
		Jitter:           c.Reconnect.Jitter,
		MaxRetries:       c.Reconnect.MaxRetries,
		StableAfter:      c.Reconnect.StableAfter,
		OperationTimeout: c.OperationTimeout,
		PublishBuffer:    c.PublishBuffer,
		Logger:           c.Logger,
	}
}
