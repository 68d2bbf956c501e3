package amqprecover

import (
	"fmt"
	"net/url"
	"reflect"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Endpoint identifies one broker node a Connection may dial.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Config configures a Connection's dial behavior, topology recovery policy
// and ambient logging.
type Config struct {
	Endpoints        []Endpoint
	EndpointSelector Selector

	Username string
	Password string
	VHost    string

	ClientProvidedName string

	Heartbeat           time.Duration
	Locale              string
	ChannelMax          uint16
	FrameMax            uint32
	ContinuationTimeout time.Duration

	TopologyRecoveryEnabled bool
	NetworkRecoveryInterval time.Duration
	MaxRecoveryAttempts     int

	Logger zerolog.Logger
}

func DefaultConfig() *Config {
	return &Config{
		Endpoints:               []Endpoint{{Host: "localhost", Port: 5672}},
		EndpointSelector:        NewRoundRobinSelector(),
		Username:                "guest",
		Password:                "guest",
		VHost:                   "/",
		ClientProvidedName:      "amqprecover",
		Heartbeat:               10 * time.Second,
		Locale:                  "en_US",
		ContinuationTimeout:     20 * time.Second,
		TopologyRecoveryEnabled: true,
		NetworkRecoveryInterval: 5 * time.Second,
		MaxRecoveryAttempts:     0,
		Logger:                  DefaultLogger(),
	}
}

func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if len(c.Endpoints) == 0 {
		c.Endpoints = defaults.Endpoints
	}
	if c.EndpointSelector == nil {
		c.EndpointSelector = defaults.EndpointSelector
	}
	if c.Username == "" {
		c.Username = defaults.Username
	}
	if c.Password == "" {
		c.Password = defaults.Password
	}
	if c.VHost == "" {
		c.VHost = defaults.VHost
	}
	if c.ClientProvidedName == "" {
		c.ClientProvidedName = defaults.ClientProvidedName
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = defaults.Heartbeat
	}
	if c.Locale == "" {
		c.Locale = defaults.Locale
	}
	if c.ContinuationTimeout == 0 {
		c.ContinuationTimeout = defaults.ContinuationTimeout
	}
	if c.NetworkRecoveryInterval == 0 {
		c.NetworkRecoveryInterval = defaults.NetworkRecoveryInterval
	}
	if reflect.DeepEqual(c.Logger, zerolog.Logger{}) {
		c.Logger = defaults.Logger
	}
}

func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return NewConfigurationError("endpoints", c.Endpoints, "at least one endpoint must be configured")
	}

	for i, ep := range c.Endpoints {
		if ep.Host == "" {
			return NewConfigurationError(fmt.Sprintf("endpoints[%d].host", i), ep.Host, "host cannot be empty")
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return NewConfigurationError(fmt.Sprintf("endpoints[%d].port", i), ep.Port, "port must be between 1 and 65535")
		}
	}

	if c.Heartbeat < 0 {
		return NewConfigurationError("heartbeat", c.Heartbeat, "heartbeat cannot be negative")
	}

	if c.NetworkRecoveryInterval <= 0 {
		return NewConfigurationError("network_recovery_interval", c.NetworkRecoveryInterval, "network_recovery_interval must be greater than 0")
	}

	if c.MaxRecoveryAttempts < 0 {
		return NewConfigurationError("max_recovery_attempts", c.MaxRecoveryAttempts, "max_recovery_attempts cannot be negative")
	}

	if c.ContinuationTimeout <= 0 {
		return NewConfigurationError("continuation_timeout", c.ContinuationTimeout, "continuation_timeout must be greater than 0")
	}

	return nil
}

// amqpURL builds the connection URL amqp091-go expects for a given endpoint.
func (c *Config) amqpURL(ep Endpoint) string {
	u := &url.URL{
		Scheme: "amqp",
		Host:   ep.String(),
		Path:   c.VHost,
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

func (c *Config) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	if c.ClientProvidedName != "" {
		props.SetClientConnectionName(c.ClientProvidedName)
	}
	return amqp.Config{
		Heartbeat:  c.Heartbeat,
		Locale:     c.Locale,
		ChannelMax: c.ChannelMax,
		FrameSize:  int(c.FrameMax),
		Properties: props,
		Dial:       amqp.DefaultDial(30 * time.Second),
	}
}
