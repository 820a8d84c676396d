package mqtt

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c2mon/c2mon-sub007/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout bounds publish, subscribe and unsubscribe
	// acknowledgements.
	defaultOperationTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 30 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// maxPayloadSize caps an encoded envelope (1MB). It keeps within
	// typical broker limits.
	maxPayloadSize = 1 << 20

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12

	defaultQueuePrefix = "c2mon/queue"
	defaultReplyPrefix = "c2mon/reply"
)

// Options configures a Connector.
type Options struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string

	// ClientID identifies the connection at the broker. Empty uses
	// ClientID(ClientName).
	ClientID   string
	ClientName string

	QoS            byte
	ConnectTimeout time.Duration

	QueuePrefix string
	ReplyPrefix string
}

// OptionsFromConfig maps the broker section of the configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		TLS:            cfg.Broker.TLS,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		ClientID:       cfg.Broker.ClientID,
		ClientName:     cfg.Client.Name,
		QoS:            byte(cfg.Broker.QoS),
		ConnectTimeout: cfg.Broker.ConnectTimeoutDuration(),
		QueuePrefix:    cfg.Broker.QueueTopicPrefix,
		ReplyPrefix:    cfg.Broker.ReplyTopicPrefix,
	}
}

func (o Options) withDefaults() (Options, error) {
	if o.QoS > maxQoS {
		return o, ErrInvalidQoS
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ClientID == "" {
		o.ClientID = ClientID(o.ClientName)
	}
	if o.QueuePrefix == "" {
		o.QueuePrefix = defaultQueuePrefix
	}
	if o.ReplyPrefix == "" {
		o.ReplyPrefix = defaultReplyPrefix
	}
	o.QueuePrefix = strings.TrimSuffix(o.QueuePrefix, "/")
	o.ReplyPrefix = strings.TrimSuffix(o.ReplyPrefix, "/")
	return o, nil
}

// ClientID builds a connection identifier of the form
// <name>-<user>@<host>[<pid>]. An empty name becomes "c2mon-client".
func ClientID(name string) string {
	if name == "" {
		name = "c2mon-client"
	}
	username := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%s@%s[%d]", name, username, host, os.Getpid())
}

// buildClientOptions creates paho options for one physical connection.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and credentials (if provided)
//   - Clean session mode
//   - No automatic reconnection; the messaging core reconnects itself
//   - TLS configuration (if enabled)
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port))
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if o.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}
