package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/nugget/deskpresence/internal/config"
)

// Message is a single outbound publish.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Dialer opens broker sessions.
type Dialer interface {
	// Dial connects and completes the MQTT handshake. The returned Conn
	// is live until the broker drops it or Disconnect is called.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live broker session. Implementations need not be safe
// for concurrent publishes; the supervisor serializes all use.
type Conn interface {
	Publish(ctx context.Context, msg Message) error
	// Connected reports whether the session is still believed live.
	// It turns false once the transport observes a failure.
	Connected() bool
	Disconnect(ctx context.Context) error
}

// ErrConnectionLost is returned by Publish after the session dropped.
var ErrConnectionLost = errors.New("mqtt connection lost")

// Settings carries everything a Dialer needs besides the config.
type Settings struct {
	ClientID string
	Will     *Message
}

// NewDialer returns the Dialer for cfg.Protocol.
func NewDialer(cfg config.MQTTConfig, s Settings) (Dialer, error) {
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	switch cfg.Protocol {
	case "", "5":
		return &V5Dialer{
			broker:    brokerURL,
			username:  cfg.Username,
			password:  cfg.Password,
			clientID:  s.ClientID,
			keepAlive: cfg.KeepAlive(),
			will:      s.Will,
			tlsCfg:    tlsConfig(brokerURL),
		}, nil
	case "3.1.1":
		return &V311Dialer{
			broker:         brokerURL,
			username:       cfg.Username,
			password:       cfg.Password,
			clientID:       s.ClientID,
			keepAlive:      cfg.KeepAlive(),
			connectTimeout: cfg.ConnectTimeout(),
			will:           s.Will,
			tlsCfg:         tlsConfig(brokerURL),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported mqtt protocol %q", cfg.Protocol)
	}
}

func secure(u *url.URL) bool {
	switch u.Scheme {
	case "mqtts", "ssl", "tls":
		return true
	}
	return false
}

// tlsConfig enables TLS for mqtts://, ssl:// and tls:// schemes.
func tlsConfig(u *url.URL) *tls.Config {
	if !secure(u) {
		return nil
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: u.Hostname(),
	}
}

// hostPort fills in the default port for the scheme.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "1883"
	if secure(u) {
		port = "8883"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// dialBroker opens the raw network connection for a v5 session.
func dialBroker(ctx context.Context, u *url.URL, tlsCfg *tls.Config) (net.Conn, error) {
	addr := hostPort(u)
	nd := &net.Dialer{KeepAlive: 30 * time.Second}
	if tlsCfg != nil {
		td := &tls.Dialer{NetDialer: nd, Config: tlsCfg}
		return td.DialContext(ctx, "tcp", addr)
	}
	return nd.DialContext(ctx, "tcp", addr)
}
