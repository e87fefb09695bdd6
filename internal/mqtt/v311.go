package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	pahov3 "github.com/eclipse/paho.mqtt.golang"
)

// disconnectQuiesce is how long the 3.1.1 client may spend flushing
// in-flight work on Disconnect.
const disconnectQuiesce = 250 // milliseconds

// V311Dialer opens MQTT 3.1.1 sessions with the Paho v1 client. The
// client's own auto-reconnect and connect-retry are disabled so the
// supervisor alone decides when to reconnect.
type V311Dialer struct {
	broker         *url.URL
	username       string
	password       string
	clientID       string
	keepAlive      time.Duration
	connectTimeout time.Duration
	will           *Message
	tlsCfg         *tls.Config
}

func (d *V311Dialer) options(c *v311Conn) *pahov3.ClientOptions {
	opts := pahov3.NewClientOptions().
		AddBroker(d.broker.Scheme + "://" + hostPort(d.broker)).
		SetClientID(d.clientID).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetKeepAlive(d.keepAlive).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(d.connectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if d.username != "" {
		opts.SetUsername(d.username)
	}
	if d.password != "" {
		opts.SetPassword(d.password)
	}
	if d.tlsCfg != nil {
		opts.SetTLSConfig(d.tlsCfg)
	}
	if d.will != nil {
		opts.SetBinaryWill(d.will.Topic, d.will.Payload, d.will.QoS, d.will.Retain)
	}
	opts.SetConnectionLostHandler(func(_ pahov3.Client, err error) {
		c.connected.Store(false)
	})
	return opts
}

// Dial connects and waits for CONNACK or ctx expiry.
func (d *V311Dialer) Dial(ctx context.Context) (Conn, error) {
	c := &v311Conn{}
	c.client = pahov3.NewClient(d.options(c))

	if err := waitToken(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", d.broker.Host, err)
	}

	c.connected.Store(true)
	return c, nil
}

type v311Conn struct {
	client    pahov3.Client
	connected atomic.Bool
}

func (c *v311Conn) Connected() bool {
	return c.connected.Load() && c.client.IsConnectionOpen()
}

func (c *v311Conn) Publish(ctx context.Context, msg Message) error {
	if !c.Connected() {
		return ErrConnectionLost
	}
	if err := waitToken(ctx, c.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (c *v311Conn) Disconnect(_ context.Context) error {
	c.connected.Store(false)
	c.client.Disconnect(disconnectQuiesce)
	return nil
}

// waitToken blocks until tok completes or ctx is done.
func waitToken(ctx context.Context, tok pahov3.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
