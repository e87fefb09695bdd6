package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// V5Dialer opens MQTT v5 sessions with the Paho v2 client.
type V5Dialer struct {
	broker    *url.URL
	username  string
	password  string
	clientID  string
	keepAlive time.Duration
	will      *Message
	tlsCfg    *tls.Config
}

// Dial connects to the broker and completes the CONNECT/CONNACK
// exchange. The network connection is closed if the handshake fails.
func (d *V5Dialer) Dial(ctx context.Context) (Conn, error) {
	netConn, err := dialBroker(ctx, d.broker, d.tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.broker.Host, err)
	}

	c := &v5Conn{}
	c.client = paho.NewClient(paho.ClientConfig{
		ClientID: d.clientID,
		Conn:     netConn,
		OnClientError: func(err error) {
			c.lost(err)
		},
		OnServerDisconnect: func(dis *paho.Disconnect) {
			c.lost(fmt.Errorf("server disconnect: reason code %d", dis.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:     d.clientID,
		KeepAlive:    uint16(d.keepAlive / time.Second),
		CleanStart:   true,
		Username:     d.username,
		UsernameFlag: d.username != "",
		Password:     []byte(d.password),
		PasswordFlag: d.password != "",
	}
	if d.will != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   d.will.Topic,
			Payload: d.will.Payload,
			QoS:     d.will.QoS,
			Retain:  d.will.Retain,
		}
	}

	ack, err := c.client.Connect(ctx, cp)
	if err != nil {
		_ = netConn.Close()
		if ack != nil && ack.ReasonCode != 0 {
			return nil, fmt.Errorf("mqtt connect refused: reason code %d: %w", ack.ReasonCode, err)
		}
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	c.connected.Store(true)
	return c, nil
}

type v5Conn struct {
	client    *paho.Client
	connected atomic.Bool

	mu      sync.Mutex
	lastErr error
}

func (c *v5Conn) lost(err error) {
	c.mu.Lock()
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
	c.connected.Store(false)
}

func (c *v5Conn) Connected() bool {
	return c.connected.Load()
}

func (c *v5Conn) Publish(ctx context.Context, msg Message) error {
	if !c.connected.Load() {
		c.mu.Lock()
		err := c.lastErr
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return ErrConnectionLost
	}
	if _, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Disconnect sends DISCONNECT with reason "normal". ctx is unused; the
// Paho v2 disconnect does not block on the broker.
func (c *v5Conn) Disconnect(_ context.Context) error {
	c.connected.Store(false)
	return c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
