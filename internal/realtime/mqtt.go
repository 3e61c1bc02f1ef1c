package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/psds-microservice/crm-inbox/internal/events"
)

// MQTTTransport receives events from a broker instead of the socket
// endpoint. The access token is presented as the MQTT password.
// Reconnecting is left to the Bridge, so paho's own auto-reconnect is
// off.
type MQTTTransport struct {
	broker   string
	clientID string
	topic    string
}

func NewMQTTTransport(broker, clientID, topicPrefix string, tenantID int64) *MQTTTransport {
	if clientID == "" {
		clientID = "crm-inbox-" + uuid.NewString()[:8]
	}
	return &MQTTTransport{broker: broker, clientID: clientID, topic: events.Topic(topicPrefix, tenantID)}
}

func (t *MQTTTransport) Topic() string { return t.topic }

func (t *MQTTTransport) Dial(ctx context.Context, token string) (Conn, error) {
	if t.broker == "" {
		return nil, errors.New("mqtt broker url is empty")
	}
	conn := &mqttConn{
		frames: make(chan []byte, 64),
		lost:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(t.broker).
		SetClientID(t.clientID).
		SetUsername(t.clientID).
		SetPassword(token).
		SetConnectTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case conn.lost <- err:
			default:
			}
		})
	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", t.broker, err)
	}
	conn.client = client

	sub := client.Subscribe(t.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		frame := append([]byte(nil), msg.Payload()...)
		select {
		case conn.frames <- frame:
		case <-conn.closed:
		}
	})
	if err := waitToken(ctx, sub); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", t.topic, err)
	}
	return conn, nil
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttConn struct {
	client    mqtt.Client
	frames    chan []byte
	lost      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *mqttConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.lost:
		return nil, fmt.Errorf("mqtt connection lost: %w", err)
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *mqttConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.client.Disconnect(250)
	})
	return nil
}
