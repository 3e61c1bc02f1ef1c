package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketTransport dials the push server's socket endpoint. The
// token is sent both as a bearer header and as the token query
// parameter, since browsers cannot set headers on upgrade.
type WebsocketTransport struct {
	url    string
	dialer *websocket.Dialer
}

func NewWebsocketTransport(socketURL string) *WebsocketTransport {
	return &WebsocketTransport{
		url: socketURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (t *WebsocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("socket url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		safe := *u
		safe.RawQuery = ""
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", safe.String(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", safe.String(), err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c    *websocket.Conn
	once sync.Once
	err  error
}

// ReadMessage skips control frames; gorilla answers pings itself.
func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) Close() error {
	w.once.Do(func() {
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.err = w.c.Close()
	})
	return w.err
}
