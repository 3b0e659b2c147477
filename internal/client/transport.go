package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxrelay/pkg/protocol"
)

// SignalConn is one signaling WebSocket as the orchestrator sees it.
type SignalConn interface {
	Send(msg interface{}) error
	// Receive blocks for the next text frame.
	Receive() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (SignalConn, error)
}

// TokenSource returns the bearer token used for the next dial, so a
// refreshed token is picked up on reconnect.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// WSDialer dials the signaling server with the token in the Authorization
// header.
type WSDialer struct {
	URL          string
	Token        TokenSource
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func NewWSDialer(url string, token TokenSource) *WSDialer {
	return &WSDialer{
		URL:          url,
		Token:        token,
		WriteTimeout: 10 * time.Second,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context) (SignalConn, error) {
	header := http.Header{}
	if d.Token != nil {
		token, err := d.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := d.Dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return &wsConn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close sends a normal close frame before dropping the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// closeKind classifies why a signaling connection ended.
type closeKind int

const (
	closeNormal closeKind = iota
	closeAbnormal
	closeReplaced
)

func classifyClose(err error) closeKind {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case protocol.CloseReplaced:
			return closeReplaced
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return closeNormal
		}
	}
	return closeAbnormal
}
