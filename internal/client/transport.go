package client

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/callbridge/internal/core"
)

// Conn is an indirection over *websocket.Conn to ease testing.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials real websockets. A nil Dialer uses websocket.DefaultDialer.
type WSDialer struct {
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Endpoint builds the signal URL from the page origin, keeping the page's
// security level: https pages get wss, everything else ws.
func Endpoint(baseURL, path, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("base url has no host")
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return core.CloseAbnormal
}
