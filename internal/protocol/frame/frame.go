package frame

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrUnexpectedFrameType = errors.New("frame: unexpected frame type")
	ErrPayloadTooLarge     = errors.New("frame: payload too large")
	ErrInvalidURL          = errors.New("frame: invalid server url")
)

// Conn is one message-oriented socket. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// ReadFrame blocks for the next text frame on c.
//
// Binary and oversized frames return ErrUnexpectedFrameType and ErrPayloadTooLarge;
// the connection stays usable after either. Any other error is a transport error.
func ReadFrame(c Conn, limits Limits) ([]byte, error) {
	typ, data, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.TextMessage {
		return nil, fmt.Errorf("%w: type=%d", ErrUnexpectedFrameType, typ)
	}
	if limits.MaxPayloadBytes > 0 && int64(len(data)) > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: len=%d", ErrPayloadTooLarge, len(data))
	}
	return data, nil
}

func WriteFrame(c Conn, payload []byte, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && int64(len(payload)) > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: len=%d", ErrPayloadTooLarge, len(payload))
	}
	return c.WriteMessage(websocket.TextMessage, payload)
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Shutdown sends a normal-closure control frame and closes c.
func Shutdown(c Conn) error {
	payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if cw, ok := c.(controlWriter); ok {
		_ = cw.WriteControl(websocket.CloseMessage, payload, time.Now().Add(time.Second))
	} else {
		_ = c.WriteMessage(websocket.CloseMessage, payload)
	}
	return c.Close()
}

type DialOptions struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	Limits           Limits
}

// Dial opens a websocket to rawURL. No proxy is used.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*websocket.Conn, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("frame: dial %s: %w (status=%d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("frame: dial %s: %w", target, err)
	}
	if opts.Limits.MaxPayloadBytes > 0 {
		conn.SetReadLimit(opts.Limits.MaxPayloadBytes)
	}
	return conn, nil
}

// NormalizeURL maps http(s) server urls to their ws(s) equivalents.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		u.Scheme = strings.ToLower(u.Scheme)
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}
