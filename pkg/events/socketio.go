package events

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// SocketPath is the socket.io endpoint path of the server.
const SocketPath = "/ws/socket.io"

// ConnectTimeout bounds how long DialSocketIO waits for the handshake.
const ConnectTimeout = 15 * time.Second

// Conn is a bidirectional push channel.
type Conn interface {
	// On registers a handler for a named event. Handlers run on the
	// transport's goroutines.
	On(event string, handler func(payload any))

	// Emit sends a named event.
	Emit(event string, payload any) error

	// Close tears the connection down.
	Close() error
}

// Dialer opens a Conn to a server root URL.
type Dialer func(ctx context.Context, serverURL string) (Conn, error)

type socketConn struct {
	io *socket.Socket
}

// DialSocketIO connects to the server's socket.io endpoint over websocket.
func DialSocketIO(ctx context.Context, serverURL string) (Conn, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(SocketPath)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket("/", opts)

	connectCh := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		select {
		case connectCh <- nil:
		default:
		}
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		select {
		case connectCh <- err:
		default:
		}
	})
	io.Connect()

	select {
	case err := <-connectCh:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &socketConn{io: io}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(ConnectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", ConnectTimeout)
	}
}

func (c *socketConn) On(event string, handler func(payload any)) {
	c.io.On(types.EventName(event), func(args ...any) {
		var p any
		if len(args) > 0 {
			p = args[0]
		}
		handler(p)
	})
}

func (c *socketConn) Emit(event string, payload any) error {
	// Emits made while reconnecting are buffered by the socket.
	c.io.Emit(event, payload)
	return nil
}

func (c *socketConn) Close() error {
	c.io.Disconnect()
	return nil
}
