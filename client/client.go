// Package client is the network side of a chat client: the text connection
// with its frame handlers, and the voice connection with bounded audio queues.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"chatrelay/protocol"
)

var (
	ErrRejected = errors.New("rejected by server")
	ErrClosed   = errors.New("connection closed")
)

// Handler receives a decoded frame. Handlers run on the read goroutine in
// arrival order and must not block.
type Handler func(f *protocol.Frame)

type Client struct {
	conn net.Conn

	sendMu sync.Mutex

	mu       sync.Mutex
	handlers map[string][]Handler
	err      error

	auth      chan *protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a text connection. Call Login or Register next.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string][]Handler),
		auth:     make(chan *protocol.Frame, 1),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	sc := protocol.NewScanner(c.conn, 0)
	for sc.Scan() {
		f, err := protocol.Decode(sc.Bytes())
		if err != nil {
			continue
		}
		if f.Type == protocol.TypeLoginResponse || f.Type == protocol.TypeRegisterResponse {
			select {
			case c.auth <- f:
			default:
			}
		}
		c.notifyHandlers(f)
	}

	err := sc.Err()
	select {
	case <-c.done:
		err = ErrClosed
	default:
	}
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.Close()
}

func (c *Client) notifyHandlers(f *protocol.Frame) {
	c.mu.Lock()
	handlers := append(append([]Handler(nil), c.handlers[f.Type]...), c.handlers[""]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(f)
	}
}

// OnFrame registers h for frames of the given type; an empty type matches all.
func (c *Client) OnFrame(typ string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = append(c.handlers[typ], h)
}

func (c *Client) send(v any) error {
	b, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.conn.Write(b)
	return err
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, protocol.TypeLogin, username, password)
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, protocol.TypeRegister, username, password)
}

func (c *Client) authenticate(ctx context.Context, typ, username, password string) error {
	if err := c.send(protocol.AuthRequest{Type: typ, Username: username, Password: password}); err != nil {
		return err
	}

	select {
	case f := <-c.auth:
		if !f.Success {
			return fmt.Errorf("%w: %s", ErrRejected, f.Message)
		}
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) SendMessage(text string) error {
	return c.send(protocol.MessageRequest{Type: protocol.TypeMessage, Message: text})
}

func (c *Client) SendPrivate(to, text string) error {
	return c.send(protocol.PrivateMessageRequest{Type: protocol.TypePrivateMessage, To: to, Message: text})
}

func (c *Client) RequestFriend(to string) error {
	return c.send(protocol.FriendRequestRequest{Type: protocol.TypeFriendRequest, To: to})
}

// RespondFriend answers a friend request received from `from`.
func (c *Client) RespondFriend(from string, accepted bool) error {
	return c.send(protocol.FriendResponseRequest{Type: protocol.TypeFriendResponse, To: from, Accepted: accepted})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		select {
		case <-c.done:
			return ErrClosed
		default:
		}
	}
	return c.err
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
