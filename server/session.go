package server

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"chatrelay/protocol"

	"github.com/google/uuid"
)

// transport carries text frames for one client, with framing already removed.
type transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

type tcpTransport struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newTCPTransport(conn net.Conn, maxFrame int) *tcpTransport {
	return &tcpTransport{conn: conn, scanner: protocol.NewScanner(conn, maxFrame)}
}

func (t *tcpTransport) ReadFrame() ([]byte, error) {
	if t.scanner.Scan() {
		// the scanner reuses its buffer on the next Scan
		return append([]byte(nil), t.scanner.Bytes()...), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (t *tcpTransport) WriteFrame(payload []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return protocol.WriteFrame(t.conn, payload)
}

func (t *tcpTransport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *tcpTransport) RemoteAddr() string               { return t.conn.RemoteAddr().String() }
func (t *tcpTransport) Close() error                     { return t.conn.Close() }

// Session is one text connection. Writes are serialized; a failed write closes
// the connection so its handler unwinds and cleans up.
type Session struct {
	id           uuid.UUID
	t            transport
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error

	// Username is set once authentication succeeds and never changes.
	Username string
}

func newSession(t transport, writeTimeout time.Duration) *Session {
	return &Session{id: uuid.New(), t: t, writeTimeout: writeTimeout}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Send(payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(payload)
}

// lockWrites holds the writer so frames from other goroutines queue behind
// whatever the owner writes with writeLocked until unlockWrites.
func (s *Session) lockWrites()   { s.wmu.Lock() }
func (s *Session) unlockWrites() { s.wmu.Unlock() }

func (s *Session) writeLocked(payload []byte) error {
	var deadline time.Time
	if s.writeTimeout > 0 {
		deadline = time.Now().Add(s.writeTimeout)
	}
	if err := s.t.WriteFrame(payload, deadline); err != nil {
		s.Close()
		return err
	}
	return nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.t.Close()
	})
	return s.closeErr
}
