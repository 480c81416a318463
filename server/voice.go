package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/protocol"

	"github.com/google/uuid"
)

const (
	voiceQueueSize   = 64
	voiceJoinTimeout = 10 * time.Second
)

var (
	errVoiceQueueFull = errors.New("voice queue full")
	errVoiceClosed    = errors.New("voice participant closed")
)

// voiceParticipant is one voice connection. Frames for it are queued and
// written by its own goroutine, so a slow listener never stalls the speaker.
type voiceParticipant struct {
	id           uuid.UUID
	conn         net.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func newVoiceParticipant(conn net.Conn, writeTimeout time.Duration, logger *slog.Logger) *voiceParticipant {
	return &voiceParticipant{
		id:           uuid.New(),
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		out:          make(chan []byte, voiceQueueSize),
		done:         make(chan struct{}),
	}
}

func (p *voiceParticipant) ID() uuid.UUID { return p.id }

// Send queues a frame without blocking.
func (p *voiceParticipant) Send(frame []byte) error {
	select {
	case <-p.done:
		return errVoiceClosed
	default:
	}

	select {
	case p.out <- frame:
		return nil
	default:
		p.dropped.Add(1)
		return errVoiceQueueFull
	}
}

func (p *voiceParticipant) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

func (p *voiceParticipant) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			if p.writeTimeout > 0 {
				p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			}
			if _, err := p.conn.Write(frame); err != nil {
				p.logger.Debug("voice write failed", "error", err)
				p.Close()
				return
			}
		}
	}
}

func (s *Server) handleVoiceConnection(conn net.Conn) {
	p := newVoiceParticipant(conn, s.config.WriteTimeout, nil)
	logger := s.logger.With("conn", p.ID().String(), "remote", conn.RemoteAddr().String(), "voice", true)
	p.logger = logger

	if !s.track(p) {
		conn.Close()
		return
	}
	defer s.untrack(p)
	defer p.Close()

	conn.SetReadDeadline(time.Now().Add(voiceJoinTimeout))
	join, r, err := protocol.ReadVoiceJoin(conn)
	if err != nil {
		logger.Info("invalid voice join", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	logger = logger.With("user", join.Username)
	p.logger = logger

	if s.config.VoiceRequiresLogin {
		if _, online := s.sessions.Lookup(join.Username); !online {
			logger.Info("voice join rejected, user not logged in")
			return
		}
	}

	evicted, _ := s.voice.Register(join.Username, p)
	if evicted != nil {
		logger.Info("replacing previous voice connection")
		evicted.Close()
	}
	s.voice.Activate(join.Username, p)
	defer s.voice.Deregister(join.Username, p)

	go p.writeLoop()
	logger.Info("voice participant joined", "participants", s.voice.Len())

	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		frame, err := protocol.ReadVoiceFrame(r, s.config.MaxVoiceFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				logger.Info("voice participant left", "dropped", p.dropped.Load())
			case errors.Is(err, protocol.ErrVoiceFrameTooLarge):
				logger.Warn("voice frame too large, closing", "error", err)
			default:
				logger.Info("voice connection ended", "error", err)
			}
			return
		}
		s.relayVoice(p, frame)
	}
}
