package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the server depends on.
type Store interface {
	CreateUser(ctx context.Context, username, password string) error
	AuthenticateUser(ctx context.Context, username, password string) (bool, error)
	UserExists(ctx context.Context, username string) (bool, error)
	UpdateLastOnline(ctx context.Context, username string, t time.Time) error
	UpdateLastOffline(ctx context.Context, username string, t time.Time) error
	GetUserStatus(ctx context.Context, username string) (lastOnline, lastOffline time.Time, err error)
	SaveMessage(ctx context.Context, m *models.Message) error
	History(ctx context.Context, limit int, forUser string) ([]models.Message, error)
	AddFriendship(ctx context.Context, a, b string) (bool, error)
	Friends(ctx context.Context, username string) ([]string, error)
}

type ServerConfig struct {
	Addr      string
	VoiceAddr string
	WSAddr    string // empty disables the WebSocket gateway

	WriteTimeout time.Duration
	IdleTimeout  time.Duration // 0 waits forever

	MaxFrameBytes      int
	MaxVoiceFrameBytes int
	HistoryLimit       int

	DuplicateLogin     Policy
	VoiceRequiresLogin bool
}

const storeTimeout = 5 * time.Second

type Server struct {
	store  Store
	config *ServerConfig
	logger *slog.Logger

	sessions *Registry
	voice    *Registry
	friends  *friendRequests

	// handoff orders logins against stored-message relays: a login registers
	// and queries history under the write lock, a relay saves and picks its
	// recipients under the read lock.
	handoff sync.RWMutex

	mu        sync.Mutex
	closing   bool
	listeners []net.Listener
	conns     map[uuid.UUID]Peer
	wg        sync.WaitGroup
	done      chan struct{}

	now func() time.Time
}

func New(store Store, config *ServerConfig, logger *slog.Logger) *Server {
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = protocol.DefaultMaxFrameSize
	}
	if config.MaxVoiceFrameBytes <= 0 {
		config.MaxVoiceFrameBytes = protocol.DefaultMaxVoiceFrameSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		store:    store,
		config:   config,
		logger:   logger,
		sessions: NewRegistry(config.DuplicateLogin),
		voice:    NewRegistry(Supersede),
		friends:  newFriendRequests(),
		conns:    make(map[uuid.UUID]Peer),
		done:     make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ListenAndServe binds the text, voice and optional WebSocket listeners and
// serves until ctx is cancelled or Shutdown is called. A bind failure is
// returned before anything is served.
func (s *Server) ListenAndServe(ctx context.Context) error {
	textLn, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen text %s: %w", s.config.Addr, err)
	}
	voiceLn, err := net.Listen("tcp", s.config.VoiceAddr)
	if err != nil {
		textLn.Close()
		return fmt.Errorf("listen voice %s: %w", s.config.VoiceAddr, err)
	}

	var (
		wsLn  net.Listener
		httpd *http.Server
	)
	if s.config.WSAddr != "" {
		wsLn, err = net.Listen("tcp", s.config.WSAddr)
		if err != nil {
			textLn.Close()
			voiceLn.Close()
			return fmt.Errorf("listen websocket %s: %w", s.config.WSAddr, err)
		}
		httpd = &http.Server{Handler: s.WebSocketHandler(), ReadHeaderTimeout: 10 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(textLn) })
	g.Go(func() error { return s.ServeVoice(voiceLn) })
	if httpd != nil {
		s.logger.Info("websocket gateway listening", "addr", wsLn.Addr().String())
		g.Go(func() error {
			if err := httpd.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Shutdown("server stopping")
		case <-s.done:
		}
		if httpd != nil {
			httpd.Close()
		}
		return nil
	})

	return g.Wait()
}

// Serve accepts text connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.addListener(ln) {
		ln.Close()
		return nil
	}
	s.logger.Info("chat server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		go s.handleConnection(newTCPTransport(conn, s.config.MaxFrameBytes))
	}
}

// ServeVoice accepts voice connections on ln until it is closed.
func (s *Server) ServeVoice(ln net.Listener) error {
	if !s.addListener(ln) {
		ln.Close()
		return nil
	}
	s.logger.Info("voice server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("voice accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		go s.handleVoiceConnection(conn)
	}
}

func (s *Server) addListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.listeners = append(s.listeners, ln)
	return true
}

// track records a live connection for Shutdown. It fails once shutdown began.
func (s *Server) track(p Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[p.ID()] = p
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(p Peer) {
	s.mu.Lock()
	delete(s.conns, p.ID())
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown stops accepting, tells every logged in user why, closes all
// connections and waits for their handlers to finish. Later calls are no-ops.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	listeners := s.listeners
	s.listeners = nil
	conns := make([]Peer, 0, len(s.conns))
	for _, p := range s.conns {
		conns = append(conns, p)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down", "reason", reason, "connections", len(conns))

	for _, ln := range listeners {
		ln.Close()
	}

	msg := "Server is shutting down"
	if reason != "" {
		msg += ": " + reason
	}
	s.broadcast(s.encode(protocol.NewSystemEvent(msg, s.now())), nil)

	for _, p := range conns {
		p.Close()
	}
	s.wg.Wait()
	close(s.done)
}

// Done is closed once Shutdown has finished.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

type Stats struct {
	Connections int
	Voice       int
	Users       []string
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.sessions.Len(),
		Voice:       s.voice.Len(),
		Users:       s.sessions.Snapshot(),
	}
}

func (st Stats) String() string {
	return "connections=" + strconv.Itoa(st.Connections) +
		",voice=" + strconv.Itoa(st.Voice) +
		",users=" + strings.Join(st.Users, ";")
}

func (s *Server) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}
