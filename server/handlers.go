package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/gorilla/websocket"
)

func (s *Server) handleConnection(t transport) {
	sess := newSession(t, s.config.WriteTimeout)
	logger := s.logger.With("conn", sess.ID().String(), "remote", t.RemoteAddr())

	if !s.track(sess) {
		t.Close()
		return
	}
	defer s.untrack(sess)
	defer sess.Close()

	logger.Debug("client connected")

	payload, err := s.readFrame(sess)
	if err != nil {
		s.logReadError(logger, err)
		return
	}

	username, ok := s.authenticate(sess, payload, logger)
	if !ok {
		return
	}
	logger = logger.With("user", username)
	defer s.endSession(sess, logger)

	s.joinSession(sess, logger)

	for {
		payload, err := s.readFrame(sess)
		if err != nil {
			s.logReadError(logger, err)
			return
		}
		s.handleFrame(sess, payload, logger)
	}
}

func (s *Server) readFrame(sess *Session) ([]byte, error) {
	if s.config.IdleTimeout > 0 {
		sess.t.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	}
	return sess.t.ReadFrame()
}

func (s *Server) logReadError(logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Debug("connection closed")
	case errors.Is(err, bufio.ErrTooLong), errors.Is(err, websocket.ErrReadLimit):
		logger.Warn("frame exceeds size limit, closing connection", "limit", s.config.MaxFrameBytes)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			logger.Info("connection idle, closing")
			return
		}
		logger.Debug("read failed", "error", err)
	}
}

// authenticate handles the first frame, which must be a login or register
// request. On success the session is registered with its history already
// written, but not yet announced.
func (s *Server) authenticate(sess *Session, payload []byte, logger *slog.Logger) (string, bool) {
	typ, ok := protocol.PeekType(payload)
	if !ok || !protocol.IsAuthType(typ) {
		logger.Info("first frame is not an authentication request", "type", typ)
		s.send(sess, protocol.NewAuthResponse(protocol.TypeLoginResponse, false, "Authentication required"))
		return "", false
	}

	respType := protocol.TypeLoginResponse
	if typ == protocol.TypeRegister {
		respType = protocol.TypeRegisterResponse
	}

	f, err := protocol.Decode(payload)
	if err != nil {
		logger.Info("invalid authentication frame")
		s.send(sess, protocol.NewAuthResponse(respType, false, "Invalid request"))
		return "", false
	}
	username := strings.TrimSpace(f.Username)
	if username == "" || f.Password == "" {
		s.send(sess, protocol.NewAuthResponse(respType, false, "Username and password are required"))
		return "", false
	}

	ctx, cancel := s.storeContext()
	defer cancel()

	if typ == protocol.TypeRegister {
		err := s.store.CreateUser(ctx, username, f.Password)
		if errors.Is(err, models.ErrUserExists) {
			logger.Info("registration rejected, user exists", "username", username)
			s.send(sess, protocol.NewAuthResponse(respType, false, "User already exists"))
			return "", false
		}
		if err != nil {
			logger.Error("registration failed", "username", username, "error", err)
			s.send(sess, protocol.NewAuthResponse(respType, false, "Internal error"))
			return "", false
		}
		logger.Info("user registered", "username", username)
	} else {
		valid, err := s.store.AuthenticateUser(ctx, username, f.Password)
		if err != nil {
			logger.Error("authentication failed", "username", username, "error", err)
			s.send(sess, protocol.NewAuthResponse(respType, false, "Internal error"))
			return "", false
		}
		if !valid {
			logger.Info("invalid credentials", "username", username)
			s.send(sess, protocol.NewAuthResponse(respType, false, "Invalid username or password"))
			return "", false
		}
	}

	sess.Username = username

	// Hold the writer from registration until history is out, so live frames
	// routed to this session queue behind the replay. Each stored message is
	// either in the loaded history or routed live, not both.
	sess.lockWrites()
	s.handoff.Lock()
	evicted, ok := s.sessions.Register(username, sess)
	if !ok {
		s.handoff.Unlock()
		sess.unlockWrites()
		logger.Info("login rejected, user already online", "username", username)
		s.send(sess, protocol.NewAuthResponse(respType, false, "User already logged in"))
		return "", false
	}
	history := s.loadHistory(ctx, username, logger)
	s.handoff.Unlock()

	if evicted != nil {
		go s.evict(evicted, logger)
	}

	msg := "Login successful"
	if typ == protocol.TypeRegister {
		msg = "Registration successful"
	}
	err = sess.writeLocked(s.encode(protocol.NewAuthResponse(respType, true, msg)))
	if err == nil {
		s.replayHistory(sess, history, logger)
	}
	sess.unlockWrites()
	if err != nil {
		s.sessions.Deregister(username, sess)
		return "", false
	}

	logger.Info("user logged in", "username", username)
	return username, true
}

func (s *Server) evict(p Peer, logger *slog.Logger) {
	logger.Info("closing superseded session", "superseded", p.ID().String())
	s.sendTo(p, protocol.NewSystemEvent("You have been logged in from another location", s.now()))
	p.Close()
}

// joinSession makes the session visible and tells everyone about it.
func (s *Server) joinSession(sess *Session, logger *slog.Logger) {
	username := sess.Username
	if !s.sessions.Activate(username, sess) {
		return
	}

	now := s.now()
	s.broadcast(s.encode(protocol.NewSystemEvent(username+" joined the chat", now)), sess)
	s.broadcastPresence()
	s.sendFriendsList(sess)

	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.UpdateLastOnline(ctx, username, now); err != nil {
		logger.Warn("failed to update last online", "error", err)
	}
}

// endSession releases the registry entry and announces the departure. A
// session displaced by a newer login leaves silently.
func (s *Server) endSession(sess *Session, logger *slog.Logger) {
	username := sess.Username
	if !s.sessions.Deregister(username, sess) {
		logger.Info("superseded session closed")
		return
	}
	s.friends.drop(username)

	now := s.now()
	s.broadcast(s.encode(protocol.NewSystemEvent(username+" left the chat", now)), nil)
	s.broadcastPresence()

	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.UpdateLastOffline(ctx, username, now); err != nil {
		logger.Warn("failed to update last offline", "error", err)
	}
	logger.Info("user disconnected")
}

func (s *Server) handleFrame(sess *Session, payload []byte, logger *slog.Logger) {
	typ, ok := protocol.PeekType(payload)
	if !ok {
		logger.Warn("discarding undecodable frame", "bytes", len(payload))
		return
	}
	if protocol.IsAuthType(typ) {
		logger.Debug("ignoring authentication frame on active session")
		return
	}

	f, err := protocol.Decode(payload)
	if err != nil {
		logger.Warn("discarding invalid frame", "type", typ, "error", err)
		return
	}
	logger.Debug("frame received", "type", typ)

	switch typ {
	case protocol.TypeMessage:
		s.handleMessage(sess, f, logger)
	case protocol.TypePrivateMessage:
		s.handlePrivateMessage(sess, f, logger)
	case protocol.TypeFriendRequest:
		s.handleFriendRequest(sess, f, logger)
	case protocol.TypeFriendResponse:
		s.handleFriendResponse(sess, f, logger)
	default:
		logger.Warn("unknown frame type", "type", typ)
	}
}

func (s *Server) handleMessage(sess *Session, f *protocol.Frame, logger *slog.Logger) {
	if strings.TrimSpace(f.Message) == "" {
		s.sendSystem(sess, "Message text required")
		return
	}
	s.relayPublic(sess, f.Message, logger)
}

func (s *Server) handlePrivateMessage(sess *Session, f *protocol.Frame, logger *slog.Logger) {
	to := strings.TrimSpace(f.To)
	if to == "" {
		s.sendSystem(sess, "Recipient required")
		return
	}
	if strings.TrimSpace(f.Message) == "" {
		s.sendSystem(sess, "Message text required")
		return
	}
	s.relayPrivate(sess, to, f.Message, logger)
}
