package server

import (
	"log/slog"
	"strings"
	"sync"

	"chatrelay/protocol"
)

type friendKey struct {
	from, to string
}

// friendRequests tracks requests that were delivered and not yet answered.
type friendRequests struct {
	mu      sync.Mutex
	pending map[friendKey]struct{}
}

func newFriendRequests() *friendRequests {
	return &friendRequests{pending: make(map[friendKey]struct{})}
}

func (fr *friendRequests) add(from, to string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.pending[friendKey{from, to}] = struct{}{}
}

// take removes the request and reports whether it was pending.
func (fr *friendRequests) take(from, to string) bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	k := friendKey{from, to}
	if _, ok := fr.pending[k]; !ok {
		return false
	}
	delete(fr.pending, k)
	return true
}

// drop forgets every request sent by or to user.
func (fr *friendRequests) drop(user string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for k := range fr.pending {
		if k.from == user || k.to == user {
			delete(fr.pending, k)
		}
	}
}

func (fr *friendRequests) len() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return len(fr.pending)
}

// handleFriendRequest forwards a request to an online target. Requests to
// offline users are dropped without feedback.
func (s *Server) handleFriendRequest(sess *Session, f *protocol.Frame, logger *slog.Logger) {
	to := strings.TrimSpace(f.To)
	if to == "" || to == sess.Username {
		logger.Debug("ignoring friend request", "to", to)
		return
	}

	peer, online := s.sessions.Lookup(to)
	if !online {
		logger.Info("friend request target offline, dropped", "to", to)
		return
	}

	s.friends.add(sess.Username, to)
	if err := s.sendTo(peer, protocol.NewFriendRequestEvent(sess.Username)); err != nil {
		s.friends.take(sess.Username, to)
		logger.Debug("friend request write failed", "to", to, "error", err)
		return
	}
	logger.Info("friend request sent", "to", to)
}

// handleFriendResponse answers a pending request from f.To. Accepting stores
// the friendship once and tells both sides; rejecting notifies the initiator.
func (s *Server) handleFriendResponse(sess *Session, f *protocol.Frame, logger *slog.Logger) {
	initiator := strings.TrimSpace(f.To)
	if !s.friends.take(initiator, sess.Username) {
		logger.Info("friend response without pending request", "to", initiator)
		return
	}

	if !f.Accepted {
		if peer, ok := s.sessions.Lookup(initiator); ok {
			s.sendTo(peer, protocol.NewSystemEvent(sess.Username+" declined your friend request", s.now()))
		}
		logger.Info("friend request declined", "from", initiator)
		return
	}

	ctx, cancel := s.storeContext()
	defer cancel()

	created, err := s.store.AddFriendship(ctx, initiator, sess.Username)
	if err != nil {
		logger.Error("failed to add friendship", "with", initiator, "error", err)
		s.sendSystem(sess, "Failed to add friend")
		return
	}
	if !created {
		logger.Debug("friendship already exists", "with", initiator)
		return
	}

	s.send(sess, protocol.NewFriendAddedEvent(initiator))
	if peer, ok := s.sessions.Lookup(initiator); ok {
		s.sendTo(peer, protocol.NewFriendAddedEvent(sess.Username))
	}
	logger.Info("friendship created", "with", initiator)
}
