package server

import (
	"context"
	"log/slog"

	"chatrelay/models"
	"chatrelay/protocol"
)

// encode marshals a server event. Events are plain structs, so failure means a bug.
func (s *Server) encode(v any) []byte {
	b, err := protocol.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode frame", "error", err)
		return nil
	}
	return b
}

func (s *Server) sendTo(p Peer, v any) error {
	payload := s.encode(v)
	if payload == nil {
		return nil
	}
	return p.Send(payload)
}

func (s *Server) send(sess *Session, v any) {
	if err := s.sendTo(sess, v); err != nil {
		s.logger.Debug("write failed", "conn", sess.ID().String(), "error", err)
	}
}

func (s *Server) sendSystem(sess *Session, msg string) {
	s.send(sess, protocol.NewSystemEvent(msg, s.now()))
}

// broadcast delivers payload to every text session except exclude. A failed
// write only affects that recipient.
func (s *Server) broadcast(payload []byte, exclude Peer) {
	s.deliver(s.sessions.Peers(exclude), payload)
}

func (s *Server) deliver(peers []Peer, payload []byte) {
	if payload == nil {
		return
	}
	for _, p := range peers {
		if err := p.Send(payload); err != nil {
			s.logger.Debug("broadcast write failed", "conn", p.ID().String(), "error", err)
		}
	}
}

// broadcastPresence pushes the current online list to everyone.
func (s *Server) broadcastPresence() {
	s.broadcast(s.encode(protocol.NewUsersEvent(s.sessions.Snapshot())), nil)
}

func (s *Server) sendFriendsList(sess *Session) {
	ctx, cancel := s.storeContext()
	defer cancel()

	friends, err := s.store.Friends(ctx, sess.Username)
	if err != nil {
		s.logger.Error("failed to load friends", "user", sess.Username, "error", err)
		return
	}
	s.send(sess, protocol.NewFriendsListEvent(friends))
}

// relayPublic persists a public message and fans it out to everyone but the sender.
func (s *Server) relayPublic(sess *Session, body string, logger *slog.Logger) {
	m := models.NewPublicMessage(sess.Username, body, s.now())

	ctx, cancel := s.storeContext()
	defer cancel()

	s.handoff.RLock()
	err := s.store.SaveMessage(ctx, m)
	var peers []Peer
	if err == nil {
		peers = s.sessions.Peers(sess)
	}
	s.handoff.RUnlock()
	if err != nil {
		logger.Error("failed to save message", "error", err)
		s.sendSystem(sess, "Failed to send message")
		return
	}

	s.deliver(peers, s.encode(protocol.NewMessageEvent(m.Sender, m.Body, m.Timestamp)))
}

// relayPrivate persists a private message whether or not the recipient is
// online, then delivers it live or tells the sender it was stored.
func (s *Server) relayPrivate(sess *Session, to, body string, logger *slog.Logger) {
	ctx, cancel := s.storeContext()
	defer cancel()

	exists, err := s.store.UserExists(ctx, to)
	if err != nil {
		logger.Error("failed to look up recipient", "to", to, "error", err)
		s.sendSystem(sess, "Failed to send message")
		return
	}
	if !exists {
		s.sendSystem(sess, "User "+to+" does not exist")
		return
	}

	m := models.NewPrivateMessage(sess.Username, to, body, s.now())
	s.handoff.RLock()
	err = s.store.SaveMessage(ctx, m)
	var (
		peer   Peer
		online bool
	)
	if err == nil {
		peer, online = s.sessions.Lookup(to)
	}
	s.handoff.RUnlock()
	if err != nil {
		logger.Error("failed to save private message", "to", to, "error", err)
		s.sendSystem(sess, "Failed to send message")
		return
	}

	if !online {
		s.sendSystem(sess, s.offlineNotice(ctx, to, logger))
		return
	}
	if err := s.sendTo(peer, protocol.NewPrivateMessageEvent(m.Sender, m.Body, m.Timestamp)); err != nil {
		logger.Debug("private message write failed", "to", to, "error", err)
	}
}

// offlineNotice tells a sender their message was stored, with the recipient's
// last seen time when one is known.
func (s *Server) offlineNotice(ctx context.Context, to string, logger *slog.Logger) string {
	notice := to + " is offline (message saved)"
	_, lastOffline, err := s.store.GetUserStatus(ctx, to)
	if err != nil {
		logger.Warn("failed to load recipient status", "to", to, "error", err)
		return notice
	}
	if lastOffline.IsZero() {
		return notice
	}
	return notice + ", last seen " + protocol.FormatTimestamp(lastOffline)
}

// relayVoice copies one voice frame, unchanged, to every other participant.
func (s *Server) relayVoice(from Peer, frame []byte) {
	for _, p := range s.voice.Peers(from) {
		// Send only enqueues; a full queue drops the frame for that peer.
		p.Send(frame)
	}
}
