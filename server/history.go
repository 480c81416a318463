package server

import (
	"context"
	"log/slog"

	"chatrelay/models"
	"chatrelay/protocol"
)

// loadHistory fetches the most recent messages visible to username, oldest first.
func (s *Server) loadHistory(ctx context.Context, username string, logger *slog.Logger) []models.Message {
	if s.config.HistoryLimit <= 0 {
		return nil
	}
	messages, err := s.store.History(ctx, s.config.HistoryLimit, username)
	if err != nil {
		logger.Error("failed to load history", "error", err)
		return nil
	}
	return messages
}

// replayHistory writes messages from the session user's point of view. The
// caller holds the session writer.
func (s *Server) replayHistory(sess *Session, messages []models.Message, logger *slog.Logger) {
	for i := range messages {
		if err := sess.writeLocked(s.encode(historyEvent(&messages[i], sess.Username))); err != nil {
			return
		}
	}
	logger.Debug("history replayed", "messages", len(messages))
}

// historyEvent renders a stored message from the point of view of viewer.
func historyEvent(m *models.Message, viewer string) any {
	switch {
	case !m.IsPrivate():
		return protocol.NewMessageEvent(m.Sender, m.Body, m.Timestamp)
	case m.Recipient == viewer:
		return protocol.NewPrivateMessageEvent(m.Sender, m.Body, m.Timestamp)
	default:
		return protocol.NewPrivateMessageSentEvent(m.Recipient, m.Body, m.Timestamp)
	}
}
