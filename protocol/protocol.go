package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame types
const (
	TypeLogin          = "login"
	TypeRegister       = "register"
	TypeMessage        = "message"
	TypePrivateMessage = "private_message"
	TypeFriendRequest  = "friend_request"
	TypeFriendResponse = "friend_response"

	TypeLoginResponse      = "login_response"
	TypeRegisterResponse   = "register_response"
	TypePrivateMessageSent = "private_message_sent"
	TypeSystem             = "system"
	TypeUsers              = "users"
	TypeFriendAdded        = "friend_added"
	TypeFriendsList        = "friends_list"

	TypeVoiceJoin = "voice_join"
)

// TimestampLayout is used for every timestamp carried on the wire.
const TimestampLayout = "2006-01-02T15:04:05Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Frame is the union of all text frame fields, used for decoding either direction.
type Frame struct {
	Type      string   `json:"type"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
	Message   string   `json:"message,omitempty"`
	To        string   `json:"to,omitempty"`
	From      string   `json:"from,omitempty"`
	Friend    string   `json:"friend,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Success   bool     `json:"success,omitempty"`
	Accepted  bool     `json:"accepted,omitempty"`
	Users     []string `json:"users,omitempty"`
	Friends   []string `json:"friends,omitempty"`
}

func Decode(payload []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, errors.Join(ErrInvalidFrame, err)
	}
	if f.Type == "" {
		return nil, ErrInvalidFrame
	}
	return &f, nil
}

// Client -> server

type AuthRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type MessageRequest struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type PrivateMessageRequest struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Message string `json:"message"`
}

type FriendRequestRequest struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

type FriendResponseRequest struct {
	Type     string `json:"type"`
	To       string `json:"to"`
	Accepted bool   `json:"accepted"`
}

// Server -> client

type AuthResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type MessageEvent struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type PrivateMessageEvent struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type PrivateMessageSentEvent struct {
	Type      string `json:"type"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type SystemEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

type UsersEvent struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type FriendRequestEvent struct {
	Type string `json:"type"`
	From string `json:"from"`
}

type FriendAddedEvent struct {
	Type   string `json:"type"`
	Friend string `json:"friend"`
}

type FriendsListEvent struct {
	Type    string   `json:"type"`
	Friends []string `json:"friends"`
}

func NewAuthResponse(typ string, success bool, message string) AuthResponse {
	return AuthResponse{Type: typ, Success: success, Message: message}
}

func NewMessageEvent(username, message string, at time.Time) MessageEvent {
	return MessageEvent{Type: TypeMessage, Username: username, Message: message, Timestamp: FormatTimestamp(at)}
}

func NewPrivateMessageEvent(from, message string, at time.Time) PrivateMessageEvent {
	return PrivateMessageEvent{Type: TypePrivateMessage, From: from, Message: message, Timestamp: FormatTimestamp(at)}
}

func NewPrivateMessageSentEvent(to, message string, at time.Time) PrivateMessageSentEvent {
	return PrivateMessageSentEvent{Type: TypePrivateMessageSent, To: to, Message: message, Timestamp: FormatTimestamp(at)}
}

func NewSystemEvent(message string, at time.Time) SystemEvent {
	ev := SystemEvent{Type: TypeSystem, Message: message}
	if !at.IsZero() {
		ev.Timestamp = FormatTimestamp(at)
	}
	return ev
}

func NewUsersEvent(users []string) UsersEvent {
	if users == nil {
		users = []string{}
	}
	return UsersEvent{Type: TypeUsers, Users: users}
}

func NewFriendRequestEvent(from string) FriendRequestEvent {
	return FriendRequestEvent{Type: TypeFriendRequest, From: from}
}

func NewFriendAddedEvent(friend string) FriendAddedEvent {
	return FriendAddedEvent{Type: TypeFriendAdded, Friend: friend}
}

func NewFriendsListEvent(friends []string) FriendsListEvent {
	if friends == nil {
		friends = []string{}
	}
	return FriendsListEvent{Type: TypeFriendsList, Friends: friends}
}
