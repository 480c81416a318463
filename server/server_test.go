package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/db"
	"chatrelay/logging"
	"chatrelay/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readTimeout = 5 * time.Second

var _ Store = (*db.DB)(nil)

type testServer struct {
	srv       *Server
	db        *db.DB
	addr      string
	voiceAddr string
}

// setupTestServer starts a server with a temporary database on loopback listeners.
func setupTestServer(t *testing.T, opts ...func(*ServerConfig)) *testServer {
	t.Helper()
	return setupTestServerWithStore(t, nil, opts...)
}

// setupTestServerWithStore lets wrap put a Store in front of the database.
func setupTestServerWithStore(t *testing.T, wrap func(*db.DB) Store, opts ...func(*ServerConfig)) *testServer {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)

	var store Store = database
	if wrap != nil {
		store = wrap(database)
	}

	cfg := &ServerConfig{
		WriteTimeout:       2 * time.Second,
		HistoryLimit:       50,
		DuplicateLogin:     Reject,
		VoiceRequiresLogin: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	srv := New(store, cfg, logging.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	vln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(ln)
	go srv.ServeVoice(vln)

	t.Cleanup(func() {
		srv.Shutdown("test finished")
		database.Close()
	})

	return &testServer{srv: srv, db: database, addr: ln.Addr().String(), voiceAddr: vln.Addr().String()}
}

type received struct {
	raw   []byte
	frame protocol.Frame
}

// testClient reads frames in the background so the server never blocks on us.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	frames chan received
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, frames: make(chan received, 256)}
	go func() {
		defer close(c.frames)
		sc := protocol.NewScanner(conn, 0)
		for sc.Scan() {
			raw := append([]byte(nil), sc.Bytes()...)
			var f protocol.Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				continue
			}
			c.frames <- received{raw: raw, frame: f}
		}
	}()
	return c
}

func (c *testClient) sendRequest(v any) {
	c.t.Helper()
	b, err := protocol.Encode(v)
	require.NoError(c.t, err)
	_, err = c.conn.Write(b)
	require.NoError(c.t, err)
}

// readResponse returns the next frame.
func (c *testClient) readResponse() received {
	c.t.Helper()
	select {
	case r, ok := <-c.frames:
		require.True(c.t, ok, "connection closed while waiting for a frame")
		return r
	case <-time.After(readTimeout):
		c.t.Fatal("timed out waiting for a frame")
		return received{}
	}
}

// expect skips frames until one of type typ arrives and returns it.
func (c *testClient) expect(typ string) protocol.Frame {
	c.t.Helper()
	return c.expectRaw(typ).frame
}

func (c *testClient) expectRaw(typ string) received {
	c.t.Helper()
	got := c.collectUntil(typ)
	return got[len(got)-1]
}

// collectUntil returns every frame up to and including the first of type typ.
func (c *testClient) collectUntil(typ string) []received {
	c.t.Helper()
	var got []received
	for {
		r := c.readResponse()
		got = append(got, r)
		if r.frame.Type == typ {
			return got
		}
	}
}

// sync round-trips a private message to a nonexistent user. The resulting notice
// proves the server has finished handling everything this client sent before.
func (c *testClient) sync() []received {
	c.t.Helper()
	c.sendRequest(protocol.PrivateMessageRequest{Type: protocol.TypePrivateMessage, To: "nobody-here", Message: "ping"})
	var got []received
	for {
		r := c.readResponse()
		if r.frame.Type == protocol.TypeSystem && r.frame.Message == "User nobody-here does not exist" {
			return got
		}
		got = append(got, r)
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(readTimeout)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("connection was not closed")
		}
	}
}

func authenticate(t *testing.T, addr, typ, username, password string) (*testClient, protocol.Frame) {
	t.Helper()
	c := dialClient(t, addr)
	c.sendRequest(protocol.AuthRequest{Type: typ, Username: username, Password: password})
	return c, c.readResponse().frame
}

// join registers username and waits until the join sequence is complete.
func join(t *testing.T, addr, username string) *testClient {
	t.Helper()
	c, resp := authenticate(t, addr, protocol.TypeRegister, username, "password123")
	require.Equal(t, protocol.TypeRegisterResponse, resp.Type)
	require.True(t, resp.Success, resp.Message)
	c.expect(protocol.TypeFriendsList)
	return c
}

func login(t *testing.T, addr, username string) (*testClient, []received) {
	t.Helper()
	c, resp := authenticate(t, addr, protocol.TypeLogin, username, "password123")
	require.Equal(t, protocol.TypeLoginResponse, resp.Type)
	require.True(t, resp.Success, resp.Message)
	return c, c.collectUntil(protocol.TypeFriendsList)
}

func types(rs []received) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.frame.Type)
	}
	return out
}

func indexOf(rs []received, typ string) int {
	for i, r := range rs {
		if r.frame.Type == typ {
			return i
		}
	}
	return -1
}

func TestRegisterJoinSequence(t *testing.T) {
	ts := setupTestServer(t)

	c, resp := authenticate(t, ts.addr, protocol.TypeRegister, "alice", "password123")
	assert.Equal(t, protocol.TypeRegisterResponse, resp.Type)
	assert.True(t, resp.Success)

	frames := c.collectUntil(protocol.TypeFriendsList)
	assert.Equal(t, []string{protocol.TypeUsers, protocol.TypeFriendsList}, types(frames))
	assert.Equal(t, []string{"alice"}, frames[0].frame.Users)
	assert.JSONEq(t, `{"type":"friends_list","friends":[]}`, string(frames[1].raw))

	assert.Equal(t, []string{"alice"}, ts.srv.sessions.Snapshot())
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	ts := setupTestServer(t)

	c := dialClient(t, ts.addr)
	c.sendRequest(protocol.MessageRequest{Type: protocol.TypeMessage, Message: "hello"})

	resp := c.readResponse().frame
	assert.Equal(t, protocol.TypeLoginResponse, resp.Type)
	assert.False(t, resp.Success)
	c.expectClosed()
	assert.Equal(t, 0, ts.srv.sessions.Len())
}

func TestRegisterExistingUserRejected(t *testing.T) {
	ts := setupTestServer(t)
	join(t, ts.addr, "alice")

	c, resp := authenticate(t, ts.addr, protocol.TypeRegister, "alice", "other")
	assert.Equal(t, protocol.TypeRegisterResponse, resp.Type)
	assert.False(t, resp.Success)
	assert.Equal(t, "User already exists", resp.Message)
	c.expectClosed()
}

func TestLoginBadCredentials(t *testing.T) {
	ts := setupTestServer(t)
	require.NoError(t, ts.db.CreateUser(context.Background(), "alice", "password123"))

	c, resp := authenticate(t, ts.addr, protocol.TypeLogin, "alice", "wrong")
	assert.Equal(t, protocol.TypeLoginResponse, resp.Type)
	assert.False(t, resp.Success)
	c.expectClosed()

	c, resp = authenticate(t, ts.addr, protocol.TypeLogin, "nobody", "password123")
	assert.False(t, resp.Success)
	c.expectClosed()
	assert.Equal(t, 0, ts.srv.sessions.Len())
}

func TestDuplicateLoginRejected(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")

	c, resp := authenticate(t, ts.addr, protocol.TypeLogin, "alice", "password123")
	assert.False(t, resp.Success)
	assert.Equal(t, "User already logged in", resp.Message)
	c.expectClosed()

	// the original session is untouched
	bob := join(t, ts.addr, "bob")
	bob.sendRequest(protocol.MessageRequest{Type: protocol.TypeMessage, Message: "still there?"})
	assert.Equal(t, "still there?", alice.expect(protocol.TypeMessage).Message)
}

func TestDuplicateLoginSupersede(t *testing.T) {
	ts := setupTestServer(t, func(c *ServerConfig) { c.DuplicateLogin = Supersede })
	bob := join(t, ts.addr, "bob")
	first := join(t, ts.addr, "alice")
	bob.expect(protocol.TypeUsers)

	second, _ := login(t, ts.addr, "alice")

	notice := first.expect(protocol.TypeSystem)
	assert.Contains(t, notice.Message, "another location")
	first.expectClosed()

	// the superseded handler leaves silently and the new session keeps working
	bob.sendRequest(protocol.PrivateMessageRequest{Type: protocol.TypePrivateMessage, To: "alice", Message: "which one?"})
	pm := second.expect(protocol.TypePrivateMessage)
	assert.Equal(t, "which one?", pm.Message)

	for _, r := range bob.sync() {
		assert.NotEqual(t, "alice left the chat", r.frame.Message)
	}
	assert.Contains(t, ts.srv.sessions.Snapshot(), "alice")
}

func TestBroadcastExcludesSender(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")
	bob := join(t, ts.addr, "bob")
	carol := join(t, ts.addr, "carol")

	alice.sendRequest(protocol.MessageRequest{Type: protocol.TypeMessage, Message: "hi"})

	for _, c := range []*testClient{bob, carol} {
		got := c.expectRaw(protocol.TypeMessage)
		assert.Equal(t, "alice", got.frame.Username)
		assert.Equal(t, "hi", got.frame.Message)
		_, err := time.Parse(protocol.TimestampLayout, got.frame.Timestamp)
		assert.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(got.raw, &m))
		assert.Equal(t, map[string]any{
			"type": "message", "username": "alice", "message": "hi", "timestamp": got.frame.Timestamp,
		}, m)
	}

	for _, r := range alice.sync() {
		assert.NotEqual(t, protocol.TypeMessage, r.frame.Type, "sender received its own broadcast")
	}
}

func TestJoinAndLeaveAnnouncements(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")
	bob := join(t, ts.addr, "bob")

	frames := alice.collectUntil(protocol.TypeUsers)
	assert.Equal(t, "bob joined the chat", frames[0].frame.Message)
	assert.Equal(t, []string{"alice", "bob"}, frames[len(frames)-1].frame.Users)

	bob.conn.Close()
	leave := alice.expect(protocol.TypeSystem)
	assert.Equal(t, "bob left the chat", leave.Message)
	assert.Equal(t, []string{"alice"}, alice.expect(protocol.TypeUsers).Users)

	require.Eventually(t, func() bool { return ts.srv.sessions.Len() == 1 }, readTimeout, 10*time.Millisecond)
}

func TestPrivateMessageLive(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")
	bob := join(t, ts.addr, "bob")
	carol := join(t, ts.addr, "carol")

	alice.sendRequest(protocol.PrivateMessageRequest{Type: protocol.TypePrivateMessage, To: "bob", Message: "psst"})

	pm := bob.expect(protocol.TypePrivateMessage)
	assert.Equal(t, "alice", pm.From)
	assert.Equal(t, "psst", pm.Message)
	assert.NotEmpty(t, pm.Timestamp)

	for _, r := range carol.sync() {
		assert.NotEqual(t, protocol.TypePrivateMessage, r.frame.Type)
	}
	for _, r := range alice.sync() {
		assert.NotEqual(t, protocol.TypePrivateMessage, r.frame.Type)
	}
}

func TestPrivateMessageOfflineIsReplayedFirst(t *testing.T) {
	ts := setupTestServer(t)
	bob := join(t, ts.addr, "bob")
	bob.conn.Close()
	require.Eventually(t, func() bool {
		_, lastOffline, err := ts.db.GetUserStatus(context.Background(), "bob")
		return err == nil && !lastOffline.IsZero()
	}, readTimeout, 10*time.Millisecond)
	_, lastOffline, err := ts.db.GetUserStatus(context.Background(), "bob")
	require.NoError(t, err)

	alice := join(t, ts.addr, "alice")
	alice.sendRequest(protocol.PrivateMessageRequest{Type: protocol.TypePrivateMessage, To: "bob", Message: "while you were out"})
	notice := alice.expect(protocol.TypeSystem)
	assert.Equal(t, "bob is offline (message saved), last seen "+protocol.FormatTimestamp(lastOffline), notice.Message)

	_, frames := login(t, ts.addr, "bob")
	pmAt := indexOf(frames, protocol.TypePrivateMessage)
	require.GreaterOrEqual(t, pmAt, 0, "history not replayed: %v", types(frames))
	assert.Less(t, pmAt, indexOf(frames, protocol.TypeUsers))
	assert.Equal(t, "alice", frames[pmAt].frame.From)
	assert.Equal(t, "while you were out", frames[pmAt].frame.Message)
}

func TestPrivateMessageToUnknownUser(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")

	alice.sendRequest(protocol.PrivateMessageRequest{Type: protocol.TypePrivateMessage, To: "ghost", Message: "boo"})
	assert.Equal(t, "User ghost does not exist", alice.expect(protocol.TypeSystem).Message)

	history, err := ts.db.History(context.Background(), 50, "ghost")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEmptyMessageRejected(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")

	alice.sendRequest(protocol.MessageRequest{Type: protocol.TypeMessage, Message: "  "})
	assert.Equal(t, "Message text required", alice.expect(protocol.TypeSystem).Message)
}

func TestHistoryReplayPerspective(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")
	bob := join(t, ts.addr, "bob")

	alice.sendRequest(protocol.MessageRequest{Type: protocol.TypeMessage, Message: "public"})
	bob.expect(protocol.TypeMessage)
	alice.sendRequest(protocol.PrivateMessageRequest{Type: protocol.TypePrivateMessage, To: "bob", Message: "secret"})
	bob.expect(protocol.TypePrivateMessage)
	alice.sync()

	alice.conn.Close()
	bob.expect(protocol.TypeSystem)
	require.Eventually(t, func() bool { return ts.srv.sessions.Len() == 1 }, readTimeout, 10*time.Millisecond)

	_, frames := login(t, ts.addr, "alice")
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, protocol.TypeMessage, frames[0].frame.Type)
	assert.Equal(t, "public", frames[0].frame.Message)
	assert.Equal(t, protocol.TypePrivateMessageSent, frames[1].frame.Type)
	assert.Equal(t, "bob", frames[1].frame.To)
	assert.Equal(t, "secret", frames[1].frame.Message)

	carol := dialClient(t, ts.addr)
	carol.sendRequest(protocol.AuthRequest{Type: protocol.TypeRegister, Username: "carol", Password: "password123"})
	carol.readResponse()
	frames = carol.collectUntil(protocol.TypeFriendsList)
	assert.Equal(t, "public", frames[0].frame.Message)
	assert.Equal(t, -1, indexOf(frames, protocol.TypePrivateMessage))
	assert.Equal(t, -1, indexOf(frames, protocol.TypePrivateMessageSent))
}

func TestUndecodableFrameIsSkipped(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")
	bob := join(t, ts.addr, "bob")

	_, err := alice.conn.Write([]byte(`{"type": nope` + protocol.Delimiter + `{"type":"teleport"}` + protocol.Delimiter))
	require.NoError(t, err)
	alice.sendRequest(protocol.MessageRequest{Type: protocol.TypeMessage, Message: "after garbage"})

	assert.Equal(t, "after garbage", bob.expect(protocol.TypeMessage).Message)
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	ts := setupTestServer(t, func(c *ServerConfig) { c.MaxFrameBytes = 1024 })
	alice := join(t, ts.addr, "alice")
	bob := join(t, ts.addr, "bob")

	_, err := alice.conn.Write(bytes.Repeat([]byte("x"), 4096))
	require.NoError(t, err)

	alice.expectClosed()
	assert.Equal(t, "alice left the chat", bob.expect(protocol.TypeSystem).Message)
}

func TestFriendHandshakeAcceptIsIdempotent(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")
	bob := join(t, ts.addr, "bob")

	alice.sendRequest(protocol.FriendRequestRequest{Type: protocol.TypeFriendRequest, To: "bob"})
	req := bob.expect(protocol.TypeFriendRequest)
	assert.Equal(t, "alice", req.From)

	accept := protocol.FriendResponseRequest{Type: protocol.TypeFriendResponse, To: "alice", Accepted: true}
	bob.sendRequest(accept)
	bob.sendRequest(accept)

	assert.Equal(t, "alice", bob.expect(protocol.TypeFriendAdded).Friend)
	assert.Equal(t, "bob", alice.expect(protocol.TypeFriendAdded).Friend)

	for _, r := range bob.sync() {
		assert.NotEqual(t, protocol.TypeFriendAdded, r.frame.Type)
		assert.NotEqual(t, protocol.TypeSystem, r.frame.Type, "unexpected notice: %s", r.frame.Message)
	}
	for _, r := range alice.sync() {
		assert.NotEqual(t, protocol.TypeFriendAdded, r.frame.Type)
	}

	friends, err := ts.db.Friends(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, friends)
	assert.Equal(t, 0, ts.srv.friends.len())

	// the friendship shows up in friends_list on the next login
	bob.conn.Close()
	alice.expect(protocol.TypeUsers)
	require.Eventually(t, func() bool { return ts.srv.sessions.Len() == 1 }, readTimeout, 10*time.Millisecond)
	_, frames := login(t, ts.addr, "bob")
	assert.Equal(t, []string{"alice"}, frames[len(frames)-1].frame.Friends)
}

func TestFriendRequestDeclined(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")
	bob := join(t, ts.addr, "bob")

	alice.sendRequest(protocol.FriendRequestRequest{Type: protocol.TypeFriendRequest, To: "bob"})
	bob.expect(protocol.TypeFriendRequest)
	bob.sendRequest(protocol.FriendResponseRequest{Type: protocol.TypeFriendResponse, To: "alice", Accepted: false})

	assert.Equal(t, "bob declined your friend request", alice.expect(protocol.TypeSystem).Message)

	friends, err := ts.db.Friends(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, friends)
}

func TestFriendResponseWithoutRequestIgnored(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")
	join(t, ts.addr, "bob")

	alice.sendRequest(protocol.FriendResponseRequest{Type: protocol.TypeFriendResponse, To: "bob", Accepted: true})
	for _, r := range alice.sync() {
		assert.NotEqual(t, protocol.TypeFriendAdded, r.frame.Type)
	}

	friends, err := ts.db.Friends(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, friends)
}

func TestFriendRequestToOfflineUserLeavesNoTrace(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")

	alice.sendRequest(protocol.FriendRequestRequest{Type: protocol.TypeFriendRequest, To: "carol"})
	alice.sync()
	assert.Equal(t, 0, ts.srv.friends.len())

	carol := join(t, ts.addr, "carol")
	for _, r := range carol.sync() {
		assert.NotEqual(t, protocol.TypeFriendRequest, r.frame.Type)
		assert.NotContains(t, string(r.raw), "friend_request")
	}
}

func TestPendingRequestsDroppedOnDisconnect(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")
	bob := join(t, ts.addr, "bob")

	alice.sendRequest(protocol.FriendRequestRequest{Type: protocol.TypeFriendRequest, To: "bob"})
	bob.expect(protocol.TypeFriendRequest)
	assert.Equal(t, 1, ts.srv.friends.len())

	alice.conn.Close()
	bob.expect(protocol.TypeSystem)
	require.Eventually(t, func() bool { return ts.srv.friends.len() == 0 }, readTimeout, 10*time.Millisecond)
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	ts := setupTestServer(t)
	alice := join(t, ts.addr, "alice")

	ts.srv.Shutdown("maintenance")

	notice := alice.expect(protocol.TypeSystem)
	assert.Equal(t, "Server is shutting down: maintenance", notice.Message)
	alice.expectClosed()

	select {
	case <-ts.srv.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
}

func TestStats(t *testing.T) {
	ts := setupTestServer(t)
	join(t, ts.addr, "bob")
	join(t, ts.addr, "alice")

	st := ts.srv.Stats()
	assert.Equal(t, 2, st.Connections)
	assert.Equal(t, 0, st.Voice)
	assert.Equal(t, "connections=2,voice=0,users=alice;bob", st.String())
}

func TestListenAndServeReportsBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	srv := New(nil, &ServerConfig{Addr: busy.Addr().String(), VoiceAddr: "127.0.0.1:0"}, logging.Discard())
	err = srv.ListenAndServe(context.Background())
	require.Error(t, err)

	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer database.Close()

	srv := New(database, &ServerConfig{Addr: "127.0.0.1:0", VoiceAddr: "127.0.0.1:0", WSAddr: "127.0.0.1:0"}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(readTimeout):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}

