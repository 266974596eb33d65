package whisperlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/whisperlink/crypto"
	"github.com/opd-ai/whisperlink/httpapi"
	"github.com/opd-ai/whisperlink/storage"
	"github.com/opd-ai/whisperlink/transport"
)

// relay is a fake relay server covering the HTTP surface and the websocket
// endpoint in one httptest server.
type relay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	pending     []httpapi.PendingEnvelope
	deleted     []int64
	sendReqs    []httpapi.SendRequest
	queueOnSend bool
	wsConns     []*websocket.Conn
	wsRecvd     []transport.Envelope
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) handle(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.URL.Path == "/ws":
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.wsConns = append(r.wsConns, conn)
		r.mu.Unlock()
		go func() {
			for {
				var env transport.Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				r.mu.Lock()
				r.wsRecvd = append(r.wsRecvd, env)
				r.mu.Unlock()
			}
		}()

	case req.Method == http.MethodPost && req.URL.Path == "/api/v1/messages/send":
		var sr httpapi.SendRequest
		json.NewDecoder(req.Body).Decode(&sr)
		r.mu.Lock()
		r.sendReqs = append(r.sendReqs, sr)
		queued := r.queueOnSend
		r.mu.Unlock()
		json.NewEncoder(w).Encode(httpapi.SendResponse{Success: true, Queued: queued, ID: 42})

	case req.Method == http.MethodGet && req.URL.Path == "/api/v1/messages/pending":
		r.mu.Lock()
		out := make([]httpapi.PendingEnvelope, len(r.pending))
		copy(out, r.pending)
		r.mu.Unlock()
		json.NewEncoder(w).Encode(out)

	case req.Method == http.MethodDelete && strings.HasPrefix(req.URL.Path, "/api/v1/messages/pending/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(req.URL.Path, "/api/v1/messages/pending/"), 10, 64)
		r.mu.Lock()
		r.deleted = append(r.deleted, id)
		for i, env := range r.pending {
			if env.ID == id {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	case strings.HasPrefix(req.URL.Path, "/api/v1/profiles/by-username/"):
		username := strings.TrimPrefix(req.URL.Path, "/api/v1/profiles/by-username/")
		json.NewEncoder(w).Encode(httpapi.Profile{ID: 7, Name: username, Username: username})

	case strings.HasPrefix(req.URL.Path, "/api/v1/profiles/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(req.URL.Path, "/api/v1/profiles/"), 10, 64)
		json.NewEncoder(w).Encode(httpapi.Profile{ID: id, Name: "User " + strconv.FormatInt(id, 10)})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (r *relay) socketURL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

// push delivers an envelope to the most recently connected client.
func (r *relay) push(t *testing.T, env *transport.Envelope) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.wsConns, "no client connected")
	require.NoError(t, r.wsConns[len(r.wsConns)-1].WriteJSON(env))
}

func (r *relay) queue(env httpapi.PendingEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, env)
}

func testOptions(r *relay, dataDir string) Options {
	opts := DefaultOptions()
	opts.ServerURL = r.srv.URL
	opts.SocketURL = r.socketURL()
	opts.Token = "session-token"
	opts.SelfID = 3
	opts.SelfUsername = "bob"
	opts.DataDir = dataDir
	opts.PollInterval = 20 * time.Millisecond
	opts.BackoffBase = 5 * time.Millisecond
	opts.BackoffMax = 20 * time.Millisecond
	opts.MaxAttempts = 3
	return opts
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func encrypted(t *testing.T, plaintext string) *crypto.EncryptedMessage {
	t.Helper()
	enc, err := crypto.EncryptMessage([]byte(plaintext))
	require.NoError(t, err)
	return enc
}

// TestOfflineQueueScenario walks the full fallback delivery story: A sent
// "hello" while B was offline, the server mailboxed it as envelope 42, and B
// comes online.
func TestOfflineQueueScenario(t *testing.T) {
	r := newRelay(t)
	enc := encrypted(t, "hello")
	r.queue(httpapi.PendingEnvelope{
		ID:        42,
		MessageID: "a-msg-1",
		Sender:    "7",
		Message:   enc.Ciphertext,
		Key:       enc.Key,
		IV:        enc.IV,
		Timestamp: 1700000000,
	})

	coord, err := New(testOptions(r, t.TempDir()))
	require.NoError(t, err)
	defer coord.Close()

	var received []*storage.Message
	var mu sync.Mutex
	coord.OnMessageReceived(func(m *storage.Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})

	require.NoError(t, coord.Start(context.Background()))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "queued message never delivered")

	ctx := context.Background()
	msg, err := coord.Repository().GetMessage(ctx, "a-msg-1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageTypeText, msg.Type)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "conv_3_7", msg.ConversationID)

	conv, err := coord.Repository().GetConversation(ctx, "conv_3_7")
	require.NoError(t, err)
	assert.Equal(t, "hello", conv.LastMessage)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "User 7", conv.ParticipantName)

	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.deleted) == 1 && r.deleted[0] == 42
	}, "delivered envelope never deleted server-side")
}

// TestDedupAcrossPushAndPoll delivers the same logical message over the live
// socket and through the mailbox and expects exactly one row and one unread.
func TestDedupAcrossPushAndPoll(t *testing.T) {
	r := newRelay(t)
	enc := encrypted(t, "raced")
	r.queue(httpapi.PendingEnvelope{
		ID:        9,
		MessageID: "dup-msg",
		Sender:    "7",
		Message:   enc.Ciphertext,
		Key:       enc.Key,
		IV:        enc.IV,
		Timestamp: 1700000000,
	})

	coord, err := New(testOptions(r, t.TempDir()))
	require.NoError(t, err)
	defer coord.Close()
	require.NoError(t, coord.Start(context.Background()))

	waitFor(t, func() bool { return coord.ConnectionState() == transport.StateConnected },
		"client never connected")

	payload, err := json.Marshal(pushPayload{
		MessageID: "dup-msg",
		Message:   enc.Ciphertext,
		Key:       enc.Key,
		IV:        enc.IV,
	})
	require.NoError(t, err)
	r.push(t, &transport.Envelope{
		V: 1, Type: transport.EnvelopeTypeMessage, ID: "wire-id",
		From: "7", To: "3", Ts: 1700000000, Payload: string(payload),
	})

	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.deleted) == 1
	}, "mailbox copy never drained")

	ctx := context.Background()
	msgs, err := coord.Repository().ListMessages(ctx, "conv_3_7")
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "push+poll double delivery must collapse to one row")

	conv, err := coord.Repository().GetConversation(ctx, "conv_3_7")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount, "unread must increment exactly once")
}

func TestSendTextViaSocket(t *testing.T) {
	r := newRelay(t)
	coord, err := New(testOptions(r, t.TempDir()))
	require.NoError(t, err)
	defer coord.Close()
	require.NoError(t, coord.Start(context.Background()))
	waitFor(t, func() bool { return coord.ConnectionState() == transport.StateConnected },
		"client never connected")

	msg, err := coord.SendText(context.Background(), 7, "hi there", nil)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, msg.Status)

	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.wsRecvd) == 1
	}, "server never received socket envelope")

	r.mu.Lock()
	env := r.wsRecvd[0]
	r.mu.Unlock()
	assert.Equal(t, transport.EnvelopeTypeMessage, env.Type)
	assert.Equal(t, "3", env.From)
	assert.Equal(t, "7", env.To)

	var payload pushPayload
	require.NoError(t, json.Unmarshal([]byte(env.Payload), &payload))
	assert.Equal(t, msg.ID, payload.MessageID)
	plaintext, err := crypto.DecryptMessage(payload.Message, payload.Key, payload.IV)
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(plaintext))

	// No direct call happened.
	r.mu.Lock()
	assert.Empty(t, r.sendReqs)
	r.mu.Unlock()
}

func TestSendTextFallsBackToDirectCall(t *testing.T) {
	r := newRelay(t)
	opts := testOptions(r, t.TempDir())
	// Socket endpoint unreachable: the send chain must fall through to the
	// direct call.
	opts.SocketURL = "ws://127.0.0.1:1/ws"
	r.queueOnSend = true

	coord, err := New(opts)
	require.NoError(t, err)
	defer coord.Close()
	require.NoError(t, coord.Start(context.Background()))

	msg, err := coord.SendText(context.Background(), 7, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, msg.Status)

	r.mu.Lock()
	require.Len(t, r.sendReqs, 1)
	sr := r.sendReqs[0]
	r.mu.Unlock()

	assert.Equal(t, "7", sr.To)
	plaintext, err := crypto.DecryptMessage(sr.Message, sr.AESKey, sr.IV)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))
	assert.Equal(t,
		crypto.SignEnvelope(sr.Message, sr.AESKey, sr.UnixTs, []byte("session-token")),
		sr.HMAC, "HMAC must bind ciphertext, key, and timestamp under the session token")

	// Local echo ended up SENT even though the recipient was offline.
	stored, err := coord.Repository().GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, stored.Status)
}

func TestReceiptAdvancesStatus(t *testing.T) {
	r := newRelay(t)
	coord, err := New(testOptions(r, t.TempDir()))
	require.NoError(t, err)
	defer coord.Close()
	require.NoError(t, coord.Start(context.Background()))
	waitFor(t, func() bool { return coord.ConnectionState() == transport.StateConnected },
		"client never connected")

	msg, err := coord.SendText(context.Background(), 7, "read me", nil)
	require.NoError(t, err)

	receipt, err := json.Marshal(receiptPayload{MessageID: msg.ID, Status: "READ"})
	require.NoError(t, err)
	r.push(t, &transport.Envelope{
		V: 1, Type: transport.EnvelopeTypeReceipt, ID: "rcpt-1",
		From: "7", To: "3", Ts: time.Now().Unix(), Payload: string(receipt),
	})

	waitFor(t, func() bool {
		stored, err := coord.Repository().GetMessage(context.Background(), msg.ID)
		return err == nil && stored.Status == storage.StatusRead
	}, "receipt never advanced status")
}

func TestSessionInvalidStopsSession(t *testing.T) {
	r := newRelay(t)
	coord, err := New(testOptions(r, t.TempDir()))
	require.NoError(t, err)
	defer coord.Close()
	require.NoError(t, coord.Start(context.Background()))
	waitFor(t, func() bool { return coord.ConnectionState() == transport.StateConnected },
		"client never connected")

	reasonCh := make(chan string, 1)
	coord.OnSessionInvalid(func(reason string) { reasonCh <- reason })

	r.push(t, &transport.Envelope{
		V: 1, Type: transport.EnvelopeTypeSessionInvalid, ID: "kill-1",
		Ts: time.Now().Unix(), Payload: "token revoked",
	})

	select {
	case reason := <-reasonCh:
		assert.Equal(t, "token revoked", reason)
	case <-time.After(3 * time.Second):
		t.Fatal("session-invalid event never emitted")
	}

	// Reconnection stays off after revocation.
	time.Sleep(100 * time.Millisecond)
	r.mu.Lock()
	n := len(r.wsConns)
	r.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestMarkConversationOpenResetsUnread(t *testing.T) {
	r := newRelay(t)
	enc := encrypted(t, "unread me")
	r.queue(httpapi.PendingEnvelope{
		ID: 1, MessageID: "m-1", Sender: "7",
		Message: enc.Ciphertext, Key: enc.Key, IV: enc.IV, Timestamp: 1700000000,
	})

	coord, err := New(testOptions(r, t.TempDir()))
	require.NoError(t, err)
	defer coord.Close()
	require.NoError(t, coord.Start(context.Background()))

	ctx := context.Background()
	waitFor(t, func() bool {
		conv, err := coord.Repository().GetConversation(ctx, "conv_3_7")
		return err == nil && conv.UnreadCount == 1
	}, "message never persisted")

	require.NoError(t, coord.MarkConversationOpen(ctx, "conv_3_7"))
	conv, err := coord.Repository().GetConversation(ctx, "conv_3_7")
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestGroupEnvelopeFanOutAndSystemRow(t *testing.T) {
	r := newRelay(t)
	coord, err := New(testOptions(r, t.TempDir()))
	require.NoError(t, err)
	defer coord.Close()

	type groupEvent struct {
		groupID       int64
		event, detail string
	}
	eventCh := make(chan groupEvent, 1)
	coord.OnGroupEvent(func(groupID int64, event, detail string) {
		eventCh <- groupEvent{groupID, event, detail}
	})

	require.NoError(t, coord.Start(context.Background()))
	waitFor(t, func() bool { return coord.ConnectionState() == transport.StateConnected },
		"client never connected")

	payload, err := json.Marshal(groupPayload{
		GroupID: 12, Event: "member_joined", Detail: "Carol joined the group",
	})
	require.NoError(t, err)
	r.push(t, &transport.Envelope{
		V: 1, Type: transport.EnvelopeTypeGroup, ID: "g-evt-1",
		From: "7", To: "3", Ts: 1700000000, Payload: string(payload),
	})

	select {
	case evt := <-eventCh:
		assert.Equal(t, int64(12), evt.groupID)
		assert.Equal(t, "member_joined", evt.event)
		assert.Equal(t, "Carol joined the group", evt.detail)
	case <-time.After(3 * time.Second):
		t.Fatal("group event never delivered")
	}

	// The event also lands as a system text row in the group conversation.
	ctx := context.Background()
	waitFor(t, func() bool {
		_, gerr := coord.Repository().GetMessage(ctx, "g-evt-1")
		return gerr == nil
	}, "group system row never persisted")

	msg, err := coord.Repository().GetMessage(ctx, "g-evt-1")
	require.NoError(t, err)
	assert.Equal(t, storage.MessageTypeText, msg.Type)
	assert.Equal(t, "Carol joined the group", msg.Content)
	assert.Equal(t, "group_12", msg.ConversationID)

	conv, err := coord.Repository().GetConversation(ctx, "group_12")
	require.NoError(t, err)
	assert.Equal(t, "Carol joined the group", conv.LastMessage)
}

func TestTypingAndPresenceFanOut(t *testing.T) {
	r := newRelay(t)
	coord, err := New(testOptions(r, t.TempDir()))
	require.NoError(t, err)
	defer coord.Close()

	typingCh := make(chan bool, 1)
	onlineCh := make(chan bool, 1)
	coord.OnTyping(func(peerID int64, typing bool) {
		assert.Equal(t, int64(7), peerID)
		typingCh <- typing
	})
	coord.OnPresence(func(peerID int64, online bool) {
		assert.Equal(t, int64(7), peerID)
		onlineCh <- online
	})

	require.NoError(t, coord.Start(context.Background()))
	waitFor(t, func() bool { return coord.ConnectionState() == transport.StateConnected },
		"client never connected")

	r.push(t, &transport.Envelope{
		V: 1, Type: transport.EnvelopeTypeTyping, ID: "t-1",
		From: "7", To: "3", Ts: time.Now().Unix(), Payload: `{"typing":true}`,
	})
	r.push(t, &transport.Envelope{
		V: 1, Type: transport.EnvelopeTypePresence, ID: "p-1",
		From: "7", To: "3", Ts: time.Now().Unix(), Payload: `{"online":false}`,
	})

	select {
	case typing := <-typingCh:
		assert.True(t, typing)
	case <-time.After(3 * time.Second):
		t.Fatal("typing indicator never delivered")
	}
	select {
	case online := <-onlineCh:
		assert.False(t, online)
	case <-time.After(3 * time.Second):
		t.Fatal("presence change never delivered")
	}

	// Indicators are never persisted.
	msgs, err := coord.Repository().ListMessages(context.Background(), "conv_3_7")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.ServerURL = "http://example.com"
	opts.SocketURL = "ws://example.com/ws"
	opts.Token = "t"
	opts.DataDir = t.TempDir()
	_, err = New(opts)
	assert.Error(t, err, "missing SelfID must be rejected")
}
