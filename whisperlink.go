package whisperlink

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisperlink/crypto"
	"github.com/opd-ai/whisperlink/httpapi"
	"github.com/opd-ai/whisperlink/limits"
	"github.com/opd-ai/whisperlink/mailbox"
	"github.com/opd-ai/whisperlink/media"
	"github.com/opd-ai/whisperlink/storage"
	"github.com/opd-ai/whisperlink/transport"
)

// ErrSendFailed indicates a message could not be handed to the server by any
// path. The local copy stays PENDING.
var ErrSendFailed = errors.New("send failed on all paths")

// MessageCallback observes every newly persisted inbound message.
type MessageCallback func(*storage.Message)

// GroupEventCallback observes group membership and system events.
type GroupEventCallback func(groupID int64, event, detail string)

// SessionInvalidCallback observes server-initiated session revocation. The
// transport has already stopped by the time it fires; clearing credentials
// and navigation are the subscriber's responsibility.
type SessionInvalidCallback func(reason string)

// TypingCallback observes peer typing indicators. Never persisted.
type TypingCallback func(peerID int64, typing bool)

// PresenceCallback observes peer online/offline changes. Never persisted.
type PresenceCallback func(peerID int64, online bool)

// pushPayload is the JSON carried inside a live-connection message envelope's
// payload field.
type pushPayload struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	Key       string `json:"key"`
	IV        string `json:"iv"`
}

// receiptPayload advances a message's delivery status.
type receiptPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// groupPayload carries a group system event.
type groupPayload struct {
	GroupID int64  `json:"groupId"`
	Event   string `json:"event"`
	Detail  string `json:"detail"`
}

// typingPayload carries a typing indicator.
type typingPayload struct {
	Typing bool `json:"typing"`
}

// presencePayload carries a peer online/offline change.
type presencePayload struct {
	Online bool `json:"online"`
}

// Coordinator is the session-scoped transport orchestrator. It owns exactly
// one connection manager and one mailbox poller; both delivery paths converge
// on its persistInbound routine.
type Coordinator struct {
	opts   Options
	api    *httpapi.Client
	signer *crypto.Signer
	conn   *transport.Manager
	poller *mailbox.Poller
	repo   *storage.Repository
	media  *media.Pipeline

	mu      sync.Mutex
	started bool
	closed  bool

	activeMu   sync.RWMutex
	activeConv string

	profileMu sync.RWMutex
	profiles  map[int64]*httpapi.Profile

	callbackMu       sync.RWMutex
	messageCb        MessageCallback
	groupCb          GroupEventCallback
	sessionInvalidCb SessionInvalidCallback
	typingCb         TypingCallback
	presenceCb       PresenceCallback
}

// New constructs the Coordinator and everything it owns. The session's single
// connection manager is created here and nowhere else; a second Coordinator
// for the same session is the caller's bug, a second connection manager
// inside one Coordinator is structurally impossible.
func New(opts Options) (*Coordinator, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = mailbox.DefaultInterval
	}

	repo, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open message repository")
	}

	api := httpapi.NewClient(opts.ServerURL, opts.Token, opts.HTTPClient)

	conn, err := transport.NewManager(transport.Config{
		ServerURL:   opts.SocketURL,
		Token:       opts.Token,
		BackoffBase: opts.BackoffBase,
		BackoffMax:  opts.BackoffMax,
		MaxAttempts: opts.MaxAttempts,
	})
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "failed to create connection manager")
	}

	c := &Coordinator{
		opts:     opts,
		api:      api,
		signer:   crypto.NewSigner(opts.Token),
		conn:     conn,
		repo:     repo,
		media:    media.NewPipeline(api, opts.mediaCacheDir()),
		profiles: make(map[int64]*httpapi.Profile),
	}

	repo.SetActiveConversationFunc(c.activeConversation)

	conn.RegisterHandler(transport.EnvelopeTypeMessage, c.handleMessageEnvelope)
	conn.RegisterHandler(transport.EnvelopeTypeReceipt, c.handleReceiptEnvelope)
	conn.RegisterHandler(transport.EnvelopeTypeGroup, c.handleGroupEnvelope)
	conn.RegisterHandler(transport.EnvelopeTypeTyping, c.handleTypingEnvelope)
	conn.RegisterHandler(transport.EnvelopeTypePresence, c.handlePresenceEnvelope)
	conn.OnSessionInvalid(c.handleSessionInvalid)

	poller, err := mailbox.NewPoller(mailbox.Config{
		API:       api,
		Persist:   c.persistInbound,
		SelfID:    opts.SelfID,
		Connected: func() bool { return conn.State() == transport.StateConnected },
		Interval:  opts.PollInterval,
	})
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "failed to create mailbox poller")
	}
	c.poller = poller

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self_id":  opts.SelfID,
	}).Info("Transport coordinator created")
	return c, nil
}

// Start connects the live socket and starts the mailbox poller. Starting a
// started Coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("coordinator closed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	// The poller gates itself on connection state, so starting it before the
	// socket is up costs nothing and loses nothing.
	c.poller.Start()
	if err := c.conn.Connect(ctx); err != nil {
		// The manager keeps retrying under backoff; Start only fails hard on
		// a dead session.
		if errors.Is(err, transport.ErrSessionInvalid) {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err,
		}).Warn("Initial connect failed, reconnection scheduled")
	}
	return nil
}

// Close tears the session down: poller first, then reconnect timer and
// socket, then the repository, so no task outlives a resource it uses.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.poller.Stop()
	c.conn.Cleanup()
	c.repo.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Transport coordinator closed")
}

// Repository exposes the local store to external collaborators (conversation
// list, chat screen). The write contracts stay inside the core.
func (c *Coordinator) Repository() *storage.Repository { return c.repo }

// Media exposes the media pipeline for viewer-driven downloads.
func (c *Coordinator) Media() *media.Pipeline { return c.media }

// ConnectionState reports the live connection's current state.
func (c *Coordinator) ConnectionState() transport.ConnectionState { return c.conn.State() }

// OnConnectionState subscribes to connection state transitions.
func (c *Coordinator) OnConnectionState(cb transport.StateCallback) { c.conn.OnStateChange(cb) }

// OnMessageReceived subscribes to newly persisted inbound messages from
// either delivery path.
func (c *Coordinator) OnMessageReceived(cb MessageCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.messageCb = cb
}

// OnGroupEvent subscribes to group system events.
func (c *Coordinator) OnGroupEvent(cb GroupEventCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.groupCb = cb
}

// OnSessionInvalid subscribes to session revocation.
func (c *Coordinator) OnSessionInvalid(cb SessionInvalidCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.sessionInvalidCb = cb
}

// OnTyping subscribes to peer typing indicators.
func (c *Coordinator) OnTyping(cb TypingCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.typingCb = cb
}

// OnPresence subscribes to peer online/offline changes.
func (c *Coordinator) OnPresence(cb PresenceCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.presenceCb = cb
}

// NotifyNetworkChange collapses a pending reconnect wait. The platform layer
// calls this from its OS connectivity listener.
func (c *Coordinator) NotifyNetworkChange() { c.conn.NotifyNetworkChange() }

// SetToken installs a rotated session token for future calls and signatures.
func (c *Coordinator) SetToken(token string) {
	c.api.SetToken(token)
	c.signer.SetToken(token)
}

// MarkConversationOpen tells the core which conversation the UI is showing
// and resets its unread count. Pass "" when no conversation is open.
func (c *Coordinator) MarkConversationOpen(ctx context.Context, conversationID string) error {
	c.activeMu.Lock()
	c.activeConv = conversationID
	c.activeMu.Unlock()
	if conversationID == "" {
		return nil
	}
	return c.repo.MarkConversationRead(ctx, conversationID)
}

func (c *Coordinator) activeConversation() string {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return c.activeConv
}

// SendText encrypts and delivers a text message, echoing it locally as
// PENDING first. Delivery is attempted over the live socket, then over the
// direct call; if the recipient is offline the server mailboxes it. Only when
// every path fails does the message stay PENDING and an error return.
func (c *Coordinator) SendText(ctx context.Context, recipientID int64, text string, replyTo *storage.ReplyRef) (*storage.Message, error) {
	if err := limits.ValidatePlaintext([]byte(text)); err != nil {
		return nil, err
	}

	msg := &storage.Message{
		ID:             uuid.NewString(),
		SenderID:       c.opts.SelfID,
		RecipientID:    recipientID,
		ConversationID: storage.DirectConversationID(c.opts.SelfID, recipientID),
		Type:           storage.MessageTypeText,
		Content:        text,
		Status:         storage.StatusPending,
		Timestamp:      time.Now(),
		ReplyTo:        replyTo,
	}
	return c.sendMessage(ctx, msg, []byte(text))
}

// SendEmoji delivers a large-emoji message.
func (c *Coordinator) SendEmoji(ctx context.Context, recipientID int64, emoji string) (*storage.Message, error) {
	payload, err := json.Marshal(struct {
		Emoji string `json:"emoji"`
	}{emoji})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode emoji payload")
	}

	msg := &storage.Message{
		ID:             uuid.NewString(),
		SenderID:       c.opts.SelfID,
		RecipientID:    recipientID,
		ConversationID: storage.DirectConversationID(c.opts.SelfID, recipientID),
		Type:           storage.MessageTypeEmoji,
		Content:        emoji,
		Status:         storage.StatusPending,
		Timestamp:      time.Now(),
	}
	return c.sendMessage(ctx, msg, payload)
}

// SendMedia uploads the file at path and delivers a media message whose
// payload carries the server-issued key material and the two viewer policy
// flags, end to end, untouched.
func (c *Coordinator) SendMedia(ctx context.Context, recipientID int64, path, mime string, salvable, senderAutoDelete bool, progress media.ProgressFunc) (*storage.Message, error) {
	result, _, err := c.media.Upload(ctx, path, mime, nil, progress)
	if err != nil {
		return nil, err
	}

	desc := &storage.MediaDescriptor{
		MediaID:          result.MediaID,
		EncryptedKey:     result.Key,
		IV:               result.IV,
		Filename:         filepath.Base(path),
		Mime:             mime,
		Size:             result.Size,
		Salvable:         salvable,
		SenderAutoDelete: senderAutoDelete,
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode media payload")
	}

	msg := &storage.Message{
		ID:             uuid.NewString(),
		SenderID:       c.opts.SelfID,
		RecipientID:    recipientID,
		ConversationID: storage.DirectConversationID(c.opts.SelfID, recipientID),
		Type:           storage.MediaTypeForMime(mime),
		Content:        desc.Filename,
		Status:         storage.StatusPending,
		Timestamp:      time.Now(),
		Media:          desc,
	}
	return c.sendMessage(ctx, msg, payload)
}

// DownloadMedia fetches and decrypts a received media message's object into
// the local cache, returning the plaintext file path.
func (c *Coordinator) DownloadMedia(ctx context.Context, messageID string, progress media.ProgressFunc) (string, error) {
	msg, err := c.repo.GetMessage(ctx, messageID)
	if err != nil {
		return "", errors.Wrap(err, "unknown message")
	}
	if msg.Media == nil {
		return "", errors.New("message carries no media")
	}
	return c.media.Download(ctx, msg.Media.MediaID, msg.Media.EncryptedKey,
		msg.Media.IV, msg.Media.Filename, msg.Media.Size, progress)
}

// sendMessage runs the send fallback chain: local echo, live socket, direct
// call. The status advances to SENT once any path accepts the message.
func (c *Coordinator) sendMessage(ctx context.Context, msg *storage.Message, plaintext []byte) (*storage.Message, error) {
	peerName, peerUsername := c.peerNames(ctx, msg.RecipientID)
	if err := c.repo.StoreOutbound(ctx, msg, peerName, peerUsername); err != nil {
		return nil, err
	}

	enc, err := crypto.EncryptMessage(plaintext)
	if err != nil {
		return nil, err
	}

	if err := c.sendViaSocket(ctx, msg, enc); err == nil {
		c.advanceSent(ctx, msg)
		return msg, nil
	}

	resp, err := c.sendViaDirectCall(ctx, msg, enc)
	if err != nil {
		if errors.Is(err, httpapi.ErrUnauthorized) {
			c.handleSessionInvalid("token rejected on send")
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"function":   "sendMessage",
			"message_id": msg.ID,
			"error":      err,
		}).Warn("All send paths failed")
		return nil, errors.Wrapf(ErrSendFailed, "message %s: %v", msg.ID, err)
	}

	if resp.Queued {
		logrus.WithFields(logrus.Fields{
			"function":   "sendMessage",
			"message_id": msg.ID,
			"mailbox_id": resp.ID,
		}).Debug("Recipient offline, message mailboxed")
	}
	c.advanceSent(ctx, msg)
	return msg, nil
}

func (c *Coordinator) sendViaSocket(ctx context.Context, msg *storage.Message, enc *crypto.EncryptedMessage) error {
	payload, err := json.Marshal(pushPayload{
		MessageID: msg.ID,
		Message:   enc.Ciphertext,
		Key:       enc.Key,
		IV:        enc.IV,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode push payload")
	}

	env := transport.NewEnvelope(transport.EnvelopeTypeMessage,
		strconv.FormatInt(c.opts.SelfID, 10),
		strconv.FormatInt(msg.RecipientID, 10),
		string(payload))
	return c.conn.Send(ctx, env)
}

func (c *Coordinator) sendViaDirectCall(ctx context.Context, msg *storage.Message, enc *crypto.EncryptedMessage) (*httpapi.SendResponse, error) {
	ts := time.Now().Unix()
	req := &httpapi.SendRequest{
		To:      strconv.FormatInt(msg.RecipientID, 10),
		Message: enc.Ciphertext,
		AESKey:  enc.Key,
		IV:      enc.IV,
		HMAC:    c.signer.Sign(enc.Ciphertext, enc.Key, ts),
		UnixTs:  ts,
	}
	return c.api.SendEncrypted(ctx, req)
}

func (c *Coordinator) advanceSent(ctx context.Context, msg *storage.Message) {
	msg.Status = storage.StatusSent
	if err := c.repo.AdvanceStatus(ctx, msg.ID, storage.StatusSent); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "advanceSent",
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Failed to advance message status")
	}
}

// persistInbound is the convergence point of the push and poll paths. The
// store deduplicates on message id; the new-message event fires only for the
// delivery that actually inserted.
func (c *Coordinator) persistInbound(ctx context.Context, m *storage.Message) (bool, error) {
	inserted, err := c.repo.StoreInbound(ctx, m, c.resolveName)
	if err != nil {
		return false, err
	}
	if inserted {
		c.callbackMu.RLock()
		cb := c.messageCb
		c.callbackMu.RUnlock()
		if cb != nil {
			cb(m)
		}
	}
	return inserted, nil
}

// resolveName is the storage.NameResolver backed by the profile cache.
func (c *Coordinator) resolveName(ctx context.Context, peerID int64) (string, string, error) {
	p, err := c.profile(ctx, peerID)
	if err != nil {
		return "", "", err
	}
	return p.Name, p.Username, nil
}

func (c *Coordinator) peerNames(ctx context.Context, peerID int64) (string, string) {
	p, err := c.profile(ctx, peerID)
	if err != nil {
		raw := strconv.FormatInt(peerID, 10)
		return raw, ""
	}
	return p.Name, p.Username
}

func (c *Coordinator) profile(ctx context.Context, peerID int64) (*httpapi.Profile, error) {
	c.profileMu.RLock()
	p, ok := c.profiles[peerID]
	c.profileMu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.api.LookupProfileByID(ctx, peerID)
	if err != nil {
		return nil, err
	}
	c.profileMu.Lock()
	c.profiles[peerID] = p
	c.profileMu.Unlock()
	return p, nil
}

// handleMessageEnvelope is the push delivery path.
func (c *Coordinator) handleMessageEnvelope(env *transport.Envelope) {
	var payload pushPayload
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleMessageEnvelope",
			"envelope_id": env.ID,
			"error":       err,
		}).Warn("Dropping message envelope with malformed payload")
		return
	}

	plaintext, err := crypto.DecryptMessage(payload.Message, payload.Key, payload.IV)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleMessageEnvelope",
			"envelope_id": env.ID,
			"error":       err,
		}).Warn("Dropping undecryptable message envelope")
		return
	}

	senderID, err := strconv.ParseInt(env.From, 10, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleMessageEnvelope",
			"from":     env.From,
		}).Warn("Dropping envelope with non-numeric sender")
		return
	}

	classified := mailbox.Classify(plaintext)
	id := payload.MessageID
	if id == "" {
		id = env.ID
	}
	msg := &storage.Message{
		ID:             id,
		SenderID:       senderID,
		RecipientID:    c.opts.SelfID,
		ConversationID: storage.DirectConversationID(senderID, c.opts.SelfID),
		Type:           classified.MessageType(),
		Content:        classified.Content(),
		Status:         storage.StatusDelivered,
		Timestamp:      time.Unix(env.Ts, 0),
		Media:          classified.Media,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.persistInbound(ctx, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleMessageEnvelope",
			"message_id": msg.ID,
			"error":      err,
		}).Error("Failed to persist pushed message")
	}
}

func (c *Coordinator) handleReceiptEnvelope(env *transport.Envelope) {
	var payload receiptPayload
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil || payload.MessageID == "" {
		return
	}

	var status storage.MessageStatus
	switch payload.Status {
	case "DELIVERED":
		status = storage.StatusDelivered
	case "READ":
		status = storage.StatusRead
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.repo.AdvanceStatus(ctx, payload.MessageID, status); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleReceiptEnvelope",
			"message_id": payload.MessageID,
			"error":      err,
		}).Warn("Failed to apply receipt")
	}
}

func (c *Coordinator) handleGroupEnvelope(env *transport.Envelope) {
	var payload groupPayload
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil || payload.GroupID == 0 {
		return
	}

	c.callbackMu.RLock()
	cb := c.groupCb
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(payload.GroupID, payload.Event, payload.Detail)
	}

	senderID, _ := strconv.ParseInt(env.From, 10, 64)
	msg := &storage.Message{
		ID:             env.ID,
		SenderID:       senderID,
		RecipientID:    0,
		ConversationID: storage.GroupConversationID(payload.GroupID),
		Type:           storage.MessageTypeText,
		Content:        payload.Detail,
		Status:         storage.StatusDelivered,
		Timestamp:      time.Unix(env.Ts, 0),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.persistInbound(ctx, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupEnvelope",
			"group_id": payload.GroupID,
			"error":    err,
		}).Warn("Failed to persist group event")
	}
}

func (c *Coordinator) handleTypingEnvelope(env *transport.Envelope) {
	var payload typingPayload
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil {
		return
	}
	peerID, err := strconv.ParseInt(env.From, 10, 64)
	if err != nil {
		return
	}

	c.callbackMu.RLock()
	cb := c.typingCb
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(peerID, payload.Typing)
	}
}

func (c *Coordinator) handlePresenceEnvelope(env *transport.Envelope) {
	var payload presencePayload
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil {
		return
	}
	peerID, err := strconv.ParseInt(env.From, 10, 64)
	if err != nil {
		return
	}

	c.callbackMu.RLock()
	cb := c.presenceCb
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(peerID, payload.Online)
	}
}

// handleSessionInvalid fans the revocation out to the subscriber after
// stopping the poller. The connection manager has already stopped retrying.
func (c *Coordinator) handleSessionInvalid(reason string) {
	c.poller.Stop()

	c.callbackMu.RLock()
	cb := c.sessionInvalidCb
	c.callbackMu.RUnlock()
	if cb != nil {
		cb(reason)
	}
}
