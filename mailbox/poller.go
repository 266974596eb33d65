package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisperlink/crypto"
	"github.com/opd-ai/whisperlink/httpapi"
	"github.com/opd-ai/whisperlink/storage"
)

// DefaultInterval is the mailbox poll period.
const DefaultInterval = 10 * time.Second

// API is the slice of the relay server surface the poller needs.
// *httpapi.Client satisfies it.
type API interface {
	ListPending(ctx context.Context) ([]httpapi.PendingEnvelope, error)
	DeletePending(ctx context.Context, id int64) error
	LookupProfileByUsername(ctx context.Context, username string) (*httpapi.Profile, error)
}

// PersistFunc is the shared persist routine both delivery paths converge on.
type PersistFunc func(ctx context.Context, m *storage.Message) (bool, error)

// Config configures a Poller.
type Config struct {
	API     API
	Persist PersistFunc
	// SelfID is the local user's numeric identity, used to derive
	// conversation ids for inbound direct messages.
	SelfID int64
	// Connected gates polling: ticks are skipped while it reports false, so
	// the fallback path only runs alongside a live connection.
	Connected func() bool
	Interval  time.Duration
}

// Poller drains the server-held mailbox on a fixed interval.
type Poller struct {
	cfg Config

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewPoller creates a poller. It does nothing until Start is called.
func NewPoller(cfg Config) (*Poller, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("mailbox API is required")
	}
	if cfg.Persist == nil {
		return nil, fmt.Errorf("persist routine is required")
	}
	if cfg.Connected == nil {
		cfg.Connected = func() bool { return true }
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{cfg: cfg}, nil
}

// Start begins the poll loop. Starting a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopChan = make(chan struct{})
	go p.loop(p.stopChan)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": p.cfg.Interval,
	}).Info("Mailbox poller started")
}

// Stop halts the poll loop. Stopping a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopChan)
}

func (p *Poller) loop(stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Drain once immediately so queued messages surface right after login
	// rather than a full interval later.
	p.tick(stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick(stop)
		}
	}
}

func (p *Poller) tick(stop chan struct{}) {
	if !p.cfg.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Interval)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	p.PollOnce(ctx)
}

// PollOnce fetches and processes every pending envelope. A failing envelope
// is logged and skipped; it never aborts the batch.
func (p *Poller) PollOnce(ctx context.Context) {
	envelopes, err := p.cfg.API.ListPending(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PollOnce",
			"error":    err,
		}).Warn("Failed to list pending messages")
		return
	}
	if len(envelopes) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "PollOnce",
		"count":    len(envelopes),
	}).Debug("Processing pending envelopes")

	for i := range envelopes {
		env := &envelopes[i]
		if err := p.process(ctx, env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "PollOnce",
				"envelope_id": env.ID,
				"error":       err,
			}).Warn("Skipping pending envelope")
			continue
		}

		// Best effort: a failed delete reappears next poll and deduplicates
		// against the already-persisted row.
		if err := p.cfg.API.DeletePending(ctx, env.ID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "PollOnce",
				"envelope_id": env.ID,
				"error":       err,
			}).Warn("Failed to delete delivered envelope")
		}
	}
}

// process turns one envelope into a persisted message.
func (p *Poller) process(ctx context.Context, env *httpapi.PendingEnvelope) error {
	plaintext, err := crypto.DecryptMessage(env.Message, env.Key, env.IV)
	if err != nil {
		return err
	}

	senderID, err := p.resolveSender(ctx, env.Sender)
	if err != nil {
		return err
	}

	classified := Classify(plaintext)
	msg := &storage.Message{
		ID:             messageID(env),
		SenderID:       senderID,
		RecipientID:    p.cfg.SelfID,
		ConversationID: storage.DirectConversationID(senderID, p.cfg.SelfID),
		Type:           classified.MessageType(),
		Content:        classified.Content(),
		Status:         storage.StatusDelivered,
		Timestamp:      time.Unix(env.Timestamp, 0),
		Media:          classified.Media,
	}
	if env.ReplyToID != "" {
		msg.ReplyTo = &storage.ReplyRef{
			MessageID: env.ReplyToID,
			Content:   env.ReplyToContent,
			SenderID:  env.ReplyToSender,
		}
	}

	_, err = p.cfg.Persist(ctx, msg)
	return err
}

// resolveSender maps the envelope's sender field to a numeric identity. The
// server sends either the numeric id or a username; the latter costs a
// profile lookup.
func (p *Poller) resolveSender(ctx context.Context, sender string) (int64, error) {
	if id, err := strconv.ParseInt(sender, 10, 64); err == nil {
		return id, nil
	}
	profile, err := p.cfg.API.LookupProfileByUsername(ctx, sender)
	if err != nil {
		return 0, fmt.Errorf("cannot resolve sender %q: %w", sender, err)
	}
	return profile.ID, nil
}

// messageID prefers the sender's client-generated id, which is what collapses
// a push/poll double delivery into one row. Envelopes from servers that
// predate the field get a deterministic id derived from the mailbox id.
func messageID(env *httpapi.PendingEnvelope) string {
	if env.MessageID != "" {
		return env.MessageID
	}
	return "mb_" + strconv.FormatInt(env.ID, 10)
}
