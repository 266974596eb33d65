// Package storage implements the durable local message and conversation store.
//
// The store is backed by SQLite. Message identity is the sole deduplication
// key: inserting the same message id twice is a no-op at the schema level, so
// the push and poll delivery paths may race freely against the same store.
// Writes are serialized per conversation id, not globally.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultDBFileName is the SQLite filename under the session data directory.
const DefaultDBFileName = "messages.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id         TEXT PRIMARY KEY,
  conversation_id    TEXT NOT NULL,
  sender_id          INTEGER NOT NULL,
  recipient_id       INTEGER NOT NULL,
  type               TEXT NOT NULL CHECK(type IN ('TEXT','IMAGE','VIDEO','DOCUMENT','EMOJI')),
  content            TEXT NOT NULL,
  status             INTEGER NOT NULL DEFAULT 0,
  timestamp          INTEGER NOT NULL,
  reply_to_id        TEXT,
  reply_to_content   TEXT,
  reply_to_sender    INTEGER,
  media_id           TEXT,
  media_key          TEXT,
  media_iv           TEXT,
  media_filename     TEXT,
  media_mime         TEXT,
  media_size         INTEGER,
  media_salvable     INTEGER,
  media_auto_delete  INTEGER,
  thumbnail_path     TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_id, timestamp);
`,
	`
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id      TEXT PRIMARY KEY,
  participant_id       INTEGER NOT NULL,
  participant_name     TEXT NOT NULL DEFAULT '',
  participant_username TEXT NOT NULL DEFAULT '',
  last_message         TEXT NOT NULL DEFAULT '',
  last_message_time    INTEGER NOT NULL DEFAULT 0,
  unread_count         INTEGER NOT NULL DEFAULT 0 CHECK(unread_count >= 0)
);
`,
}

// NameResolver resolves a peer's numeric id to a display name and username.
// It is consulted only when a conversation is created; failures fall back to
// the raw identifier.
type NameResolver func(ctx context.Context, peerID int64) (name, username string, err error)

// Repository is the durable message and conversation store.
type Repository struct {
	db *sql.DB

	// activeConversation reports which conversation the UI currently shows,
	// or "" when none. Owned by the UI collaborator, consulted at unread
	// increment time, never cached.
	activeConversation func() string

	convMu sync.Mutex
	convs  map[string]*sync.Mutex
}

// Open opens (creating if necessary) the store at dataDir.
func Open(dataDir string) (*Repository, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}

	path := filepath.Join(dataDir, DefaultDBFileName)
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to set pragmas")
	}

	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "migration %d failed", i)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Info("Message repository opened")

	return &Repository{
		db:                 db,
		activeConversation: func() string { return "" },
		convs:              make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SetActiveConversationFunc installs the UI's "currently open conversation"
// signal. Passing nil restores the default (no conversation open).
func (r *Repository) SetActiveConversationFunc(f func() string) {
	if f == nil {
		f = func() string { return "" }
	}
	r.activeConversation = f
}

// lockConversation returns the held per-conversation mutex. The caller must
// Unlock it.
func (r *Repository) lockConversation(id string) *sync.Mutex {
	r.convMu.Lock()
	mu, ok := r.convs[id]
	if !ok {
		mu = &sync.Mutex{}
		r.convs[id] = mu
	}
	r.convMu.Unlock()
	mu.Lock()
	return mu
}

// execer is the statement surface shared by *sql.DB and *sql.Tx, letting the
// insert run standalone or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertMessage inserts a message if no message with the same id exists.
// Returns true if a row was created. The insert is idempotent at the schema
// level, so concurrent duplicate deliveries collapse to a single row.
func (r *Repository) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	return insertMessage(ctx, r.db, m)
}

func insertMessage(ctx context.Context, ex execer, m *Message) (bool, error) {
	var (
		replyID, replyContent       sql.NullString
		replySender                 sql.NullInt64
		mediaID, mediaKey, mediaIV  sql.NullString
		mediaFilename, mediaMime    sql.NullString
		mediaSize                   sql.NullInt64
		mediaSalvable, mediaAutoDel sql.NullBool
	)
	if m.ReplyTo != nil {
		replyID = sql.NullString{String: m.ReplyTo.MessageID, Valid: true}
		replyContent = sql.NullString{String: m.ReplyTo.Content, Valid: true}
		replySender = sql.NullInt64{Int64: m.ReplyTo.SenderID, Valid: true}
	}
	if m.Media != nil {
		mediaID = sql.NullString{String: m.Media.MediaID, Valid: true}
		mediaKey = sql.NullString{String: m.Media.EncryptedKey, Valid: true}
		mediaIV = sql.NullString{String: m.Media.IV, Valid: true}
		mediaFilename = sql.NullString{String: m.Media.Filename, Valid: true}
		mediaMime = sql.NullString{String: m.Media.Mime, Valid: true}
		mediaSize = sql.NullInt64{Int64: m.Media.Size, Valid: true}
		mediaSalvable = sql.NullBool{Bool: m.Media.Salvable, Valid: true}
		mediaAutoDel = sql.NullBool{Bool: m.Media.SenderAutoDelete, Valid: true}
	}

	res, err := ex.ExecContext(ctx, `
INSERT OR IGNORE INTO messages (
  message_id, conversation_id, sender_id, recipient_id, type, content, status,
  timestamp, reply_to_id, reply_to_content, reply_to_sender,
  media_id, media_key, media_iv, media_filename, media_mime, media_size,
  media_salvable, media_auto_delete, thumbnail_path
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, string(m.Type),
		m.Content, int(m.Status), m.Timestamp.Unix(),
		replyID, replyContent, replySender,
		mediaID, mediaKey, mediaIV, mediaFilename, mediaMime, mediaSize,
		mediaSalvable, mediaAutoDel, m.ThumbnailPath)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert message")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n > 0, nil
}

// StoreInbound runs the shared persist routine for an inbound message: insert
// idempotently, then create or update the owning conversation. Both steps run
// in one transaction, so a message row never exists without its conversation
// update. A duplicate delivery is a no-op for both the message row and the
// unread count.
//
// Both the push path and the poll path must converge here.
func (r *Repository) StoreInbound(ctx context.Context, m *Message, resolve NameResolver) (bool, error) {
	mu := r.lockConversation(m.ConversationID)
	defer mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	inserted, err := insertMessage(ctx, tx, m)
	if err != nil {
		return false, err
	}
	if !inserted {
		logrus.WithFields(logrus.Fields{
			"function":   "StoreInbound",
			"message_id": m.ID,
		}).Debug("Duplicate inbound message ignored")
		return false, nil
	}

	preview := m.Preview()
	exists, err := conversationExists(ctx, tx, m.ConversationID)
	if err != nil {
		return false, err
	}

	if !exists {
		name, username := strconv.FormatInt(m.SenderID, 10), ""
		if resolve != nil {
			if rn, ru, rerr := resolve(ctx, m.SenderID); rerr == nil {
				name, username = rn, ru
			} else {
				logrus.WithFields(logrus.Fields{
					"function": "StoreInbound",
					"peer_id":  m.SenderID,
					"error":    rerr,
				}).Warn("Profile lookup failed, using raw identifier")
			}
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO conversations (
  conversation_id, participant_id, participant_name, participant_username,
  last_message, last_message_time, unread_count
) VALUES (?, ?, ?, ?, ?, ?, 1)`,
			m.ConversationID, m.SenderID, name, username, preview, m.Timestamp.Unix())
		if err != nil {
			return false, errors.Wrap(err, "failed to create conversation")
		}
		return true, errors.Wrap(tx.Commit(), "failed to commit inbound message")
	}

	unreadDelta := 1
	if r.activeConversation() == m.ConversationID {
		unreadDelta = 0
	}
	_, err = tx.ExecContext(ctx, `
UPDATE conversations
SET last_message = ?, last_message_time = ?, unread_count = unread_count + ?
WHERE conversation_id = ?`,
		preview, m.Timestamp.Unix(), unreadDelta, m.ConversationID)
	if err != nil {
		return false, errors.Wrap(err, "failed to update conversation")
	}
	return true, errors.Wrap(tx.Commit(), "failed to commit inbound message")
}

// StoreOutbound inserts a locally sent message and updates the conversation
// preview without touching the unread count. Insert and upsert share one
// transaction.
func (r *Repository) StoreOutbound(ctx context.Context, m *Message, peerName, peerUsername string) error {
	mu := r.lockConversation(m.ConversationID)
	defer mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := insertMessage(ctx, tx, m); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO conversations (
  conversation_id, participant_id, participant_name, participant_username,
  last_message, last_message_time, unread_count
) VALUES (?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(conversation_id) DO UPDATE SET
  last_message = excluded.last_message,
  last_message_time = excluded.last_message_time`,
		m.ConversationID, m.RecipientID, peerName, peerUsername,
		m.Preview(), m.Timestamp.Unix())
	if err != nil {
		return errors.Wrap(err, "failed to upsert conversation")
	}
	return errors.Wrap(tx.Commit(), "failed to commit outbound message")
}

// AdvanceStatus moves a message's status forward. A status equal to or behind
// the stored one leaves the row unchanged, which keeps the
// PENDING→SENT→DELIVERED→READ progression monotonic under out-of-order
// receipts.
func (r *Repository) AdvanceStatus(ctx context.Context, messageID string, status MessageStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE message_id = ? AND status < ?`,
		int(status), messageID, int(status))
	return errors.Wrap(err, "failed to advance status")
}

// AttachThumbnail records the generated thumbnail path for a media message.
// Besides status advancement this is the only permitted message mutation.
func (r *Repository) AttachThumbnail(ctx context.Context, messageID, path string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET thumbnail_path = ? WHERE message_id = ?`, path, messageID)
	return errors.Wrap(err, "failed to attach thumbnail")
}

// DeleteMessage removes a message row, either by explicit user deletion or by
// the viewer's auto-delete-on-view policy.
func (r *Repository) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, messageID)
	return errors.Wrap(err, "failed to delete message")
}

// MarkConversationRead resets a conversation's unread count. Called by the UI
// collaborator when the conversation is actively opened.
func (r *Repository) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET unread_count = 0 WHERE conversation_id = ?`, conversationID)
	return errors.Wrap(err, "failed to mark conversation read")
}

// GetMessage fetches one message by id, or sql.ErrNoRows.
func (r *Repository) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := r.db.QueryRowContext(ctx, selectMessageCols+` WHERE message_id = ?`, messageID)
	return scanMessage(row)
}

// ListMessages returns a conversation's messages in timestamp order.
func (r *Repository) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx,
		selectMessageCols+` WHERE conversation_id = ? ORDER BY timestamp, message_id`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetConversation fetches one conversation by id, or sql.ErrNoRows.
func (r *Repository) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var (
		c  Conversation
		ts int64
	)
	err := r.db.QueryRowContext(ctx, `
SELECT conversation_id, participant_id, participant_name, participant_username,
       last_message, last_message_time, unread_count
FROM conversations WHERE conversation_id = ?`, conversationID).
		Scan(&c.ID, &c.ParticipantID, &c.ParticipantName, &c.ParticipantUsername,
			&c.LastMessage, &ts, &c.UnreadCount)
	if err != nil {
		return nil, err
	}
	c.LastMessageTime = time.Unix(ts, 0)
	return &c, nil
}

// ListConversations returns all conversations, most recent activity first.
func (r *Repository) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT conversation_id, participant_id, participant_name, participant_username,
       last_message, last_message_time, unread_count
FROM conversations ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var (
			c  Conversation
			ts int64
		)
		if err := rows.Scan(&c.ID, &c.ParticipantID, &c.ParticipantName,
			&c.ParticipantUsername, &c.LastMessage, &ts, &c.UnreadCount); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation")
		}
		c.LastMessageTime = time.Unix(ts, 0)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func conversationExists(ctx context.Context, ex execer, id string) (bool, error) {
	var one int
	err := ex.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE conversation_id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to query conversation")
	}
	return true, nil
}

const selectMessageCols = `
SELECT message_id, conversation_id, sender_id, recipient_id, type, content,
       status, timestamp, reply_to_id, reply_to_content, reply_to_sender,
       media_id, media_key, media_iv, media_filename, media_mime, media_size,
       media_salvable, media_auto_delete, thumbnail_path
FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                           Message
		typ                         string
		status                      int
		ts                          int64
		replyID, replyContent       sql.NullString
		replySender                 sql.NullInt64
		mediaID, mediaKey, mediaIV  sql.NullString
		mediaFilename, mediaMime    sql.NullString
		mediaSize                   sql.NullInt64
		mediaSalvable, mediaAutoDel sql.NullBool
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &typ,
		&m.Content, &status, &ts, &replyID, &replyContent, &replySender,
		&mediaID, &mediaKey, &mediaIV, &mediaFilename, &mediaMime, &mediaSize,
		&mediaSalvable, &mediaAutoDel, &m.ThumbnailPath)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan message")
	}

	m.Type = MessageType(typ)
	m.Status = MessageStatus(status)
	m.Timestamp = time.Unix(ts, 0)
	if replyID.Valid {
		m.ReplyTo = &ReplyRef{
			MessageID: replyID.String,
			Content:   replyContent.String,
			SenderID:  replySender.Int64,
		}
	}
	if mediaID.Valid {
		m.Media = &MediaDescriptor{
			MediaID:          mediaID.String,
			EncryptedKey:     mediaKey.String,
			IV:               mediaIV.String,
			Filename:         mediaFilename.String,
			Mime:             mediaMime.String,
			Size:             mediaSize.Int64,
			Salvable:         mediaSalvable.Bool,
			SenderAutoDelete: mediaAutoDel.Bool,
		}
	}
	return &m, nil
}
