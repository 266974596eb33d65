// Package httpapi implements the HTTP client for the relay server's
// direct-call surface: encrypted-message send, the pending-message mailbox,
// chunked media transfer, and profile lookup.
//
// The client is constructed per session and injected into the components that
// need it; nothing in this package holds global state.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every direct call. No request in this layer may block
// indefinitely.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnauthorized indicates the server rejected the session token. The
	// session is dead; callers must not retry.
	ErrUnauthorized = errors.New("unauthorized: session token rejected")

	// ErrServerRejected indicates a non-auth HTTP failure status.
	ErrServerRejected = errors.New("server rejected request")
)

// SendRequest carries one encrypted message over the direct-call fallback
// path. Field names are the server's wire contract.
type SendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	AESKey  string `json:"aesKey"`
	IV      string `json:"iv"`
	HMAC    string `json:"hmac"`
	UnixTs  int64  `json:"unixTs"`
}

// SendResponse is the server's answer to a direct send. Queued means the
// recipient was offline and the message was mailboxed under ID.
type SendResponse struct {
	Success bool  `json:"success"`
	Queued  bool  `json:"queued"`
	ID      int64 `json:"id"`
}

// PendingEnvelope is one server-held message awaiting delivery. MessageID is
// the sender's client-generated message id; it is what makes a mailboxed copy
// deduplicate against the same message delivered over the live connection.
type PendingEnvelope struct {
	ID             int64  `json:"id"`
	MessageID      string `json:"messageId"`
	Sender         string `json:"sender"`
	Message        string `json:"message"`
	Key            string `json:"key"`
	IV             string `json:"iv"`
	Timestamp      int64  `json:"timestamp"`
	ReplyToID      string `json:"replyToId,omitempty"`
	ReplyToContent string `json:"replyToContent,omitempty"`
	ReplyToSender  int64  `json:"replyToSender,omitempty"`
}

// Profile is the public profile of a user.
type Profile struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// UploadInit is the server's answer to an init-upload request: the media id
// and the server-issued per-object key material.
type UploadInit struct {
	ID  string `json:"id"`
	Key string `json:"key"`
	IV  string `json:"iv"`
}

// ChunkAck acknowledges one uploaded chunk. Next is the byte offset the
// server expects next; the client must resume from it, not from its own
// bookkeeping.
type ChunkAck struct {
	Next     int64 `json:"next"`
	Complete bool  `json:"complete"`
}

// Client talks to the relay server's HTTP endpoints for one session.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a client for the given server base URL, authenticated
// with the session token. A nil httpClient gets a default with DefaultTimeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		token:   token,
	}
}

// SetToken replaces the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "Bearer " + c.token
}

// SendEncrypted delivers one encrypted message via the direct-call path.
func (c *Client) SendEncrypted(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	var resp SendResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/messages/send", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPending fetches all mailboxed envelopes for the current user.
func (c *Client) ListPending(ctx context.Context) ([]PendingEnvelope, error) {
	var envelopes []PendingEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/messages/pending", nil, &envelopes); err != nil {
		return nil, err
	}
	return envelopes, nil
}

// DeletePending removes one mailboxed envelope after successful local
// persistence. Callers treat failure as non-fatal.
func (c *Client) DeletePending(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete,
		"/api/v1/messages/pending/"+strconv.FormatInt(id, 10), nil, nil)
}

// LookupProfileByID resolves a numeric user id to a profile.
func (c *Client) LookupProfileByID(ctx context.Context, id int64) (*Profile, error) {
	var p Profile
	if err := c.doJSON(ctx, http.MethodGet,
		"/api/v1/profiles/"+strconv.FormatInt(id, 10), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LookupProfileByUsername resolves a username to a profile. The mailbox path
// needs this when an envelope carries only the sender's username.
func (c *Client) LookupProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	var p Profile
	if err := c.doJSON(ctx, http.MethodGet,
		"/api/v1/profiles/by-username/"+url.PathEscape(username), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// InitUpload asks the server to allocate a media object. The server issues the
// per-object AES key and IV; the client never chooses media key material.
func (c *Client) InitUpload(ctx context.Context, filename, mime string, size int64) (*UploadInit, error) {
	req := struct {
		Filename string `json:"filename"`
		Mime     string `json:"mime"`
		Size     int64  `json:"size"`
	}{filename, mime, size}

	var init UploadInit
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/media/init", req, &init); err != nil {
		return nil, err
	}
	return &init, nil
}

// UploadChunk sends one ciphertext chunk at the given byte offset and returns
// the server's acknowledgement.
func (c *Client) UploadChunk(ctx context.Context, mediaID string, offset int64, chunk []byte) (*ChunkAck, error) {
	u := fmt.Sprintf("%s/api/v1/media/%s/chunk?offset=%d", c.baseURL, url.PathEscape(mediaID), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(chunk))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build chunk request")
	}
	req.Header.Set("Authorization", c.bearer())
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "chunk upload failed")
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var ack ChunkAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, errors.Wrap(err, "failed to decode chunk ack")
	}
	return &ack, nil
}

// Download streams a media object's ciphertext to w, reporting received bytes
// through progress (which may be nil). The declared object size accompanies
// every callback so the caller can compute a fraction.
func (c *Client) Download(ctx context.Context, mediaID string, size int64, w io.Writer, progress func(received, total int64)) error {
	u := c.baseURL + "/api/v1/media/" + url.PathEscape(mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build download request")
	}
	req.Header.Set("Authorization", c.bearer())

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "download failed")
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	var received int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return errors.Wrap(werr, "failed to write downloaded bytes")
			}
			received += int64(n)
			if progress != nil {
				progress(received, size)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errors.Wrap(rerr, "download stream failed")
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", c.bearer())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "failed to decode response")
		}
	}
	return nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		logrus.WithFields(logrus.Fields{
			"function": "checkStatus",
			"status":   resp.StatusCode,
			"url":      resp.Request.URL.Path,
		}).Warn("Server returned failure status")
		return errors.Wrapf(ErrServerRejected, "status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
