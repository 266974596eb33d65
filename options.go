package whisperlink

import (
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/opd-ai/whisperlink/mailbox"
	"github.com/opd-ai/whisperlink/transport"
)

// Options configures a Coordinator for one session.
type Options struct {
	// ServerURL is the relay server's HTTP base URL.
	ServerURL string
	// SocketURL is the relay server's websocket endpoint.
	SocketURL string
	// Token is the session bearer token. It authenticates every call and,
	// per the server contract, keys the envelope HMAC.
	Token string

	// SelfID is the local user's numeric identity.
	SelfID int64
	// SelfUsername is the local user's username, placed in outbound envelopes.
	SelfUsername string

	// DataDir holds the message database and the media cache.
	DataDir string

	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int

	// HTTPClient overrides the direct-call client, mainly for tests. The
	// client is injected rather than shared globally so its lifetime is the
	// session's.
	HTTPClient *http.Client
}

// DefaultOptions returns Options with every tunable at its default. Callers
// fill in the identity and endpoint fields.
func DefaultOptions() Options {
	return Options{
		PollInterval: mailbox.DefaultInterval,
		BackoffBase:  transport.DefaultBackoffBase,
		BackoffMax:   transport.DefaultBackoffMax,
		MaxAttempts:  transport.DefaultMaxAttempts,
	}
}

func (o Options) validate() error {
	if o.ServerURL == "" {
		return errors.New("ServerURL is required")
	}
	if o.SocketURL == "" {
		return errors.New("SocketURL is required")
	}
	if o.Token == "" {
		return errors.New("Token is required")
	}
	if o.SelfID == 0 {
		return errors.New("SelfID is required")
	}
	if o.DataDir == "" {
		return errors.New("DataDir is required")
	}
	return nil
}

func (o Options) mediaCacheDir() string {
	return filepath.Join(o.DataDir, "media")
}
