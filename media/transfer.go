// Package media implements the chunked encrypted media pipeline: whole-file
// AES-CBC encryption with server-issued key material, resumable offset-tagged
// chunk upload, and streamed download with decryption into the local cache.
//
// The two policy flags that travel with a media object, salvable and
// senderAutoDelete, are enforced by the viewer. This package only carries
// them end-to-end untouched.
package media

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TransferDirection indicates whether a transfer is an upload or a download.
type TransferDirection uint8

const (
	// DirectionUpload is a local file moving to the server.
	DirectionUpload TransferDirection = iota
	// DirectionDownload is a server object moving to the local cache.
	DirectionDownload
)

// TransferState represents the current state of a media transfer.
type TransferState uint8

const (
	// TransferPending indicates the transfer has not started.
	TransferPending TransferState = iota
	// TransferRunning indicates bytes are moving.
	TransferRunning
	// TransferCompleted indicates the transfer finished successfully.
	TransferCompleted
	// TransferFailed indicates the transfer failed.
	TransferFailed
)

// ProgressFunc reports a completion fraction in [0, 1].
type ProgressFunc func(fraction float64)

// Transfer tracks one media transfer's state and progress. Upload progress is
// computed from the server-acknowledged offset, not from bytes written, so a
// retried chunk never reports backwards except when the server discards a
// partial chunk.
type Transfer struct {
	MediaID   string
	Direction TransferDirection
	Total     int64
	StartTime time.Time

	mu          sync.Mutex
	state       TransferState
	transferred int64
	err         error
	progress    ProgressFunc
}

func newTransfer(mediaID string, dir TransferDirection, total int64, progress ProgressFunc) *Transfer {
	return &Transfer{
		MediaID:   mediaID,
		Direction: dir,
		Total:     total,
		StartTime: time.Now(),
		state:     TransferPending,
		progress:  progress,
	}
}

// State returns the transfer's current state.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transferred returns the acknowledged byte count.
func (t *Transfer) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Err returns the failure cause after a TransferFailed state.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transfer) start() {
	t.mu.Lock()
	t.state = TransferRunning
	t.mu.Unlock()
}

// advance records the new acknowledged position and fires the progress
// callback outside the lock.
func (t *Transfer) advance(acked int64) {
	t.mu.Lock()
	t.transferred = acked
	progress := t.progress
	t.mu.Unlock()

	if progress != nil && t.Total > 0 {
		f := float64(acked) / float64(t.Total)
		if f > 1 {
			f = 1
		}
		progress(f)
	}
}

func (t *Transfer) complete() {
	t.mu.Lock()
	t.state = TransferCompleted
	t.transferred = t.Total
	progress := t.progress
	t.mu.Unlock()

	if progress != nil {
		progress(1)
	}
	logrus.WithFields(logrus.Fields{
		"function":  "complete",
		"media_id":  t.MediaID,
		"direction": t.Direction,
		"bytes":     t.Total,
		"elapsed":   time.Since(t.StartTime),
	}).Info("Media transfer completed")
}

func (t *Transfer) fail(err error) {
	t.mu.Lock()
	t.state = TransferFailed
	t.err = err
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "fail",
		"media_id":  t.MediaID,
		"direction": t.Direction,
		"error":     err,
	}).Warn("Media transfer failed")
}
