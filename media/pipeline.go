package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/whisperlink/crypto"
	"github.com/opd-ai/whisperlink/httpapi"
	"github.com/opd-ai/whisperlink/limits"
)

// ChunkSize is the upload chunk size in bytes.
const ChunkSize = 512 * 1024

// chunkRetries bounds the per-chunk retry budget before the whole upload
// fails to the caller.
const chunkRetries = 3

var (
	// ErrTransfer indicates a chunk upload or download failure that survived
	// its retry budget.
	ErrTransfer = errors.New("media transfer failed")

	// ErrIncompleteUpload indicates the server never reported completion even
	// though all bytes were sent.
	ErrIncompleteUpload = errors.New("server did not report upload complete")
)

// ServerAPI is the slice of the relay server surface the pipeline needs.
// *httpapi.Client satisfies it.
type ServerAPI interface {
	InitUpload(ctx context.Context, filename, mime string, size int64) (*httpapi.UploadInit, error)
	UploadChunk(ctx context.Context, mediaID string, offset int64, chunk []byte) (*httpapi.ChunkAck, error)
	Download(ctx context.Context, mediaID string, size int64, w io.Writer, progress func(received, total int64)) error
}

// UploadResult carries everything the sender must place into the message
// envelope so the recipient can fetch and decrypt the object.
type UploadResult struct {
	MediaID string
	Key     string // base64, server-issued
	IV      string // base64, server-issued
	Size    int64  // plaintext size
}

// Pipeline moves encrypted media blobs between local files and the server.
type Pipeline struct {
	api      ServerAPI
	cacheDir string
}

// NewPipeline creates a media pipeline writing downloads under cacheDir.
func NewPipeline(api ServerAPI, cacheDir string) *Pipeline {
	return &Pipeline{api: api, cacheDir: cacheDir}
}

// Upload encrypts the file at path and uploads it in resumable chunks.
//
// A nil init requests a fresh media object from the server. Passing the init
// returned by a previously failed Upload resumes that object: the client
// always continues from the offset the server acknowledged, never from its
// own bookkeeping, so a retried chunk after a partial failure cannot create
// gaps or duplicate bytes.
func (p *Pipeline) Upload(ctx context.Context, path, mime string, init *httpapi.UploadInit, progress ProgressFunc) (*UploadResult, *httpapi.UploadInit, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return nil, init, errors.Wrap(err, "failed to read media file")
	}
	filename := filepath.Base(path)
	if err := limits.ValidateFileName(filename); err != nil {
		return nil, init, err
	}
	if err := limits.ValidateMediaSize(int64(len(plaintext))); err != nil {
		return nil, init, err
	}

	if init == nil {
		init, err = p.api.InitUpload(ctx, filename, mime, int64(len(plaintext)))
		if err != nil {
			return nil, nil, errors.Wrap(err, "upload init failed")
		}
	}

	key, err := base64.StdEncoding.DecodeString(init.Key)
	if err != nil {
		return nil, init, errors.Wrap(err, "server-issued key is not valid base64")
	}
	iv, err := base64.StdEncoding.DecodeString(init.IV)
	if err != nil {
		return nil, init, errors.Wrap(err, "server-issued IV is not valid base64")
	}

	ciphertext, err := crypto.EncryptBytes(plaintext, key, iv)
	if err != nil {
		return nil, init, errors.Wrap(err, "failed to encrypt media")
	}

	transfer := newTransfer(init.ID, DirectionUpload, int64(len(ciphertext)), progress)
	transfer.start()

	if err := p.uploadChunks(ctx, transfer, init.ID, ciphertext); err != nil {
		transfer.fail(err)
		return nil, init, err
	}

	transfer.complete()
	return &UploadResult{
		MediaID: init.ID,
		Key:     init.Key,
		IV:      init.IV,
		Size:    int64(len(plaintext)),
	}, init, nil
}

// uploadChunks drives the offset loop. The server's ack dictates every next
// offset; completion comes only from the server's complete flag.
func (p *Pipeline) uploadChunks(ctx context.Context, transfer *Transfer, mediaID string, ciphertext []byte) error {
	total := int64(len(ciphertext))
	var offset int64

	for {
		end := offset + ChunkSize
		if end > total {
			end = total
		}

		ack, err := p.sendChunk(ctx, mediaID, offset, ciphertext[offset:end])
		if err != nil {
			return errors.Wrapf(ErrTransfer, "chunk at offset %d: %v", offset, err)
		}

		logrus.WithFields(logrus.Fields{
			"function": "uploadChunks",
			"media_id": mediaID,
			"offset":   offset,
			"next":     ack.Next,
			"complete": ack.Complete,
		}).Debug("Chunk acknowledged")

		transfer.advance(ack.Next)
		if ack.Complete {
			return nil
		}
		if ack.Next >= total {
			return ErrIncompleteUpload
		}
		offset = ack.Next
	}
}

// sendChunk uploads one chunk under a bounded exponential retry policy.
func (p *Pipeline) sendChunk(ctx context.Context, mediaID string, offset int64, chunk []byte) (*httpapi.ChunkAck, error) {
	var ack *httpapi.ChunkAck
	op := func() error {
		var err error
		ack, err = p.api.UploadChunk(ctx, mediaID, offset, chunk)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), chunkRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return ack, nil
}

// Download fetches a media object, decrypts it with the key material from the
// message's descriptor, and writes the plaintext to a cache file. The file
// appears atomically: a decryption or write failure leaves nothing behind at
// the returned path.
func (p *Pipeline) Download(ctx context.Context, mediaID, keyB64, ivB64, filename string, size int64, progress ProgressFunc) (string, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return "", errors.Wrap(err, "media key is not valid base64")
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", errors.Wrap(err, "media IV is not valid base64")
	}

	transfer := newTransfer(mediaID, DirectionDownload, size, progress)
	transfer.start()

	var ciphertext bytes.Buffer
	err = p.api.Download(ctx, mediaID, size, &ciphertext, func(received, total int64) {
		transfer.advance(received)
	})
	if err != nil {
		transfer.fail(err)
		return "", errors.Wrapf(ErrTransfer, "download: %v", err)
	}

	plaintext, err := crypto.DecryptBytes(ciphertext.Bytes(), key, iv)
	if err != nil {
		transfer.fail(err)
		return "", errors.Wrap(err, "failed to decrypt media")
	}

	if err := os.MkdirAll(p.cacheDir, 0o700); err != nil {
		transfer.fail(err)
		return "", errors.Wrap(err, "failed to create cache directory")
	}

	dest := filepath.Join(p.cacheDir, mediaID+"_"+filepath.Base(filename))
	tmp, err := os.CreateTemp(p.cacheDir, ".dl-*")
	if err != nil {
		transfer.fail(err)
		return "", errors.Wrap(err, "failed to create cache file")
	}
	if _, err := tmp.Write(plaintext); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		transfer.fail(err)
		return "", errors.Wrap(err, "failed to write cache file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		transfer.fail(err)
		return "", errors.Wrap(err, "failed to close cache file")
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		transfer.fail(err)
		return "", errors.Wrap(err, "failed to finalize cache file")
	}

	transfer.complete()
	return dest, nil
}
