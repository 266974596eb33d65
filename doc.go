// Package whisperlink implements the client-side transport core of an
// end-to-end-encrypted messenger: the live relay connection with backoff
// reconnection, per-message encryption and envelope signing, the dual-path
// (push and poll) delivery pipeline with exactly-once local persistence, and
// resumable chunked media transfer.
//
// The Coordinator is the top-level object, bound to one session. It owns
// exactly one connection manager and one mailbox poller; external
// collaborators (UI, notification layer) consume it through callbacks and the
// message repository it writes to.
//
// Example:
//
//	coord, err := whisperlink.New(whisperlink.Options{
//	    ServerURL: "https://relay.example.com",
//	    SocketURL: "wss://relay.example.com/ws",
//	    Token:     sessionToken,
//	    SelfID:    selfID,
//	    DataDir:   dataDir,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	coord.OnMessageReceived(func(m *storage.Message) { notify(m) })
//	if err := coord.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Close()
package whisperlink
