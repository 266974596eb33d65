// Package transport implements the live websocket connection to the relay
// server: the connection state machine, capped exponential reconnection
// backoff, envelope routing by type, and session-invalid detection.
//
// Exactly one Manager exists per active session. The Manager owns the socket;
// callers interact with it only through Connect, Send, registered handlers,
// and Cleanup.
//
// Example:
//
//	mgr, err := transport.NewManager(transport.Config{
//	    ServerURL: "wss://relay.example.com/ws",
//	    Token:     token,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr.RegisterHandler(transport.EnvelopeTypeMessage, onMessage)
//	if err := mgr.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Cleanup()
package transport
