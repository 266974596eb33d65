// Package crypto implements the symmetric encryption and envelope signing
// scheme used by the whisperlink transport.
//
// Every message body is encrypted with a fresh random AES-256 key and IV in
// CBC mode with PKCS#7 padding; media objects use the same cipher with a
// server-issued key and IV. Envelope integrity is provided by an HMAC-SHA256
// signature over the positional concatenation of ciphertext, key, and
// timestamp, keyed by the caller's session secret.
//
// Example:
//
//	enc, err := crypto.EncryptMessage([]byte("hello"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	plaintext, err := crypto.DecryptMessage(enc.Ciphertext, enc.Key, enc.IV)
package crypto
