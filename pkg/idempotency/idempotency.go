// Package idempotency provides the deterministic hashing helpers that
// give every ingested event a stable identity: a fingerprint to fall
// back on when the broker delivers no message id, and a checksum used
// to detect whether two deliveries carry the same payload.
package idempotency

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint deterministically derives a message id from the address a
// message was delivered on and its raw payload. Used when the broker
// itself does not supply a unique message id.
func Fingerprint(address string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(address))
	h.Write([]byte{0})
	h.Write(payload)
	return "SHA256:" + hex.EncodeToString(h.Sum(nil))
}

// Checksum is the hex MD5 of payload, stored alongside every raw event
// so duplicate deliveries can be recognized without re-parsing.
func Checksum(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}
