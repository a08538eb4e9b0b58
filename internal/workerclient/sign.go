package workerclient

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// Wire headers of the worker protocol. Every request carries the pool's
// public key; a request with a body also carries a signature over it by the
// pool's secret key. Responses carry a
// signature over the body by the worker's key.
const (
	HeaderSignature = "X-Play-Signature"
	HeaderPublicKey = "X-Play-Key"
)

var errBadSignature = errors.New("signature verification failed")

// signBody returns the hex ed25519 signature of body under key.
func signBody(key ed25519.PrivateKey, body []byte) string {
	return hex.EncodeToString(ed25519.Sign(key, body))
}

// verifyBody checks a hex signature over body against the peer's public key.
func verifyBody(pub ed25519.PublicKey, body []byte, sigHex string) error {
	if sigHex == "" {
		return fmt.Errorf("%w: missing %s header", errBadSignature, HeaderSignature)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: malformed signature: %v", errBadSignature, err)
	}
	if !ed25519.Verify(pub, body, sig) {
		return errBadSignature
	}
	return nil
}
