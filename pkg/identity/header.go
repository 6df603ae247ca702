package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedHeader is returned when the header does not have three fields
	ErrMalformedHeader = errors.New("auth header must be \"id,signature,timestamp\"")
	// ErrBadSignature is returned when the signature does not verify
	ErrBadSignature = errors.New("signature verification failed")
	// ErrTimestampSkew is returned when the header timestamp is outside the precision window
	ErrTimestampSkew = errors.New("timestamp outside precision window")
)

// AuthHeader is the connect-time identity proof a worker presents:
// "<id>,<signature-base64>,<unix-millis>". The signature covers the
// id concatenated with the decimal timestamp.
type AuthHeader struct {
	ID        string
	Signature []byte
	Millis    int64
}

// signedPayload is the byte string the signature covers.
func signedPayload(id string, millis int64) []byte {
	return []byte(id + strconv.FormatInt(millis, 10))
}

// NewAuthHeader builds a freshly timestamped, signed header. A header is
// single-use in practice: a reconnecting worker must build a new one because
// the timestamp goes stale.
func NewAuthHeader(id string, priv ed25519.PrivateKey, now time.Time) *AuthHeader {
	millis := now.UnixMilli()
	return &AuthHeader{
		ID:        id,
		Signature: ed25519.Sign(priv, signedPayload(id, millis)),
		Millis:    millis,
	}
}

// String renders the wire form of the header.
func (h *AuthHeader) String() string {
	return fmt.Sprintf("%s,%s,%d", h.ID, base64.StdEncoding.EncodeToString(h.Signature), h.Millis)
}

// ParseAuthHeader parses the wire form back into a header.
func ParseAuthHeader(s string) (*AuthHeader, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, ErrMalformedHeader
	}

	sig, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrMalformedHeader)
	}

	millis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrMalformedHeader)
	}

	return &AuthHeader{ID: parts[0], Signature: sig, Millis: millis}, nil
}

// Verify checks the header against a registered public key and the server
// clock. precision bounds how far the header timestamp may deviate from now
// in either direction.
func (h *AuthHeader) Verify(pub ed25519.PublicKey, now time.Time, precision time.Duration) error {
	skew := now.UnixMilli() - h.Millis
	if skew < 0 {
		skew = -skew
	}
	if skew > precision.Milliseconds() {
		return ErrTimestampSkew
	}

	if !ed25519.Verify(pub, signedPayload(h.ID, h.Millis), h.Signature) {
		return ErrBadSignature
	}
	return nil
}
