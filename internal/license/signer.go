package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// signingInfo separates the record key from any other key derived from
// the same secret.
const signingInfo = "trialguard/license-record/v1"

// minSecretLength keeps obviously weak secrets out of production builds.
const minSecretLength = 16

// Signer computes the integrity tag over a record and the device id.
//
// The scheme is symmetric: the binary that signs is the binary that
// verifies. It proves a file was written by this application, not that
// anyone approved it.
type Signer struct {
	key []byte
}

// NewSigner derives an HMAC-SHA256 key from the shared secret.
func NewSigner(secret string) (*Signer, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretLength)
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(signingInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Sign returns the hex tag for rec bound to deviceID. The Signature field
// of rec is ignored.
func (s *Signer) Sign(rec Record, deviceID string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonicalize(rec, deviceID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether rec.Signature matches the tag recomputed for
// deviceID. The comparison is constant time.
func (s *Signer) Verify(rec Record, deviceID string) bool {
	if rec.Signature == "" {
		return false
	}
	expected := s.Sign(rec, deviceID)
	return hmac.Equal([]byte(rec.Signature), []byte(expected))
}

// canonicalize serialises the signed fields in a fixed order. LastMono is
// rounded to milliseconds so float formatting cannot change the tag.
func canonicalize(rec Record, deviceID string) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, "expires_at="...)
	buf = strconv.AppendInt(buf, rec.ExpiresAt, 10)
	buf = append(buf, "|last_wall="...)
	buf = strconv.AppendInt(buf, rec.LastWall, 10)
	buf = append(buf, "|last_mono="...)
	buf = strconv.AppendFloat(buf, roundMillis(rec.LastMono), 'f', 3, 64)
	buf = append(buf, "|consumed_secs="...)
	buf = strconv.AppendInt(buf, rec.ConsumedSecs, 10)
	buf = append(buf, "|device="...)
	buf = append(buf, deviceID...)
	return buf
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}
