// Package signing implements the HMAC-signed request codec shared by the
// M2M client -> coordinator protocol and the coordinator -> host-agent
// protocol. A signed request is the literal string "T|A|S": a decimal
// Unix timestamp, an action token, and the lowercase hex HMAC-SHA256 of
// "T|A" under a shared secret.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the freshness and replay window used by both protocols
// unless a caller overrides it.
const DefaultWindow = 30 * time.Second

// ErrKind identifies why a signed request failed verification. The string
// value is what gets surfaced to callers (agent "ERR <kind>" lines, HTTP
// error bodies), so these must stay stable.
type ErrKind string

const (
	KindMalformedToken ErrKind = "MalformedToken"
	KindBadSignature   ErrKind = "BadSignature"
	KindTimestampSkew  ErrKind = "TimestampSkew"
	KindReplay         ErrKind = "Replay"
)

// VerifyError wraps an ErrKind so callers can both log a human message and
// branch on the kind.
type VerifyError struct {
	Kind ErrKind
	msg  string
}

func (e *VerifyError) Error() string { return e.msg }

func newVerifyError(kind ErrKind, format string, args ...any) *VerifyError {
	return &VerifyError{Kind: kind, msg: fmt.Sprintf(string(kind)+": "+format, args...)}
}

// Kind extracts the ErrKind from err, if err is (or wraps) a *VerifyError.
func Kind(err error) (ErrKind, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return "", false
}

// Sign builds a "T|A|S" token for action under secret, using now as the
// timestamp source.
func Sign(secret []byte, action string, now time.Time) string {
	t := now.UTC().Unix()
	mac := macFor(secret, t, action)
	return fmt.Sprintf("%d|%s|%s", t, action, hex.EncodeToString(mac))
}

func macFor(secret []byte, t int64, action string) []byte {
	h := hmac.New(sha256.New, secret)
	_, _ = fmt.Fprintf(h, "%d|%s", t, action)
	return h.Sum(nil)
}

// ReplayCache tracks timestamps recently accepted for a given secret so a
// token cannot be replayed inside the freshness window. Entries are pruned
// lazily on each Seen call -- there is no background sweep.
type ReplayCache struct {
	mu   sync.Mutex
	seen map[int64]time.Time // timestamp -> expiry
}

// NewReplayCache creates an empty cache.
func NewReplayCache() *ReplayCache {
	return &ReplayCache{seen: make(map[int64]time.Time)}
}

// Seen records ts as used, expiring at ts+window. It returns true if ts was
// already present (a replay), false if this is the first use.
func (c *ReplayCache) Seen(ts int64, window time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)

	if _, ok := c.seen[ts]; ok {
		return true
	}
	c.seen[ts] = now.Add(window)
	return false
}

func (c *ReplayCache) pruneLocked(now time.Time) {
	for ts, expiry := range c.seen {
		if now.After(expiry) {
			delete(c.seen, ts)
		}
	}
}

// Verify parses and validates token against secret at time now, accepting a
// clock skew of up to window in either direction and rejecting tokens whose
// timestamp has already been consumed from cache within the window.
//
// On success it returns the action carried by the token. On failure it
// returns a *VerifyError identifying the kind.
func Verify(secret []byte, token string, now time.Time, window time.Duration, cache *ReplayCache) (string, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 3 {
		return "", newVerifyError(KindMalformedToken, "expected 3 fields, got %d", len(parts))
	}

	tsStr, action, sigHex := parts[0], parts[1], parts[2]
	if action == "" {
		return "", newVerifyError(KindMalformedToken, "empty action")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", newVerifyError(KindMalformedToken, "bad timestamp %q", tsStr)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", newVerifyError(KindMalformedToken, "bad signature encoding")
	}

	skew := now.UTC().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > window {
		return "", newVerifyError(KindTimestampSkew, "skew %ds exceeds window %s", skew, window)
	}

	want := macFor(secret, ts, action)
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return "", newVerifyError(KindBadSignature, "signature mismatch")
	}

	if cache != nil && cache.Seen(ts, window, now) {
		return "", newVerifyError(KindReplay, "timestamp %d already used", ts)
	}

	return action, nil
}
