package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-shared-secret")

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, action := range []string{"status", "shutdown", "take", "release"} {
		now := time.Unix(1_700_000_000, 0).UTC()
		token := Sign(secret, action, now)

		got, err := Verify(secret, token, now, DefaultWindow, NewReplayCache())
		require.NoError(t, err)
		assert.Equal(t, action, got)
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	token := Sign(secret, "status", now)
	cache := NewReplayCache()

	_, err := Verify(secret, token, now, DefaultWindow, cache)
	require.NoError(t, err)

	_, err = Verify(secret, token, now, DefaultWindow, cache)
	require.Error(t, err)
	kind, ok := Kind(err)
	require.True(t, ok)
	assert.Equal(t, KindReplay, kind)
}

func TestVerifyRejectsSkew(t *testing.T) {
	signedAt := time.Unix(1_700_000_000, 0).UTC()
	token := Sign(secret, "status", signedAt)

	checkedAt := signedAt.Add(31 * time.Second)
	_, err := Verify(secret, token, checkedAt, DefaultWindow, NewReplayCache())
	require.Error(t, err)
	kind, ok := Kind(err)
	require.True(t, ok)
	assert.Equal(t, KindTimestampSkew, kind)
}

func TestVerifyRejectsSkewRegardlessOfSignatureValidity(t *testing.T) {
	signedAt := time.Unix(1_700_000_000, 0).UTC()
	// A token signed with the WRONG secret but far outside the window must
	// still report TimestampSkew, not BadSignature -- skew is checked first.
	token := Sign([]byte("other-secret"), "status", signedAt)

	checkedAt := signedAt.Add(time.Hour)
	_, err := Verify(secret, token, checkedAt, DefaultWindow, NewReplayCache())
	kind, ok := Kind(err)
	require.True(t, ok)
	assert.Equal(t, KindTimestampSkew, kind)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	token := Sign(secret, "status", now)

	tampered := token[:len(token)-1] + flipHexChar(token[len(token)-1])
	_, err := Verify(secret, tampered, now, DefaultWindow, NewReplayCache())
	require.Error(t, err)
	kind, ok := Kind(err)
	require.True(t, ok)
	assert.Equal(t, KindBadSignature, kind)
}

func TestVerifyRejectsTamperedAction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	token := Sign(secret, "status", now)
	tampered := replaceAction(token, "shutdown")

	_, err := Verify(secret, tampered, now, DefaultWindow, NewReplayCache())
	require.Error(t, err)
	kind, ok := Kind(err)
	require.True(t, ok)
	assert.Equal(t, KindBadSignature, kind)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()

	cases := []string{"", "only-one-field", "a|b", "a|b|c|d", "notanumber|status|aabbcc"}
	for _, tc := range cases {
		_, err := Verify(secret, tc, now, DefaultWindow, NewReplayCache())
		require.Error(t, err)
		kind, ok := Kind(err)
		require.True(t, ok)
		assert.Equal(t, KindMalformedToken, kind)
	}
}

func flipHexChar(c byte) string {
	if c == '0' {
		return "1"
	}
	return "0"
}

func replaceAction(token, newAction string) string {
	// token is "T|A|S"; keep T and S, swap A. Does not recompute S, so the
	// signature now covers the wrong action.
	var t, s string
	parts := 0
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '|' {
			if parts == 0 {
				t = token[start:i]
			}
			parts++
			start = i + 1
		}
	}
	s = token[start:]
	return t + "|" + newAction + "|" + s
}
