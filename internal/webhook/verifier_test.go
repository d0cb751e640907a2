package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const callbackURL = "https://scribe.example.com/webhooks/calendar"

func TestVerifyCurrentKey(t *testing.T) {
	v := NewVerifier("current-key", "next-key")
	body := []byte(`{"event":"invitee.created"}`)

	sig, err := Sign([]byte("current-key"), body, callbackURL, time.Minute)
	require.NoError(t, err)

	assert.NoError(t, v.Verify(body, sig, callbackURL))
}

func TestVerifyNextKeyDuringRotation(t *testing.T) {
	v := NewVerifier("current-key", "next-key")
	body := []byte(`{"event":"invitee.created"}`)

	sig, err := Sign([]byte("next-key"), body, callbackURL, time.Minute)
	require.NoError(t, err)

	assert.NoError(t, v.Verify(body, sig, callbackURL),
		"a signature under the next key is accepted during rotation")
}

func TestVerifyUnknownKeyRejected(t *testing.T) {
	v := NewVerifier("current-key", "next-key")
	body := []byte(`{"event":"invitee.created"}`)

	sig, err := Sign([]byte("some-other-key"), body, callbackURL, time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, v.Verify(body, sig, callbackURL), ErrInvalidSignature)
}

func TestVerifyTamperedBodyRejected(t *testing.T) {
	v := NewVerifier("current-key", "")
	body := []byte(`{"event":"invitee.created"}`)

	sig, err := Sign([]byte("current-key"), body, callbackURL, time.Minute)
	require.NoError(t, err)

	tampered := []byte(`{"event":"invitee.cancelled"}`)
	assert.ErrorIs(t, v.Verify(tampered, sig, callbackURL), ErrInvalidSignature)
}

func TestVerifyWrongURLRejected(t *testing.T) {
	v := NewVerifier("current-key", "")
	body := []byte(`{}`)

	sig, err := Sign([]byte("current-key"), body, "https://attacker.example.com/hook", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, v.Verify(body, sig, callbackURL), ErrInvalidSignature)
}

func TestVerifyExpiredSignatureRejected(t *testing.T) {
	v := NewVerifier("current-key", "")
	body := []byte(`{}`)

	sig, err := Sign([]byte("current-key"), body, callbackURL, -time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, v.Verify(body, sig, callbackURL), ErrInvalidSignature)
}

func TestVerifyMissingHeaderRejected(t *testing.T) {
	v := NewVerifier("current-key", "next-key")
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "", callbackURL), ErrInvalidSignature)
}

func TestVerifyGarbageHeaderRejected(t *testing.T) {
	v := NewVerifier("current-key", "next-key")
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "not-a-signature", callbackURL), ErrInvalidSignature)
}
