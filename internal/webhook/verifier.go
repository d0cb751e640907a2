// Package webhook authenticates inbound signed callbacks and parses the
// calendar event envelope. Any handler that mutates scheduling or processing
// state verifies the signature before parsing the body.
package webhook

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSignature is returned for a missing, malformed, or unverifiable
// webhook signature.
var ErrInvalidSignature = errors.New("invalid webhook signature")

const issuer = "meetscribe"

// Verifier validates webhook signatures against the current and next signing
// keys, so a key rotation never invalidates in-flight deliveries.
type Verifier struct {
	currentKey []byte
	nextKey    []byte
}

// NewVerifier creates a Verifier. nextKey may be empty when no rotation is
// in progress.
func NewVerifier(currentKey, nextKey string) *Verifier {
	v := &Verifier{currentKey: []byte(currentKey)}
	if nextKey != "" {
		v.nextKey = []byte(nextKey)
	}
	return v
}

// Verify checks that signatureHeader is a valid signature over rawBody,
// computed for exactly expectedURL. A signature valid under either the
// current or the next key is accepted.
func (v *Verifier) Verify(rawBody []byte, signatureHeader, expectedURL string) error {
	if signatureHeader == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	keys := [][]byte{v.currentKey}
	if v.nextKey != nil {
		keys = append(keys, v.nextKey)
	}

	var lastErr error
	for _, key := range keys {
		if err := verifyWithKey(rawBody, signatureHeader, expectedURL, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func verifyWithKey(rawBody []byte, signatureHeader, expectedURL string, key []byte) error {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(signatureHeader, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token invalid")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub != expectedURL {
		return fmt.Errorf("signature bound to %q, expected %q", sub, expectedURL)
	}

	bodyClaim, ok := claims["body"].(string)
	if !ok {
		return errors.New("missing body claim")
	}
	sum := sha256.Sum256(rawBody)
	if bodyClaim != base64.RawURLEncoding.EncodeToString(sum[:]) {
		return errors.New("body hash mismatch")
	}
	return nil
}

// Sign produces a signature header for rawBody bound to url, valid for ttl.
// Used for internally-issued callbacks and in tests.
func Sign(key []byte, rawBody []byte, url string, ttl time.Duration) (string, error) {
	sum := sha256.Sum256(rawBody)
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":  issuer,
		"sub":  url,
		"iat":  now.Unix(),
		"nbf":  now.Add(-time.Minute).Unix(),
		"exp":  now.Add(ttl).Unix(),
		"body": base64.RawURLEncoding.EncodeToString(sum[:]),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign webhook body: %w", err)
	}
	return signed, nil
}
