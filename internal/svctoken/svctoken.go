// Package svctoken signs and verifies short-lived HMAC assertions that
// internal processes (gateway, inference workers, persist workers) attach
// to broker envelopes, grounded on the teacher's shared/middleware/auth.go
// JWTMiddleware but repurposed: spec.md requires client-facing tokens to
// be opaque random identifiers (§3), so golang-jwt/v5 is used here only
// for inter-process task integrity, never for AuthToken/SessionToken/
// ProjectToken/VerificationToken/ResetToken.
package svctoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies which worker process signed an envelope and which
// queue it was claimed from, so a forged or replayed envelope from a
// compromised or misconfigured process is rejected at the receiving end.
type Claims struct {
	Issuer string `json:"iss_role"`
	Queue  string `json:"queue"`
	jwt.RegisteredClaims
}

// Signer issues and verifies Claims with a single shared secret, the way
// the teacher's JWTMiddleware issues/verifies access tokens with
// AccessSecret.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

func New(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Sign produces a compact assertion scoped to one queue, valid for the
// Signer's TTL. Envelopes are short-lived by design (spec §4.5: a worker
// claims, processes, and acks within seconds), so the assertion's TTL
// only needs to outlive that window.
func (s *Signer) Sign(issuerRole, queue string) (string, error) {
	now := time.Now()
	claims := Claims{
		Issuer: issuerRole,
		Queue:  queue,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks signature, expiry, and that the assertion was scoped to
// the expected queue.
func (s *Signer) Verify(assertion, expectedQueue string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(assertion, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("svctoken: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("svctoken: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("svctoken: invalid assertion")
	}
	if claims.Queue != expectedQueue {
		return nil, fmt.Errorf("svctoken: assertion scoped to queue %q, expected %q", claims.Queue, expectedQueue)
	}
	return claims, nil
}
