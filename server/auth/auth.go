// Package auth issues and verifies the bearer tokens exchanged between the
// orchestrator and its workers. Every worker has its own signing key derived
// from the cluster secret, so a token minted for one worker is useless
// against another.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// Orchestrator is the subject and audience used for the orchestrator side.
const Orchestrator = "orchestrator"

// DefaultTTL is the lifetime of tokens minted for a single call.
const DefaultTTL = 5 * time.Minute

const keyInfo = "relay worker key v1"

// ErrNoSecret is returned when no cluster secret is configured.
var ErrNoSecret = errors.New("auth: cluster secret is empty")

// DeriveKey derives the signing key of workerID from the cluster secret.
func DeriveKey(secret []byte, workerID string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte(workerID), []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Issue mints an HS256 token for subject, addressed to audience.
func Issue(key []byte, subject, audience string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// KeyFunc returns the verification key for the subject of a token.
type KeyFunc func(subject string) ([]byte, error)

// StaticKey always verifies with key.
func StaticKey(key []byte) KeyFunc {
	return func(string) ([]byte, error) { return key, nil }
}

// WorkerKeys verifies tokens with the key derived for their subject, which
// must be a worker id.
func WorkerKeys(secret []byte) KeyFunc {
	return func(subject string) ([]byte, error) {
		if subject == "" {
			return nil, errors.New("token has no subject")
		}
		return DeriveKey(secret, subject)
	}
}

// Verify validates token for audience and returns its subject.
func Verify(keys KeyFunc, token, audience string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) {
			sub, err := t.Claims.GetSubject()
			if err != nil {
				return nil, err
			}
			return keys(sub)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// SetBearer mints a token and attaches it to req.
func SetBearer(req *http.Request, key []byte, subject, audience string) error {
	token, err := Issue(key, subject, audience, DefaultTTL)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

type contextKey int

const ctxKeySubject contextKey = 0

// ContextWithSubject returns ctx carrying the authenticated subject.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// Subject returns the authenticated subject stored by Middleware.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySubject).(string)
	return s
}

// Middleware enforces bearer authentication for audience. EventSource
// clients cannot set headers, so a token query parameter is accepted too.
func Middleware(keys KeyFunc, audience string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); h != "" {
			if !strings.HasPrefix(h, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "invalid Authorization header")
				return
			}
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		subject, err := Verify(keys, token, audience)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), subject)))
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
