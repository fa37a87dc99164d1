package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// authenticator checks bearer tokens against a bcrypt hash. With no hash
// configured, every request passes.
type authenticator struct {
	tokenHash string
}

func newAuthenticator(tokenHash string) *authenticator {
	return &authenticator{tokenHash: tokenHash}
}

func (a *authenticator) check(r *http.Request) error {
	if a.tokenHash == "" {
		return nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return fmt.Errorf("token required, use Authorization: Bearer <token>")
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return fmt.Errorf("malformed Authorization header, use Bearer <token>")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.tokenHash), []byte(token)); err != nil {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// clientIP extracts the client IP for rate limiting.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
