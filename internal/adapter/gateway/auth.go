package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrAuthFailed is returned for a missing or unknown token.
var ErrAuthFailed = errors.New("gateway: authentication failed")

// ClientInfo holds metadata about an authenticated stream client.
type ClientInfo struct {
	Name string
}

// Authenticator validates incoming stream connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry maps one accepted token to a client name.
type TokenEntry struct {
	Token string
	Name  string
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator. Entries with an empty token
// are ignored.
func NewStaticTokenAuth(entries ...TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, e := range entries {
		if e.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(e.Token),
			info:  &ClientInfo{Name: e.Name},
		})
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, ErrAuthFailed
	}
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, ErrAuthFailed
}

// requestToken reads "Authorization: Bearer <t>", falling back to ?token=
// for browser clients that cannot set headers on a WebSocket.
func requestToken(r *http.Request) string {
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return r.URL.Query().Get("token")
}
