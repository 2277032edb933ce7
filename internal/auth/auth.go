// Package auth provides the pluggable connect-time authentication
// strategies. The chat core only sees the Authenticator interface.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"wschat/internal/config"
)

// Authenticator decides whether a handshake request may connect.
type Authenticator interface {
	Validate(r *http.Request) bool
}

// FromConfig builds the strategy named by auth.type.
func FromConfig(cfg config.AuthSettings) (Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "noauth":
		return NoAuth{}, nil
	case "basic":
		if cfg.User == "" || cfg.Password == "" {
			return nil, fmt.Errorf("basic auth requires user and password")
		}
		return BasicAuth{User: cfg.User, Password: cfg.Password}, nil
	case "bearer":
		if cfg.Token == "" {
			return nil, fmt.Errorf("bearer auth requires a token")
		}
		return BearerAuth{Token: cfg.Token}, nil
	case "header":
		if cfg.Header == "" || cfg.Value == "" {
			return nil, fmt.Errorf("header auth requires header and value")
		}
		return HeaderAuth{Header: cfg.Header, Value: cfg.Value}, nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

// NoAuth accepts every request.
type NoAuth struct{}

func (NoAuth) Validate(*http.Request) bool { return true }

// BasicAuth checks HTTP basic credentials.
type BasicAuth struct {
	User     string
	Password string
}

func (a BasicAuth) Validate(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.Password)) == 1
	return userOK && passOK
}

// BearerAuth checks an Authorization: Bearer token.
type BearerAuth struct {
	Token string
}

func (a BearerAuth) Validate(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) == 1
}

// HeaderAuth checks an arbitrary header for an exact value.
type HeaderAuth struct {
	Header string
	Value  string
}

func (a HeaderAuth) Validate(r *http.Request) bool {
	got := r.Header.Get(a.Header)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.Value)) == 1
}
