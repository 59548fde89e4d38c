// Package auth resolves the upstream credentials of a browser session.
package auth

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrExpired means the session's tokens expired and could not be refreshed.
	ErrExpired = errors.New("authentication expired")
	// ErrInvalid means the stored credentials are unusable.
	ErrInvalid = errors.New("authentication not valid")
)

// Authenticator returns the headers to attach to upstream calls made on
// behalf of a session. A nil header with a nil error means the session is
// anonymous. Errors other than ErrExpired and ErrInvalid are transient.
type Authenticator interface {
	Credentials(ctx context.Context, sessionID string) (http.Header, error)
}

// Static hands out the same outcome for every session. Used by the mock
// server and tests.
type Static struct {
	Header http.Header
	Err    error
}

func (s Static) Credentials(context.Context, string) (http.Header, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Header == nil {
		return nil, nil
	}
	return s.Header.Clone(), nil
}

// Func adapts a function to the Authenticator interface.
type Func func(ctx context.Context, sessionID string) (http.Header, error)

func (f Func) Credentials(ctx context.Context, sessionID string) (http.Header, error) {
	return f(ctx, sessionID)
}

// Bearer returns a header carrying token as a bearer Authorization value.
func Bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
