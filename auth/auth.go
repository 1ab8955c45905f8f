// Package auth defines how callers prove who they are. An Authenticator
// turns a bearer credential into a UserInfo carrying the email identity the
// rest of the server keys on; the challenge helpers express RFC 6750
// responses for the transport to return on failure.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNoIdentity indicates valid credentials that carry no email identity;
// the server cannot attribute a session to a user without one.
var ErrNoIdentity = errors.New("no identity associated with credentials")

// UserInfo represents an authenticated principal. Implementations should be
// lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Email returns the email identity used for tool visibility and
	// authorization.
	Email() string
	// Claims unmarshals the principal's claims into the provided struct
	// reference.
	Claims(ref any) error
}

// Authenticator validates bearer credentials and returns the associated
// user info. It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
