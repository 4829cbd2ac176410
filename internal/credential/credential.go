// Package credential manages the upstream SambaNova access credential:
// the immutable credential value, the shared atomic store, the login-flow
// acquirer, and the lifecycle manager that keeps exactly one valid
// credential alive under concurrent use.
package credential

import (
	"errors"
	"fmt"
	"time"
)

// State describes the usability of a credential at a point in time.
type State string

const (
	// StateNone means no credential has ever been acquired.
	StateNone State = "none"
	// StateValid means the credential is usable and not near expiry.
	StateValid State = "active"
	// StateExpiring means the credential is usable but inside the
	// proactive-renewal margin.
	StateExpiring State = "expiring"
	// StateInvalid means the credential was rejected upstream or has
	// passed its expiry.
	StateInvalid State = "invalid"
	// StateFailed means background renewal exhausted its retries.
	StateFailed State = "failed"
)

// Credential is an immutable upstream access credential. A credential is
// never mutated after creation; the store replaces the whole value when a
// renewal succeeds or the current one is invalidated.
type Credential struct {
	Token      string
	ObtainedAt time.Time
	ExpiresAt  time.Time

	// revoked is set on the copy installed by Store.Invalidate. The
	// original credential value stays untouched.
	revoked bool
}

// New builds a credential, enforcing expires_at > obtained_at.
func New(token string, obtainedAt, expiresAt time.Time) (*Credential, error) {
	if token == "" {
		return nil, errors.New("credential token is empty")
	}
	if !expiresAt.After(obtainedAt) {
		return nil, fmt.Errorf("credential expiry %v not after acquisition %v", expiresAt, obtainedAt)
	}
	return &Credential{Token: token, ObtainedAt: obtainedAt, ExpiresAt: expiresAt}, nil
}

// Lifetime returns the total credential lifetime.
func (c *Credential) Lifetime() time.Duration {
	return c.ExpiresAt.Sub(c.ObtainedAt)
}

// Revoked reports whether this credential was invalidated after an
// upstream rejection.
func (c *Credential) Revoked() bool {
	return c.revoked
}

// Usable reports whether the credential can still authenticate requests.
// Expiring credentials remain usable until renewal completes.
func (c *Credential) Usable(now time.Time) bool {
	return c != nil && !c.revoked && now.Before(c.ExpiresAt)
}

// StateAt derives the credential state for the given margin before expiry.
func (c *Credential) StateAt(now time.Time, margin time.Duration) State {
	if c == nil {
		return StateNone
	}
	if c.revoked || !now.Before(c.ExpiresAt) {
		return StateInvalid
	}
	if !now.Before(c.ExpiresAt.Add(-margin)) {
		return StateExpiring
	}
	return StateValid
}

// ExpiresIn returns the remaining lifetime, floored at zero.
func (c *Credential) ExpiresIn(now time.Time) time.Duration {
	if c == nil {
		return 0
	}
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// SameIdentity reports whether two credentials are the same acquisition.
// Token value is the identity; a revoked copy keeps the identity of the
// credential it supersedes.
func (c *Credential) SameIdentity(other *Credential) bool {
	if c == nil || other == nil {
		return false
	}
	return c.Token == other.Token
}

// AuthError indicates the identity-provider exchange failed or renewal was
// exhausted. It maps to HTTP 401/502 at the gateway boundary.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Op)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps err as an AuthError for the given operation.
func NewAuthError(op string, err error) *AuthError {
	return &AuthError{Op: op, Err: err}
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
