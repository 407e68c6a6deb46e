package models

import (
	"errors"
	"fmt"
)

// Domain error taxonomy. Every component returns one of these typed
// errors so handlers and callers can branch with errors.As without
// string matching. Retry guidance: FingerprintConflictError is the only
// retryable kind, and the core itself never auto-retries.

// AuthError means the caller presented no resolvable identity.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "unauthenticated: " + e.Reason
}

// PermissionDeniedError means the identity is valid but lacks the
// required access level. Denials are always audited.
type PermissionDeniedError struct {
	Agent     string
	Namespace string
	Required  AccessLevel
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: agent %s requires %s on %s", e.Agent, e.Required, e.Namespace)
}

// NotFoundError is returned when a requested entity does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ValidationError means the input was malformed. Nothing is partially
// applied when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// FingerprintConflictError is the optimistic-concurrency race: the
// presented fingerprint no longer matches the stored one. Callers
// retry by re-reading the current fingerprint.
type FingerprintConflictError struct {
	Namespace string
	ID        string
	Expected  string
	Current   string
}

func (e *FingerprintConflictError) Error() string {
	return fmt.Sprintf("fingerprint conflict on %s/%s: presented %s, current %s", e.Namespace, e.ID, e.Expected, e.Current)
}

// FrozenEntryError means a mutation was attempted on an immutable
// entry. Terminal: no retry will succeed.
type FrozenEntryError struct {
	Namespace string
	ID        string
}

func (e *FrozenEntryError) Error() string {
	return fmt.Sprintf("entry %s/%s is frozen", e.Namespace, e.ID)
}

// LastAdminError rejects revoking the sole remaining admin grant on a
// namespace, preserving the namespace-admin invariant.
type LastAdminError struct {
	Namespace string
}

func (e *LastAdminError) Error() string {
	return "cannot revoke the last admin grant on namespace " + e.Namespace
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is (or wraps) a FingerprintConflictError.
func IsConflict(err error) bool {
	var c *FingerprintConflictError
	return errors.As(err, &c)
}

// IsDenied reports whether err is (or wraps) a PermissionDeniedError.
func IsDenied(err error) bool {
	var d *PermissionDeniedError
	return errors.As(err, &d)
}
