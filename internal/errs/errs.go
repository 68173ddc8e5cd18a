// Package errs defines the closed error taxonomy every public operation in
// strata returns against. Callers distinguish kinds with errors.Is against
// the sentinel Kind values, never by matching message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one member of the closed error taxonomy.
type Kind int

const (
	NotFound Kind = iota
	AlreadyExists
	SchemaMismatch
	VersionNotFound
	CommitConflict
	InvalidPredicate
	SubstrateRetryable
	SubstrateTerminal
	AuthInvalidCredentials
	AuthWeakPassword
	AuthDisabled
	AuthTokenInvalid
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case SchemaMismatch:
		return "schema_mismatch"
	case VersionNotFound:
		return "version_not_found"
	case CommitConflict:
		return "commit_conflict"
	case InvalidPredicate:
		return "invalid_predicate"
	case SubstrateRetryable:
		return "substrate_retryable"
	case SubstrateTerminal:
		return "substrate_terminal"
	case AuthInvalidCredentials:
		return "auth_invalid_credentials"
	case AuthWeakPassword:
		return "auth_weak_password"
	case AuthDisabled:
		return "auth_disabled"
	case AuthTokenInvalid:
		return "auth_token_invalid"
	default:
		return "internal"
	}
}

// Error is the concrete error type carrying a Kind plus the originating
// operation and any relevant identifiers (table name, version, file id).
type Error struct {
	Kind    Kind
	Op      string
	Table   string
	Version int64
	FileID  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Table != "" {
		msg += " table=" + e.Table
	}
	if e.Version != 0 {
		msg += fmt.Sprintf(" version=%d", e.Version)
	}
	if e.FileID != "" {
		msg += " file=" + e.FileID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.Kind) to work by comparing against a
// sentinel *Error carrying only a Kind — see the kind sentinels below.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New constructs a tagged error for the given operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithTable attaches a table name.
func (e *Error) WithTable(table string) *Error {
	e.Table = table
	return e
}

// WithVersion attaches a version number.
func (e *Error) WithVersion(v int64) *Error {
	e.Version = v
	return e
}

// WithFileID attaches a data file id.
func (e *Error) WithFileID(id string) *Error {
	e.FileID = id
	return e
}

// sentinels usable with errors.Is(err, errs.ErrNotFound) etc.
var (
	ErrNotFound               = &Error{Kind: NotFound}
	ErrAlreadyExists          = &Error{Kind: AlreadyExists}
	ErrSchemaMismatch         = &Error{Kind: SchemaMismatch}
	ErrVersionNotFound        = &Error{Kind: VersionNotFound}
	ErrCommitConflict         = &Error{Kind: CommitConflict}
	ErrInvalidPredicate       = &Error{Kind: InvalidPredicate}
	ErrSubstrateRetryable     = &Error{Kind: SubstrateRetryable}
	ErrSubstrateTerminal      = &Error{Kind: SubstrateTerminal}
	ErrAuthInvalidCredentials = &Error{Kind: AuthInvalidCredentials}
	ErrAuthWeakPassword       = &Error{Kind: AuthWeakPassword}
	ErrAuthDisabled           = &Error{Kind: AuthDisabled}
	ErrAuthTokenInvalid       = &Error{Kind: AuthTokenInvalid}
	ErrInternal               = &Error{Kind: Internal}
)

// Is reports whether the first *Error in err's chain has the given Kind;
// an *Error wrapped beneath another *Error is not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
