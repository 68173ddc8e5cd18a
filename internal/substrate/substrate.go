// Package substrate implements the object substrate: the minimal
// byte-oriented backing store every higher layer is built on (§4.1). The
// only operation that needs atomicity from the substrate is PutIfAbsent,
// the compare-and-swap primitive the table log uses to serialize commits.
package substrate

import (
	"context"
	"errors"

	"github.com/cuemby/strata/internal/errs"
)

// PutResult is the outcome of a conditional put.
type PutResult int

const (
	Created PutResult = iota
	AlreadyExists
)

// Substrate is the byte-oriented backing store.
//
// Failures returned from any method are either wrapped with
// errs.SubstrateRetryable (transient — transport errors, timeouts, throttling)
// or errs.SubstrateTerminal (permission, quota, malformed request). Callers
// above this layer never inspect the underlying error type directly.
type Substrate interface {
	// Put writes key durably, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// PutIfAbsent is the compare-and-swap primitive: it writes key only if
	// it does not already exist.
	PutIfAbsent(ctx context.Context, key string, data []byte) (PutResult, error)

	// Get reads key. Returns errs.NotFound if it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns every key with the given prefix, unordered.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// errNotExist and wrapNotFound are not used by the Local or S3 backends,
// which build their errs.NotFound errors directly.
var errNotExist = errors.New("substrate: key does not exist")

func wrapNotFound(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return errs.New(errs.NotFound, op, err).WithFileID(key)
}
