// Package config holds the tunables for a strata store instance, following
// the builder-method pattern of the original LakehouseConfig (with_*
// methods returning the receiver) as value-receiver With* methods that
// return a modified copy.
package config

import "os"

const defaultJWTSecret = "strata-default-secret-change-me"

// StoreConfig holds configuration for a Store.
type StoreConfig struct {
	// BasePath is the root of the table tree. Required.
	BasePath string

	// CommitRetryMax bounds the optimistic-concurrency retry loop (§4.2).
	CommitRetryMax int
	// CommitRetryInitialMS is the base backoff before exponential jitter.
	CommitRetryInitialMS int

	// TargetFileBytes is the target size of a freshly written data file.
	TargetFileBytes int64
	// SmallFileBytes is the threshold below which a file is a compaction
	// candidate; defaults to TargetFileBytes / 2.
	SmallFileBytes int64

	// CheckpointInterval is how many commits elapse between checkpoints.
	CheckpointInterval int

	// VacuumRetentionHours is the default retention horizon for vacuum.
	VacuumRetentionHours int64
	// EnforceZeroRetention is not read by any package in this module;
	// Store.Vacuum takes its own enforce argument to allow retention 0.
	EnforceZeroRetention bool

	// SessionExpiryDays is the default auth session lifetime (auth actor only).
	SessionExpiryDays int
	// AuthSigningSecret signs bearer session tokens (auth actor only).
	AuthSigningSecret string

	// MaxConcurrentWriters is not read by any package in this module: file
	// encode/decode, predicate evaluation and clustering sort run on the
	// calling goroutine, and there is no worker pool for it to bound.
	MaxConcurrentWriters int
}

// New returns a StoreConfig with the documented defaults (§6), rooted at
// basePath.
func New(basePath string) StoreConfig {
	secret := os.Getenv("STRATA_JWT_SECRET")
	if secret == "" {
		secret = defaultJWTSecret
	}

	return StoreConfig{
		BasePath:              basePath,
		CommitRetryMax:        5,
		CommitRetryInitialMS:  10,
		TargetFileBytes:       128 << 20,
		SmallFileBytes:        64 << 20,
		CheckpointInterval:    10,
		VacuumRetentionHours:  168,
		EnforceZeroRetention:  false,
		SessionExpiryDays:     7,
		AuthSigningSecret:     secret,
		MaxConcurrentWriters:  4,
	}
}

// WithJWTSecret overrides the auth signing secret.
func (c StoreConfig) WithJWTSecret(secret string) StoreConfig {
	c.AuthSigningSecret = secret
	return c
}

// WithSessionExpiryDays overrides the session expiry.
func (c StoreConfig) WithSessionExpiryDays(days int) StoreConfig {
	c.SessionExpiryDays = days
	return c
}

// WithVacuumRetentionHours overrides the vacuum retention horizon.
func (c StoreConfig) WithVacuumRetentionHours(hours int64) StoreConfig {
	c.VacuumRetentionHours = hours
	return c
}

// TablePath returns the filesystem path of a named table under BasePath.
func (c StoreConfig) TablePath(tableName string) string {
	return c.BasePath + "/" + tableName
}
