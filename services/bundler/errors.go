package bundler

import (
	"errors"

	"addinbundle/pkg/toolchain"
)

// Errors returned by Build wrap one of these, or the context error when the
// run is cancelled.
var (
	ErrToolchain       = toolchain.ErrToolchain
	ErrArtifactMissing = errors.New("compiled artifact not found")
	ErrFileSystem      = errors.New("filesystem operation failed")
	ErrFinalize        = errors.New("bundle finalization failed")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// ErrVerify is returned by Verify for a malformed or tampered bundle.
var ErrVerify = errors.New("bundle verification failed")
