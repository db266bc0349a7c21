// Package errs defines the error taxonomy used by the scheduler.
//
// All errors are raised synchronously at the call that detects them and are never retried: they
// indicate a configuration or programming problem that must be fixed before re-running.
//
// Errors returned by the packages of this module wrap one of the sentinels below, use errors.Is
// to classify them:
//
//	if errors.Is(err, errs.ErrShapeMismatch) { ... }
package errs

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned for invalid parallel degrees or phase configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupportedConfiguration is returned for feature combinations not implemented, e.g. tensor
	// parallelism or sequence parallelism without a sequence-parallel communication backend.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")

	// ErrPartitionMismatch is returned when a stage split does not reconstruct the full stage list.
	ErrPartitionMismatch = errors.New("partition mismatch")

	// ErrShapeMismatch is returned when a replayed input or a synchronizer buffer changes shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrCapture is returned when a captured graph produces outputs inconsistent with its capture.
	ErrCapture = errors.New("capture error")
)

// Configurationf returns an error wrapping ErrConfiguration.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Unsupportedf returns an error wrapping ErrUnsupportedConfiguration.
func Unsupportedf(format string, args ...any) error {
	return errors.Wrapf(ErrUnsupportedConfiguration, format, args...)
}

// PartitionMismatchf returns an error wrapping ErrPartitionMismatch.
func PartitionMismatchf(format string, args ...any) error {
	return errors.Wrapf(ErrPartitionMismatch, format, args...)
}

// ShapeMismatchf returns an error wrapping ErrShapeMismatch.
func ShapeMismatchf(format string, args ...any) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}

// Capturef returns an error wrapping ErrCapture.
func Capturef(format string, args ...any) error {
	return errors.Wrapf(ErrCapture, format, args...)
}
