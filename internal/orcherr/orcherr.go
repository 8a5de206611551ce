// Package orcherr classifies errors produced anywhere in the scheduler into
// the taxonomy from the design's error handling section: Transient,
// Resource, DeterministicBuildFailure, EvaluationFailure, DataIntegrity and
// Fatal. Classification drives whether a caller retries silently, persists
// the error verbatim on the owning row, or exits the process.
package orcherr

import "golang.org/x/xerrors"

// Class is one of the six error categories.
type Class int

const (
	Unclassified Class = iota
	Transient
	Resource
	DeterministicBuildFailure
	EvaluationFailure
	DataIntegrity
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Resource:
		return "resource"
	case DeterministicBuildFailure:
		return "deterministic_build_failure"
	case EvaluationFailure:
		return "evaluation_failure"
	case DataIntegrity:
		return "data_integrity"
	case Fatal:
		return "fatal"
	default:
		return "unclassified"
	}
}

// classified wraps an error with a known class.
type classified struct {
	class Class
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Wrap annotates err with class, wrapping via xerrors.Errorf so the
// original is always recoverable with errors.As/Is.
func Wrap(class Class, format string, args ...interface{}) error {
	return &classified{class: class, err: xerrors.Errorf(format, args...)}
}

// Classify returns the class attached to err via Wrap, or Unclassified if
// err was never wrapped by this package.
func Classify(err error) Class {
	if err == nil {
		return Unclassified
	}
	var c *classified
	if xerrors.As(err, &c) {
		return c.class
	}
	return Unclassified
}

// Is reports whether err was classified as class.
func Is(err error, class Class) bool {
	return Classify(err) == class
}

// Transient-class convenience constructors, used at the many call sites in
// ED/BD that need to distinguish "retry me" from "persist me".

func Transientf(format string, args ...interface{}) error {
	return Wrap(Transient, format, args...)
}

func Resourcef(format string, args ...interface{}) error {
	return Wrap(Resource, format, args...)
}

func BuildFailuref(format string, args ...interface{}) error {
	return Wrap(DeterministicBuildFailure, format, args...)
}

func EvaluationFailuref(format string, args ...interface{}) error {
	return Wrap(EvaluationFailure, format, args...)
}

func DataIntegrityf(format string, args ...interface{}) error {
	return Wrap(DataIntegrity, format, args...)
}

func Fatalf(format string, args ...interface{}) error {
	return Wrap(Fatal, format, args...)
}
