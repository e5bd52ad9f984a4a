package storage

import "errors"

// Kind classifies a backend error for the retry logic.
type Kind int

const (
	// KindFatal covers everything that retrying cannot fix: constraint
	// violations, syntax errors, authentication failures.
	KindFatal Kind = iota
	// KindTransient covers errors worth retrying after a pause: lost
	// connections, lock timeouts, serialization failures.
	KindTransient
	// KindMissingSchema means the target table or a referenced column does
	// not exist. Recoverable only by creating the table.
	KindMissingSchema
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMissingSchema:
		return "missing_schema"
	default:
		return "fatal"
	}
}

// Error wraps a driver error with its classification. Every backend returns
// errors of this type from Session methods.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return "storage (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain. Unclassified
// errors are fatal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindFatal
}
