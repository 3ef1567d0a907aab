package ndb

import (
	"errors"
	"fmt"
)

// Kind classifies the failure mode of an *Error so callers can branch on it
// with errors.As instead of string-matching messages.
type Kind int

const (
	// KindIO covers read/write/fsync failures against the underlying filesystem.
	KindIO Kind = iota
	// KindCorruption covers checksum mismatches, bad magic, and truncated records.
	KindCorruption
	// KindInvalidArgument covers caller-supplied values that violate a precondition.
	KindInvalidArgument
	// KindNotFound covers lookups for a document or collection that doesn't exist.
	KindNotFound
	// KindWrongDimension covers vectors whose length doesn't match the collection's dimension.
	KindWrongDimension
	// KindCollectionLocked covers a second process attempting to open a collection already held.
	KindCollectionLocked
	// KindAlreadyExists covers creating a collection that is already present.
	KindAlreadyExists
	// KindIndexMissing covers a search requesting an ANN index that hasn't been built.
	KindIndexMissing
	// KindReadOnly covers a write attempted against a lock-free, read-only collection handle.
	KindReadOnly
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindWrongDimension:
		return "wrong_dimension"
	case KindCollectionLocked:
		return "collection_locked"
	case KindAlreadyExists:
		return "already_exists"
	case KindIndexMissing:
		return "index_missing"
	case KindReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

// Error is the error type returned across the public nDB boundary.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ndb: %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("ndb: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error, wrapping an underlying cause when present.
func newErr(op string, kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: cause}
}

// IsKind reports whether err (or something it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

var (
	// ErrClosed is returned by a closed Database's CreateCollection,
	// Collection and CollectionReader, and by a closed Collection's data
	// operations. Database.List and Database.Drop do not check for Close.
	ErrClosed = errors.New("ndb: closed")
)
