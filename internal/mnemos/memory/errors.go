package memory

import (
	"errors"
	"fmt"
)

// Kind classifies a memory error for callers.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindEmbedding
	KindStorage
	KindBackup
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindEmbedding:
		return "embedding"
	case KindStorage:
		return "storage"
	case KindBackup:
		return "backup"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation = errors.New("memory: validation failed")
	ErrNotFound   = errors.New("memory: not found")
	ErrEmbedding  = errors.New("memory: embedding failed")
	ErrStorage    = errors.New("memory: storage failed")
	ErrBackup     = errors.New("memory: backup failed")
)

var kindSentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindNotFound:   ErrNotFound,
	KindEmbedding:  ErrEmbedding,
	KindStorage:    ErrStorage,
	KindBackup:     ErrBackup,
}

// Error is the classified error returned by the memory subsystem.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// Reverted is set on KindBackup errors from a restore that left the live
	// database in its pre-restore state, either because it failed before
	// touching anything or because the rollback succeeded. A restore error
	// with Reverted false means the live state is unknown.
	Reverted bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("memory: %s: %s", e.Op, e.Kind)
	if e.Reverted {
		msg += " (reverted)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Validationf returns a KindValidation error.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// NotFound returns a KindNotFound error wrapping err.
func NotFound(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// Storage returns a KindStorage error wrapping err.
func Storage(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// Backup returns a KindBackup error wrapping err.
func Backup(op string, err error, reverted bool) error {
	return &Error{Kind: KindBackup, Op: op, Err: err, Reverted: reverted}
}

// IsNothingHappened reports whether err guarantees that no state changed:
// validation failures and missing records.
func IsNothingHappened(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound)
}

// IsReverted reports whether err is a backup failure whose rollback
// succeeded.
func IsReverted(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindBackup && e.Reverted
}
