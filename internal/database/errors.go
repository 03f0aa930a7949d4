package database

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a store failure.
type ErrorKind int

const (
	// IOFailure is retryable by the caller. The store never retries internally.
	IOFailure ErrorKind = iota + 1
	// Corrupt means a stored record could not be decoded.
	Corrupt
)

func (k ErrorKind) String() string {
	switch k {
	case IOFailure:
		return "io failure"
	case Corrupt:
		return "corrupt"
	}
	return "unknown"
}

// StoreError reports a failed store operation on a single record.
type StoreError struct {
	Kind ErrorKind
	Op   string
	ID   int64
	Err  error
}

func (e *StoreError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("store %s post %d: %s: %v", e.Op, e.ID, e.Kind, e.Err)
	}
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a store I/O failure.
func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == IOFailure
}

// IsCorrupt reports whether err is a store decode failure.
func IsCorrupt(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == Corrupt
}

func ioError(op string, id int64, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: IOFailure, Op: op, ID: id, Err: err}
}

func corruptError(op string, id int64, err error) error {
	return &StoreError{Kind: Corrupt, Op: op, ID: id, Err: err}
}
