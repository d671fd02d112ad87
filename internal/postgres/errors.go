package postgres

import (
	"errors"

	"github.com/lib/pq"
)

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

func code(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func IsUniqueViolation(err error) bool {
	return code(err) == codeUniqueViolation
}

func IsCheckViolation(err error) bool {
	return code(err) == codeCheckViolation
}

// IsTransient reports errors that are expected to succeed on a later attempt:
// deadlocks, lock timeouts and serialization failures
func IsTransient(err error) bool {
	switch code(err) {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}
