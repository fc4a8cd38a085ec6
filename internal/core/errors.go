package core

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// errors.go — the pipeline error taxonomy.
//
// Transient failures (oracle problems, individual capture task failures)
// are absorbed where they occur and degrade confidence or completeness.
// Decode depth caps never surface as errors at all; the decoder reports
// them on its result and matching continues. Only integrity violations on
// retrieval propagate to the caller as hard failures.
// ---------------------------------------------------------------------------

var (
	// ErrOracleTimeout signals the oracle did not answer within its deadline.
	ErrOracleTimeout = errors.New("oracle timeout")

	// ErrOracleUnavailable signals a transport-level oracle failure,
	// including an open circuit breaker.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrOracleSchemaInvalid signals the oracle answered with a response
	// that failed schema validation. Treated exactly like a failure.
	ErrOracleSchemaInvalid = errors.New("oracle response failed schema validation")

	// ErrTaskTimeout signals an evidence task exceeded its budget.
	ErrTaskTimeout = errors.New("evidence task budget exceeded")

	// ErrVaultWrite signals a disk-level failure during vault ingest.
	ErrVaultWrite = errors.New("vault write failed")

	// ErrNotFound signals a lookup for unknown evidence content.
	ErrNotFound = errors.New("evidence not found")
)

// IntegrityError reports a hash mismatch detected at retrieval time.
// Callers must treat it as critical and non-retryable: the stored bytes
// can no longer be trusted.
type IntegrityError struct {
	ContentHash string // hash recorded at ingest
	ActualHash  string // hash recomputed at retrieval
	Path        string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation for %s: recorded %s, computed %s",
		e.Path, e.ContentHash, e.ActualHash)
}

// IsIntegrityViolation reports whether err is (or wraps) an IntegrityError.
func IsIntegrityViolation(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
