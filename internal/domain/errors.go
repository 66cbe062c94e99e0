package domain

import "errors"

var (
	// ErrDecryption indicates the payload failed authentication or could not be opened.
	ErrDecryption = errors.New("decryption failed")
	// ErrSchema indicates the decrypted payload does not match the activity schema.
	ErrSchema = errors.New("payload schema invalid")
	// ErrRejected wraps anti-fraud rejections.
	ErrRejected = errors.New("activity rejected")
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrStateConflict is returned when a compare-and-set transition lost against a concurrent writer.
	ErrStateConflict = errors.New("activity state changed concurrently")
	// ErrIllegalTransition is returned for moves the state machine forbids.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrAuditWrite marks a transition rolled back because its audit entry could not be stored.
	ErrAuditWrite = errors.New("audit write failed")
	// ErrNotRetryable is returned when an operator re-triggers an activity that cannot be retried.
	ErrNotRetryable = errors.New("activity is not retryable")
	// ErrSettlementInProgress is returned when another worker holds the activity claim.
	ErrSettlementInProgress = errors.New("settlement already in progress")
)
