package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a rollout error. Every kind is a caller-input or
// precondition violation; none of them are retryable.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidState       Kind = "invalid_state"
	KindEmptyCollection    Kind = "empty_collection"
	KindMembershipConflict Kind = "membership_conflict"
	KindMalformedInput     Kind = "malformed_input"
)

// Error is the typed error returned by the rollout core.
// Code names the concrete failure (e.g. "PlanNotApproved"), Msg carries detail.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	label := e.Code
	if label == "" {
		label = string(e.Kind)
	}
	if e.Msg == "" {
		return label
	}
	return fmt.Sprintf("%s: %s", label, e.Msg)
}

// Is matches on Code when the target carries one, otherwise on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// With returns a copy of the sentinel carrying a formatted detail message.
func (e *Error) With(format string, args ...interface{}) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Msg: fmt.Sprintf(format, args...)}
}

// Kind sentinels.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrEmptyCollection    = &Error{Kind: KindEmptyCollection}
	ErrMembershipConflict = &Error{Kind: KindMembershipConflict}
	ErrMalformedInput     = &Error{Kind: KindMalformedInput}
)

// NotFound
var (
	ErrUpdateNotFound         = &Error{Kind: KindNotFound, Code: "UpdateNotFound"}
	ErrPackageNotFound        = &Error{Kind: KindNotFound, Code: "PackageNotFound"}
	ErrDeviceNotFound         = &Error{Kind: KindNotFound, Code: "DeviceNotFound"}
	ErrPlanNotFound           = &Error{Kind: KindNotFound, Code: "PlanNotFound"}
	ErrBatchNotFound          = &Error{Kind: KindNotFound, Code: "BatchNotFound"}
	ErrExecutionNotFound      = &Error{Kind: KindNotFound, Code: "ExecutionNotFound"}
	ErrExecutionBatchNotFound = &Error{Kind: KindNotFound, Code: "ExecutionBatchNotFound"}
	ErrCurrentBatchNotFound   = &Error{Kind: KindNotFound, Code: "CurrentBatchNotFound"}
	ErrBatchConfigMissing     = &Error{Kind: KindNotFound, Code: "BatchConfigMissing"}
)

// InvalidState
var (
	ErrPlanNotDraft             = &Error{Kind: KindInvalidState, Code: "PlanNotDraft"}
	ErrPlanNotApproved          = &Error{Kind: KindInvalidState, Code: "PlanNotApproved"}
	ErrAlreadyInProgress        = &Error{Kind: KindInvalidState, Code: "AlreadyInProgress"}
	ErrNoExecutingBatch         = &Error{Kind: KindInvalidState, Code: "NoExecutingBatch"}
	ErrCurrentBatchNotComplete  = &Error{Kind: KindInvalidState, Code: "CurrentBatchNotComplete"}
	ErrExecutionNotActive       = &Error{Kind: KindInvalidState, Code: "ExecutionNotActive"}
	ErrExecutionAlreadyFinished = &Error{Kind: KindInvalidState, Code: "ExecutionAlreadyFinished"}
)

// EmptyCollection
var (
	ErrEmptyPlan         = &Error{Kind: KindEmptyCollection, Code: "EmptyPlan"}
	ErrNoAffectedDevices = &Error{Kind: KindEmptyCollection, Code: "NoAffectedDevices"}
	ErrNoBatches         = &Error{Kind: KindEmptyCollection, Code: "NoBatches"}
)

// MembershipConflict
var (
	ErrDeviceAlreadyInBatch   = &Error{Kind: KindMembershipConflict, Code: "DeviceAlreadyInBatch"}
	ErrDeviceNotAffected      = &Error{Kind: KindMembershipConflict, Code: "DeviceNotAffected"}
	ErrDeviceNotInBatch       = &Error{Kind: KindMembershipConflict, Code: "DeviceNotInBatch"}
	ErrDeviceNotInSourceBatch = &Error{Kind: KindMembershipConflict, Code: "DeviceNotInSourceBatch"}
	ErrDuplicatePackage       = &Error{Kind: KindMembershipConflict, Code: "DuplicatePackage"}
)

// MalformedInput
var (
	ErrMalformedVersion = &Error{Kind: KindMalformedInput, Code: "MalformedVersion"}
	ErrInvalidArgument  = &Error{Kind: KindMalformedInput, Code: "InvalidArgument"}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
