// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
)

// Protocol errors are serialized with a stable "errorType" field so a
// remote peer can switch on kind rather than parse message strings.
const (
	errTypeAccessDenied           = "ACCESS_DENIED"
	errTypePermissionAccessDenied = "PERMISSION_ACCESS_DENIED"
	errTypeInstrumentAccessDenied = "INSTRUMENT_ACCESS_DENIED"
	errTypeInstrumentApply        = "INSTRUMENT_APPLY_ERROR"
	errTypeMissingIdentity        = "MISSING_IDENTITY"
	errTypeServiceError           = "SERVICE_ERROR"
)

// AccessDeniedError reports a missing, malformed, or expired
// identity.
type AccessDeniedError struct {
	Reason string `json:"reason,omitempty"`
}

func (e *AccessDeniedError) Error() string {
	if e.Reason == "" {
		return "access denied"
	}
	return "access denied: " + e.Reason
}

// PermissionAccessDeniedError reports an authenticated identity
// lacking the required role permission.
type PermissionAccessDeniedError struct {
	Permission string `json:"permission"`
}

func (e *PermissionAccessDeniedError) Error() string {
	return "permission denied: missing " + e.Permission
}

// InstrumentAccessDeniedError reports a location rejected by the
// developer's white/black-list permissions.
type InstrumentAccessDeniedError struct {
	Location string `json:"location"`
}

func (e *InstrumentAccessDeniedError) Error() string {
	return "instrument access denied at " + e.Location
}

// ApplyFailure classifies a probe-side apply error.
type ApplyFailure string

const (
	ApplyClassNotFound        ApplyFailure = "CLASS_NOT_FOUND"
	ApplyExpressionParseError ApplyFailure = "EXPRESSION_PARSE_ERROR"
	ApplyUnknown              ApplyFailure = "UNKNOWN"
)

// InstrumentApplyError reports a probe-side failure to apply an
// instrument. The instrument remains pending so the failure is
// inspectable.
type InstrumentApplyError struct {
	InstrumentID string       `json:"instrumentId,omitempty"`
	Failure      ApplyFailure `json:"failure"`
	Message      string       `json:"message,omitempty"`
}

func (e *InstrumentApplyError) Error() string {
	message := fmt.Sprintf("apply failed (%s)", e.Failure)
	if e.InstrumentID != "" {
		message += " for " + e.InstrumentID
	}
	if e.Message != "" {
		message += ": " + e.Message
	}
	return message
}

// MissingIdentityError reports the internal invariant violation of a
// request reaching the registry without a resolved identity.
type MissingIdentityError struct{}

func (e *MissingIdentityError) Error() string {
	return "request reached registry without resolved identity"
}

// ServiceError is the catch-all for failures outside the typed
// taxonomy (unknown action, storage failure, malformed body).
type ServiceError struct {
	Message string `json:"message"`
}

func (e *ServiceError) Error() string { return e.Message }

// envelope is the serialized form of any protocol error.
type envelope struct {
	ErrorType string          `json:"errorType"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// EncodeError serializes a protocol error for an err frame body.
// Errors outside the taxonomy are wrapped as SERVICE_ERROR.
func EncodeError(err error) (json.RawMessage, error) {
	var (
		errorType string
		detail    any
	)
	switch typed := err.(type) {
	case *AccessDeniedError:
		errorType, detail = errTypeAccessDenied, typed
	case *PermissionAccessDeniedError:
		errorType, detail = errTypePermissionAccessDenied, typed
	case *InstrumentAccessDeniedError:
		errorType, detail = errTypeInstrumentAccessDenied, typed
	case *InstrumentApplyError:
		errorType, detail = errTypeInstrumentApply, typed
	case *MissingIdentityError:
		errorType, detail = errTypeMissingIdentity, typed
	case *ServiceError:
		errorType, detail = errTypeServiceError, typed
	default:
		errorType, detail = errTypeServiceError, &ServiceError{Message: err.Error()}
	}
	encoded, marshalErr := json.Marshal(detail)
	if marshalErr != nil {
		return nil, fmt.Errorf("wire: encoding error detail: %w", marshalErr)
	}
	return json.Marshal(envelope{ErrorType: errorType, Detail: encoded})
}

// DecodeError deserializes an err frame body back into its typed
// form. Unknown error types decode as ServiceError.
func DecodeError(body json.RawMessage) error {
	var wrapped envelope
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return &ServiceError{Message: string(body)}
	}
	decode := func(target error) error {
		if len(wrapped.Detail) > 0 {
			if err := json.Unmarshal(wrapped.Detail, target); err != nil {
				return &ServiceError{Message: string(body)}
			}
		}
		return target
	}
	switch wrapped.ErrorType {
	case errTypeAccessDenied:
		return decode(&AccessDeniedError{})
	case errTypePermissionAccessDenied:
		return decode(&PermissionAccessDeniedError{})
	case errTypeInstrumentAccessDenied:
		return decode(&InstrumentAccessDeniedError{})
	case errTypeInstrumentApply:
		return decode(&InstrumentApplyError{})
	case errTypeMissingIdentity:
		return &MissingIdentityError{}
	default:
		return decode(&ServiceError{})
	}
}
