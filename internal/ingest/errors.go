package ingest

import (
	"errors"
	"fmt"
)

// Reasons reported by DecodeError. They double as metric label values.
const (
	ReasonMalformed    = "malformed"
	ReasonUnknownType  = "unknown_type"
	ReasonMissingField = "missing_field"
	ReasonInvalidValue = "invalid_value"
)

// DecodeError is returned for frames that cannot be turned into a record.
type DecodeError struct {
	Reason string
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "ingest: " + e.Reason
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(err error) error {
	return &DecodeError{Reason: ReasonMalformed, Err: err}
}

func missing(field string) error {
	return &DecodeError{Reason: ReasonMissingField, Detail: field}
}

func invalid(field string, value any) error {
	return &DecodeError{Reason: ReasonInvalidValue, Detail: fmt.Sprintf("%s=%v", field, value)}
}

var errEmptyFrame = errors.New("empty frame")
