// Copyright 2025 Small-DB Contributors.
// SPDX-License-Identifier: Apache-2.0

// Package errors wraps pkg/errors and adds error codes. Every subsystem
// returns coded errors; the SQL front end reports the message text to the
// client and the RPC layer maps codes to HTTP status codes and back.
package errors

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Code is an error code which can be used to check against a given error.
// See the Is() method.
type Code string

const (
	ErrUncoded         Code = "Uncoded"
	ErrNotFound        Code = "NotFound"
	ErrAlreadyExists   Code = "AlreadyExists"
	ErrInvalidArgument Code = "InvalidArgument"
	ErrUnsupported     Code = "Unsupported"
	ErrInternal        Code = "Internal"
	ErrIO              Code = "IOError"
	ErrRPC             Code = "RpcError"
	ErrMalformedValue  Code = "MalformedValue"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

func Newf(code Code, format string, args ...interface{}) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: errors.Errorf(format, args...).Error(),
	})
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is is a fork of the Is() method from `pkg/errors` which takes as its target
// an error Code instead of an error.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

// CodeOf returns the code carried by err, or ErrUncoded when err carries
// none.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrUncoded
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Wrapped string `json:"wrapped,omitempty"`
}

func (ce codedError) Error() string {
	if ce.Wrapped != "" {
		return ce.Wrapped
	}
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

// MarshalJSON returns the provided error as a json object (as a string)
// representing a codedError. If err is not already a codedError, the json
// object will still represent a codedError but its `code` value will be
// empty.
func MarshalJSON(err error) string {
	cause := Cause(err)

	var out *codedError

	switch v := cause.(type) {
	case codedError:
		v.Wrapped = err.Error()
		out = &v
	default:
		out = &codedError{
			Message: cause.Error(),
			Wrapped: err.Error(),
		}
	}

	b, merr := json.Marshal(out)
	if merr != nil {
		return `{"message":"error marshalling error"}`
	}
	return string(b)
}

// UnmarshalJSON decodes the output of MarshalJSON back into a coded error.
func UnmarshalJSON(data []byte) error {
	var ce codedError
	if err := json.Unmarshal(data, &ce); err != nil {
		return errors.WithStack(err)
	}
	ce.Wrapped = ""
	return errors.WithStack(ce)
}
