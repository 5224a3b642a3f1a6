// Copyright 2025 The fleetcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors provides the error taxonomy for the ingestion core. Every
// failure the pipeline can produce carries one of the Kind constants, so
// callers classify with KindOf or IsKind instead of string matching, and the
// standard errors.Is/errors.As machinery keeps working through wrapping.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an ingestion failure.
type Kind string

const (
	// KindPayloadJSONInvalid: UTF-8 decode or JSON parse of a payload failed.
	KindPayloadJSONInvalid Kind = "PAYLOAD_JSON_INVALID"
	// KindPayloadSchemaInvalid: a payload validator check failed.
	KindPayloadSchemaInvalid Kind = "PAYLOAD_SCHEMA_INVALID"
	// KindPropertyConflict: a registration violated (path, index) uniqueness.
	KindPropertyConflict Kind = "PROPERTY_CONFLICT"
	// KindPropertyInvalid: a property lookup missed on the set-publish path.
	KindPropertyInvalid Kind = "PROPERTY_INVALID"
	// KindPropertyAccess: a set was attempted on a non-settable property.
	KindPropertyAccess Kind = "PROPERTY_ACCESS"
	// KindPropertyFormat: a pack/unpack type mismatch or length overflow.
	KindPropertyFormat Kind = "PROPERTY_FORMAT"
	// KindIncorrectValueCount: a composite value had the wrong arity.
	KindIncorrectValueCount Kind = "INCORRECT_VALUE_COUNT"
	// KindUnpackingError: a JSON value could not be mapped onto a layout.
	KindUnpackingError Kind = "UNPACKING_ERROR"
	// KindTypeError: a packed scalar had the wrong dynamic type.
	KindTypeError Kind = "TYPE_ERROR"
	// KindCacheError: the cache implementation failed.
	KindCacheError Kind = "CACHE_ERROR"
	// KindLockFailed: the multi-lock helper could not acquire a lock.
	KindLockFailed Kind = "LOCK_FAILED"
	// KindUnknownAPIVersion: an identity announced an unsupported version.
	KindUnknownAPIVersion Kind = "UNKNOWN_API_VERSION"
	// KindUnknownLogLevel: a log payload carried an unknown severity.
	KindUnknownLogLevel Kind = "UNKNOWN_LOG_LEVEL"
	// KindInvalidLogText: a log payload carried a non-string text.
	KindInvalidLogText Kind = "INVALID_LOG_TEXT"
)

// Error is a classified ingestion error. Op names the operation that failed
// in "package.Method" form; Err is the optional underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	case msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err as a classified error attributed to op. It returns nil when
// err is nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, or the empty Kind when err is nil
// or unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification anywhere in its
// chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
