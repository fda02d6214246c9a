/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and breaker decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindMalformed
	KindResourceExhausted
	KindFatalConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the dependency while a breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Error wraps a dependency failure with its classification
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Details map[string]string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) *Error   { return newError(KindTransient, op, err) }
func Malformed(op string, err error) *Error   { return newError(KindMalformed, op, err) }
func Exhausted(op string, err error) *Error   { return newError(KindResourceExhausted, op, err) }
func FatalConfig(op string, err error) *Error { return newError(KindFatalConfig, op, err) }

// WithDetail attaches a key/value pair for logging and returns the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// KindOf returns the classification of err. Context deadline errors are
// transient; cancellation is not.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}
