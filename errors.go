// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package callengine

import (
	"fmt"

	"github.com/example/callengine/qos"
)

// Kind classifies why a LogicalCall failed to produce a response. It is
// a taxonomy, not a name: several distinct underlying causes (a 429
// that never got a retry slot, a 503 with the retry budget exhausted,
// a run of dial timeouts) all surface as IoExhausted, because from the
// caller's perspective they are the same thing — no attempt succeeded
// and none are left to try.
type Kind int

const (
	// IoExhausted means the retry budget (or failover pool) was used up
	// without a successful attempt, whether the individual failures were
	// transport errors or QoS signals (429/503).
	IoExhausted Kind = iota
	// RedirectsExhausted means remaining_redirects hit zero during
	// retry-other handling. A 308 whose Location is outside the
	// configured base URLs is reported as UnknownRemote instead.
	RedirectsExhausted
	// OneShotBodyNotRetryable means a retry was warranted but the
	// request body cannot be replayed (no GetBody), so the call ends
	// with this error, wrapping the failure that warranted the retry.
	OneShotBodyNotRetryable
	// Remote means the server returned a well-formed SerializableError
	// envelope; Error.Remote is populated.
	Remote
	// UnknownRemote means the server returned a non-2xx response this
	// engine doesn't recognize as any QoS signal or structured error;
	// Error.Status and Error.Body are populated.
	UnknownRemote
	// Cancelled means the call's context was cancelled or its deadline
	// exceeded before a terminal outcome was reached.
	Cancelled
	// Internal means the engine itself failed in a way unrelated to the
	// remote server or the network (e.g. buffering a response body).
	Internal
)

func (k Kind) String() string {
	switch k {
	case IoExhausted:
		return "io_exhausted"
	case RedirectsExhausted:
		return "redirects_exhausted"
	case OneShotBodyNotRetryable:
		return "one_shot_body_not_retryable"
	case Remote:
		return "remote"
	case UnknownRemote:
		return "unknown_remote"
	case Cancelled:
		return "cancelled"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Client.Execute and Client.RoundTrip
// whenever a LogicalCall does not end in a 2xx response. Its Kind
// distinguishes why; Unwrap exposes the underlying cause (a transport
// error, possibly chained across suppressed attempts via multierr) so
// that errors.Is/errors.As still see through it.
type Error struct {
	Kind Kind

	// Status is the HTTP status code that produced Remote/UnknownRemote,
	// or 0 if Kind doesn't carry one.
	Status int
	// Remote is populated when Kind == Remote.
	Remote qos.SerializableError
	// Body is the raw response body when Kind == UnknownRemote.
	Body []byte

	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.msg != "" {
		if e.cause != nil {
			return fmt.Sprintf("callengine: %s: %s: %v", e.Kind, e.msg, e.cause)
		}
		return fmt.Sprintf("callengine: %s: %s", e.Kind, e.msg)
	}
	switch e.Kind {
	case Remote:
		return fmt.Sprintf("callengine: remote error %s (%s), status %d", e.Remote.ErrorName, e.Remote.ErrorCode, e.Status)
	case UnknownRemote:
		return fmt.Sprintf("callengine: unrecognized remote response, status %d", e.Status)
	default:
		if e.cause != nil {
			return fmt.Sprintf("callengine: %s: %v", e.Kind, e.cause)
		}
		return fmt.Sprintf("callengine: %s", e.Kind)
	}
}

// Unwrap exposes the root cause, if any, so that errors.Is/errors.As
// can see through an Error to the underlying transport failure (which
// may itself be a multierr chain of every suppressed attempt).
func (e *Error) Unwrap() error {
	return e.cause
}
