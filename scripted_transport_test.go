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

package callengine_test

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
)

// roundTripFunc answers a single scripted RoundTrip call.
type roundTripFunc func(*http.Request) (*http.Response, error)

// scriptedTransport replays a fixed, ordered sequence of responses or
// errors, one per RoundTrip call, regardless of which base URL the
// call targets. Tests use it to drive the engine through a specific
// sequence of transport outcomes without any real network I/O.
type scriptedTransport struct {
	mu    sync.Mutex
	calls []roundTripFunc
	next  int
}

func (t *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	i := t.next
	t.next++
	t.mu.Unlock()
	if i >= len(t.calls) {
		return nil, errors.New("scriptedTransport: exhausted its scripted calls")
	}
	return t.calls[i](req)
}

func textResponse(status int, header http.Header, body string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
