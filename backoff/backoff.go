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

// Package backoff produces the jittered retry delays used by the call
// engine. A Generator is a single-use, stateful sequence: each call to
// Next advances an internal attempt counter, and once the configured
// number of retries has been exhausted, every subsequent call returns
// (0, false) forever.
package backoff

import (
	"math/rand"
	"time"

	"github.com/example/callengine/internal"
)

// Generator produces a finite sequence of exponentially-widening,
// fully-jittered delays. It is not safe for concurrent use: each
// LogicalCall owns exactly one Generator for its lifetime.
type Generator struct {
	maxNumRetries   int
	backoffSlotSize time.Duration
	rnd             *rand.Rand

	attempt   int
	exhausted bool
}

// New creates a Generator that will produce at most maxNumRetries
// delays, each drawn from [0, backoffSlotSize*2^(k-1)] for the k-th
// call (1-indexed). A negative maxNumRetries is treated as zero.
func New(maxNumRetries int, backoffSlotSize time.Duration) *Generator {
	if maxNumRetries < 0 {
		maxNumRetries = 0
	}
	return &Generator{
		maxNumRetries:   maxNumRetries,
		backoffSlotSize: backoffSlotSize,
		rnd:             internal.NewRand(),
	}
}

// Next returns the delay before the next attempt. Once the retry
// budget is exhausted, Next always returns (0, false); exhaustion is
// sticky, so a caller need not remember it separately.
func (g *Generator) Next() (time.Duration, bool) {
	if g.exhausted {
		return 0, false
	}
	if g.attempt >= g.maxNumRetries {
		g.exhausted = true
		return 0, false
	}
	g.attempt++
	// slot width doubles every attempt: slotSize * 2^(k-1)
	width := g.backoffSlotSize << (g.attempt - 1)
	if width <= 0 {
		// overflow guard: an absurdly large slot/attempt count saturates
		// to the maximum representable duration rather than wrapping
		// negative and returning a bogus zero delay.
		width = time.Duration(1<<63 - 1)
	}
	return time.Duration(g.rnd.Int63n(int64(width) + 1)), true
}

// Attempt returns the 1-indexed count of delays produced so far.
func (g *Generator) Attempt() int {
	return g.attempt
}

// Exhausted reports whether Next has already returned false.
func (g *Generator) Exhausted() bool {
	return g.exhausted
}
