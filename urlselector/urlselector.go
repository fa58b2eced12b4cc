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

// Package urlselector tracks per-base-URL health for a client
// configured with one or more equivalent backend base URLs, and
// chooses which base URL a given attempt should target: the current
// pinned preference, the next distinct candidate for failover, or an
// explicit server-directed target for a 308 redirect.
//
// Reads and writes of a single entry's health are atomic; there is no
// serialization across entries beyond that, since selection is a
// hint for the caller, not a guarantee of exclusive use.
package urlselector

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/callengine/internal"
	"golang.org/x/sync/singleflight"
)

// Strategy governs how RedirectToCurrent picks the starting base URL
// across successive logical calls.
type Strategy int

const (
	// PinUntilError keeps returning the same preferred base URL until
	// RedirectToNext or RedirectTo moves the pin (as the engine does on
	// failover or redirect); MarkAsFailed alone does not move it.
	PinUntilError Strategy = iota
	// RoundRobin advances the preferred base URL on every call to
	// RedirectToCurrent, regardless of health outcomes.
	RoundRobin
)

type healthEntry struct {
	failed   bool
	failedAt time.Time
}

// Selector is safe for concurrent use.
type Selector struct {
	bases    []*url.URL
	entries  []atomic.Pointer[healthEntry]
	current  atomic.Int64
	strategy Strategy
	cooldown time.Duration
	clock    internal.Clock
	probes   singleflight.Group
}

// New builds a Selector over the given ordered base URLs. Each base
// URL should be scheme+authority (+ optional path prefix); baseURLs
// must be non-empty.
func New(baseURLs []*url.URL, strategy Strategy, cooldown time.Duration, clock internal.Clock) *Selector {
	if clock == nil {
		clock = internal.NewRealClock()
	}
	sel := &Selector{
		bases:    make([]*url.URL, len(baseURLs)),
		entries:  make([]atomic.Pointer[healthEntry], len(baseURLs)),
		strategy: strategy,
		cooldown: cooldown,
		clock:    clock,
	}
	for i, base := range baseURLs {
		clone := *base
		sel.bases[i] = &clone
	}
	// Randomize the starting pin so that many client instances started
	// at the same time don't all prefer base URL zero, mirroring the
	// shuffle-then-rotate technique used for round-robin picking.
	if len(sel.bases) > 0 {
		sel.current.Store(int64(internal.NewRand().Intn(len(sel.bases))))
	}
	return sel
}

// BaseURLs returns the configured base URLs, in order.
func (s *Selector) BaseURLs() []*url.URL {
	out := make([]*url.URL, len(s.bases))
	copy(out, s.bases)
	return out
}

// RedirectToCurrent returns the current preferred base URL, with
// requestURL's path/query/fragment preserved, or false if requestURL's
// path cannot be rooted under any configured base URL.
func (s *Selector) RedirectToCurrent(requestURL *url.URL) (*url.URL, bool) {
	if len(s.bases) == 0 {
		return nil, false
	}
	idx := int(s.current.Load())
	if s.strategy == RoundRobin {
		idx = int(s.current.Add(1)-1) % len(s.bases)
		if idx < 0 {
			idx += len(s.bases)
		}
	}
	return s.rebase(requestURL, idx)
}

// RedirectToNext chooses the next base URL distinct from the one
// encoded in requestURL, skipping entries whose failure cooldown has
// not elapsed. If every other entry is in cooldown, the one among them
// whose cooldown expires soonest is chosen (the current entry is only
// returned when it is the sole base URL). Returns false only if there are no
// configured base URLs at all.
func (s *Selector) RedirectToNext(requestURL *url.URL) (*url.URL, bool) {
	if len(s.bases) == 0 {
		return nil, false
	}
	currIdx, ok := s.indexFor(requestURL)
	if !ok {
		currIdx = int(s.current.Load())
	}
	now := s.clock.Now()

	best := -1
	var bestRemaining time.Duration = -1
	for step := 1; step <= len(s.bases); step++ {
		idx := (currIdx + step) % len(s.bases)
		if idx == currIdx && len(s.bases) > 1 {
			continue
		}
		if s.available(idx, now) {
			s.current.Store(int64(idx))
			return s.rebase(requestURL, idx)
		}
		remaining := s.cooldownRemaining(idx, now)
		if best == -1 || remaining < bestRemaining {
			best = idx
			bestRemaining = remaining
		}
	}
	if best == -1 {
		best = currIdx
	}
	s.current.Store(int64(best))
	return s.rebase(requestURL, best)
}

// RedirectTo validates that explicitTarget's scheme+authority matches
// one of the configured base URLs (ignoring path) and, if so, returns
// explicitTarget itself (the server told us exactly where to go) and
// pins the selector's preference to that base. Returns false if
// explicitTarget does not match any known base.
func (s *Selector) RedirectTo(_ *url.URL, explicitTarget *url.URL) (*url.URL, bool) {
	for i, base := range s.bases {
		if sameAuthority(base, explicitTarget) {
			s.current.Store(int64(i))
			out := *explicitTarget
			return &out, true
		}
	}
	return nil, false
}

// MarkAsFailed flips the entry for the base URL matching u to failed,
// stamped with the current time for cooldown purposes. No-op if u
// does not match a configured base URL.
func (s *Selector) MarkAsFailed(u *url.URL) {
	idx, ok := s.indexFor(u)
	if !ok {
		return
	}
	s.entries[idx].Store(&healthEntry{failed: true, failedAt: s.clock.Now()})
}

// MarkAsSucceeded clears the failed flag for the base URL matching u.
// No-op if u does not match a configured base URL.
func (s *Selector) MarkAsSucceeded(u *url.URL) {
	idx, ok := s.indexFor(u)
	if !ok {
		return
	}
	s.entries[idx].Store(nil)
}

// Probe re-checks a base URL that is currently in its failure cooldown,
// running fn (typically a cheap health request) at most once no matter
// how many concurrent callers ask for the same base URL, via
// singleflight. A successful fn clears the failure early, ahead of the
// cooldown's natural expiry; a failing fn simply refreshes failedAt. A
// base URL that isn't currently marked failed is left untouched and fn
// is not called.
func (s *Selector) Probe(ctx context.Context, u *url.URL, fn func(context.Context) error) error {
	idx, ok := s.indexFor(u)
	if !ok {
		return nil
	}
	entry := s.entries[idx].Load()
	if entry == nil || !entry.failed {
		return nil
	}
	_, err, _ := s.probes.Do(u.String(), func() (any, error) {
		probeErr := fn(ctx)
		if probeErr == nil {
			s.MarkAsSucceeded(u)
		} else {
			s.MarkAsFailed(u)
		}
		return nil, probeErr
	})
	return err
}

func (s *Selector) available(idx int, now time.Time) bool {
	entry := s.entries[idx].Load()
	if entry == nil || !entry.failed {
		return true
	}
	if s.cooldown <= 0 {
		return false
	}
	return now.Sub(entry.failedAt) >= s.cooldown
}

func (s *Selector) cooldownRemaining(idx int, now time.Time) time.Duration {
	entry := s.entries[idx].Load()
	if entry == nil || !entry.failed {
		return 0
	}
	if s.cooldown <= 0 {
		return time.Duration(1<<63 - 1) // never expires; sorts last
	}
	remaining := s.cooldown - now.Sub(entry.failedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Selector) indexFor(u *url.URL) (int, bool) {
	if u == nil {
		return 0, false
	}
	for i, base := range s.bases {
		if sameAuthority(base, u) {
			return i, true
		}
	}
	return 0, false
}

func (s *Selector) rebase(requestURL *url.URL, idx int) (*url.URL, bool) {
	base := s.bases[idx]
	if requestURL == nil {
		out := *base
		return &out, true
	}
	tail, ok := s.relativePath(requestURL)
	if !ok {
		return nil, false
	}
	out := *base
	out.Path = base.Path + tail
	out.RawQuery = requestURL.RawQuery
	out.Fragment = requestURL.Fragment
	return &out, true
}

// relativePath strips whichever configured base URL's path prefix
// matches requestURL's path, returning the remainder. If none of the
// configured bases share a path prefix with requestURL, the request
// cannot be rooted under any base URL and ok is false.
func (s *Selector) relativePath(requestURL *url.URL) (tail string, ok bool) {
	longest := -1
	for _, base := range s.bases {
		if strings.HasPrefix(requestURL.Path, base.Path) && len(base.Path) > longest {
			longest = len(base.Path)
			tail = requestURL.Path[len(base.Path):]
			ok = true
		}
	}
	return tail, ok
}

func sameAuthority(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
