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

// Package limiter implements an AIMD (additive-increase,
// multiplicative-decrease) concurrency limiter, one instance per
// (host, path-prefix) pair. Acquisition is asynchronous, cancellable,
// and FIFO within a single limiter; the concurrency cap only moves in
// response to the disposition a caller reports when releasing a
// permit, never as a side effect of acquisition itself.
package limiter

import (
	"container/list"
	"context"
	"sync"
)

// Disposition describes the outcome of the work a Permit guarded, and
// is the sole feedback signal the AIMD algorithm uses to move the cap.
type Disposition int

const (
	// OnSuccess additively increases the cap, once a streak of clean
	// successes has been observed.
	OnSuccess Disposition = iota
	// OnDropped multiplicatively decreases the cap. Used for outcomes
	// that indicate the peer is overloaded (e.g. a QoS throttle or
	// unavailable response, or a transport-level IO failure).
	OnDropped
	// OnIgnore carries no load signal (e.g. client-side cancellation)
	// and must not move the cap.
	OnIgnore
)

// Config configures the AIMD behavior of a Limiter.
type Config struct {
	// Min is the floor the cap will never shrink below. Defaults to 1.
	Min int
	// Max is the ceiling the cap will never grow past. Defaults to 256.
	Max int
	// RampAfterSuccesses is how many consecutive OnSuccess releases,
	// with no intervening OnDropped, are required before the cap grows
	// by one. Defaults to 1 (grow on every clean success).
	RampAfterSuccesses int
}

func (c Config) withDefaults() Config {
	if c.Min < 1 {
		c.Min = 1
	}
	if c.Max < c.Min {
		c.Max = 256
	}
	if c.RampAfterSuccesses < 1 {
		c.RampAfterSuccesses = 1
	}
	return c
}

// Limiter grants and reclaims concurrency credits for one logical
// destination.
type Limiter interface {
	// Acquire blocks (respecting ctx) until a credit is available, and
	// returns a Permit that must be released exactly once.
	Acquire(ctx context.Context) (Permit, error)
	// Limit reports the current AIMD cap, for observability/tests.
	Limit() int
}

// Permit is a single concurrency credit. Release must be called
// exactly once, on every exit path (success, error, cancellation, or
// panic via a deferred call).
type Permit interface {
	Release(Disposition)
}

// Factory creates (and caches) one Limiter per (host, path-prefix).
type Factory interface {
	For(host, pathPrefix string) Limiter
}

// NewFactory returns a Factory that lazily creates one AIMD Limiter
// per distinct (host, path-prefix) pair, each configured identically
// per cfg.
func NewFactory(cfg Config) Factory {
	return &factory{cfg: cfg.withDefaults()}
}

type factory struct {
	cfg   Config
	mu    sync.Mutex
	byKey map[string]*aimdLimiter
}

func (f *factory) For(host, pathPrefix string) Limiter {
	key := host + "\x00" + pathPrefix
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byKey == nil {
		f.byKey = make(map[string]*aimdLimiter)
	}
	if lim, ok := f.byKey[key]; ok {
		return lim
	}
	lim := newAIMDLimiter(f.cfg)
	f.byKey[key] = lim
	return lim
}

type waiter struct {
	ready chan struct{}
}

type aimdLimiter struct {
	cfg Config

	mu            sync.Mutex
	limit         int
	inFlight      int
	successStreak int
	queue         *list.List // of *waiter
}

func newAIMDLimiter(cfg Config) *aimdLimiter {
	return &aimdLimiter{
		cfg:   cfg,
		limit: cfg.Min,
		queue: list.New(),
	}
}

func (l *aimdLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

func (l *aimdLimiter) Acquire(ctx context.Context) (Permit, error) {
	l.mu.Lock()
	if l.inFlight < l.limit && l.queue.Len() == 0 {
		l.inFlight++
		l.mu.Unlock()
		return &permit{limiter: l}, nil
	}
	w := &waiter{ready: make(chan struct{})}
	elem := l.queue.PushBack(w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return &permit{limiter: l}, nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Already granted a slot concurrently with cancellation;
			// the credit was handed to us, so it must be handed back
			// rather than leaked (invariant I1).
			l.mu.Unlock()
			l.release(OnIgnore)
			return nil, ctx.Err()
		default:
			l.queue.Remove(elem)
			l.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

func (l *aimdLimiter) release(disposition Disposition) {
	l.mu.Lock()
	l.inFlight--
	switch disposition {
	case OnSuccess:
		l.successStreak++
		if l.successStreak >= l.cfg.RampAfterSuccesses && l.limit < l.cfg.Max {
			l.limit++
			l.successStreak = 0
		}
	case OnDropped:
		l.successStreak = 0
		newLimit := l.limit / 2
		if newLimit < l.cfg.Min {
			newLimit = l.cfg.Min
		}
		l.limit = newLimit
	case OnIgnore:
		// no cap movement
	}
	for l.inFlight < l.limit && l.queue.Len() > 0 {
		front := l.queue.Remove(l.queue.Front()).(*waiter) //nolint:forcetypeassert
		l.inFlight++
		close(front.ready)
	}
	l.mu.Unlock()
}

type permit struct {
	limiter  *aimdLimiter
	released sync.Once
}

func (p *permit) Release(disposition Disposition) {
	p.released.Do(func() {
		p.limiter.release(disposition)
	})
}
