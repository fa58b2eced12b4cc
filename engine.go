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
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/example/callengine/backoff"
	"github.com/example/callengine/limiter"
	"github.com/example/callengine/qos"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	errThrottled  = errors.New("callengine: server responded with a throttle (429)")
	errUnavail    = errors.New("callengine: server responded unavailable (503)")
	errRedirected = errors.New("callengine: server responded with a redirect-other (308)")
)

// Outcome is the terminal result of a LogicalCall, delivered exactly
// once to the CallHandle returned by Client.ExecuteAsync and observed
// through CallHandle.Wait.
type Outcome struct {
	Response *http.Response
	Err      error
}

// logicalCall drives one client-issued request through the full
// retry/failover/redirect state machine to exactly one terminal
// outcome. At most one Attempt is ever in flight at a time; the whole
// state machine runs on a single goroutine per logical call, except
// for the moment a scheduled retry's timer fires on the clock's own
// goroutine.
type logicalCall struct {
	client      *Client
	originalReq *http.Request
	ctx         context.Context
	cancel      context.CancelCauseFunc

	gen                 *backoff.Generator
	remainingRedirects  int
	attemptSeq          int
	causes              error // multierr chain of suppressed transport failures

	once sync.Once
}

func newLogicalCall(client *Client, req *http.Request, ctx context.Context, cancel context.CancelCauseFunc) *logicalCall {
	return &logicalCall{
		client:             client,
		originalReq:        req,
		ctx:                ctx,
		cancel:             cancel,
		gen:                backoff.New(client.cfg.maxNumRetries, client.cfg.backoffSlotSize),
		remainingRedirects: client.cfg.maxNumRelocations,
	}
}

func (call *logicalCall) run(result chan<- Outcome) {
	targetURL, ok := call.client.selector.RedirectToCurrent(call.originalReq.URL)
	if !ok {
		call.finish(result, nil, &Error{Kind: Internal, msg: "request path is not rooted under any configured base URL"})
		return
	}
	call.attempt(result, targetURL)
}

func (call *logicalCall) attempt(result chan<- Outcome, targetURL *url.URL) {
	if cause := context.Cause(call.ctx); call.ctx.Err() != nil {
		call.finish(result, nil, &Error{Kind: Cancelled, cause: cause})
		return
	}
	call.attemptSeq++
	seq := call.attemptSeq

	lim := call.client.cfg.limiterFactory.For(targetURL.Host, targetURL.Path)
	call.observe(LimiterWaitStart, seq, targetURL)
	permit, err := lim.Acquire(call.ctx)
	call.observe(LimiterWaitEnd, seq, targetURL)
	if err != nil {
		if cause := context.Cause(call.ctx); call.ctx.Err() != nil {
			call.finish(result, nil, &Error{Kind: Cancelled, cause: cause})
			return
		}
		call.finish(result, nil, &Error{Kind: Internal, cause: err, msg: "concurrency limiter acquisition failed"})
		return
	}

	req, err := call.buildAttemptRequest(targetURL)
	if err != nil {
		permit.Release(limiter.OnIgnore)
		call.finish(result, nil, &Error{Kind: Internal, cause: err, msg: "failed to prepare replayable request body"})
		return
	}

	call.observe(DispatchStart, seq, targetURL)
	resp, ioErr := call.client.cfg.transport.RoundTrip(req)
	call.observe(DispatchEnd, seq, targetURL)

	if ioErr != nil {
		permit.Release(limiter.OnDropped)
		call.handleIOFailure(result, targetURL, ioErr)
		return
	}

	if cause := context.Cause(call.ctx); call.ctx.Err() != nil {
		// Cancellation raced the response: the caller no longer wants it,
		// so the body must not leak (I5) and the credit must still be
		// returned exactly once (I1).
		resp.Body.Close()
		permit.Release(limiter.OnIgnore)
		call.finish(result, nil, &Error{Kind: Cancelled, cause: cause})
		return
	}

	call.client.selector.MarkAsSucceeded(targetURL)

	classified, classifyErr := qos.Classify(resp)
	if classifyErr != nil {
		permit.Release(limiter.OnIgnore)
		call.finish(result, nil, &Error{Kind: Internal, cause: classifyErr, msg: "failed to buffer response body for classification"})
		return
	}

	switch classified.Kind {
	case qos.Success:
		permit.Release(limiter.OnSuccess)
		call.finish(result, resp, nil)
	case qos.Remote:
		permit.Release(limiter.OnIgnore)
		call.finish(result, nil, &Error{Kind: Remote, Status: classified.Status, Remote: classified.Error})
	case qos.UnknownRemote:
		permit.Release(limiter.OnIgnore)
		call.finish(result, nil, &Error{Kind: UnknownRemote, Status: classified.Status, Body: classified.Body})
	case qos.QosThrottle:
		permit.Release(limiter.OnDropped)
		call.handleThrottle(result, targetURL, resp, classified)
	case qos.QosUnavailable:
		permit.Release(limiter.OnDropped)
		call.handleUnavailable(result, targetURL, resp)
	case qos.QosRetryOther:
		permit.Release(limiter.OnIgnore)
		call.handleRetryOther(result, targetURL, classified)
	}
}

func (call *logicalCall) handleIOFailure(result chan<- Outcome, targetURL *url.URL, ioErr error) {
	call.client.selector.MarkAsFailed(targetURL)
	call.causes = multierr.Append(call.causes, ioErr)

	if cause := context.Cause(call.ctx); call.ctx.Err() != nil {
		call.finish(result, nil, &Error{Kind: Cancelled, cause: cause})
		return
	}
	if !call.shouldRetryIOFailure(ioErr) {
		call.finish(result, nil, &Error{Kind: IoExhausted, cause: call.causes, msg: "transport error is not eligible for retry"})
		return
	}
	delay, ok := call.gen.Next()
	if !ok {
		call.finish(result, nil, &Error{Kind: IoExhausted, cause: call.causes, msg: "retry budget exhausted"})
		return
	}
	nextURL, ok := call.client.selector.RedirectToNext(targetURL)
	if !ok {
		call.finish(result, nil, &Error{Kind: IoExhausted, cause: call.causes, msg: "no failover base URL available"})
		return
	}
	if gateErr := call.retryGate(ioErr); gateErr != nil {
		call.finish(result, nil, gateErr)
		return
	}
	call.client.cfg.logger.Info("retrying after transport failure",
		zap.Error(ioErr),
		zap.Int("attempt", call.attemptSeq),
		zap.Duration("delay", delay),
		zap.String("next_url", nextURL.String()))
	call.scheduleRetry(result, delay, nextURL)
}

// shouldRetryIOFailure decides retry eligibility without ever
// inspecting an error string: timeouts are recognized structurally via
// net.Error.Timeout, and connect-phase attribution uses net.OpError's
// Op field ("dial" vs "read"/"write"), which is how the standard
// library itself distinguishes the two phases.
func (call *logicalCall) shouldRetryIOFailure(err error) bool {
	cfg := call.client.cfg
	if cfg.retryOnSocketException == SocketExceptionRetryDangerouslyDisabled {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if cfg.retryOnTimeout == TimeoutRetryDangerouslyEnabled {
			return true
		}
		return isConnectPhaseTimeout(err)
	}
	return true
}

func isConnectPhaseTimeout(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

func (call *logicalCall) retryGate(cause error) *Error {
	if isOneShotBody(call.originalReq) {
		return &Error{Kind: OneShotBodyNotRetryable, cause: cause}
	}
	return nil
}

func isOneShotBody(req *http.Request) bool {
	return req.Body != nil && req.Body != http.NoBody && req.GetBody == nil
}

func (call *logicalCall) scheduleRetry(result chan<- Outcome, delay time.Duration, nextURL *url.URL) {
	call.observe(BackoffStart, call.attemptSeq, nextURL)
	call.client.cfg.clock.AfterFunc(delay, func() {
		call.observe(BackoffEnd, call.attemptSeq, nextURL)
		if cause := context.Cause(call.ctx); call.ctx.Err() != nil {
			call.finish(result, nil, &Error{Kind: Cancelled, cause: cause})
			return
		}
		call.attempt(result, nextURL)
	})
}

func (call *logicalCall) handleThrottle(result chan<- Outcome, targetURL *url.URL, resp *http.Response, classified qos.Result) {
	if call.client.cfg.serverQosMode == PropagateToCaller {
		call.finish(result, resp, nil)
		return
	}
	delay, ok := call.gen.Next()
	if !ok {
		call.finish(result, nil, &Error{Kind: IoExhausted, msg: "retry budget exhausted after throttle"})
		return
	}
	if classified.HasRetryAfter {
		delay = classified.RetryAfter
	}
	if gateErr := call.retryGate(errThrottled); gateErr != nil {
		call.finish(result, nil, gateErr)
		return
	}
	call.client.cfg.logger.Info("retrying after throttle response",
		zap.Int("attempt", call.attemptSeq),
		zap.Duration("delay", delay),
		zap.Bool("server_retry_after", classified.HasRetryAfter))
	call.scheduleRetry(result, delay, targetURL)
}

func (call *logicalCall) handleUnavailable(result chan<- Outcome, targetURL *url.URL, resp *http.Response) {
	if call.client.cfg.serverQosMode == PropagateToCaller {
		call.finish(result, resp, nil)
		return
	}
	call.client.selector.MarkAsFailed(targetURL)
	delay, ok := call.gen.Next()
	if !ok {
		call.finish(result, nil, &Error{Kind: IoExhausted, msg: "retry budget exhausted after unavailable"})
		return
	}
	nextURL, ok := call.client.selector.RedirectToNext(targetURL)
	if !ok {
		call.finish(result, nil, &Error{Kind: IoExhausted, msg: "no failover base URL available after unavailable"})
		return
	}
	if gateErr := call.retryGate(errUnavail); gateErr != nil {
		call.finish(result, nil, gateErr)
		return
	}
	call.client.cfg.logger.Info("retrying after unavailable response",
		zap.Int("attempt", call.attemptSeq),
		zap.Duration("delay", delay),
		zap.String("next_url", nextURL.String()))
	call.scheduleRetry(result, delay, nextURL)
}

func (call *logicalCall) handleRetryOther(result chan<- Outcome, targetURL *url.URL, classified qos.Result) {
	if call.remainingRedirects <= 0 {
		call.finish(result, nil, &Error{Kind: RedirectsExhausted, msg: "no redirects remaining"})
		return
	}
	redirectTo, ok := call.client.selector.RedirectTo(targetURL, classified.Location)
	if !ok {
		call.finish(result, nil, &Error{Kind: UnknownRemote, Status: classified.Status, msg: "redirect location is not a configured base URL"})
		return
	}
	if gateErr := call.retryGate(errRedirected); gateErr != nil {
		call.finish(result, nil, gateErr)
		return
	}
	call.remainingRedirects--
	call.client.cfg.logger.Debug("following server-directed redirect",
		zap.Int("attempt", call.attemptSeq),
		zap.String("redirect_to", redirectTo.String()),
		zap.Int("remaining_redirects", call.remainingRedirects))
	call.attempt(result, redirectTo)
}

func (call *logicalCall) buildAttemptRequest(targetURL *url.URL) (*http.Request, error) {
	req := call.originalReq.Clone(call.ctx)
	req.URL = targetURL
	req.Host = targetURL.Host
	if call.attemptSeq > 1 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	return req, nil
}

func (call *logicalCall) observe(phase AttemptPhase, attempt int, u *url.URL) {
	if call.client.cfg.observer == nil {
		return
	}
	call.client.cfg.observer(AttemptEvent{Phase: phase, Attempt: attempt, URL: u, Time: call.client.cfg.clock.Now()})
}

// finish delivers the single terminal Outcome for this call (I2) and
// releases the context resources backing it. Safe to call more than
// once; only the first call has any effect.
func (call *logicalCall) finish(result chan<- Outcome, resp *http.Response, err error) {
	call.once.Do(func() {
		result <- Outcome{Response: resp, Err: err}
		close(result)
		call.cancel(nil)
	})
}
