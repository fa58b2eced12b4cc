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

// Package callengine provides a resilient http.RoundTripper that
// spreads requests across one or more equivalent backend base URLs,
// retrying transport failures and server-advertised QoS signals
// (throttle, unavailable, redirect-other) with jittered exponential
// backoff, an AIMD concurrency limiter, and cooperative failover.
package callengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/example/callengine/urlselector"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var errCallCancelled = errors.New("callengine: call cancelled by caller")

// Client dispatches requests across a fixed set of base URLs,
// implementing http.RoundTripper so it drops into any code that
// accepts an http.Client{Transport: ...}.
type Client struct {
	baseURLs []*url.URL
	selector *urlselector.Selector
	cfg      *clientConfig

	proberMu     sync.Mutex
	proberCancel context.CancelFunc
	proberGroup  *errgroup.Group
}

// NewClient builds a Client that spreads requests across baseURLs,
// which must be non-empty absolute URLs sharing the same scheme
// convention (e.g. all "https://host[:port][/path-prefix]"). See the
// With* options for defaults.
func NewClient(baseURLs []string, opts ...ClientOption) (*Client, error) {
	if len(baseURLs) == 0 {
		return nil, errors.New("callengine: at least one base URL is required")
	}
	parsed := make([]*url.URL, len(baseURLs))
	for i, raw := range baseURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("callengine: invalid base URL %q: %w", raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("callengine: base URL %q must be absolute (scheme and host)", raw)
		}
		parsed[i] = u
	}

	cfg := &clientConfig{}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	cfg.applyDefaults(len(parsed))

	client := &Client{
		baseURLs: parsed,
		cfg:      cfg,
		selector: urlselector.New(parsed, cfg.nodeSelectionStrategy, cfg.failedURLCooldown, cfg.clock),
	}
	if cfg.healthProbePeriod > 0 {
		client.startHealthProber()
	}
	return client, nil
}

// BaseURLs returns the base URLs this Client was constructed with, in
// the order given to NewClient.
func (c *Client) BaseURLs() []*url.URL {
	out := make([]*url.URL, len(c.baseURLs))
	copy(out, c.baseURLs)
	return out
}

// CallHandle refers to one in-flight or completed LogicalCall. Cancel
// may be called any number of times and from any goroutine; only the
// first call has an effect on the underlying attempt.
type CallHandle struct {
	cancel context.CancelCauseFunc
	result <-chan Outcome
}

// Cancel aborts the call, however far along it is: an in-flight
// attempt's request context is cancelled (which a well-behaved
// Transport aborts promptly), a scheduled retry never fires, and Wait
// returns a Cancelled Error.
func (h *CallHandle) Cancel() {
	h.cancel(errCallCancelled)
}

// Wait blocks until the call reaches its terminal outcome. It must not
// be called more than once per CallHandle.
func (h *CallHandle) Wait() (*http.Response, error) {
	outcome := <-h.result
	return outcome.Response, outcome.Err
}

// ExecuteAsync starts a logical call for req and returns immediately
// with a handle to observe or cancel it. req.Context() seeds the
// call's cancellation; cancelling it has the same effect as calling
// CallHandle.Cancel.
func (c *Client) ExecuteAsync(req *http.Request) *CallHandle {
	ctx, cancel := context.WithCancelCause(req.Context())
	call := newLogicalCall(c, req, ctx, cancel)
	result := make(chan Outcome, 1)
	go call.run(result)
	return &CallHandle{cancel: cancel, result: result}
}

// Execute runs req to a terminal outcome and blocks until it has one.
// A non-2xx terminal outcome that isn't propagated per ServerQosMode
// is reported as a *Error.
func (c *Client) Execute(req *http.Request) (*http.Response, error) {
	return c.ExecuteAsync(req).Wait()
}

// RoundTrip implements http.RoundTripper by delegating to Execute.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Execute(req)
}

// Prewarm issues a HEAD request against every configured base URL
// concurrently, so that DNS resolution, TLS handshakes, and any
// connection-pool warmup the delegate Transport performs happen before
// the first real request needs them. Per-URL failures are aggregated
// (via multierr) and returned rather than treated as fatal, since a
// single unreachable base URL shouldn't prevent warming the rest.
func (c *Client) Prewarm(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs error
	for _, base := range c.selector.BaseURLs() {
		base := base
		group.Go(func() error {
			if err := c.probeOnce(gctx, base); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", base, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return errs
}

// Close stops the background health prober started by
// WithHealthProbePeriod, if any, and waits for it to exit.
func (c *Client) Close() error {
	c.proberMu.Lock()
	cancel, group := c.proberCancel, c.proberGroup
	c.proberMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return group.Wait()
}

func (c *Client) startHealthProber() {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	c.proberMu.Lock()
	c.proberCancel = cancel
	c.proberGroup = group
	c.proberMu.Unlock()

	group.Go(func() error {
		ticker := c.cfg.clock.NewTicker(c.cfg.healthProbePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.Chan():
				c.refreshCooldowns(gctx)
			}
		}
	})
}

// refreshCooldowns re-probes every base URL currently in its failure
// cooldown, so a recovered backend can rejoin rotation before its
// cooldown would otherwise expire on its own. Concurrent probes of the
// same base URL (e.g. a tick landing mid-probe) are deduplicated by
// urlselector.Selector.Probe's singleflight group.
func (c *Client) refreshCooldowns(ctx context.Context) {
	for _, base := range c.selector.BaseURLs() {
		base := base
		_ = c.selector.Probe(ctx, base, func(probeCtx context.Context) error {
			return c.probeOnce(probeCtx, base)
		})
	}
}

func (c *Client) probeOnce(ctx context.Context, base *url.URL) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, base.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.cfg.transport.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}
