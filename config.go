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
	"net/http"
	"net/url"
	"time"

	"github.com/example/callengine/internal"
	"github.com/example/callengine/limiter"
	"github.com/example/callengine/urlselector"
	"go.uber.org/zap"
)

// ServerQosMode controls what happens when a server responds with a
// QoS signal (429 or 503): retry internally, or hand the raw response
// straight back to the caller.
type ServerQosMode int

const (
	// AutomaticRetry retries QoS signals internally (the default).
	AutomaticRetry ServerQosMode = iota
	// PropagateToCaller returns the 429/503 response as-is, with no
	// retry attempted by the engine.
	PropagateToCaller
)

// RetryOnTimeout controls whether a request timeout (as opposed to a
// connect timeout, which is always retried) is eligible for retry.
type RetryOnTimeout int

const (
	// TimeoutRetryDisabled leaves read/write timeouts non-retryable,
	// since a timed-out write may have partially applied server-side.
	// Connect-phase timeouts are still retried regardless of this
	// setting. This is the default.
	TimeoutRetryDisabled RetryOnTimeout = iota
	// TimeoutRetryDangerouslyEnabled retries read/write timeouts too.
	// Only safe for idempotent requests.
	TimeoutRetryDangerouslyEnabled
)

// RetryOnSocketException controls whether transport errors (connection
// refused, reset, EOF, and timeouts) are retried at all.
type RetryOnSocketException int

const (
	// SocketExceptionRetryEnabled retries transport errors (the
	// default); timeouts are further governed by RetryOnTimeout.
	SocketExceptionRetryEnabled RetryOnSocketException = iota
	// SocketExceptionRetryDangerouslyDisabled disables retry of any
	// transport-level failure.
	SocketExceptionRetryDangerouslyDisabled
)

// AttemptPhase identifies a transition point in a single Attempt's
// lifecycle, reported to an AttemptObserver.
type AttemptPhase int

const (
	LimiterWaitStart AttemptPhase = iota
	LimiterWaitEnd
	DispatchStart
	DispatchEnd
	BackoffStart
	BackoffEnd
)

// AttemptEvent is delivered to an AttemptObserver at each AttemptPhase
// transition. It supplements the instrumentation seams the original
// implementation exposed via detached tracing spans, without the
// engine depending on a tracer itself.
type AttemptEvent struct {
	Phase   AttemptPhase
	Attempt int
	URL     *url.URL
	Time    time.Time
}

// AttemptObserver receives AttemptEvents. Implementations must return
// promptly; the engine calls it inline on the call's own goroutine.
type AttemptObserver func(AttemptEvent)

// ClientOption customizes a Client constructed by NewClient.
type ClientOption interface {
	apply(*clientConfig)
}

type clientOptionFunc func(*clientConfig)

func (f clientOptionFunc) apply(cfg *clientConfig) {
	f(cfg)
}

// clientConfig is the resolved configuration backing a Client, built by
// applying every ClientOption and then applyDefaults.
type clientConfig struct {
	maxNumRetries           int
	maxNumRetriesSet        bool
	backoffSlotSize         time.Duration
	maxNumRelocations       int
	maxNumRelocationsSet    bool
	failedURLCooldown       time.Duration
	serverQosMode           ServerQosMode
	retryOnTimeout          RetryOnTimeout
	retryOnSocketException  RetryOnSocketException
	nodeSelectionStrategy   urlselector.Strategy
	transport               http.RoundTripper
	clock                   internal.Clock
	logger                  *zap.Logger
	limiterFactory          limiter.Factory
	limiterConfig           limiter.Config
	limiterConfigSet        bool
	observer                AttemptObserver
	healthProbePeriod       time.Duration
}

// WithMaxNumRetries caps the number of retries per LogicalCall. If
// unset, it defaults to 2 * len(base_urls).
func WithMaxNumRetries(n int) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.maxNumRetries = n
		cfg.maxNumRetriesSet = true
	})
}

// WithBackoffSlotSize sets the base slot width for exponential backoff.
// Defaults to 250ms.
func WithBackoffSlotSize(d time.Duration) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.backoffSlotSize = d
	})
}

// WithMaxNumRelocations caps the number of 308 redirects a LogicalCall
// will follow. If unset, defaults to 2 * len(base_urls).
func WithMaxNumRelocations(n int) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.maxNumRelocations = n
		cfg.maxNumRelocationsSet = true
	})
}

// WithFailedURLCooldown sets how long a base URL is skipped by failover
// after being marked failed. Zero (the default) disables cooldown: a
// failed URL is skipped only until the next attempt against it succeeds.
func WithFailedURLCooldown(d time.Duration) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.failedURLCooldown = d
	})
}

// WithServerQosMode controls whether 429/503 responses are retried
// internally (AutomaticRetry, the default) or returned to the caller.
func WithServerQosMode(mode ServerQosMode) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.serverQosMode = mode
	})
}

// WithRetryOnTimeout controls whether read/write timeouts (as opposed
// to connect timeouts, always retried) are retried.
func WithRetryOnTimeout(mode RetryOnTimeout) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.retryOnTimeout = mode
	})
}

// WithRetryOnSocketException controls whether transport failures are
// retried at all; disabling it also stops timeout retries.
func WithRetryOnSocketException(mode RetryOnSocketException) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.retryOnSocketException = mode
	})
}

// WithNodeSelectionStrategy selects how successive LogicalCalls pick
// their starting base URL. Defaults to urlselector.PinUntilError.
func WithNodeSelectionStrategy(strategy urlselector.Strategy) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.nodeSelectionStrategy = strategy
	})
}

// WithTransport sets the delegate http.RoundTripper each Attempt is
// dispatched through. Defaults to http.DefaultTransport.
func WithTransport(transport http.RoundTripper) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.transport = transport
	})
}

// Clock is the scheduling collaborator a Client uses for backoff
// timers and cooldown bookkeeping; it is exported so tests can inject
// a fake clock (inside this module, via internal/clocktest).
type Clock = internal.Clock

// WithClock overrides the Clock used for scheduling backoff delays and
// tracking cooldown windows. Defaults to a real wall-clock. Intended
// for tests.
func WithClock(clock Clock) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.clock = clock
	})
}

// WithLogger sets the logger used for suppressed intermediate failures
// and QoS retries. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.logger = logger
	})
}

// WithLimiterConfig configures the AIMD concurrency limiter shared by
// every (host, path) pair the Client dispatches to.
func WithLimiterConfig(limiterConfig limiter.Config) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.limiterConfig = limiterConfig
		cfg.limiterConfigSet = true
	})
}

// WithLimiterFactory overrides the concurrency limiter entirely,
// superseding WithLimiterConfig.
func WithLimiterFactory(factory limiter.Factory) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.limiterFactory = factory
	})
}

// WithAttemptObserver registers a callback invoked at each Attempt's
// limiter-wait, dispatch, and backoff transition points. See
// AttemptEvent.
func WithAttemptObserver(observer AttemptObserver) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.observer = observer
	})
}

// WithHealthProbePeriod enables a background goroutine that
// periodically re-probes base URLs currently in their failure cooldown,
// so a recovered backend can be un-cooled-down before its cooldown
// would otherwise expire naturally. Zero (the default) disables probing.
func WithHealthProbePeriod(d time.Duration) ClientOption {
	return clientOptionFunc(func(cfg *clientConfig) {
		cfg.healthProbePeriod = d
	})
}

func (cfg *clientConfig) applyDefaults(numBaseURLs int) {
	if !cfg.maxNumRetriesSet {
		cfg.maxNumRetries = 2 * numBaseURLs
	}
	if cfg.backoffSlotSize == 0 {
		cfg.backoffSlotSize = 250 * time.Millisecond
	}
	if !cfg.maxNumRelocationsSet {
		cfg.maxNumRelocations = 2 * numBaseURLs
	}
	if cfg.transport == nil {
		cfg.transport = http.DefaultTransport
	}
	if cfg.clock == nil {
		cfg.clock = internal.NewRealClock()
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.limiterFactory == nil {
		if !cfg.limiterConfigSet {
			cfg.limiterConfig = limiter.Config{Min: 1, Max: 256, RampAfterSuccesses: 1}
		}
		cfg.limiterFactory = limiter.NewFactory(cfg.limiterConfig)
	}
}
