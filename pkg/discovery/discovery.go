// Package discovery locates the local backend at startup and verifies it is
// the expected service before the rest of the application uses it.
package discovery

import (
	"context"
	"sync"
	"time"

	"deskmail/pkg/log"
	"deskmail/pkg/models"

	"github.com/rs/zerolog"
)

const (
	DefaultProbeInterval = 500 * time.Millisecond
	DefaultGracePeriod   = 5 * time.Second
	DefaultTimeout       = 60 * time.Second
)

// InitialResolver yields the first endpoint to probe.
type InitialResolver interface {
	ResolveInitialEndpoint() models.Endpoint
}

// EndpointProber checks a single endpoint.
type EndpointProber interface {
	Probe(ctx context.Context, endpoint models.Endpoint) bool
}

// Options configures a Discovery run.
type Options struct {
	ProbeInterval time.Duration
	GracePeriod   time.Duration
	Timeout       time.Duration

	// Fallback is probed on every tick once GracePeriod has elapsed.
	// A zero Endpoint disables the fallback.
	Fallback models.Endpoint

	// LaunchFailures delivers supervisor failures; the first one ends discovery.
	LaunchFailures <-chan models.LaunchFailure

	// Progress receives a snapshot after every tick and on the terminal transition.
	// It is called from the Run goroutine and must not block for long.
	Progress func(models.DiscoveryStatus)
}

// clock abstracts time so the loop can be driven deterministically in tests.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Discovery runs the Discovering -> {Ready | Failed} state machine once.
type Discovery struct {
	resolver InitialResolver
	prober   EndpointProber
	opts     Options
	clock    clock
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	status  models.DiscoveryStatus
}

// New creates a Discovery. Zero durations take the package defaults.
func New(resolver InitialResolver, prober EndpointProber, opts Options) *Discovery {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	return &Discovery{
		resolver: resolver,
		prober:   prober,
		opts:     opts,
		clock:    realClock{},
		logger:   log.Component("discovery"),
		status: models.DiscoveryStatus{
			State:   models.DiscoveryDiscovering,
			Message: stageMessage(0),
		},
	}
}

// Status returns a snapshot of the current run.
func (d *Discovery) Status() models.DiscoveryStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Run probes until an endpoint is ready, the timeout budget is spent, a launch
// failure arrives or ctx is cancelled. onReady is called exactly once, on
// success only, from the calling goroutine. Run may be called once.
func (d *Discovery) Run(ctx context.Context, onReady func(models.Endpoint)) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	current := d.resolver.ResolveInitialEndpoint()
	d.status.Endpoint = current
	d.mu.Unlock()

	d.logger.Info().
		Str("endpoint", current.String()).
		Str("fallback", d.opts.Fallback.String()).
		Dur("timeout", d.opts.Timeout).
		Msg("Discovering backend")

	start := d.clock.Now()
	launchFailures := d.opts.LaunchFailures
	usingFallback := false
	attempts := 0

	wait := d.clock.After(0)
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug().Msg("Discovery cancelled")
			return ctx.Err()
		case failure, ok := <-launchFailures:
			if !ok {
				launchFailures = nil
				continue
			}
			return d.fail(&ProcessLaunchError{Diagnostic: failure.Diagnostic}, attempts, d.clock.Now().Sub(start))
		case <-wait:
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		attempts++
		if d.prober.Probe(ctx, current) {
			return d.ready(ctx, current, usingFallback, attempts, d.clock.Now().Sub(start), onReady)
		}

		elapsed := d.clock.Now().Sub(start)
		if !usingFallback && elapsed >= d.opts.GracePeriod && d.canFallback(current) {
			if d.prober.Probe(ctx, d.opts.Fallback) {
				d.logger.Warn().
					Str("primary", current.String()).
					Str("fallback", d.opts.Fallback.String()).
					Msg("Primary endpoint unreachable, switching to fallback")
				current = d.opts.Fallback
				usingFallback = true
				return d.ready(ctx, current, usingFallback, attempts, d.clock.Now().Sub(start), onReady)
			}
		}

		elapsed = d.clock.Now().Sub(start)
		if elapsed >= d.opts.Timeout {
			return d.fail(ErrDiscoveryTimeout, attempts, elapsed)
		}

		fraction := progressAt(elapsed, d.opts.Timeout)
		d.publish(func(status *models.DiscoveryStatus) {
			status.Endpoint = current
			status.UsingFallback = usingFallback
			status.Attempts = attempts
			status.Elapsed = elapsed
			if fraction > status.Progress {
				status.Progress = fraction
			}
			status.Message = stageMessage(status.Progress)
		})

		wait = d.clock.After(d.opts.ProbeInterval)
	}
}

func (d *Discovery) canFallback(current models.Endpoint) bool {
	return !d.opts.Fallback.IsZero() && d.opts.Fallback != current
}

func (d *Discovery) ready(
	ctx context.Context,
	endpoint models.Endpoint,
	usingFallback bool,
	attempts int,
	elapsed time.Duration,
	onReady func(models.Endpoint),
) error {
	// a probe can complete after cancellation; nothing may fire then
	if err := ctx.Err(); err != nil {
		return err
	}

	d.publish(func(status *models.DiscoveryStatus) {
		status.State = models.DiscoveryReady
		status.Endpoint = endpoint
		status.UsingFallback = usingFallback
		status.Attempts = attempts
		status.Elapsed = elapsed
		status.Progress = 1
		status.Message = readyMessage
	})

	d.logger.Info().
		Str("endpoint", endpoint.String()).
		Bool("fallback", usingFallback).
		Int("attempts", attempts).
		Dur("elapsed", elapsed).
		Msg("Backend ready")

	if onReady != nil {
		onReady(endpoint)
	}
	return nil
}

func (d *Discovery) fail(err error, attempts int, elapsed time.Duration) error {
	d.publish(func(status *models.DiscoveryStatus) {
		status.State = models.DiscoveryFailed
		status.Attempts = attempts
		status.Elapsed = elapsed
		status.Message = err.Error()
		status.Error = err.Error()
	})

	d.logger.Error().
		Err(err).
		Int("attempts", attempts).
		Dur("elapsed", elapsed).
		Msg("Backend discovery failed")

	return err
}

func (d *Discovery) publish(update func(*models.DiscoveryStatus)) {
	d.mu.Lock()
	update(&d.status)
	snapshot := d.status
	d.mu.Unlock()

	if d.opts.Progress != nil {
		d.opts.Progress(snapshot)
	}
}
