package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"deskmail/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances instantly whenever the loop waits.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// scriptedProber answers from a per-endpoint function and records every call.
type scriptedProber struct {
	mu      sync.Mutex
	answer  func(ctx context.Context, endpoint models.Endpoint, call int) bool
	calls   map[string]int
	history []string
}

func newScriptedProber(answer func(ctx context.Context, endpoint models.Endpoint, call int) bool) *scriptedProber {
	return &scriptedProber{answer: answer, calls: make(map[string]int)}
}

func (p *scriptedProber) Probe(ctx context.Context, endpoint models.Endpoint) bool {
	p.mu.Lock()
	p.calls[endpoint.String()]++
	call := p.calls[endpoint.String()]
	p.history = append(p.history, endpoint.String())
	p.mu.Unlock()
	return p.answer(ctx, endpoint, call)
}

func (p *scriptedProber) count(endpoint models.Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[endpoint.String()]
}

type staticResolver models.Endpoint

func (r staticResolver) ResolveInitialEndpoint() models.Endpoint {
	return models.Endpoint(r)
}

var (
	primary  = models.MustEndpoint("http://127.0.0.1:49152")
	fallback = models.MustEndpoint("http://127.0.0.1:8000")
)

type recorder struct {
	mu       sync.Mutex
	ready    []models.Endpoint
	statuses []models.DiscoveryStatus
}

func (r *recorder) onReady(ep models.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, ep)
}

func (r *recorder) onProgress(status models.DiscoveryStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recorder) count(state models.DiscoveryState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		if s.State == state {
			n++
		}
	}
	return n
}

func newTestDiscovery(prober EndpointProber, opts Options, rec *recorder) *Discovery {
	opts.Progress = rec.onProgress
	d := New(staticResolver(primary), prober, opts)
	d.clock = newFakeClock()
	return d
}

func TestReadyOnFirstProbe(t *testing.T) {
	prober := newScriptedProber(func(context.Context, models.Endpoint, int) bool { return true })
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{Fallback: fallback}, rec)

	require.NoError(t, d.Run(context.Background(), rec.onReady))

	assert.Equal(t, []models.Endpoint{primary}, rec.ready)
	status := d.Status()
	assert.Equal(t, models.DiscoveryReady, status.State)
	assert.Equal(t, float64(1), status.Progress)
	assert.False(t, status.UsingFallback)
	assert.Zero(t, prober.count(fallback))
}

func TestFallbackAfterGracePeriod(t *testing.T) {
	prober := newScriptedProber(func(_ context.Context, ep models.Endpoint, _ int) bool {
		return ep == fallback
	})
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{
		ProbeInterval: time.Second,
		GracePeriod:   5 * time.Second,
		Timeout:       60 * time.Second,
		Fallback:      fallback,
	}, rec)

	require.NoError(t, d.Run(context.Background(), rec.onReady))

	// probes at t=0..5s fail; the sixth crosses the grace mark and triggers the fallback
	assert.Equal(t, 6, prober.count(primary))
	assert.Equal(t, 1, prober.count(fallback))
	assert.Equal(t, []models.Endpoint{fallback}, rec.ready)

	status := d.Status()
	assert.Equal(t, fallback, status.Endpoint)
	assert.True(t, status.UsingFallback)
	assert.Equal(t, 1, rec.count(models.DiscoveryReady))
}

func TestFallbackIsNotProbedDuringGracePeriod(t *testing.T) {
	prober := newScriptedProber(func(_ context.Context, ep models.Endpoint, call int) bool {
		return ep == primary && call == 3
	})
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{
		ProbeInterval: time.Second,
		GracePeriod:   5 * time.Second,
		Timeout:       60 * time.Second,
		Fallback:      fallback,
	}, rec)

	require.NoError(t, d.Run(context.Background(), rec.onReady))

	assert.Zero(t, prober.count(fallback))
	assert.Equal(t, []models.Endpoint{primary}, rec.ready)
}

func TestFallbackKeptOnceSwitched(t *testing.T) {
	// fallback only answers on its third attempt; primary never does
	prober := newScriptedProber(func(_ context.Context, ep models.Endpoint, call int) bool {
		return ep == fallback && call == 3
	})
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{
		ProbeInterval: time.Second,
		GracePeriod:   2 * time.Second,
		Timeout:       60 * time.Second,
		Fallback:      fallback,
	}, rec)

	require.NoError(t, d.Run(context.Background(), rec.onReady))

	require.Len(t, rec.ready, 1)
	assert.Equal(t, fallback, rec.ready[0])
	assert.Equal(t, fallback, d.Status().Endpoint)

	// nothing is probed after the switch
	last := prober.history[len(prober.history)-1]
	assert.Equal(t, fallback.String(), last)
}

func TestTimeoutFailsOnce(t *testing.T) {
	prober := newScriptedProber(func(context.Context, models.Endpoint, int) bool { return false })
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{
		ProbeInterval: time.Second,
		GracePeriod:   2 * time.Second,
		Timeout:       10 * time.Second,
		Fallback:      fallback,
	}, rec)

	err := d.Run(context.Background(), rec.onReady)

	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	assert.Empty(t, rec.ready)
	assert.Equal(t, 1, rec.count(models.DiscoveryFailed))
	assert.Equal(t, models.DiscoveryFailed, d.Status().State)
	assert.Equal(t, 11, prober.count(primary))

	// terminal: Run cannot be restarted
	assert.ErrorIs(t, d.Run(context.Background(), rec.onReady), ErrAlreadyStarted)
	assert.Equal(t, 1, rec.count(models.DiscoveryFailed))
}

func TestProgressIsMonotonic(t *testing.T) {
	prober := newScriptedProber(func(context.Context, models.Endpoint, int) bool { return false })
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{
		ProbeInterval: 500 * time.Millisecond,
		GracePeriod:   5 * time.Second,
		Timeout:       20 * time.Second,
	}, rec)

	_ = d.Run(context.Background(), rec.onReady)

	previous := 0.0
	messages := map[string]bool{}
	for _, status := range rec.statuses {
		if status.State != models.DiscoveryDiscovering {
			continue
		}
		assert.GreaterOrEqual(t, status.Progress, previous)
		assert.Less(t, status.Progress, 1.0)
		previous = status.Progress
		messages[status.Message] = true
	}
	assert.Greater(t, len(messages), 1, "stage message should advance with elapsed time")
}

func TestLaunchFailureShortCircuits(t *testing.T) {
	failures := make(chan models.LaunchFailure, 1)
	failures <- models.LaunchFailure{Diagnostic: "exec: backend: not found"}

	prober := newScriptedProber(func(context.Context, models.Endpoint, int) bool { return false })
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{
		ProbeInterval:  time.Second,
		Timeout:        time.Hour,
		LaunchFailures: failures,
	}, rec)

	err := d.Run(context.Background(), rec.onReady)

	var launchErr *ProcessLaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "exec: backend: not found", launchErr.Diagnostic)
	assert.Empty(t, rec.ready)
	assert.Equal(t, 1, rec.count(models.DiscoveryFailed))
	assert.Contains(t, d.Status().Error, "not found")
}

func TestClosedLaunchChannelIsIgnored(t *testing.T) {
	failures := make(chan models.LaunchFailure)
	close(failures)

	prober := newScriptedProber(func(_ context.Context, _ models.Endpoint, call int) bool { return call == 2 })
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{LaunchFailures: failures}, rec)

	require.NoError(t, d.Run(context.Background(), rec.onReady))
	assert.Len(t, rec.ready, 1)
}

func TestCancelBeforeRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prober := newScriptedProber(func(context.Context, models.Endpoint, int) bool { return true })
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{}, rec)

	err := d.Run(ctx, rec.onReady)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.ready)
	assert.Zero(t, prober.count(primary))
}

func TestCancelDuringProbeSuppressesReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober := newScriptedProber(func(context.Context, models.Endpoint, int) bool {
		cancel()
		return true
	})
	rec := &recorder{}
	d := newTestDiscovery(prober, Options{}, rec)

	err := d.Run(ctx, rec.onReady)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, rec.ready)
	assert.Zero(t, rec.count(models.DiscoveryReady))
	assert.Equal(t, 1, prober.count(primary))
}

func TestEndToEndFallbackWithRealServers(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","version":"1.4.2"}`))
	}))
	defer healthy.Close()

	// another service squatting on the primary port
	squatter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer squatter.Close()

	squatterEP := models.MustEndpoint(squatter.URL)
	healthyEP := models.MustEndpoint(healthy.URL)

	var readyCalls []models.Endpoint
	var mu sync.Mutex

	d := New(staticResolver(squatterEP), NewProber(100*time.Millisecond), Options{
		ProbeInterval: 10 * time.Millisecond,
		GracePeriod:   50 * time.Millisecond,
		Timeout:       5 * time.Second,
		Fallback:      healthyEP,
	})

	err := d.Run(context.Background(), func(ep models.Endpoint) {
		mu.Lock()
		defer mu.Unlock()
		readyCalls = append(readyCalls, ep)
	})

	require.NoError(t, err)
	assert.Equal(t, []models.Endpoint{healthyEP}, readyCalls)
	assert.True(t, d.Status().UsingFallback)
}
