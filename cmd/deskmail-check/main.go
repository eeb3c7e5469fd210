package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-cleanhttp"
)

const (
	defaultServerURL     = "http://127.0.0.1:8765"
	defaultPassCount     = 5
	defaultParallelCount = 10
	defaultHTTPTimeout   = 30 * time.Second

	separatorLineLength  = 80
	microsecondsToMillis = 1000.0
)

type config struct {
	serverURL     string
	passCount     int
	parallelCount int
	httpTimeout   time.Duration
	account       string

	runStatus   bool
	runLabels   bool
	runParallel bool
	runMessages bool
	runReauth   bool

	showSummary bool
}

type checker struct {
	cfg     config
	client  *controlClient
	metrics *metricsCollector
}

type operationMetrics struct {
	Name     string
	Duration time.Duration
	Error    error
}

type stepMetrics struct {
	Name       string
	StartTime  time.Time
	Duration   time.Duration
	Operations []operationMetrics
	Success    bool
	Error      error
}

type metricsCollector struct {
	mu          sync.Mutex
	steps       []stepMetrics
	currentStep *stepMetrics
	showSummary bool
	totals      map[string]int
	failures    int
}

type accountView struct {
	AccountID   string `json:"account_id"`
	State       string `json:"state"`
	NeedsReauth bool   `json:"needs_reauth"`
	UpdatedAgo  string `json:"updated_ago"`
}

type label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type discoveryView struct {
	State    string `json:"state"`
	Endpoint string `json:"endpoint"`
	Percent  string `json:"percent"`
	Error    string `json:"error"`
}

// controlClient talks to the deskmail control API.
type controlClient struct {
	baseURL    string
	httpClient *http.Client
}

func newControlClient(baseURL string, timeout time.Duration) *controlClient {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout
	return &controlClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// statusError carries the HTTP status of a failed call.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request returned %d: %s", e.Status, e.Body)
}

func (c *controlClient) doJSON(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func main() {
	cfg := parseFlags()
	c := newChecker(cfg)

	if err := c.run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "deskmail-check failed: %v\n", err)
		c.metrics.printSummary()
		os.Exit(1)
	}

	fmt.Println("\nAll selected checks passed")
	c.metrics.printSummary()
}

func parseFlags() config {
	server := flag.String("server", defaultServerURL, "deskmail control API base URL")
	timeout := flag.Duration("http-timeout", defaultHTTPTimeout, "HTTP client timeout")
	passes := flag.Int("passes", defaultPassCount, "Sequential label passes per account")
	parallel := flag.Int("parallel", defaultParallelCount, "Concurrent label requests")
	account := flag.String("account", "", "Only check this account id")

	status := flag.Bool("status", false, "Check health and discovery status")
	labels := flag.Bool("labels", false, "Fetch labels for every account")
	parallelStep := flag.Bool("parallel-labels", false, "Fetch labels concurrently")
	messages := flag.Bool("messages", false, "Modify and delete a probe message")
	reauth := flag.Bool("reauth", false, "Start and cancel reauthorization for accounts that need it")
	noSummary := flag.Bool("no-summary", false, "Disable the metrics summary")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nRuns every check unless specific ones are selected.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	anySelected := *status || *labels || *parallelStep || *messages || *reauth

	cfg := config{
		serverURL:     strings.TrimRight(*server, "/"),
		passCount:     *passes,
		parallelCount: *parallel,
		httpTimeout:   *timeout,
		account:       *account,

		runStatus:   *status || !anySelected,
		runLabels:   *labels || !anySelected,
		runParallel: *parallelStep || !anySelected,
		runMessages: *messages || !anySelected,
		runReauth:   *reauth || !anySelected,

		showSummary: !*noSummary,
	}

	if cfg.serverURL == "" {
		cfg.serverURL = defaultServerURL
	}
	if cfg.passCount <= 0 {
		cfg.passCount = defaultPassCount
	}
	if cfg.parallelCount <= 0 {
		cfg.parallelCount = defaultParallelCount
	}
	return cfg
}

func newChecker(cfg config) *checker {
	return &checker{
		cfg:    cfg,
		client: newControlClient(cfg.serverURL, cfg.httpTimeout),
		metrics: &metricsCollector{
			showSummary: cfg.showSummary,
			totals:      make(map[string]int),
		},
	}
}

func (m *metricsCollector) startStep(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentStep = &stepMetrics{Name: name, StartTime: time.Now()}
}

func (m *metricsCollector) endStep(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentStep == nil {
		return
	}
	m.currentStep.Duration = time.Since(m.currentStep.StartTime)
	m.currentStep.Success = err == nil
	m.currentStep.Error = err
	m.steps = append(m.steps, *m.currentStep)
	m.currentStep = nil
}

func (m *metricsCollector) record(name string, start time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentStep != nil {
		m.currentStep.Operations = append(m.currentStep.Operations, operationMetrics{
			Name:     name,
			Duration: time.Since(start),
			Error:    err,
		})
	}
	m.totals[name]++
	if err != nil {
		m.failures++
	}
}

func (m *metricsCollector) printSummary() {
	if !m.showSummary {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Println("\n" + strings.Repeat("=", separatorLineLength))
	fmt.Println("METRICS SUMMARY")
	fmt.Println(strings.Repeat("=", separatorLineLength))

	names := make([]string, 0, len(m.totals))
	for name := range m.totals {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\nRequests:\n")
	for _, name := range names {
		fmt.Printf("  %-12s %s\n", name+":", humanize.Comma(int64(m.totals[name])))
	}
	fmt.Printf("  %-12s %s\n", "failed:", humanize.Comma(int64(m.failures)))

	fmt.Printf("\nSteps:\n")
	var total time.Duration
	for _, step := range m.steps {
		total += step.Duration
		status := "ok"
		if !step.Success {
			status = "FAILED"
		}
		fmt.Printf("\n  [%s] %s (%.2fs)\n", status, step.Name, step.Duration.Seconds())

		counts := make(map[string]int)
		durations := make(map[string]time.Duration)
		for _, op := range step.Operations {
			counts[op.Name]++
			durations[op.Name] += op.Duration
		}
		for name, count := range counts {
			avg := durations[name] / time.Duration(count)
			fmt.Printf("    - %s: %d requests, avg %.3fms\n", name, count, float64(avg.Microseconds())/microsecondsToMillis)
		}
		if step.Error != nil {
			fmt.Printf("    Error: %v\n", step.Error)
		}
	}

	fmt.Printf("\nTotal execution time: %.2fs\n", total.Seconds())
	fmt.Println(strings.Repeat("=", separatorLineLength))
}

type checkStep struct {
	name      string
	shouldRun bool
	runFunc   func(context.Context) error
}

func (c *checker) run(ctx context.Context) error {
	steps := []checkStep{
		{"Health and discovery", c.cfg.runStatus, c.checkStatus},
		{fmt.Sprintf("%d label passes", c.cfg.passCount), c.cfg.runLabels, c.checkLabels},
		{fmt.Sprintf("%d concurrent label requests", c.cfg.parallelCount), c.cfg.runParallel, c.checkParallelLabels},
		{"Message round trip", c.cfg.runMessages, c.checkMessages},
		{"Reauthorization start and cancel", c.cfg.runReauth, c.checkReauthorization},
	}

	for _, step := range steps {
		if !step.shouldRun {
			continue
		}
		fmt.Printf("\n%s\n", step.name)
		c.metrics.startStep(step.name)
		err := step.runFunc(ctx)
		c.metrics.endStep(err)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(step.name), err)
		}
		fmt.Println("  ok")
	}
	return nil
}

func (c *checker) call(ctx context.Context, name, method, path string, body, result any) error {
	start := time.Now()
	err := c.client.doJSON(ctx, method, path, body, result)
	c.metrics.record(name, start, err)
	return err
}

func (c *checker) checkStatus(ctx context.Context) error {
	var health map[string]any
	if err := c.call(ctx, "health", http.MethodGet, "/health", nil, &health); err != nil {
		return err
	}
	fmt.Printf("  deskmail %v, up %v\n", health["version"], health["uptime"])

	var discovery discoveryView
	if err := c.call(ctx, "discovery", http.MethodGet, "/status/discovery", nil, &discovery); err != nil {
		return err
	}
	fmt.Printf("  backend %s at %s (%s)\n", discovery.State, discovery.Endpoint, discovery.Percent)
	if discovery.State == "failed" {
		return errors.New(discovery.Error)
	}
	return nil
}

// accounts returns the usable accounts, or only the selected one.
func (c *checker) accounts(ctx context.Context) ([]accountView, error) {
	var views []accountView
	if err := c.call(ctx, "accounts", http.MethodGet, "/accounts", nil, &views); err != nil {
		return nil, err
	}

	selected := views[:0]
	for _, view := range views {
		if c.cfg.account != "" && view.AccountID != c.cfg.account {
			continue
		}
		selected = append(selected, view)
	}
	return selected, nil
}

func (c *checker) labels(ctx context.Context, accountID string) ([]label, error) {
	var labels []label
	err := c.call(ctx, "labels", http.MethodGet, "/accounts/"+accountID+"/labels", nil, &labels)
	return labels, err
}

func (c *checker) checkLabels(ctx context.Context) error {
	accounts, err := c.accounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("  no accounts connected")
		return nil
	}

	for _, acc := range accounts {
		if acc.NeedsReauth {
			fmt.Printf("  %s needs reauthorization (updated %s), skipped\n", acc.AccountID, acc.UpdatedAgo)
			continue
		}
		for pass := 1; pass <= c.cfg.passCount; pass++ {
			labels, err := c.labels(ctx, acc.AccountID)
			if err != nil {
				return fmt.Errorf("account %s pass %d: %w", acc.AccountID, pass, err)
			}
			if pass == 1 {
				fmt.Printf("  %s: %d labels\n", acc.AccountID, len(labels))
			}
		}
	}
	return nil
}

func (c *checker) checkParallelLabels(ctx context.Context) error {
	acc, ok, err := c.firstUsable(ctx)
	if err != nil || !ok {
		return err
	}
	return runParallel(c.cfg.parallelCount, func(int) error {
		_, err := c.labels(ctx, acc.AccountID)
		return err
	})
}

func (c *checker) checkMessages(ctx context.Context) error {
	acc, ok, err := c.firstUsable(ctx)
	if err != nil || !ok {
		return err
	}

	messageID := fmt.Sprintf("deskmail-check-%d", time.Now().UnixNano())
	path := "/accounts/" + acc.AccountID + "/messages/" + messageID

	modify := map[string][]string{"add_label_ids": {"STARRED"}}
	if err := c.call(ctx, "modify", http.MethodPut, path, modify, nil); err != nil {
		return err
	}

	var deleted map[string]any
	if err := c.call(ctx, "delete", http.MethodDelete, path, nil, &deleted); err != nil {
		return err
	}
	if deleted["deleted"] != true {
		return fmt.Errorf("message %s not deleted: %v", messageID, deleted)
	}
	return nil
}

func (c *checker) checkReauthorization(ctx context.Context) error {
	accounts, err := c.accounts(ctx)
	if err != nil {
		return err
	}

	for _, acc := range accounts {
		if !acc.NeedsReauth {
			continue
		}
		var started map[string]any
		path := "/accounts/" + acc.AccountID + "/reauthorize"
		if err := c.call(ctx, "reauthorize", http.MethodPost, path, nil, &started); err != nil {
			return err
		}
		fmt.Printf("  %s: started=%v\n", acc.AccountID, started["started"])

		if err := c.call(ctx, "cancel", http.MethodDelete, path, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) firstUsable(ctx context.Context) (accountView, bool, error) {
	accounts, err := c.accounts(ctx)
	if err != nil {
		return accountView{}, false, err
	}
	for _, acc := range accounts {
		if !acc.NeedsReauth {
			return acc, true, nil
		}
	}
	fmt.Println("  no usable account, skipped")
	return accountView{}, false, nil
}

func runParallel(count int, function func(int) error) error {
	var waitGroup sync.WaitGroup
	errCh := make(chan error, count)

	for index := range count {
		waitGroup.Add(1)
		go func(idx int) {
			defer waitGroup.Done()
			if err := function(idx); err != nil {
				errCh <- err
			}
		}(index)
	}

	waitGroup.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
