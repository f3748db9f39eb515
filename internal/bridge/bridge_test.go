package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/atagmqtt/internal/atag"
	"github.com/nerrad567/atagmqtt/internal/journal"
	"github.com/nerrad567/atagmqtt/internal/properties"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeSession scripts refresh results; the last report repeats forever.
type fakeSession struct {
	host string

	mu         sync.Mutex
	authErr    error
	authBlock  bool
	reports    []atag.Report
	refreshErr map[int]error
	refreshes  int
	commands   []atag.Command
	sendErr    error
	closed     bool
	limits     atag.Limits
}

func newFakeSession(host string, reports ...atag.Report) *fakeSession {
	return &fakeSession{
		host:       host,
		reports:    reports,
		refreshErr: make(map[int]error),
		limits:     atag.DefaultLimits(),
	}
}

func (s *fakeSession) Host() string { return s.host }

func (s *fakeSession) ConnectAndAuthorize(ctx context.Context) error {
	s.mu.Lock()
	block, err := s.authBlock, s.authErr
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *fakeSession) Refresh(_ context.Context) (atag.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.refreshes
	s.refreshes++
	if err := s.refreshErr[n]; err != nil {
		return nil, err
	}
	if len(s.reports) == 0 {
		return atag.Report{}, nil
	}
	return s.reports[min(n, len(s.reports)-1)].Clone(), nil
}

func (s *fakeSession) SendCommand(_ context.Context, cmd atag.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	if s.sendErr != nil {
		return s.sendErr
	}
	// Later refreshes report the written value, like the appliance does.
	for _, r := range s.reports {
		r[cmd.Field] = cmd.Value
	}
	return nil
}

func (s *fakeSession) Limits() atag.Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) commandCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sessionFactory hands out sessions built by build and remembers them.
type sessionFactory struct {
	mu       sync.Mutex
	build    func(n int, host string) *fakeSession
	sessions []*fakeSession
	hosts    []string
}

func (f *sessionFactory) New(host string) Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.build(len(f.sessions), host)
	f.sessions = append(f.sessions, s)
	f.hosts = append(f.hosts, host)
	return s
}

func (f *sessionFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *sessionFactory) host(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hosts[i]
}

func (f *sessionFactory) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

type publishCall struct{ key, value string }

type fakeRegistry struct {
	mu         sync.Mutex
	registered int
	initial    properties.State
	limits     atag.Limits
	onSet      func(key, value string)
	published  []publishCall
	alerts     int
	closed     bool
	publishErr error
	limitsErr  error
	updates    []atag.Limits
}

func (r *fakeRegistry) Register(_ []properties.Spec, limits atag.Limits, initial properties.State, onSet func(key, value string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered++
	r.initial = initial
	r.limits = limits
	r.onSet = onSet
	return nil
}

func (r *fakeRegistry) Publish(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishErr != nil {
		return r.publishErr
	}
	r.published = append(r.published, publishCall{key, value})
	return nil
}

func (r *fakeRegistry) UpdateLimits(limits atag.Limits) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limitsErr != nil {
		return r.limitsErr
	}
	r.limits = limits
	r.updates = append(r.updates, limits)
	return nil
}

func (r *fakeRegistry) advertised() atag.Limits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

func (r *fakeRegistry) Alert() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts++
	return nil
}

func (r *fakeRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRegistry) publishedFor(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.published {
		if p.key == key {
			out = append(out, p.value)
		}
	}
	return out
}

func (r *fakeRegistry) snapshot() (registered int, initial properties.State, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered, r.initial, r.closed
}

type fakeJournal struct {
	mu          sync.Mutex
	transitions []string
	commands    []journal.CommandRecord
}

func (j *fakeJournal) RecordTransition(_ context.Context, from, to, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, from+"->"+to)
	return nil
}

func (j *fakeJournal) RecordCommand(_ context.Context, rec journal.CommandRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commands = append(j.commands, rec)
	return nil
}

func (j *fakeJournal) transitionList() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.transitions...)
}

func (j *fakeJournal) commandList() []journal.CommandRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.CommandRecord(nil), j.commands...)
}

// sleeper records requested durations and returns after a millisecond.
type sleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

func (s *sleeper) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == d {
			n++
		}
	}
	return n
}

// =============================================================================
// Harness
// =============================================================================

const (
	testUpdateInterval = 30 * time.Second
	testRestartTimeout = 60 * time.Second
)

type harness struct {
	bridge   *Bridge
	factory  *sessionFactory
	registry *fakeRegistry
	journal  *fakeJournal
	sleeper  *sleeper
	metrics  *Metrics

	cancel context.CancelFunc
	done   chan error
}

func testBridgeConfig() Config {
	return Config{
		Host:           "192.168.1.50",
		UpdateInterval: testUpdateInterval,
		SetupTimeout:   time.Second,
		RestartTimeout: testRestartTimeout,
		CommandTimeout: time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, discover Discoverer, build func(n int, host string) *fakeSession) *harness {
	t.Helper()
	h := &harness{
		factory:  &sessionFactory{build: build},
		registry: &fakeRegistry{},
		journal:  &fakeJournal{},
		sleeper:  &sleeper{},
		metrics:  NewMetrics(),
	}

	b, err := New(Options{
		Config:     cfg,
		NewSession: h.factory.New,
		Discover:   discover,
		Registry:   h.registry,
		Journal:    h.journal,
		Metrics:    h.metrics,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.sleep = h.sleeper.sleep
	h.bridge = b
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.bridge.Run(ctx) }()
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func heatingReport(waterTemp float64) atag.Report {
	return atag.Report{
		atag.FieldCHWaterTemp:  waterTemp,
		atag.FieldBoilerStatus: float64(atag.BoilerCHActive),
		atag.FieldCHModeTemp:   20.0,
		atag.FieldReportTime:   1700000000.0,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_Validation(t *testing.T) {
	reg := &fakeRegistry{}
	factory := func(string) Session { return newFakeSession("x") }

	tests := []struct {
		name string
		opts Options
	}{
		{"no factory", Options{Config: testBridgeConfig(), Registry: reg}},
		{"no registry", Options{Config: testBridgeConfig(), NewSession: factory}},
		{"no host and no discoverer", Options{Config: Config{UpdateInterval: 1, SetupTimeout: 1, RestartTimeout: 1}, NewSession: factory, Registry: reg}},
		{"zero interval", Options{Config: Config{Host: "h", SetupTimeout: 1, RestartTimeout: 1}, NewSession: factory, Registry: reg}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestRun_ConfiguredHostPublishesFirstReport(t *testing.T) {
	h := newHarness(t, testBridgeConfig(), nil, func(_ int, host string) *fakeSession {
		return newFakeSession(host, heatingReport(45.2))
	})
	h.start()

	waitFor(t, "polling", func() bool { return h.bridge.State() == StatePolling })

	registered, initial, _ := h.registry.snapshot()
	if registered != 1 {
		t.Fatalf("Register calls = %d, want 1", registered)
	}
	if initial["centralheating/status"] != "true" {
		t.Errorf("centralheating/status = %q, want true", initial["centralheating/status"])
	}
	if initial["centralheating/temperature"] != "45.2" {
		t.Errorf("centralheating/temperature = %q, want 45.2", initial["centralheating/temperature"])
	}
	if got := h.factory.host(0); got != "192.168.1.50" {
		t.Errorf("session host = %q", got)
	}
	if got := h.bridge.Properties()["centralheating/temperature"]; got != "45.2" {
		t.Errorf("Properties() temperature = %q", got)
	}
	if got := testutil.ToFloat64(h.metrics.state.WithLabelValues("Polling")); got != 1 {
		t.Errorf("state gauge Polling = %v, want 1", got)
	}

	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v, want nil on cancel", err)
	}

	if h.bridge.State() != StateTerminated {
		t.Errorf("State() = %v, want Terminated", h.bridge.State())
	}
	if _, _, closed := h.registry.snapshot(); !closed {
		t.Error("registry not closed on termination")
	}
	if !h.factory.session(0).isClosed() {
		t.Error("session not closed on termination")
	}

	got := h.journal.transitionList()
	want := []string{"Idle->Discovering", "Discovering->Connecting", "Connecting->Authorizing", "Authorizing->Polling"}
	for i, w := range want {
		if i >= len(got) || got[i] != w {
			t.Fatalf("transitions = %v, want prefix %v", got, want)
		}
	}
	if last := got[len(got)-1]; last != "Polling->Terminated" {
		t.Errorf("last transition = %q, want Polling->Terminated", last)
	}
}

func TestRun_DiscoveryResolvesHost(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.Host = ""

	var gotTimeout time.Duration
	discover := func(_ context.Context, timeout time.Duration) (string, error) {
		gotTimeout = timeout
		return "10.0.0.5", nil
	}

	h := newHarness(t, cfg, discover, func(_ int, host string) *fakeSession {
		return newFakeSession(host, heatingReport(40))
	})
	h.start()
	waitFor(t, "polling", func() bool { return h.bridge.State() == StatePolling })

	if got := h.factory.host(0); got != "10.0.0.5" {
		t.Errorf("session host = %q, want 10.0.0.5", got)
	}
	if gotTimeout != cfg.SetupTimeout {
		t.Errorf("discovery timeout = %v, want %v", gotTimeout, cfg.SetupTimeout)
	}
	if st := h.bridge.Status(); st.Host != "10.0.0.5" {
		t.Errorf("Status().Host = %q", st.Host)
	}

	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRun_DiscoveryTimeoutBacksOffWithoutConnecting(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.Host = ""

	discover := func(context.Context, time.Duration) (string, error) {
		return "", atag.ErrDiscoveryTimeout
	}

	h := newHarness(t, cfg, discover, func(_ int, host string) *fakeSession {
		return newFakeSession(host)
	})
	h.start()
	waitFor(t, "backoff", func() bool { return h.sleeper.count(testRestartTimeout) >= 1 })

	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if n := h.factory.count(); n != 0 {
		t.Errorf("sessions created = %d, want 0", n)
	}
	transitions := h.journal.transitionList()
	if contains(transitions, "Discovering->Connecting") {
		t.Errorf("reached Connecting: %v", transitions)
	}
	if !contains(transitions, "Discovering->Backoff") {
		t.Errorf("never entered Backoff: %v", transitions)
	}
}

func TestRun_RefreshFailureBacksOffAndReconnects(t *testing.T) {
	h := newHarness(t, testBridgeConfig(), nil, func(n int, host string) *fakeSession {
		if n > 0 {
			return newFakeSession(host, heatingReport(45.2))
		}
		// First poll after setup fails; its 50.0 must never reach the bus.
		s := newFakeSession(host, heatingReport(45.2), heatingReport(50.0))
		s.refreshErr[1] = atag.ErrConnectivity
		return s
	})
	h.start()

	waitFor(t, "second session", func() bool { return h.factory.count() >= 2 })
	waitFor(t, "polling again", func() bool { return h.bridge.State() == StatePolling })

	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	first := h.factory.session(0)
	if !first.isClosed() {
		t.Error("failed session not closed")
	}
	if h.factory.session(1) == first {
		t.Error("session reused after backoff")
	}
	if n := h.sleeper.count(testRestartTimeout); n != 1 {
		t.Errorf("backoff sleeps of %v = %d, want 1", testRestartTimeout, n)
	}

	if got := h.registry.publishedFor("centralheating/temperature"); len(got) != 0 {
		t.Errorf("temperature published during failure cycle: %v", got)
	}

	transitions := h.journal.transitionList()
	for _, want := range []string{"Polling->Backoff", "Backoff->Discovering"} {
		if !contains(transitions, want) {
			t.Errorf("missing transition %s in %v", want, transitions)
		}
	}
	h.registry.mu.Lock()
	alerts := h.registry.alerts
	h.registry.mu.Unlock()
	if alerts != 1 {
		t.Errorf("alerts = %d, want 1", alerts)
	}
	if st := h.bridge.Status(); st.Backoffs != 1 || st.RefreshFailures != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestRun_PublishesOnlyChangedProperties(t *testing.T) {
	h := newHarness(t, testBridgeConfig(), nil, func(_ int, host string) *fakeSession {
		return newFakeSession(host, heatingReport(45.2), heatingReport(45.2), heatingReport(47.0))
	})
	h.start()

	waitFor(t, "changed temperature", func() bool {
		return len(h.registry.publishedFor("centralheating/temperature")) > 0
	})
	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.registry.publishedFor("centralheating/temperature"); len(got) != 1 || got[0] != "47" {
		t.Errorf("temperature publishes = %v, want [47]", got)
	}
	if got := h.registry.publishedFor("centralheating/status"); len(got) != 0 {
		t.Errorf("unchanged status republished: %v", got)
	}
	if n := h.sleeper.count(testUpdateInterval); n < 2 {
		t.Errorf("poll sleeps = %d, want >= 2", n)
	}
}

func TestRun_SetupTimeout(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.SetupTimeout = 30 * time.Millisecond

	h := newHarness(t, cfg, nil, func(_ int, host string) *fakeSession {
		s := newFakeSession(host)
		s.authBlock = true
		return s
	})
	h.start()

	waitFor(t, "backoff", func() bool { return h.sleeper.count(testRestartTimeout) >= 1 })
	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !contains(h.journal.transitionList(), "Authorizing->Backoff") {
		t.Errorf("transitions = %v", h.journal.transitionList())
	}
	if !h.factory.session(0).isClosed() {
		t.Error("timed out session not closed")
	}
}

func TestRun_AuthorizationDeniedBacksOff(t *testing.T) {
	h := newHarness(t, testBridgeConfig(), nil, func(n int, host string) *fakeSession {
		s := newFakeSession(host, heatingReport(40))
		if n == 0 {
			s.authErr = atag.ErrAuthorization
		}
		return s
	})
	h.start()

	waitFor(t, "polling", func() bool { return h.bridge.State() == StatePolling })
	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.factory.count(); n != 2 {
		t.Errorf("sessions = %d, want 2", n)
	}
}

func TestRun_UnknownErrorIsFatal(t *testing.T) {
	boom := errors.New("boom")
	h := newHarness(t, testBridgeConfig(), nil, func(_ int, host string) *fakeSession {
		s := newFakeSession(host)
		s.authErr = boom
		return s
	})
	h.start()

	select {
	case err := <-h.done:
		if !errors.Is(err, boom) {
			t.Fatalf("Run() error = %v, want wrapping boom", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	h.cancel()

	if h.bridge.State() != StateTerminated {
		t.Errorf("State() = %v, want Terminated", h.bridge.State())
	}
	if _, _, closed := h.registry.snapshot(); !closed {
		t.Error("registry not closed")
	}
	if n := h.sleeper.count(testRestartTimeout); n != 0 {
		t.Errorf("backoff on fatal error: %d sleeps", n)
	}
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.Host = ""
	h := newHarness(t, cfg, func(context.Context, time.Duration) (string, error) {
		return "", atag.ErrDiscoveryTimeout
	}, func(_ int, host string) *fakeSession { return newFakeSession(host) })

	// Block in backoff until cancelled.
	h.bridge.sleep = func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h.start()
	waitFor(t, "backoff", func() bool { return h.bridge.State() == StateBackoff })

	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.bridge.State() != StateTerminated {
		t.Errorf("State() = %v", h.bridge.State())
	}
}

func TestRun_Twice(t *testing.T) {
	h := newHarness(t, testBridgeConfig(), nil, func(_ int, host string) *fakeSession {
		return newFakeSession(host, heatingReport(40))
	})
	h.start()
	waitFor(t, "polling", func() bool { return h.bridge.State() == StatePolling })

	if err := h.bridge.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateBackoff.String() != "Backoff" || State(99).String() != "Unknown" {
		t.Errorf("unexpected names %q %q", StateBackoff, State(99))
	}
}

func TestRun_StatusCarriesApplianceDeviceID(t *testing.T) {
	report := heatingReport(45.2)
	report[atag.FieldDeviceID] = "6808-1401-3109_15-30-001-544"
	h := newHarness(t, testBridgeConfig(), nil, func(_ int, host string) *fakeSession {
		return newFakeSession(host, report)
	})
	h.start()
	t.Cleanup(func() { h.stop(t) }) //nolint:errcheck // Run result checked elsewhere
	waitFor(t, "polling", func() bool { return h.bridge.State() == StatePolling })

	if got := h.bridge.Status().DeviceID; got != "6808-1401-3109_15-30-001-544" {
		t.Errorf("Status().DeviceID = %q", got)
	}
}
