package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/atagmqtt/internal/atag"
	"github.com/nerrad567/atagmqtt/internal/journal"
)

func startPolling(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := newHarness(t, cfg, nil, func(_ int, host string) *fakeSession {
		return newFakeSession(host, heatingReport(45.2))
	})
	h.start()
	t.Cleanup(func() { h.stop(t) }) //nolint:errcheck // Run result checked elsewhere
	waitFor(t, "polling", func() bool { return h.bridge.State() == StatePolling })
	return h
}

func waitForCommands(t *testing.T, j *fakeJournal, n int) []journal.CommandRecord {
	t.Helper()
	waitFor(t, "command outcome", func() bool { return len(j.commandList()) >= n })
	return j.commandList()
}

func TestHandleCommand_OutOfRangeMakesNoApplianceCall(t *testing.T) {
	h := startPolling(t, testBridgeConfig())

	id, err := h.bridge.HandleCommand("controls/ch-target-temperature", "99")
	if err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}

	recs := waitForCommands(t, h.journal, 1)
	if recs[0].TaskID != id || recs[0].Outcome != journal.OutcomeRejected {
		t.Errorf("record = %+v", recs[0])
	}
	if !errors.Is(recs[0].Err, atag.ErrInvalidValue) {
		t.Errorf("record error = %v, want ErrInvalidValue", recs[0].Err)
	}
	if n := h.factory.session(0).commandCount(); n != 0 {
		t.Errorf("appliance commands = %d, want 0", n)
	}
	if got := h.registry.publishedFor("controls/ch-target-temperature"); len(got) != 0 {
		t.Errorf("published %v for a rejected write", got)
	}
	if got := h.bridge.Properties()["controls/ch-target-temperature"]; got != "20" {
		t.Errorf("ch-target-temperature = %q, want unchanged 20", got)
	}
	if got := testutil.ToFloat64(h.metrics.commands.WithLabelValues(journal.OutcomeRejected)); got != 1 {
		t.Errorf("rejected commands metric = %v", got)
	}
}

func TestHandleCommand_AppliesAndPublishesOptimistically(t *testing.T) {
	h := startPolling(t, testBridgeConfig())

	if _, err := h.bridge.HandleCommand("controls/ch-target-temperature", "21.5"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}

	recs := waitForCommands(t, h.journal, 1)
	if recs[0].Outcome != journal.OutcomeOK || recs[0].Err != nil {
		t.Fatalf("record = %+v", recs[0])
	}

	sess := h.factory.session(0)
	sess.mu.Lock()
	cmds := append([]atag.Command(nil), sess.commands...)
	sess.mu.Unlock()
	want := atag.Command{Field: atag.FieldCHModeTemp, Value: 21.5}
	if len(cmds) != 1 || cmds[0] != want {
		t.Errorf("appliance commands = %+v, want [%+v]", cmds, want)
	}

	if got := h.registry.publishedFor("controls/ch-target-temperature"); len(got) != 1 || got[0] != "21.5" {
		t.Errorf("published = %v, want [21.5]", got)
	}
	if got := h.bridge.Properties()["controls/ch-target-temperature"]; got != "21.5" {
		t.Errorf("Properties() = %q, want 21.5", got)
	}
}

func TestHandleCommand_ViaRegistryCallback(t *testing.T) {
	h := startPolling(t, testBridgeConfig())

	h.registry.mu.Lock()
	onSet := h.registry.onSet
	h.registry.mu.Unlock()
	if onSet == nil {
		t.Fatal("Register received no set handler")
	}

	onSet("controls/hvac-mode", "heat")

	recs := waitForCommands(t, h.journal, 1)
	if recs[0].Property != "controls/hvac-mode" || recs[0].Outcome != journal.OutcomeOK {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestHandleCommand_SendFailureKeepsPolling(t *testing.T) {
	h := startPolling(t, testBridgeConfig())

	sess := h.factory.session(0)
	sess.mu.Lock()
	sess.sendErr = atag.ErrConnectivity
	sess.mu.Unlock()

	if _, err := h.bridge.HandleCommand("controls/dhw-target-temperature", "55"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}

	recs := waitForCommands(t, h.journal, 1)
	if recs[0].Outcome != journal.OutcomeFailed || !errors.Is(recs[0].Err, atag.ErrConnectivity) {
		t.Errorf("record = %+v", recs[0])
	}
	if h.bridge.State() != StatePolling {
		t.Errorf("State() = %v, want Polling", h.bridge.State())
	}
	if contains(h.journal.transitionList(), "Polling->Backoff") {
		t.Error("command failure moved the state machine")
	}
	if st := h.bridge.Status(); st.CommandFailures != 1 || st.Commands != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleCommand_ReadOnlyAndUnknown(t *testing.T) {
	h := startPolling(t, testBridgeConfig())

	if _, err := h.bridge.HandleCommand("centralheating/temperature", "20"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	if _, err := h.bridge.HandleCommand("controls/fan", "1"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}

	for _, rec := range waitForCommands(t, h.journal, 2) {
		if rec.Outcome != journal.OutcomeRejected {
			t.Errorf("record = %+v, want rejected", rec)
		}
	}
	if n := h.factory.session(0).commandCount(); n != 0 {
		t.Errorf("appliance commands = %d", n)
	}
}

func TestHandleCommand_NotConnected(t *testing.T) {
	h := newHarness(t, testBridgeConfig(), nil, func(_ int, host string) *fakeSession {
		return newFakeSession(host)
	})

	if _, err := h.bridge.HandleCommand("controls/hvac-mode", "auto"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}

	recs := waitForCommands(t, h.journal, 1)
	if !errors.Is(recs[0].Err, ErrNotConnected) || recs[0].Outcome != journal.OutcomeFailed {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestHandleCommand_RateLimited(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.CommandRate = 0.001
	cfg.CommandBurst = 1
	h := startPolling(t, cfg)

	if _, err := h.bridge.HandleCommand("controls/hvac-mode", "heat"); err != nil {
		t.Fatalf("first HandleCommand() error = %v", err)
	}
	if _, err := h.bridge.HandleCommand("controls/hvac-mode", "auto"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second HandleCommand() error = %v, want ErrRateLimited", err)
	}

	recs := waitForCommands(t, h.journal, 2)
	outcomes := map[string]int{}
	for _, r := range recs {
		outcomes[r.Outcome]++
	}
	if outcomes[journal.OutcomeOK] != 1 || outcomes[journal.OutcomeRejected] != 1 {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestHandleCommand_MalformedWriteKeepsRateBudget(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.CommandRate = 0.001
	cfg.CommandBurst = 1
	h := startPolling(t, cfg)

	for _, w := range []struct{ key, raw string }{
		{"controls/ch-target-temperature", "99"},
		{"controls/ch-target-temperature", "warm"},
		{"centralheating/temperature", "20"},
		{"controls/fan", "1"},
	} {
		if _, err := h.bridge.HandleCommand(w.key, w.raw); err != nil {
			t.Fatalf("HandleCommand(%s, %s) error = %v", w.key, w.raw, err)
		}
	}
	if _, err := h.bridge.HandleCommand("controls/hvac-mode", "heat"); err != nil {
		t.Fatalf("valid HandleCommand() error = %v, want the token unspent", err)
	}

	recs := waitForCommands(t, h.journal, 5)
	outcomes := map[string]int{}
	for _, r := range recs {
		outcomes[r.Outcome]++
	}
	if outcomes[journal.OutcomeRejected] != 4 || outcomes[journal.OutcomeOK] != 1 {
		t.Errorf("outcomes = %v", outcomes)
	}
}

// stallingJournal holds RecordCommand until release is closed.
type stallingJournal struct {
	*fakeJournal
	release chan struct{}
}

func (j *stallingJournal) RecordCommand(ctx context.Context, rec journal.CommandRecord) error {
	<-j.release
	return j.fakeJournal.RecordCommand(ctx, rec)
}

func TestHandleCommand_RateLimitedDoesNotWaitForJournal(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.CommandRate = 0.001
	cfg.CommandBurst = 1
	j := &stallingJournal{fakeJournal: &fakeJournal{}, release: make(chan struct{})}

	b, err := New(Options{
		Config: cfg,
		NewSession: func(host string) Session {
			return newFakeSession(host, heatingReport(45.2))
		},
		Registry: &fakeRegistry{},
		Journal:  j,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.sleep = (&sleeper{}).sleep

	release := sync.OnceFunc(func() { close(j.release) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	defer func() {
		release()
		cancel()
		<-done
	}()
	waitFor(t, "polling", func() bool { return b.State() == StatePolling })

	returned := make(chan error, 2)
	go func() {
		_, err := b.HandleCommand("controls/hvac-mode", "heat")
		returned <- err
		_, err = b.HandleCommand("controls/hvac-mode", "auto")
		returned <- err
	}()

	for i, want := range []error{nil, ErrRateLimited} {
		select {
		case err := <-returned:
			if !errors.Is(err, want) {
				t.Errorf("HandleCommand() #%d error = %v, want %v", i+1, err, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("HandleCommand() #%d blocked on the journal", i+1)
		}
	}

	release()
	waitFor(t, "journaled outcomes", func() bool { return len(j.commandList()) == 2 })
}

// countingSession records how many session calls run at once.
type countingSession struct {
	*fakeSession
	active atomic.Int32
	peak   atomic.Int32
}

func (s *countingSession) enter() func() {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return func() { s.active.Add(-1) }
}

func (s *countingSession) Refresh(ctx context.Context) (atag.Report, error) {
	defer s.enter()()
	return s.fakeSession.Refresh(ctx)
}

func (s *countingSession) SendCommand(ctx context.Context, cmd atag.Command) error {
	defer s.enter()()
	return s.fakeSession.SendCommand(ctx, cmd)
}

func TestSessionCallsAreSerialized(t *testing.T) {
	const commands = 20

	var sess *countingSession
	j := &fakeJournal{}
	b, err := New(Options{
		Config: testBridgeConfig(),
		NewSession: func(host string) Session {
			sess = &countingSession{fakeSession: newFakeSession(host, heatingReport(45.2))}
			return sess
		},
		Registry: &fakeRegistry{},
		Journal:  j,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.sleep = (&sleeper{}).sleep

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	waitFor(t, "polling", func() bool { return b.State() == StatePolling })

	var wg sync.WaitGroup
	for i := range commands {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value := fmt.Sprintf("%d", 15+i%8)
			if _, err := b.HandleCommand("controls/ch-target-temperature", value); err != nil {
				t.Errorf("HandleCommand() error = %v", err)
			}
		}()
	}
	wg.Wait()

	for _, rec := range waitForCommands(t, j, commands) {
		if rec.Outcome != journal.OutcomeOK {
			t.Errorf("record = %+v", rec)
		}
	}
	if got := sess.commandCount(); got != commands {
		t.Errorf("appliance commands = %d, want %d", got, commands)
	}
	if peak := sess.peak.Load(); peak != 1 {
		t.Errorf("concurrent session calls = %d, want 1", peak)
	}
}

func TestRefresh_RepublishesChangedLimits(t *testing.T) {
	h := startPolling(t, testBridgeConfig())

	// 68 is outside the default DHW range.
	wider := atag.DefaultLimits()
	wider.DHWMax = 70
	sess := h.factory.session(0)
	sess.mu.Lock()
	sess.limits = wider
	sess.mu.Unlock()

	waitFor(t, "limits republished", func() bool { return h.registry.advertised() == wider })
	if got := h.bridge.Limits(); got != wider {
		t.Errorf("Limits() = %+v, want %+v", got, wider)
	}

	if _, err := h.bridge.HandleCommand("controls/dhw-target-temperature", "68"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	recs := waitForCommands(t, h.journal, 1)
	if recs[0].Outcome != journal.OutcomeOK {
		t.Errorf("record = %+v, want ok", recs[0])
	}

	h.registry.mu.Lock()
	updates := len(h.registry.updates)
	h.registry.mu.Unlock()
	if updates != 1 {
		t.Errorf("UpdateLimits calls = %d, want 1", updates)
	}
}

func TestRefresh_EnforcesAdvertisedLimitsUntilRepublished(t *testing.T) {
	h := startPolling(t, testBridgeConfig())

	h.registry.mu.Lock()
	h.registry.limitsErr = errors.New("broker unavailable")
	h.registry.mu.Unlock()

	wider := atag.DefaultLimits()
	wider.DHWMax = 70
	sess := h.factory.session(0)
	sess.mu.Lock()
	sess.limits = wider
	seen := sess.refreshes
	sess.mu.Unlock()

	waitFor(t, "refreshes", func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.refreshes >= seen+2
	})
	if got := h.bridge.Limits(); got != atag.DefaultLimits() {
		t.Errorf("Limits() = %+v, want the advertised defaults", got)
	}

	if _, err := h.bridge.HandleCommand("controls/dhw-target-temperature", "68"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	recs := waitForCommands(t, h.journal, 1)
	if recs[0].Outcome != journal.OutcomeRejected || !errors.Is(recs[0].Err, atag.ErrInvalidValue) {
		t.Errorf("record = %+v, want rejected", recs[0])
	}
	if n := sess.commandCount(); n != 0 {
		t.Errorf("appliance commands = %d, want 0", n)
	}

	h.registry.mu.Lock()
	h.registry.limitsErr = nil
	h.registry.mu.Unlock()
	waitFor(t, "limits republished", func() bool { return h.bridge.Limits() == wider })
}

func TestHandleCommand_AfterStop(t *testing.T) {
	h := newHarness(t, testBridgeConfig(), nil, func(_ int, host string) *fakeSession {
		return newFakeSession(host, heatingReport(45.2))
	})
	h.start()
	waitFor(t, "polling", func() bool { return h.bridge.State() == StatePolling })
	if err := h.stop(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := h.bridge.HandleCommand("controls/hvac-mode", "heat"); !errors.Is(err, ErrStopped) {
		t.Errorf("HandleCommand() error = %v, want ErrStopped", err)
	}
}

// blockingSession holds SendCommand until its context ends.
type blockingSession struct {
	*fakeSession
	started chan struct{}
}

func (s *blockingSession) SendCommand(ctx context.Context, _ atag.Command) error {
	close(s.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownWaitsForInFlightCommands(t *testing.T) {
	started := make(chan struct{})
	reg := &fakeRegistry{}
	j := &fakeJournal{}

	b, err := New(Options{
		Config: testBridgeConfig(),
		NewSession: func(host string) Session {
			return &blockingSession{fakeSession: newFakeSession(host, heatingReport(45.2)), started: started}
		},
		Registry: reg,
		Journal:  j,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.sleep = (&sleeper{}).sleep

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	waitFor(t, "polling", func() bool { return b.State() == StatePolling })

	if _, err := b.HandleCommand("controls/hvac-mode", "heat"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("command never reached the appliance")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	// The task finished before Run returned.
	recs := j.commandList()
	if len(recs) != 1 || recs[0].Outcome != journal.OutcomeCancelled {
		t.Errorf("records = %+v, want one cancelled", recs)
	}
}

func TestCommandOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, journal.OutcomeOK},
		{atag.ErrInvalidValue, journal.OutcomeRejected},
		{ErrRateLimited, journal.OutcomeRejected},
		{context.Canceled, journal.OutcomeCancelled},
		{context.DeadlineExceeded, journal.OutcomeFailed},
		{atag.ErrConnectivity, journal.OutcomeFailed},
		{ErrNotConnected, journal.OutcomeFailed},
	}
	for _, tt := range tests {
		if got := commandOutcome(tt.err); got != tt.want {
			t.Errorf("commandOutcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
