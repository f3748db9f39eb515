package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/atagmqtt/internal/atag"
	"github.com/nerrad567/atagmqtt/internal/journal"
	"github.com/nerrad567/atagmqtt/internal/properties"
)

// journalTimeout bounds a journal write, which outlives cancellation.
const journalTimeout = 2 * time.Second

// Session is one authorized connection to the appliance.
// Implemented by *atag.Session.
type Session interface {
	Host() string
	ConnectAndAuthorize(ctx context.Context) error
	Refresh(ctx context.Context) (atag.Report, error)
	SendCommand(ctx context.Context, cmd atag.Command) error
	Limits() atag.Limits
	Close() error
}

// SessionFactory creates a fresh, unauthorized session for host.
type SessionFactory func(host string) Session

// Discoverer finds the appliance address on the LAN within timeout.
type Discoverer func(ctx context.Context, timeout time.Duration) (string, error)

// Registry publishes properties to the bus. Implemented by *homie.Device.
type Registry interface {
	// Register announces all properties with their first values and moves
	// the device to ready. It is called after every (re)connect.
	Register(specs []properties.Spec, limits atag.Limits, initial properties.State, onSet func(key, value string)) error
	Publish(key, value string) error
	// UpdateLimits republishes the ranges and units that changed since
	// Register. Writes are only checked against limits it accepted.
	UpdateLimits(limits atag.Limits) error
	// Alert flags the device while the appliance is unreachable.
	Alert() error
	Close() error
}

// Journal records transitions and command outcomes. Implemented by
// *journal.Repository.
type Journal interface {
	RecordTransition(ctx context.Context, from, to, reason string) error
	RecordCommand(ctx context.Context, rec journal.CommandRecord) error
}

// Telemetry receives every published property value. Implemented by
// *influxdb.Client.
type Telemetry interface {
	WriteProperty(key, value string, at time.Time)
}

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the bridge timing.
type Config struct {
	// Host is the appliance address; empty means discover it.
	Host string

	UpdateInterval time.Duration
	SetupTimeout   time.Duration
	RestartTimeout time.Duration
	CommandTimeout time.Duration

	// CommandRate is the sustained command rate per second, zero for
	// unlimited. CommandBurst is the bucket size.
	CommandRate  float64
	CommandBurst int
}

// Options holds the dependencies of a Bridge.
type Options struct {
	Config     Config
	NewSession SessionFactory
	Discover   Discoverer
	Registry   Registry

	// Optional.
	Journal   Journal
	Telemetry Telemetry
	Metrics   *Metrics
	Logger    Logger
}

// Status is a point-in-time view of the bridge for the status API.
type Status struct {
	State           string    `json:"state"`
	Since           time.Time `json:"since"`
	Host            string    `json:"host,omitempty"`
	DeviceID        string    `json:"device_id,omitempty"`
	LastRefresh     time.Time `json:"last_refresh,omitzero"`
	ReportTime      string    `json:"report_time,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Refreshes       uint64    `json:"refreshes"`
	RefreshFailures uint64    `json:"refresh_failures"`
	Commands        uint64    `json:"commands"`
	CommandFailures uint64    `json:"command_failures"`
	Backoffs        uint64    `json:"backoffs"`
}

// Bridge synchronizes one appliance with one Registry.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Bridge struct {
	cfg        Config
	newSession SessionFactory
	discover   Discoverer
	registry   Registry
	journal    Journal
	telemetry  Telemetry
	metrics    *Metrics
	logger     Logger
	limiter    *rate.Limiter

	// mu serializes the session and the published state.
	mu      sync.Mutex
	session Session
	current properties.State
	limits  atag.Limits

	// statusMu guards the snapshot served by Status and Properties.
	statusMu sync.RWMutex
	status     Status
	state      State
	snapshot   properties.State
	advertised atag.Limits

	// Command tasks.
	taskMu     sync.Mutex
	stopped    bool
	tasks      sync.WaitGroup
	taskCtx    context.Context
	taskCancel context.CancelFunc

	running atomic.Bool
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// New creates a Bridge in the Idle state.
func New(opts Options) (*Bridge, error) {
	if opts.NewSession == nil {
		return nil, errors.New("bridge: session factory is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("bridge: registry is required")
	}
	if opts.Config.Host == "" && opts.Discover == nil {
		return nil, errors.New("bridge: discoverer is required without a host")
	}
	cfg := opts.Config
	if cfg.UpdateInterval <= 0 || cfg.SetupTimeout <= 0 || cfg.RestartTimeout <= 0 {
		return nil, errors.New("bridge: update interval, setup timeout and restart timeout must be positive")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = cfg.SetupTimeout
	}

	var limiter *rate.Limiter
	if cfg.CommandRate > 0 {
		burst := max(cfg.CommandBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.CommandRate), burst)
	}

	taskCtx, taskCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:        cfg,
		newSession: opts.NewSession,
		discover:   opts.Discover,
		registry:   opts.Registry,
		journal:    opts.Journal,
		telemetry:  opts.Telemetry,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		limiter:    limiter,
		current:    make(properties.State),
		limits:     atag.DefaultLimits(),
		snapshot:   make(properties.State),
		advertised: atag.DefaultLimits(),
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	b.status.State = StateIdle.String()
	b.status.Since = b.now()
	b.metrics.setState(StateIdle, StateIdle)
	return b, nil
}

// Run drives the state machine until ctx is cancelled, then releases the
// session and the registry. It returns nil on cancellation and a wrapped
// error for any failure that is not an appliance or registry fault.
func (b *Bridge) Run(ctx context.Context) (err error) {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	// In-flight commands may hold the session lock; release them as soon
	// as ctx ends.
	stopTasks := context.AfterFunc(ctx, b.taskCancel)
	defer stopTasks()
	defer func() {
		reason := "cancelled"
		if err != nil {
			reason = err.Error()
		}
		b.shutdown(reason)
	}()

	b.transition(StateDiscovering, "start")

	for {
		err := b.setup(ctx)
		if err == nil {
			err = b.poll(ctx)
		}

		if ctx.Err() != nil {
			return nil
		}
		if !retryable(err) {
			b.logError("unrecoverable bridge error", "error", err)
			return fmt.Errorf("bridge: %w", err)
		}

		if err := b.backoff(ctx, err); err != nil {
			return nil
		}
		b.transition(StateDiscovering, "retry")
	}
}

// setup runs Discovering through the first refresh under the setup timeout
// and leaves the bridge Polling with a registered device.
func (b *Bridge) setup(ctx context.Context) error {
	setupCtx, cancel := context.WithTimeout(ctx, b.cfg.SetupTimeout)
	defer cancel()

	err := b.connect(setupCtx)
	if err != nil && ctx.Err() == nil && errors.Is(setupCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrSetupTimeout, b.cfg.SetupTimeout, err)
	}
	return err
}

func (b *Bridge) connect(ctx context.Context) error {
	host := b.cfg.Host
	if host == "" {
		found, err := b.discover(ctx, b.cfg.SetupTimeout)
		if err != nil {
			return err
		}
		host = found
	}

	b.transition(StateConnecting, host)
	sess := b.newSession(host)

	b.transition(StateAuthorizing, host)
	if err := sess.ConnectAndAuthorize(ctx); err != nil {
		closeSession(sess)
		return err
	}

	report, err := sess.Refresh(ctx)
	b.recordRefresh(report, err)
	if err != nil {
		closeSession(sess)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	next := properties.ToPublished(report, b.current)
	limits := sess.Limits()
	if err := b.registry.Register(properties.Specs(), limits, next.Clone(), b.onSet); err != nil {
		closeSession(sess)
		return fmt.Errorf("%w: registering device: %w", ErrRegistry, err)
	}

	b.session = sess
	b.current = next
	b.setLimits(limits)
	b.updateSnapshot(next, host)

	deviceID, _ := report.String(atag.FieldDeviceID)
	b.statusMu.Lock()
	b.status.DeviceID = deviceID
	b.statusMu.Unlock()
	b.logInfo("appliance connected", "host", host, "device_id", deviceID)
	b.metrics.publish(len(next))
	b.writeTelemetry(next, properties.ChangedKeys(nil, next))

	b.transition(StatePolling, host)
	return nil
}

// poll refreshes every update interval until a refresh fails or ctx ends.
func (b *Bridge) poll(ctx context.Context) error {
	for {
		if err := b.sleep(ctx, b.cfg.UpdateInterval); err != nil {
			return err
		}
		if err := b.refresh(ctx); err != nil {
			return err
		}
	}
}

// refresh fetches one report and publishes the properties that changed.
// Nothing is published when the refresh fails.
func (b *Bridge) refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return fmt.Errorf("%w: no session", atag.ErrConnectivity)
	}

	report, err := b.session.Refresh(ctx)
	b.recordRefresh(report, err)
	if err != nil {
		return err
	}
	if limits := b.session.Limits(); limits != b.limits {
		if err := b.registry.UpdateLimits(limits); err != nil {
			// Keep enforcing the advertised limits; the next refresh retries.
			b.logWarn("failed to republish property limits", "error", err)
		} else {
			b.setLimits(limits)
		}
	}

	next := properties.ToPublished(report, b.current)
	changed := properties.ChangedKeys(b.current, next)
	published := make([]string, 0, len(changed))

	for _, key := range changed {
		if err := b.registry.Publish(key, next[key]); err != nil {
			// Keep the old value so the next refresh retries it.
			b.logWarn("failed to publish property", "property", key, "error", err)
			if old, ok := b.current[key]; ok {
				next[key] = old
			} else {
				delete(next, key)
			}
			continue
		}
		published = append(published, key)
	}

	b.current = next
	b.updateSnapshot(next, b.session.Host())
	b.metrics.publish(len(published))
	b.writeTelemetry(next, published)

	if len(published) > 0 {
		b.logDebug("properties published", "changed", published)
	}
	return nil
}

// recordRefresh logs and counts one refresh attempt.
func (b *Bridge) recordRefresh(report atag.Report, err error) {
	at := b.now()
	b.metrics.refresh(err, at)

	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	if err != nil {
		b.status.RefreshFailures++
		b.status.LastError = err.Error()
		return
	}

	b.status.Refreshes++
	b.status.LastRefresh = at
	reportTime, _ := report.Int(atag.FieldReportTime)
	b.status.ReportTime = ""
	if reportTime > 0 {
		b.status.ReportTime = time.Unix(int64(reportTime), 0).UTC().Format(time.RFC3339)
	}
	b.logInfo("updated", "report_time", b.status.ReportTime)
}

// backoff discards the session, flags the device and waits exactly the
// restart timeout. It returns ctx.Err() if cancelled while waiting.
func (b *Bridge) backoff(ctx context.Context, cause error) error {
	b.transition(StateBackoff, cause.Error())
	b.logWarn("appliance session failed, retrying",
		"error", cause,
		"retry_in", b.cfg.RestartTimeout)

	b.mu.Lock()
	if b.session != nil {
		closeSession(b.session)
		b.session = nil
	}
	b.mu.Unlock()

	if err := b.registry.Alert(); err != nil {
		b.logWarn("failed to flag device alert", "error", err)
	}

	return b.sleep(ctx, b.cfg.RestartTimeout)
}

// shutdown stops command tasks, closes the session and the registry, and
// enters Terminated.
func (b *Bridge) shutdown(reason string) {
	b.taskMu.Lock()
	b.stopped = true
	b.taskMu.Unlock()

	b.taskCancel()
	b.tasks.Wait()

	b.mu.Lock()
	if b.session != nil {
		closeSession(b.session)
		b.session = nil
	}
	b.mu.Unlock()

	b.transition(StateTerminated, reason)

	if err := b.registry.Close(); err != nil {
		b.logWarn("failed to close registry", "error", err)
	}
}

// transition moves the state machine, logging and journaling the change.
func (b *Bridge) transition(to State, reason string) {
	b.statusMu.Lock()
	from := b.state
	b.state = to
	b.status.State = to.String()
	b.status.Since = b.now()
	if to == StateBackoff {
		b.status.Backoffs++
	}
	b.statusMu.Unlock()

	b.metrics.setState(from, to)
	b.logInfo("state transition", "from", from.String(), "to", to.String(), "reason", reason)

	if b.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := b.journal.RecordTransition(ctx, from.String(), to.String(), reason); err != nil {
		b.logWarn("failed to journal transition", "error", err)
	}
}

// setLimits replaces the limits commands are checked against. Callers hold mu.
func (b *Bridge) setLimits(l atag.Limits) {
	b.limits = l
	b.statusMu.Lock()
	b.advertised = l
	b.statusMu.Unlock()
}

func (b *Bridge) updateSnapshot(state properties.State, host string) {
	b.statusMu.Lock()
	b.snapshot = state.Clone()
	b.status.Host = host
	b.statusMu.Unlock()
}

func (b *Bridge) writeTelemetry(state properties.State, keys []string) {
	if b.telemetry == nil {
		return
	}
	at := b.now()
	for _, k := range keys {
		b.telemetry.WriteProperty(k, state[k], at)
	}
}

// State returns the current state.
func (b *Bridge) State() State {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.state
}

// Status returns a copy of the bridge status.
func (b *Bridge) Status() Status {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

// Properties returns a copy of the last published property values.
func (b *Bridge) Properties() properties.State {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.snapshot.Clone()
}

// Limits returns the command ranges currently advertised on the registry.
func (b *Bridge) Limits() atag.Limits {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.advertised
}

func closeSession(s Session) {
	_ = s.Close() //nolint:errcheck // session is discarded either way
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *Bridge) logDebug(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, args...)
	}
}

func (b *Bridge) logInfo(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Info(msg, args...)
	}
}

func (b *Bridge) logWarn(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
}

func (b *Bridge) logError(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Error(msg, args...)
	}
}
