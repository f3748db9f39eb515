package homie

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/atagmqtt/internal/atag"
	"github.com/nerrad567/atagmqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/atagmqtt/internal/properties"
)

// Version is the Homie convention version announced in $homie.
const Version = "3.0.1"

// Device states.
const (
	StateInit         = "init"
	StateReady        = "ready"
	StateDisconnected = "disconnected"
	StateLost         = "lost"
	StateAlert        = "alert"
)

const defaultStatsInterval = 60 * time.Second

// ErrNotRegistered is returned by Publish before Register.
var ErrNotRegistered = errors.New("homie: device not registered")

// Publisher is the MQTT surface the device needs.
// Implemented by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Logger is the logging interface used by the device.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SetHandler receives inbound property writes. key is "<node>/<property>".
// It is called on the MQTT delivery goroutine and must not block.
type SetHandler func(key, value string)

// Config describes the device.
type Config struct {
	Topic           string
	DeviceID        string
	Name            string
	FirmwareName    string
	FirmwareVersion string
	Implementation  string
	StatsInterval   time.Duration
	QoS             byte
}

// attr is one retained topic/value pair of the device tree.
type attr struct{ topic, value string }

// Device is a Homie device backed by a Publisher.
//
// Thread Safety: all methods are safe for concurrent use.
type Device struct {
	pub    Publisher
	cfg    Config
	logger Logger

	mu         sync.Mutex
	registered bool
	state      string
	specs      map[string]properties.Spec
	order      []properties.Spec
	limits     atag.Limits
	values     properties.State

	// onSet has its own lock so MQTT delivery never waits on a publish.
	onSet     SetHandler
	handlerMu sync.RWMutex

	started  time.Time
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDevice creates an unregistered device.
func NewDevice(pub Publisher, cfg Config, logger Logger) (*Device, error) {
	if pub == nil {
		return nil, errors.New("homie: publisher is required")
	}
	if cfg.Topic == "" || cfg.DeviceID == "" {
		return nil, errors.New("homie: topic and device id are required")
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.Name == "" {
		cfg.Name = cfg.DeviceID
	}

	return &Device{
		pub:     pub,
		cfg:     cfg,
		logger:  logger,
		values:  make(properties.State),
		started: time.Now(),
		done:    make(chan struct{}),
	}, nil
}

// StateTopic returns the $state topic, for use as the MQTT Last Will.
func (d *Device) StateTopic() string {
	return d.topic("$state")
}

// SetTopicFilter returns the subscription filter for property writes.
func (d *Device) SetTopicFilter() string {
	return d.topic("+", "+", "set")
}

// Register announces the device with the given properties and first values,
// subscribes to writes, and moves $state from init to ready. Calling it again
// re-announces everything (appliance limits may have changed) and restores
// the ready state after an Alert.
func (d *Device) Register(specs []properties.Spec, limits atag.Limits, initial properties.State, onSet func(key, value string)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	first := !d.registered

	d.specs = make(map[string]properties.Spec, len(specs))
	d.order = append([]properties.Spec(nil), specs...)
	for _, s := range specs {
		d.specs[s.Key()] = s
	}
	d.limits = limits
	d.handlerMu.Lock()
	d.onSet = onSet
	d.handlerMu.Unlock()
	for k, v := range initial {
		d.values[k] = v
	}

	if err := d.announceLocked(); err != nil {
		return err
	}

	if first {
		if err := d.pub.Subscribe(d.SetTopicFilter(), d.cfg.QoS, d.handleSet); err != nil {
			return fmt.Errorf("homie: subscribing to %s: %w", d.SetTopicFilter(), err)
		}
		d.registered = true
		d.wg.Add(1)
		go d.statsLoop()
	}

	if err := d.setStateLocked(StateReady); err != nil {
		return err
	}

	d.logInfo("homie device ready", "device", d.topic(), "properties", len(specs))
	return nil
}

// Publish sends a new value for key ("<node>/<property>").
func (d *Device) Publish(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.registered {
		return ErrNotRegistered
	}
	spec, ok := d.specs[key]
	if !ok {
		return fmt.Errorf("%w: %q", properties.ErrUnknownProperty, key)
	}

	d.values[key] = value
	return d.publish(d.topic(spec.Node, spec.ID), value)
}

// UpdateLimits republishes the $format and $unit attributes that differ under
// limits. On error the previous limits are kept, so a retry republishes them.
func (d *Device) UpdateLimits(limits atag.Limits) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.registered {
		return ErrNotRegistered
	}
	if limits == d.limits {
		return nil
	}

	for _, s := range d.order {
		if f := s.Format(limits); f != "" && f != s.Format(d.limits) {
			if err := d.publish(d.topic(s.Node, s.ID, "$format"), f); err != nil {
				return err
			}
		}
		if u := s.UnitFor(limits); u != "" && u != s.UnitFor(d.limits) {
			if err := d.publish(d.topic(s.Node, s.ID, "$unit"), u); err != nil {
				return err
			}
		}
	}

	d.logInfo("homie property limits updated", "device", d.topic())
	d.limits = limits
	return nil
}

// Alert marks the device as alerting, used while the appliance is unreachable.
func (d *Device) Alert() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.registered {
		return nil
	}
	return d.setStateLocked(StateAlert)
}

// Reannounce republishes the whole tree, for use after an MQTT reconnect.
func (d *Device) Reannounce() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.registered {
		return nil
	}
	prev := d.state
	if err := d.announceLocked(); err != nil {
		return err
	}
	return d.setStateLocked(prev)
}

// State returns the last published $state.
func (d *Device) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Close stops the stats loop, drops the write subscription and publishes
// $state=disconnected. Safe to call multiple times.
func (d *Device) Close() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()

		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.registered {
			return
		}
		if uerr := d.pub.Unsubscribe(d.SetTopicFilter()); uerr != nil && !errors.Is(uerr, mqtt.ErrNotConnected) {
			d.logWarn("failed to unsubscribe", "topic", d.SetTopicFilter(), "error", uerr)
		}
		err = d.setStateLocked(StateDisconnected)
		d.registered = false
	})
	return err
}

// announceLocked publishes device, node and property attributes plus values.
func (d *Device) announceLocked() error {
	if err := d.setStateLocked(StateInit); err != nil {
		return err
	}

	nodeProps := make(map[string][]string)
	var nodeOrder []string
	for _, s := range d.order {
		if _, seen := nodeProps[s.Node]; !seen {
			nodeOrder = append(nodeOrder, s.Node)
		}
		nodeProps[s.Node] = append(nodeProps[s.Node], s.ID)
	}

	attrs := []attr{
		{d.topic("$homie"), Version},
		{d.topic("$name"), d.cfg.Name},
		{d.topic("$nodes"), strings.Join(nodeOrder, ",")},
		{d.topic("$implementation"), d.cfg.Implementation},
		{d.topic("$fw", "name"), d.cfg.FirmwareName},
		{d.topic("$fw", "version"), d.cfg.FirmwareVersion},
		{d.topic("$stats", "interval"), strconv.Itoa(int(d.cfg.StatsInterval / time.Second))},
	}

	nodeInfo := make(map[string]properties.Node)
	for _, n := range properties.Nodes() {
		nodeInfo[n.ID] = n
	}
	for _, id := range nodeOrder {
		n, ok := nodeInfo[id]
		if !ok {
			n = properties.Node{ID: id, Name: id, Type: "status"}
		}
		attrs = append(attrs,
			attr{d.topic(id, "$name"), n.Name},
			attr{d.topic(id, "$type"), n.Type},
			attr{d.topic(id, "$properties"), strings.Join(nodeProps[id], ",")},
		)
	}

	for _, s := range d.order {
		attrs = append(attrs,
			attr{d.topic(s.Node, s.ID, "$name"), s.Name},
			attr{d.topic(s.Node, s.ID, "$datatype"), string(s.Kind)},
			attr{d.topic(s.Node, s.ID, "$settable"), strconv.FormatBool(s.Settable)},
		)
		if u := s.UnitFor(d.limits); u != "" {
			attrs = append(attrs, attr{d.topic(s.Node, s.ID, "$unit"), u})
		}
		if f := s.Format(d.limits); f != "" {
			attrs = append(attrs, attr{d.topic(s.Node, s.ID, "$format"), f})
		}
		if v, ok := d.values[s.Key()]; ok {
			attrs = append(attrs, attr{d.topic(s.Node, s.ID), v})
		}
	}

	for _, a := range attrs {
		if a.value == "" {
			continue
		}
		if err := d.publish(a.topic, a.value); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) setStateLocked(state string) error {
	if err := d.publish(d.StateTopic(), state); err != nil {
		return err
	}
	d.state = state
	return nil
}

// handleSet routes <topic>/<device>/<node>/<property>/set to the SetHandler.
func (d *Device) handleSet(topic string, payload []byte) error {
	if !mqtt.TopicMatches(d.SetTopicFilter(), topic) {
		return fmt.Errorf("homie: unexpected topic %s", topic)
	}
	rest := strings.TrimPrefix(topic, d.topic()+"/")
	key := strings.TrimSuffix(rest, "/set")

	d.handlerMu.RLock()
	handler := d.onSet
	d.handlerMu.RUnlock()

	if handler == nil {
		return nil
	}
	d.logDebug("property write received", "property", key, "value", string(payload))
	handler(key, string(payload))
	return nil
}

// statsLoop publishes $stats/uptime every StatsInterval.
func (d *Device) statsLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

	d.publishUptime()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.publishUptime()
		}
	}
}

func (d *Device) publishUptime() {
	uptime := strconv.Itoa(int(time.Since(d.started) / time.Second))
	if err := d.publish(d.topic("$stats", "uptime"), uptime); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		d.logWarn("failed to publish uptime", "error", err)
	}
}

func (d *Device) publish(topic, value string) error {
	if err := d.pub.Publish(topic, []byte(value), d.cfg.QoS, true); err != nil {
		return fmt.Errorf("homie: publishing %s: %w", topic, err)
	}
	return nil
}

func (d *Device) topic(levels ...string) string {
	return mqtt.JoinTopic(append([]string{d.cfg.Topic, d.cfg.DeviceID}, levels...)...)
}

func (d *Device) logDebug(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, args...)
	}
}

func (d *Device) logInfo(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(msg, args...)
	}
}

func (d *Device) logWarn(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	}
}
