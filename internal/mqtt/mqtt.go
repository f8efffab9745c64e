// Package mqtt is the pub/sub supervisor adapter. It normalises broker
// commands onto the charge controller's public API and publishes observable
// state, retained, on value change only.
//
// Topic map for device id D:
//
//	subscribe: evse/D/command, evse/D/setCurrent, evse/D/test/current,
//	           evse/D/setAllowBelow6AmpCharging, evse/D/setFailsafe,
//	           evse/D/setFailsafeTimeout, evse/D/config/rcm
//	publish:   evse/D/state (0=Ready, 1=Charging, "offline" via LWT),
//	           evse/D/vehicleState (0..5), evse/D/current ("l1,l2,l3"),
//	           evse/D/pwmDuty, evse/D/allowBelow6AmpCharging,
//	           evse/D/lowLimitResumeDelay, evse/D/rcm/enabled,
//	           evse/D/rcm/fault, evse/D/failsafe, evse/D/failsafeTimeout
//
// Command payloads are short ASCII; booleans accept
// 1/0/on/off/true/false/enable/disable interchangeably.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NOELV70/EVSE-SyncCharge/internal/controller"
	"github.com/NOELV70/EVSE-SyncCharge/internal/pilot"
)

// Charger is the slice of the charge controller the adapter drives. No
// privileged access: these are the same public operations every supervisor
// uses.
type Charger interface {
	StartCharging()
	StopCharging()
	PauseCharging()
	SetCurrentLimit(amps float64)
	SetAllowBelowMinCharging(allow bool)
	SetRCMEnabled(enabled bool)
	SignalThrottleAlive()
	EnableCurrentTest(enable bool)
	SetCurrentTest(amps float64)
	Snapshot() controller.Snapshot
}

// Conn is the broker connection. The real implementation wraps paho; the
// fake records publishes and injects messages.
type Conn interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload string) error
	Subscribe(topics []string) error
	Close()
}

// Topics is the per-device topic map.
type Topics struct {
	Command            string
	SetCurrent         string
	CurrentTest        string
	SetAllowBelowMin   string
	SetFailsafe        string
	SetFailsafeTimeout string
	RCMConfig          string

	State               string
	VehicleState        string
	Current             string
	PWMDuty             string
	AllowBelowMin       string
	LowLimitResumeDelay string
	RCMEnabled          string
	RCMFault            string
	Failsafe            string
	FailsafeTimeout     string
}

// NewTopics builds the topic map for a device id.
func NewTopics(deviceID string) Topics {
	p := "evse/" + deviceID + "/"
	return Topics{
		Command:            p + "command",
		SetCurrent:         p + "setCurrent",
		CurrentTest:        p + "test/current",
		SetAllowBelowMin:   p + "setAllowBelow6AmpCharging",
		SetFailsafe:        p + "setFailsafe",
		SetFailsafeTimeout: p + "setFailsafeTimeout",
		RCMConfig:          p + "config/rcm",

		State:               p + "state",
		VehicleState:        p + "vehicleState",
		Current:             p + "current",
		PWMDuty:             p + "pwmDuty",
		AllowBelowMin:       p + "allowBelow6AmpCharging",
		LowLimitResumeDelay: p + "lowLimitResumeDelay",
		RCMEnabled:          p + "rcm/enabled",
		RCMFault:            p + "rcm/fault",
		Failsafe:            p + "failsafe",
		FailsafeTimeout:     p + "failsafeTimeout",
	}
}

// Broker fail-safe timeout bounds.
const (
	minFailsafeTimeout = 10 * time.Second
	maxFailsafeTimeout = 3600 * time.Second
)

// offlineBacklogLimit bounds how many distinct retained topics are queued
// while the broker is unreachable.
const offlineBacklogLimit = 64

// Adapter connects the broker to the charge controller.
type Adapter struct {
	mu       sync.Mutex
	conn     Conn
	evse     Charger
	topics   Topics
	deviceID string
	logger   *log.Logger
	now      func() time.Time

	backlog *backlog

	fsEnabled         bool
	fsTimeout         time.Duration
	fsStopped         bool
	disconnectedSince time.Time

	fsCallback        func(enabled bool, timeout time.Duration)
	rcmConfigCallback func(enabled bool)

	lastPayload map[string]string
}

// NewAdapter creates an Adapter for the given device id. A nil logger uses
// the default logger.
func NewAdapter(conn Conn, evse Charger, deviceID string, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{
		conn:        conn,
		evse:        evse,
		topics:      NewTopics(deviceID),
		deviceID:    deviceID,
		logger:      logger,
		now:         time.Now,
		backlog:     newBacklog(offlineBacklogLimit),
		fsTimeout:   600 * time.Second,
		lastPayload: make(map[string]string),
	}
}

// Topics returns the adapter's topic map.
func (a *Adapter) Topics() Topics { return a.topics }

// SetFailsafeConfig seeds the broker fail-safe from persisted configuration.
// The timeout is clamped to [10 s, 1 h].
func (a *Adapter) SetFailsafeConfig(enabled bool, timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fsEnabled = enabled
	a.fsTimeout = clampFailsafeTimeout(timeout)
}

// OnFailsafeCommand registers a callback fired when the fail-safe
// configuration changes over the broker (used to persist it).
func (a *Adapter) OnFailsafeCommand(cb func(enabled bool, timeout time.Duration)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fsCallback = cb
}

// OnRCMConfigChanged registers a callback fired when RCM supervision is
// toggled over the broker.
func (a *Adapter) OnRCMConfigChanged(cb func(enabled bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rcmConfigCallback = cb
}

// HandleConnect runs on every (re)connect: subscribe to the command topics,
// sync retained configuration state, publish discovery descriptors and
// replay anything buffered while offline.
func (a *Adapter) HandleConnect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Printf("[MQTT] connected")
	a.disconnectedSince = time.Time{}
	a.fsStopped = false

	if err := a.conn.Subscribe([]string{
		a.topics.Command,
		a.topics.SetCurrent,
		a.topics.CurrentTest,
		a.topics.SetAllowBelowMin,
		a.topics.SetFailsafe,
		a.topics.SetFailsafeTimeout,
		a.topics.RCMConfig,
	}); err != nil {
		a.logger.Printf("[MQTT] subscribe failed: %v", err)
	}

	snap := a.evse.Snapshot()
	a.publishRetained(a.topics.AllowBelowMin, boolPayload(snap.AllowBelowMin))
	a.publishRetained(a.topics.LowLimitResumeDelay, strconv.FormatInt(snap.LowLimitResumeDelay.Milliseconds(), 10))
	a.publishRetained(a.topics.Failsafe, boolPayload(a.fsEnabled))
	a.publishRetained(a.topics.FailsafeTimeout, strconv.Itoa(int(a.fsTimeout/time.Second)))
	a.publishRetained(a.topics.RCMEnabled, boolPayload(snap.RCMEnabled))
	a.publishRetained(a.topics.RCMFault, boolPayload(snap.RCMTripped))

	a.publishDiscovery()
	a.replayBacklogLocked()
}

// HandleMessage dispatches one inbound command.
func (a *Adapter) HandleMessage(topic, payload string) {
	a.logger.Printf("[MQTT] message on %s: %s", topic, payload)

	switch topic {
	case a.topics.Command:
		switch payload {
		case "start":
			a.evse.StartCharging()
			a.evse.SignalThrottleAlive()
		case "stop":
			a.evse.StopCharging()
		case "pause":
			a.evse.PauseCharging()
		default:
			a.logger.Printf("[MQTT] unknown command %q", payload)
		}

	case a.topics.SetCurrent:
		amps, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err != nil {
			a.logger.Printf("[MQTT] bad setCurrent payload %q", payload)
			return
		}
		a.evse.SetCurrentLimit(amps)
		a.evse.SignalThrottleAlive()

	case a.topics.SetAllowBelowMin:
		allow := parseBool(payload)
		a.evse.SetAllowBelowMinCharging(allow)
		a.mu.Lock()
		a.publishRetained(a.topics.AllowBelowMin, boolPayload(allow))
		a.mu.Unlock()

	case a.topics.CurrentTest:
		a.handleCurrentTest(payload)

	case a.topics.SetFailsafe:
		enabled := parseBool(payload)
		a.mu.Lock()
		changed := a.fsEnabled != enabled
		a.fsEnabled = enabled
		cb, timeout := a.fsCallback, a.fsTimeout
		a.publishRetained(a.topics.Failsafe, boolPayload(enabled))
		a.mu.Unlock()
		if changed && cb != nil {
			cb(enabled, timeout)
		}

	case a.topics.SetFailsafeTimeout:
		secs, err := strconv.Atoi(strings.TrimSpace(payload))
		if err != nil {
			a.logger.Printf("[MQTT] bad setFailsafeTimeout payload %q", payload)
			return
		}
		timeout := clampFailsafeTimeout(time.Duration(secs) * time.Second)
		a.mu.Lock()
		a.fsTimeout = timeout
		cb, enabled := a.fsCallback, a.fsEnabled
		a.publishRetained(a.topics.FailsafeTimeout, strconv.Itoa(int(timeout/time.Second)))
		a.mu.Unlock()
		if cb != nil {
			cb(enabled, timeout)
		}

	case a.topics.RCMConfig:
		enabled := parseBool(payload)
		a.evse.SetRCMEnabled(enabled)
		a.mu.Lock()
		cb := a.rcmConfigCallback
		a.publishRetained(a.topics.RCMEnabled, boolPayload(enabled))
		a.mu.Unlock()
		if cb != nil {
			cb(enabled)
		}
	}
}

func (a *Adapter) handleCurrentTest(payload string) {
	lower := strings.ToLower(strings.TrimSpace(payload))
	switch lower {
	case "on", "enable":
		a.evse.EnableCurrentTest(true)
	case "off", "disable":
		a.evse.EnableCurrentTest(false)
	default:
		duty, err := strconv.ParseFloat(lower, 64)
		if err != nil {
			a.logger.Printf("[MQTT] bad test payload %q", payload)
			return
		}
		if duty < 0 {
			duty = 0
		}
		if duty > 100 {
			duty = 100
		}
		amps := pilot.DutyToAmps(duty)
		a.evse.EnableCurrentTest(true)
		a.evse.SetCurrentTest(amps)
		a.mu.Lock()
		a.publishRetained(a.topics.PWMDuty, fmt.Sprintf("current_test:%.1f%%->%.2fA", duty, amps))
		a.mu.Unlock()
	}
}

// PublishState publishes the observable state, retained, on change only,
// and evaluates the broker fail-safe. Called once per second from the main
// loop.
func (a *Adapter) PublishState() {
	snap := a.evse.Snapshot()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.checkFailsafeLocked(snap)

	a.publishRetained(a.topics.State, strconv.Itoa(int(snap.ChargeState)))
	a.publishRetained(a.topics.VehicleState, strconv.Itoa(int(snap.VehicleState)))
	a.publishRetained(a.topics.Current, fmt.Sprintf("%.2f,%.2f,%.2f",
		snap.ActualCurrent.L1, snap.ActualCurrent.L2, snap.ActualCurrent.L3))
	a.publishRetained(a.topics.PWMDuty, fmt.Sprintf("%.2f", snap.PilotDuty))
	a.publishRetained(a.topics.AllowBelowMin, boolPayload(snap.AllowBelowMin))
	a.publishRetained(a.topics.LowLimitResumeDelay, strconv.FormatInt(snap.LowLimitResumeDelay.Milliseconds(), 10))
	a.publishRetained(a.topics.RCMEnabled, boolPayload(snap.RCMEnabled))
	a.publishRetained(a.topics.RCMFault, boolPayload(snap.RCMTripped))

	if a.conn.IsConnected() {
		a.replayBacklogLocked()
	}
}

// checkFailsafeLocked stops an active charge after the broker has been
// unreachable longer than the configured timeout.
func (a *Adapter) checkFailsafeLocked(snap controller.Snapshot) {
	if a.conn.IsConnected() {
		a.disconnectedSince = time.Time{}
		a.fsStopped = false
		return
	}
	if a.disconnectedSince.IsZero() {
		a.disconnectedSince = a.now()
		return
	}
	if !a.fsEnabled || a.fsStopped || snap.ChargeState != controller.StateCharging {
		return
	}
	if a.now().Sub(a.disconnectedSince) > a.fsTimeout {
		a.logger.Printf("[MQTT] failsafe: broker lost for over %v, stopping charge", a.fsTimeout)
		a.fsStopped = true
		a.evse.StopCharging()
	}
}

// publishRetained publishes retained and deduplicates per topic. While the
// broker is unreachable the message is queued for replay.
func (a *Adapter) publishRetained(topic, payload string) {
	if a.lastPayload[topic] == payload {
		return
	}
	a.lastPayload[topic] = payload

	if !a.conn.IsConnected() {
		a.backlog.put(topic, payload)
		return
	}
	if err := a.conn.Publish(topic, 0, true, payload); err != nil {
		a.logger.Printf("[MQTT] publish %s failed: %v", topic, err)
	}
}

func (a *Adapter) replayBacklogLocked() {
	for _, st := range a.backlog.drain() {
		if err := a.conn.Publish(st.topic, 0, true, st.payload); err != nil {
			a.logger.Printf("[MQTT] replay %s failed: %v", st.topic, err)
		}
	}
}

// Close releases the broker connection.
func (a *Adapter) Close() {
	a.conn.Close()
}

// discoveryEntity is a Home Assistant MQTT discovery descriptor.
type discoveryEntity struct {
	Name         string `json:"name"`
	UniqueID     string `json:"unique_id"`
	StateTopic   string `json:"state_topic"`
	Unit         string `json:"unit_of_measurement,omitempty"`
	DeviceClass  string `json:"device_class,omitempty"`
	PayloadOn    string `json:"payload_on,omitempty"`
	PayloadOff   string `json:"payload_off,omitempty"`
	CommandTopic string `json:"command_topic,omitempty"`
}

func (a *Adapter) publishDiscovery() {
	entities := []struct {
		component string
		object    string
		entity    discoveryEntity
	}{
		{"sensor", "state", discoveryEntity{
			Name: "EVSE State", StateTopic: a.topics.State}},
		{"sensor", "vehicle", discoveryEntity{
			Name: "Vehicle State", StateTopic: a.topics.VehicleState}},
		{"sensor", "current", discoveryEntity{
			Name: "Charge Current", StateTopic: a.topics.Current, Unit: "A", DeviceClass: "current"}},
		{"sensor", "pwm_duty", discoveryEntity{
			Name: "Pilot Duty", StateTopic: a.topics.PWMDuty, Unit: "%"}},
		{"binary_sensor", "rcm_fault", discoveryEntity{
			Name: "RCM Fault", StateTopic: a.topics.RCMFault, DeviceClass: "problem",
			PayloadOn: "1", PayloadOff: "0"}},
	}

	for _, e := range entities {
		e.entity.UniqueID = a.deviceID + "_" + e.object
		topic := fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, a.deviceID, e.object)
		payload, err := json.Marshal(e.entity)
		if err != nil {
			continue
		}
		if err := a.conn.Publish(topic, 0, true, string(payload)); err != nil {
			a.logger.Printf("[MQTT] discovery publish failed: %v", err)
		}
	}
}

func clampFailsafeTimeout(d time.Duration) time.Duration {
	if d < minFailsafeTimeout {
		return minFailsafeTimeout
	}
	if d > maxFailsafeTimeout {
		return maxFailsafeTimeout
	}
	return d
}

// parseBool accepts the interchangeable boolean payload spellings.
func parseBool(payload string) bool {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "1", "on", "true", "enable":
		return true
	}
	return false
}

func boolPayload(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
