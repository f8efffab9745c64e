// Package ocpp speaks the OCPP 1.6J minimal subset over WebSocket:
// BootNotification, Heartbeat, StatusNotification and MeterValues outbound;
// SetChargingProfile, RemoteStartTransaction and RemoteStopTransaction
// inbound. Framing is the OCPP-J array form: [2,id,action,payload] calls,
// [3,id,payload] results, [4,id,code,description,details] errors.
package ocpp

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/NOELV70/EVSE-SyncCharge/internal/controller"
	"github.com/NOELV70/EVSE-SyncCharge/internal/pilot"
)

// OCPP-J message type identifiers.
const (
	msgCall       = 2
	msgCallResult = 3
	msgCallError  = 4
)

// Identity reported in BootNotification.
const (
	chargePointVendor = "EvseSyncCharge"
	chargePointModel  = "NVL-EVSE"
)

// Charger is the slice of the charge controller the back-office drives.
type Charger interface {
	StartCharging()
	StopCharging()
	SetCurrentLimit(amps float64)
	SignalThrottleAlive()
	Snapshot() controller.Snapshot
}

// Handler implements the message layer over an injected send function, so
// the protocol logic is testable without a socket.
type Handler struct {
	mu     sync.Mutex
	evse   Charger
	logger *log.Logger
	send   func(data []byte) error

	messageCounter        uint64
	bootNotificationMsgID string
	heartbeatInterval     time.Duration
	onHeartbeatChange     func(time.Duration)

	lastStatus     string
	lastMeterValue time.Time
}

// NewHandler creates a Handler sending through send. A nil logger uses the
// default logger.
func NewHandler(evse Charger, send func([]byte) error, heartbeat time.Duration, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}
	return &Handler{
		evse:              evse,
		logger:            logger,
		send:              send,
		heartbeatInterval: heartbeat,
	}
}

// OnHeartbeatChange registers a callback fired when the server's
// BootNotification response overrides the heartbeat interval.
func (h *Handler) OnHeartbeatChange(cb func(time.Duration)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onHeartbeatChange = cb
}

// HeartbeatInterval returns the active heartbeat period.
func (h *Handler) HeartbeatInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heartbeatInterval
}

// HandleMessage processes one inbound OCPP-J frame.
func (h *Handler) HandleMessage(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 3 {
		h.logger.Printf("[OCPP] bad frame: %s", raw)
		return
	}

	var msgType int
	if err := json.Unmarshal(frame[0], &msgType); err != nil {
		h.logger.Printf("[OCPP] bad message type: %s", frame[0])
		return
	}
	var messageID string
	if err := json.Unmarshal(frame[1], &messageID); err != nil {
		h.logger.Printf("[OCPP] bad message id: %s", frame[1])
		return
	}

	switch msgType {
	case msgCall:
		if len(frame) < 4 {
			h.replyError(messageID, "ProtocolError", "missing payload")
			return
		}
		var action string
		if err := json.Unmarshal(frame[2], &action); err != nil {
			h.replyError(messageID, "ProtocolError", "bad action")
			return
		}
		h.handleCall(messageID, action, frame[3])

	case msgCallResult:
		h.handleCallResult(messageID, frame[2])

	case msgCallError:
		var code string
		json.Unmarshal(frame[2], &code)
		h.logger.Printf("[OCPP] server error on #%s: %s", messageID, code)
	}
}

func (h *Handler) handleCall(messageID, action string, payload json.RawMessage) {
	switch action {
	case "SetChargingProfile":
		h.handleSetChargingProfile(messageID, payload)
	case "RemoteStartTransaction":
		h.logger.Printf("[OCPP] remote start")
		h.evse.StartCharging()
		h.evse.SignalThrottleAlive()
		h.replyAccepted(messageID)
	case "RemoteStopTransaction":
		h.logger.Printf("[OCPP] remote stop")
		h.evse.StopCharging()
		h.replyAccepted(messageID)
	default:
		h.replyError(messageID, "NotImplemented", "Action not supported")
	}
}

type setChargingProfileReq struct {
	CsChargingProfiles struct {
		ChargingSchedule struct {
			ChargingSchedulePeriod []struct {
				Limit float64 `json:"limit"`
			} `json:"chargingSchedulePeriod"`
		} `json:"chargingSchedule"`
	} `json:"csChargingProfiles"`
}

func (h *Handler) handleSetChargingProfile(messageID string, payload json.RawMessage) {
	var req setChargingProfileReq
	if err := json.Unmarshal(payload, &req); err != nil {
		h.replyError(messageID, "FormationViolation", err.Error())
		return
	}
	periods := req.CsChargingProfiles.ChargingSchedule.ChargingSchedulePeriod
	if len(periods) == 0 {
		h.replyError(messageID, "OccurenceConstraintViolation", "no schedule period")
		return
	}
	limit := periods[0].Limit
	h.logger.Printf("[OCPP] set limit to %.1f A", limit)
	h.evse.SetCurrentLimit(limit)
	h.evse.SignalThrottleAlive()
	h.replyAccepted(messageID)
}

type bootNotificationConf struct {
	Status   string `json:"status"`
	Interval int    `json:"interval"`
}

func (h *Handler) handleCallResult(messageID string, payload json.RawMessage) {
	h.mu.Lock()
	isBoot := messageID == h.bootNotificationMsgID && h.bootNotificationMsgID != ""
	if isBoot {
		h.bootNotificationMsgID = ""
	}
	h.mu.Unlock()

	if !isBoot {
		return
	}
	var conf bootNotificationConf
	if err := json.Unmarshal(payload, &conf); err != nil {
		h.logger.Printf("[OCPP] bad BootNotification response: %v", err)
		return
	}
	if conf.Interval > 0 {
		d := time.Duration(conf.Interval) * time.Second
		h.mu.Lock()
		h.heartbeatInterval = d
		cb := h.onHeartbeatChange
		h.mu.Unlock()
		h.logger.Printf("[OCPP] BootNotification: heartbeat set to %v", d)
		if cb != nil {
			cb(d)
		}
	}
}

// SendBootNotification announces the charge point to the back office.
func (h *Handler) SendBootNotification() error {
	payload := map[string]string{
		"chargePointVendor": chargePointVendor,
		"chargePointModel":  chargePointModel,
	}
	id, err := h.sendCall("BootNotification", payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.bootNotificationMsgID = id
	h.mu.Unlock()
	return nil
}

// SendHeartbeat sends an empty Heartbeat call.
func (h *Handler) SendHeartbeat() error {
	_, err := h.sendCall("Heartbeat", map[string]string{})
	return err
}

// UpdateStatus derives the connector status from a controller snapshot and
// sends a StatusNotification when it changed; while charging it also sends
// MeterValues once per heartbeat interval.
func (h *Handler) UpdateStatus(snap controller.Snapshot, now time.Time) {
	status, errorCode := connectorStatus(snap)

	h.mu.Lock()
	changed := status != h.lastStatus
	h.lastStatus = status
	meterDue := snap.ChargeState == controller.StateCharging &&
		now.Sub(h.lastMeterValue) >= h.heartbeatInterval
	if meterDue {
		h.lastMeterValue = now
	}
	h.mu.Unlock()

	if changed {
		if err := h.sendStatusNotification(status, errorCode); err != nil {
			h.logger.Printf("[OCPP] StatusNotification failed: %v", err)
		}
	}
	if meterDue {
		if err := h.sendMeterValues(snap, now); err != nil {
			h.logger.Printf("[OCPP] MeterValues failed: %v", err)
		}
	}
}

func connectorStatus(snap controller.Snapshot) (status, errorCode string) {
	switch {
	case snap.VehicleState == pilot.VehicleError:
		return "Faulted", "GroundFailure"
	case snap.VehicleState == pilot.VehicleNoPower:
		return "Faulted", "PowerSwitchFailure"
	case snap.ChargeState == controller.StateCharging:
		return "Charging", "NoError"
	case snap.VehicleState == pilot.VehicleNotConnected:
		return "Available", "NoError"
	default:
		return "SuspendedEVSE", "NoError"
	}
}

func (h *Handler) sendStatusNotification(status, errorCode string) error {
	payload := map[string]any{
		"connectorId": 1,
		"status":      status,
		"errorCode":   errorCode,
	}
	_, err := h.sendCall("StatusNotification", payload)
	return err
}

func (h *Handler) sendMeterValues(snap controller.Snapshot, now time.Time) error {
	total := snap.ActualCurrent.L1 + snap.ActualCurrent.L2 + snap.ActualCurrent.L3
	payload := map[string]any{
		"connectorId": 1,
		"meterValue": []map[string]any{{
			"timestamp": now.UTC().Format(time.RFC3339),
			"sampledValue": []map[string]string{
				{
					"value":     fmt.Sprintf("%.2f", total),
					"measurand": "Current.Import",
					"unit":      "A",
				},
				{
					"value":     fmt.Sprintf("%.2f", snap.CurrentLimit),
					"measurand": "Current.Offered",
					"unit":      "A",
				},
			},
		}},
	}
	_, err := h.sendCall("MeterValues", payload)
	return err
}

// sendCall marshals and sends [2,id,action,payload] with a monotonically
// increasing message id, returning the id.
func (h *Handler) sendCall(action string, payload any) (string, error) {
	h.mu.Lock()
	h.messageCounter++
	id := strconv.FormatUint(h.messageCounter, 10)
	h.mu.Unlock()

	data, err := json.Marshal([]any{msgCall, id, action, payload})
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", action, err)
	}
	if err := h.send(data); err != nil {
		return "", fmt.Errorf("send %s: %w", action, err)
	}
	h.logger.Printf("[OCPP] tx #%s: %s", id, action)
	return id, nil
}

func (h *Handler) replyAccepted(messageID string) {
	data, _ := json.Marshal([]any{msgCallResult, messageID, map[string]string{"status": "Accepted"}})
	if err := h.send(data); err != nil {
		h.logger.Printf("[OCPP] reply failed: %v", err)
	}
}

func (h *Handler) replyError(messageID, code, description string) {
	data, _ := json.Marshal([]any{msgCallError, messageID, code, description, map[string]string{}})
	if err := h.send(data); err != nil {
		h.logger.Printf("[OCPP] error reply failed: %v", err)
	}
}
