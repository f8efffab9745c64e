package web

import (
	"encoding/json"
	"time"

	"github.com/NOELV70/EVSE-SyncCharge/internal/controller"
	"github.com/NOELV70/EVSE-SyncCharge/internal/status"
)

// StatusJSON is the JSON representation of the daemon status.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	ChargeState      string    `json:"charge_state"`
	VehicleState     string    `json:"vehicle_state"`
	VehicleStateCode int       `json:"vehicle_state_code"`
	CurrentLimit     float64   `json:"current_limit_a"`
	MaxCurrent       float64   `json:"max_current_a"`
	PilotDuty        float64   `json:"pilot_duty_percent"`
	PilotHighMv      int       `json:"pilot_high_mv"`
	PilotLowMv       int       `json:"pilot_low_mv"`
	Current          []float64 `json:"current_a"`

	AllowBelowMin         bool  `json:"allow_below_min"`
	LowLimitResumeDelayMs int64 `json:"low_limit_resume_delay_ms"`
	PausedAtLowLimit      bool  `json:"paused_at_low_limit"`
	UserPaused            bool  `json:"user_paused"`
	TestMode              bool  `json:"test_mode"`

	RCMEnabled   bool `json:"rcm_enabled"`
	RCMFault     bool `json:"rcm_fault"`
	ErrorLockout bool `json:"error_lockout"`
	BootLoop     bool `json:"boot_loop"`

	MQTT MQTTStatus `json:"mqtt"`
	OCPP OCPPStatus `json:"ocpp"`

	UptimeSeconds int64  `json:"uptime_seconds"`
	StartTime     string `json:"start_time"`
	Timestamp     string `json:"timestamp"`
	DeviceID      string `json:"device_id"`
}

// MQTTStatus reports broker connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// OCPPStatus reports back-office connection state.
type OCPPStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Server    string `json:"server"`
}

func formatJSON(s status.Snapshot) []byte {
	c := s.Controller
	doc := StatusJSON{
		Status: StatusInner{
			ChargeState:      chargeStateString(c.ChargeState),
			VehicleState:     c.VehicleState.String(),
			VehicleStateCode: int(c.VehicleState),
			CurrentLimit:     c.CurrentLimit,
			MaxCurrent:       c.MaxCurrent,
			PilotDuty:        c.PilotDuty,
			PilotHighMv:      c.PilotLevels.HighMilliVolt,
			PilotLowMv:       c.PilotLevels.LowMilliVolt,
			Current:          []float64{c.ActualCurrent.L1, c.ActualCurrent.L2, c.ActualCurrent.L3},

			AllowBelowMin:         c.AllowBelowMin,
			LowLimitResumeDelayMs: c.LowLimitResumeDelay.Milliseconds(),
			PausedAtLowLimit:      c.PausedAtLowLimit,
			UserPaused:            c.UserPaused,
			TestMode:              c.TestMode,

			RCMEnabled:   c.RCMEnabled,
			RCMFault:     c.RCMTripped,
			ErrorLockout: c.ErrorLockout,
			BootLoop:     s.BootLoop,

			MQTT: MQTTStatus{Connected: s.MQTTConnected, Broker: s.Config.Broker},
			OCPP: OCPPStatus{Enabled: s.Config.OCPPEnabled, Connected: s.OCPPConnected, Server: s.Config.OCPPServer},

			UptimeSeconds: int64(s.Uptime().Seconds()),
			StartTime:     s.StartTime.UTC().Format(time.RFC3339),
			Timestamp:     s.Now.UTC().Format(time.RFC3339),
			DeviceID:      s.Config.DeviceID,
		},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{"status":{}}`)
	}
	return out
}

func chargeStateString(s controller.ChargeState) string {
	if s == controller.StateCharging {
		return "charging"
	}
	return "ready"
}
