package ocpp

import (
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NOELV70/EVSE-SyncCharge/internal/controller"
	"github.com/NOELV70/EVSE-SyncCharge/internal/meter"
	"github.com/NOELV70/EVSE-SyncCharge/internal/pilot"
)

var quiet = log.New(io.Discard, "", 0)

type stubCharger struct {
	snap      controller.Snapshot
	calls     []string
	lastLimit float64
}

func (s *stubCharger) StartCharging() { s.calls = append(s.calls, "start") }
func (s *stubCharger) StopCharging()  { s.calls = append(s.calls, "stop") }
func (s *stubCharger) SetCurrentLimit(a float64) {
	s.calls = append(s.calls, "setCurrent")
	s.lastLimit = a
}
func (s *stubCharger) SignalThrottleAlive()          { s.calls = append(s.calls, "alive") }
func (s *stubCharger) Snapshot() controller.Snapshot { return s.snap }

type wire struct {
	sent [][]byte
}

func (w *wire) send(data []byte) error {
	w.sent = append(w.sent, data)
	return nil
}

// frame decodes an OCPP-J array into loosely typed elements.
func frame(t *testing.T, data []byte) []any {
	t.Helper()
	var f []any
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func newTestHandler() (*Handler, *wire, *stubCharger) {
	w := &wire{}
	evse := &stubCharger{}
	h := NewHandler(evse, w.send, 60*time.Second, quiet)
	return h, w, evse
}

func TestBootNotificationFraming(t *testing.T) {
	h, w, _ := newTestHandler()
	require.NoError(t, h.SendBootNotification())

	f := frame(t, w.sent[0])
	assert.Equal(t, float64(2), f[0])
	assert.Equal(t, "1", f[1])
	assert.Equal(t, "BootNotification", f[2])
	payload := f[3].(map[string]any)
	assert.Equal(t, "EvseSyncCharge", payload["chargePointVendor"])
	assert.Equal(t, "NVL-EVSE", payload["chargePointModel"])
}

func TestMessageIDsAreMonotonic(t *testing.T) {
	h, w, _ := newTestHandler()
	require.NoError(t, h.SendHeartbeat())
	require.NoError(t, h.SendHeartbeat())
	require.NoError(t, h.SendHeartbeat())

	ids := []string{}
	for _, data := range w.sent {
		ids = append(ids, frame(t, data)[1].(string))
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestBootNotificationResponseSetsHeartbeat(t *testing.T) {
	h, _, _ := newTestHandler()
	var changed time.Duration
	h.OnHeartbeatChange(func(d time.Duration) { changed = d })
	require.NoError(t, h.SendBootNotification())

	h.HandleMessage([]byte(`[3, "1", {"status": "Accepted", "currentTime": "2026-01-01T12:00:00Z", "interval": 300}]`))
	assert.Equal(t, 300*time.Second, h.HeartbeatInterval())
	assert.Equal(t, 300*time.Second, changed)

	// A later result with the same id is not the boot response anymore.
	h.HandleMessage([]byte(`[3, "1", {"interval": 10}]`))
	assert.Equal(t, 300*time.Second, h.HeartbeatInterval())
}

func TestSetChargingProfileExtractsLimit(t *testing.T) {
	h, w, evse := newTestHandler()

	h.HandleMessage([]byte(`[2, "abc-1", "SetChargingProfile", {
		"connectorId": 1,
		"csChargingProfiles": {
			"chargingProfileId": 1,
			"chargingSchedule": {
				"chargingRateUnit": "A",
				"chargingSchedulePeriod": [{"startPeriod": 0, "limit": 13.5}]
			}
		}
	}]`))

	assert.Equal(t, []string{"setCurrent", "alive"}, evse.calls)
	assert.Equal(t, 13.5, evse.lastLimit)

	f := frame(t, w.sent[0])
	assert.Equal(t, float64(3), f[0])
	assert.Equal(t, "abc-1", f[1])
	assert.Equal(t, "Accepted", f[2].(map[string]any)["status"])
}

func TestSetChargingProfileWithoutPeriodsErrors(t *testing.T) {
	h, w, evse := newTestHandler()
	h.HandleMessage([]byte(`[2, "abc-2", "SetChargingProfile", {"csChargingProfiles": {}}]`))

	assert.Empty(t, evse.calls)
	f := frame(t, w.sent[0])
	assert.Equal(t, float64(4), f[0])
	assert.Equal(t, "abc-2", f[1])
}

func TestRemoteStartStop(t *testing.T) {
	h, w, evse := newTestHandler()

	h.HandleMessage([]byte(`[2, "id-1", "RemoteStartTransaction", {"idTag": "TAG"}]`))
	assert.Equal(t, []string{"start", "alive"}, evse.calls)

	evse.calls = nil
	h.HandleMessage([]byte(`[2, "id-2", "RemoteStopTransaction", {"transactionId": 7}]`))
	assert.Equal(t, []string{"stop"}, evse.calls)

	for _, data := range w.sent {
		assert.Equal(t, float64(3), frame(t, data)[0])
	}
}

func TestUnknownActionRepliesNotImplemented(t *testing.T) {
	h, w, _ := newTestHandler()
	h.HandleMessage([]byte(`[2, "id-9", "UnlockConnector", {}]`))

	f := frame(t, w.sent[0])
	assert.Equal(t, float64(4), f[0])
	assert.Equal(t, "NotImplemented", f[2])
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	h, w, evse := newTestHandler()
	h.HandleMessage([]byte(`not json`))
	h.HandleMessage([]byte(`[2]`))
	h.HandleMessage([]byte(`{"not": "an array"}`))
	assert.Empty(t, w.sent)
	assert.Empty(t, evse.calls)
}

func TestStatusNotificationOnChange(t *testing.T) {
	h, w, evse := newTestHandler()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	evse.snap = controller.Snapshot{VehicleState: pilot.VehicleNotConnected}
	h.UpdateStatus(evse.snap, now)
	require.Len(t, w.sent, 1)
	f := frame(t, w.sent[0])
	assert.Equal(t, "StatusNotification", f[2])
	assert.Equal(t, "Available", f[3].(map[string]any)["status"])

	// Unchanged status: nothing new goes out.
	h.UpdateStatus(evse.snap, now.Add(time.Second))
	assert.Len(t, w.sent, 1)

	evse.snap = controller.Snapshot{
		VehicleState: pilot.VehicleReady,
		ChargeState:  controller.StateCharging,
	}
	h.UpdateStatus(evse.snap, now.Add(2*time.Second))
	f = frame(t, w.sent[1])
	assert.Equal(t, "Charging", f[3].(map[string]any)["status"])

	evse.snap = controller.Snapshot{VehicleState: pilot.VehicleError}
	h.UpdateStatus(evse.snap, now.Add(3*time.Second))
	f = frame(t, w.sent[len(w.sent)-1])
	assert.Equal(t, "Faulted", f[3].(map[string]any)["status"])
}

func TestMeterValuesWhileCharging(t *testing.T) {
	h, w, evse := newTestHandler()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	evse.snap = controller.Snapshot{
		VehicleState:  pilot.VehicleReady,
		ChargeState:   controller.StateCharging,
		CurrentLimit:  16,
		ActualCurrent: meter.Reading{L1: 15.5, L2: 15.7, L3: 15.6},
	}
	h.UpdateStatus(evse.snap, now.Add(61*time.Second))

	var meterFrame []any
	for _, data := range w.sent {
		f := frame(t, data)
		if f[2] == "MeterValues" {
			meterFrame = f
		}
	}
	require.NotNil(t, meterFrame, "MeterValues not sent")
	payload := meterFrame[3].(map[string]any)
	assert.Equal(t, float64(1), payload["connectorId"])
	mv := payload["meterValue"].([]any)[0].(map[string]any)
	sampled := mv["sampledValue"].([]any)
	first := sampled[0].(map[string]any)
	assert.Equal(t, "46.80", first["value"])
	assert.Equal(t, "Current.Import", first["measurand"])
}
