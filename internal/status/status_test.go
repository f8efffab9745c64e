package status

import (
	"testing"
	"time"

	"github.com/NOELV70/EVSE-SyncCharge/internal/controller"
	"github.com/NOELV70/EVSE-SyncCharge/internal/pilot"
)

func TestSnapshotReflectsUpdates(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(start, Config{DeviceID: "EVSE-TEST", Broker: "tcp://broker:1883"})

	cs := controller.Snapshot{
		ChargeState:  controller.StateCharging,
		VehicleState: pilot.VehicleReady,
		CurrentLimit: 16,
		PilotDuty:    16.0 / 0.6,
	}
	tr.Update(cs)
	tr.SetMQTTConnected(true)
	tr.SetOCPPConnected(false)
	tr.SetBootLoop(true)

	snap := tr.Snapshot()
	if snap.Controller.ChargeState != controller.StateCharging {
		t.Errorf("charge state = %v", snap.Controller.ChargeState)
	}
	if snap.Controller.VehicleState != pilot.VehicleReady {
		t.Errorf("vehicle state = %v", snap.Controller.VehicleState)
	}
	if !snap.MQTTConnected || snap.OCPPConnected {
		t.Error("connectivity flags wrong")
	}
	if !snap.BootLoop {
		t.Error("boot-loop flag lost")
	}
	if snap.Config.DeviceID != "EVSE-TEST" {
		t.Errorf("device id = %q", snap.Config.DeviceID)
	}
	if !snap.StartTime.Equal(start) {
		t.Errorf("start time = %v", snap.StartTime)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.Update(controller.Snapshot{CurrentLimit: 16})

	snap := tr.Snapshot()
	tr.Update(controller.Snapshot{CurrentLimit: 8})
	if snap.Controller.CurrentLimit != 16 {
		t.Error("snapshot mutated by later update")
	}
}

func TestUptime(t *testing.T) {
	start := time.Now().Add(-90 * time.Second)
	tr := NewTracker(start, Config{})
	up := tr.Snapshot().Uptime()
	if up < 89*time.Second || up > 92*time.Second {
		t.Errorf("uptime = %v, want ~90s", up)
	}
}
