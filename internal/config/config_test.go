package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var quiet = log.New(io.Discard, "", 0)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evse_cfg.json")
	s, err := Open(path, quiet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestDefaultsWithoutFile(t *testing.T) {
	s, _ := tempStore(t)
	c := s.Load()

	if c.MaxCurrent != 32 {
		t.Errorf("MaxCurrent = %v, want 32", c.MaxCurrent)
	}
	if !c.RCMEnabled {
		t.Error("RCMEnabled default should be true")
	}
	if c.AllowBelowMin {
		t.Error("AllowBelowMin default should be false")
	}
	if c.LowLimitResumeDelay != 300*time.Second {
		t.Errorf("LowLimitResumeDelay = %v, want 5m", c.LowLimitResumeDelay)
	}
	if c.MQTTPort != 1883 {
		t.Errorf("MQTTPort = %v, want 1883", c.MQTTPort)
	}
	if c.OCPPURL != "/ocpp/1.6" {
		t.Errorf("OCPPURL = %q", c.OCPPURL)
	}
	if c.MQTTFailsafeTimeout != 600*time.Second {
		t.Errorf("MQTTFailsafeTimeout = %v, want 10m", c.MQTTFailsafeTimeout)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, path := tempStore(t)
	c := s.Load()
	c.DeviceID = "EVSE-A1B2C3"
	c.MQTTEnabled = true
	c.MQTTHost = "broker.local"
	c.MQTTPort = 8883
	c.MaxCurrent = 16
	c.AllowBelowMin = true
	c.LowLimitResumeDelay = 120 * time.Second
	c.ThrottleAliveTimeout = 90 * time.Second
	c.OCPPEnabled = true
	c.OCPPHost = "csms.example.org"
	c.OCPPUseTLS = true
	c.OCPPHeartbeatInterval = 30 * time.Second
	c.LEDEnabled = true
	c.LEDCount = 16
	c.RFIDEnabled = true

	if err := s.Save(c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Reopen from disk: every field must reproduce exactly.
	s2, err := Open(path, quiet)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := s2.Load()
	if got != c {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, c)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	s, path := tempStore(t)
	if err := s.Save(s.Load()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp.json"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file missing: %v", err)
	}
}

func TestLoadClampsOutOfRange(t *testing.T) {
	s, path := tempStore(t)
	c := s.Load()
	c.MaxCurrent = 200
	c.MQTTFailsafeTimeout = 2 * time.Second
	if err := s.Save(c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2, err := Open(path, quiet)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := s2.Load()
	if got.MaxCurrent != 80 {
		t.Errorf("MaxCurrent = %v, want clamp to 80", got.MaxCurrent)
	}
	if got.MQTTFailsafeTimeout != 10*time.Second {
		t.Errorf("MQTTFailsafeTimeout = %v, want clamp to 10s", got.MQTTFailsafeTimeout)
	}
}

func TestStructurallyInvalidKeyKeepsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evse_cfg.json")
	if err := os.WriteFile(path, []byte(`{"e_max_cur": "not-a-number", "m_port": 1884}`), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, quiet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c := s.Load()
	// The broken key keeps its 32 A default; the valid neighbour still loads.
	if c.MaxCurrent != 32 {
		t.Errorf("MaxCurrent = %v, want 32", c.MaxCurrent)
	}
	if c.MQTTPort != 1884 {
		t.Errorf("MQTTPort = %v, want 1884", c.MQTTPort)
	}
}

func TestFactoryReset(t *testing.T) {
	s, path := tempStore(t)
	c := s.Load()
	c.MQTTHost = "broker.local"
	if err := s.Save(c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.FactoryReset(); err != nil {
		t.Fatalf("FactoryReset: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("namespace file still present after factory reset")
	}
	if got := s.Load().MQTTHost; got != "" {
		t.Errorf("MQTTHost = %q after reset, want empty", got)
	}
}
