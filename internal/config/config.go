// Package config provides typed load/store of all tunables over a flat
// key-value namespace persisted as a JSON file. Key names mirror the NVS
// namespace of the original hardware so exported configurations stay
// recognisable. Missing keys fall back to defaults; out-of-range numerics
// are clamped with a warning; structurally invalid values keep the default.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config is the full persisted configuration.
type Config struct {
	DeviceID string

	// Local web UI.
	HTTPAddr string
	WWWUser  string
	WWWPass  string

	// Pub/sub broker.
	MQTTEnabled         bool
	MQTTHost            string
	MQTTPort            int
	MQTTUser            string
	MQTTPass            string
	MQTTFailsafeEnabled bool
	MQTTFailsafeTimeout time.Duration

	// Charging.
	MaxCurrent           float64
	AllowBelowMin        bool
	PauseImmediate       bool
	LowLimitResumeDelay  time.Duration
	RCMEnabled           bool
	ThrottleAliveTimeout time.Duration

	// OCPP back-office.
	OCPPEnabled           bool
	OCPPHost              string
	OCPPPort              int
	OCPPURL               string
	OCPPUseTLS            bool
	OCPPAuthKey           string
	OCPPHeartbeatInterval time.Duration
	OCPPReconnectInterval time.Duration
	OCPPConnTimeout       time.Duration

	// Status LED strip and RFID reader. Persisted for compatibility with
	// exported configurations; the consumers are external drivers.
	LEDEnabled  bool
	LEDCount    int
	RFIDEnabled bool
}

// Failsafe timeout bounds in seconds.
const (
	minFailsafeTimeout = 10 * time.Second
	maxFailsafeTimeout = 3600 * time.Second
)

// Store is the persistence backend. Save is best-effort atomic for the
// namespace as a whole (temp file + rename); there is no transaction across
// individual keys.
type Store struct {
	mu     sync.Mutex
	v      *viper.Viper
	path   string
	logger *log.Logger
}

// Open reads the namespace file at path, creating an empty namespace (all
// defaults) when it does not exist.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
		logger.Printf("[CONF] no config at %s, using defaults", path)
	}
	// A stored value that does not parse as its default's type keeps the default.
	d := viper.New()
	setDefaults(d)
	for _, key := range d.AllKeys() {
		raw := fmt.Sprint(v.Get(key))
		var err error
		switch d.Get(key).(type) {
		case int, float64:
			_, err = strconv.ParseFloat(raw, 64)
		case bool:
			_, err = strconv.ParseBool(raw)
		}
		if err != nil {
			v.Set(key, d.Get(key))
		}
	}
	return &Store{v: v, path: path, logger: logger}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("d_id", "")
	v.SetDefault("w_addr", ":80")
	v.SetDefault("w_user", "admin")
	v.SetDefault("w_pwd", "admin")

	v.SetDefault("m_en", false)
	v.SetDefault("m_host", "")
	v.SetDefault("m_port", 1883)
	v.SetDefault("m_user", "")
	v.SetDefault("m_pass", "")
	v.SetDefault("m_safe", false)
	v.SetDefault("m_safe_t", 600)

	v.SetDefault("e_max_cur", 32.0)
	v.SetDefault("e_allow_low", false)
	v.SetDefault("e_pause_im", true)
	v.SetDefault("e_res_delay", 300000)
	v.SetDefault("e_rcm_en", true)
	v.SetDefault("e_throttle_to", 0)

	v.SetDefault("o_en", false)
	v.SetDefault("o_host", "")
	v.SetDefault("o_port", 80)
	v.SetDefault("o_url", "/ocpp/1.6")
	v.SetDefault("o_tls", false)
	v.SetDefault("o_key", "")
	v.SetDefault("o_hb", 60)
	v.SetDefault("o_rec", 5000)
	v.SetDefault("o_to", 10000)

	v.SetDefault("l_en", false)
	v.SetDefault("l_num", 8)
	v.SetDefault("r_en", false)
}

// Load materialises the typed configuration, clamping out-of-range values.
func (s *Store) Load() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Config{
		DeviceID: s.v.GetString("d_id"),
		HTTPAddr: s.v.GetString("w_addr"),
		WWWUser:  s.v.GetString("w_user"),
		WWWPass:  s.v.GetString("w_pwd"),

		MQTTEnabled:         s.v.GetBool("m_en"),
		MQTTHost:            s.v.GetString("m_host"),
		MQTTPort:            s.v.GetInt("m_port"),
		MQTTUser:            s.v.GetString("m_user"),
		MQTTPass:            s.v.GetString("m_pass"),
		MQTTFailsafeEnabled: s.v.GetBool("m_safe"),
		MQTTFailsafeTimeout: time.Duration(s.v.GetInt("m_safe_t")) * time.Second,

		MaxCurrent:           s.v.GetFloat64("e_max_cur"),
		AllowBelowMin:        s.v.GetBool("e_allow_low"),
		PauseImmediate:       s.v.GetBool("e_pause_im"),
		LowLimitResumeDelay:  time.Duration(s.v.GetInt("e_res_delay")) * time.Millisecond,
		RCMEnabled:           s.v.GetBool("e_rcm_en"),
		ThrottleAliveTimeout: time.Duration(s.v.GetInt("e_throttle_to")) * time.Second,

		OCPPEnabled:           s.v.GetBool("o_en"),
		OCPPHost:              s.v.GetString("o_host"),
		OCPPPort:              s.v.GetInt("o_port"),
		OCPPURL:               s.v.GetString("o_url"),
		OCPPUseTLS:            s.v.GetBool("o_tls"),
		OCPPAuthKey:           s.v.GetString("o_key"),
		OCPPHeartbeatInterval: time.Duration(s.v.GetInt("o_hb")) * time.Second,
		OCPPReconnectInterval: time.Duration(s.v.GetInt("o_rec")) * time.Millisecond,
		OCPPConnTimeout:       time.Duration(s.v.GetInt("o_to")) * time.Millisecond,

		LEDEnabled:  s.v.GetBool("l_en"),
		LEDCount:    s.v.GetInt("l_num"),
		RFIDEnabled: s.v.GetBool("r_en"),
	}
	return s.clamp(c)
}

func (s *Store) clamp(c Config) Config {
	if c.MaxCurrent < 6 {
		s.logger.Printf("[CONF] e_max_cur %.1f below 6A, clamping", c.MaxCurrent)
		c.MaxCurrent = 6
	}
	if c.MaxCurrent > 80 {
		s.logger.Printf("[CONF] e_max_cur %.1f above 80A, clamping", c.MaxCurrent)
		c.MaxCurrent = 80
	}
	if c.MQTTFailsafeTimeout < minFailsafeTimeout {
		s.logger.Printf("[CONF] m_safe_t below %v, clamping", minFailsafeTimeout)
		c.MQTTFailsafeTimeout = minFailsafeTimeout
	}
	if c.MQTTFailsafeTimeout > maxFailsafeTimeout {
		s.logger.Printf("[CONF] m_safe_t above %v, clamping", maxFailsafeTimeout)
		c.MQTTFailsafeTimeout = maxFailsafeTimeout
	}
	if c.LowLimitResumeDelay < 0 {
		c.LowLimitResumeDelay = 0
	}
	if c.ThrottleAliveTimeout < 0 {
		c.ThrottleAliveTimeout = 0
	}
	if c.OCPPHeartbeatInterval <= 0 {
		c.OCPPHeartbeatInterval = 60 * time.Second
	}
	return c
}

// Save writes the full configuration back to the namespace. The write goes
// through a temp file and a rename so a crash cannot leave a torn file.
func (s *Store) Save(c Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set("d_id", c.DeviceID)
	s.v.Set("w_addr", c.HTTPAddr)
	s.v.Set("w_user", c.WWWUser)
	s.v.Set("w_pwd", c.WWWPass)

	s.v.Set("m_en", c.MQTTEnabled)
	s.v.Set("m_host", c.MQTTHost)
	s.v.Set("m_port", c.MQTTPort)
	s.v.Set("m_user", c.MQTTUser)
	s.v.Set("m_pass", c.MQTTPass)
	s.v.Set("m_safe", c.MQTTFailsafeEnabled)
	s.v.Set("m_safe_t", int(c.MQTTFailsafeTimeout/time.Second))

	s.v.Set("e_max_cur", c.MaxCurrent)
	s.v.Set("e_allow_low", c.AllowBelowMin)
	s.v.Set("e_pause_im", c.PauseImmediate)
	s.v.Set("e_res_delay", int(c.LowLimitResumeDelay/time.Millisecond))
	s.v.Set("e_rcm_en", c.RCMEnabled)
	s.v.Set("e_throttle_to", int(c.ThrottleAliveTimeout/time.Second))

	s.v.Set("o_en", c.OCPPEnabled)
	s.v.Set("o_host", c.OCPPHost)
	s.v.Set("o_port", c.OCPPPort)
	s.v.Set("o_url", c.OCPPURL)
	s.v.Set("o_tls", c.OCPPUseTLS)
	s.v.Set("o_key", c.OCPPAuthKey)
	s.v.Set("o_hb", int(c.OCPPHeartbeatInterval/time.Second))
	s.v.Set("o_rec", int(c.OCPPReconnectInterval/time.Millisecond))
	s.v.Set("o_to", int(c.OCPPConnTimeout/time.Millisecond))

	s.v.Set("l_en", c.LEDEnabled)
	s.v.Set("l_num", c.LEDCount)
	s.v.Set("r_en", c.RFIDEnabled)

	// The temp name keeps the .json extension so viper picks the right
	// encoder.
	tmp := s.path + ".tmp.json"
	if err := s.v.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit config: %w", err)
	}
	return nil
}

// FactoryReset erases the namespace. The next Open starts from defaults.
func (s *Store) FactoryReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("erase config: %w", err)
	}
	s.v = viper.New()
	s.v.SetConfigFile(s.path)
	s.v.SetConfigType("json")
	setDefaults(s.v)
	s.logger.Printf("[CONF] factory reset, namespace erased")
	return nil
}
