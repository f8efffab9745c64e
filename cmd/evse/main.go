// Command evse runs the AC charging control daemon: it drives the J1772
// pilot and the mains contactor, supervises the residual current monitor and
// exposes the charger to the local web UI, an MQTT broker and an OCPP 1.6
// back office.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/NOELV70/EVSE-SyncCharge/internal/bootguard"
	"github.com/NOELV70/EVSE-SyncCharge/internal/config"
	"github.com/NOELV70/EVSE-SyncCharge/internal/contactor"
	"github.com/NOELV70/EVSE-SyncCharge/internal/controller"
	"github.com/NOELV70/EVSE-SyncCharge/internal/meter"
	"github.com/NOELV70/EVSE-SyncCharge/internal/mqtt"
	"github.com/NOELV70/EVSE-SyncCharge/internal/ocpp"
	"github.com/NOELV70/EVSE-SyncCharge/internal/pilot"
	"github.com/NOELV70/EVSE-SyncCharge/internal/rcm"
	"github.com/NOELV70/EVSE-SyncCharge/internal/status"
	"github.com/NOELV70/EVSE-SyncCharge/internal/web"
)

// Default hardware assignment (Raspberry Pi header).
const (
	defaultGPIOChip   = "gpiochip0"
	defaultPinRelay   = 16
	defaultPinRCMIn   = 25
	defaultPinRCMTest = 26
	defaultPWMChip    = 0
	defaultPWMChannel = 0
	defaultADCDevice  = 0
	defaultADCChannel = 0
)

// controlInterval is the control cycle period (50 Hz).
const controlInterval = 20 * time.Millisecond

func main() {
	configPath := flag.String("config", "/etc/evse/config.json", "configuration namespace file")
	bootPath := flag.String("boot-count", bootguard.DefaultPath, "boot-loop counter record")
	gpioChip := flag.String("gpiochip", defaultGPIOChip, "GPIO character device")
	pinRelay := flag.Int("pin-relay", defaultPinRelay, "contactor drive line offset")
	pinRCMIn := flag.Int("pin-rcm-in", defaultPinRCMIn, "RCM sense line offset")
	pinRCMTest := flag.Int("pin-rcm-test", defaultPinRCMTest, "RCM test coil line offset")
	pwmChip := flag.Int("pwm-chip", defaultPWMChip, "sysfs PWM chip for the pilot")
	pwmChannel := flag.Int("pwm-channel", defaultPWMChannel, "sysfs PWM channel for the pilot")
	adcDevice := flag.Int("adc-device", defaultADCDevice, "IIO device for pilot feedback")
	adcChannel := flag.Int("adc-channel", defaultADCChannel, "IIO voltage channel for pilot feedback")
	printState := flag.Bool("print-state", false, "print the vehicle state and exit")
	flag.Parse()

	if err := run(*configPath, *bootPath, *gpioChip, *pinRelay, *pinRCMIn, *pinRCMTest,
		*pwmChip, *pwmChannel, *adcDevice, *adcChannel, *printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(configPath, bootPath, gpioChip string, pinRelay, pinRCMIn, pinRCMTest,
	pwmChip, pwmChannel, adcDevice, adcChannel int, printState bool) error {

	logger := log.Default()

	store, err := config.Open(configPath, logger)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	cfg := store.Load()

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = deriveDeviceID()
	}

	guard := bootguard.New(bootPath, logger)
	if err := guard.Begin(); err != nil {
		logger.Printf("[BOOT] guard unavailable: %v", err)
	}

	// Hardware bring-up.
	pwm, err := pilot.NewSysfsPWM(pwmChip, pwmChannel)
	if err != nil {
		return fmt.Errorf("init pilot pwm: %w", err)
	}
	defer pwm.Close()

	sampler, err := pilot.NewIIOSampler(adcDevice, adcChannel)
	if err != nil {
		return fmt.Errorf("init pilot adc: %w", err)
	}
	pilotDev := pilot.New(pwm, sampler, logger)

	relayPin, err := contactor.NewRealPin(gpioChip, pinRelay)
	if err != nil {
		return fmt.Errorf("init contactor: %w", err)
	}
	defer relayPin.Close()
	relay := contactor.New(relayPin, logger)

	testLine, err := rcm.NewRealTestLine(gpioChip, pinRCMTest)
	if err != nil {
		return fmt.Errorf("init rcm test line: %w", err)
	}
	defer testLine.Close()
	senseLine, err := rcm.NewRealSenseLine(gpioChip, pinRCMIn)
	if err != nil {
		return fmt.Errorf("init rcm sense line: %w", err)
	}
	defer senseLine.Close()
	monitor := rcm.New(testLine, senseLine, logger)
	if err := monitor.Begin(); err != nil {
		return fmt.Errorf("init rcm: %w", err)
	}

	ctrl := controller.New(pilotDev, relay, monitor, logger)
	if err := ctrl.Setup(controller.Settings{
		MaxCurrent:           cfg.MaxCurrent,
		AllowBelowMin:        cfg.AllowBelowMin,
		LowLimitResumeDelay:  cfg.LowLimitResumeDelay,
		OpenRelayOnPause:     cfg.PauseImmediate,
		RCMEnabled:           cfg.RCMEnabled,
		ThrottleAliveTimeout: cfg.ThrottleAliveTimeout,
	}); err != nil {
		return fmt.Errorf("controller setup: %w", err)
	}

	if printState {
		// One settle pass so the classifier has a window to commit.
		for i := 0; i < 4; i++ {
			ctrl.Loop()
			time.Sleep(controlInterval)
		}
		fmt.Println(ctrl.VehicleState())
		return nil
	}

	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.MQTTHost, cfg.MQTTPort)
	tracker := status.NewTracker(time.Now(), status.Config{
		DeviceID:    deviceID,
		Broker:      brokerURL,
		HTTPAddr:    cfg.HTTPAddr,
		OCPPEnabled: cfg.OCPPEnabled,
		OCPPServer:  fmt.Sprintf("%s:%d%s", cfg.OCPPHost, cfg.OCPPPort, cfg.OCPPURL),
	})
	tracker.SetBootLoop(guard.High())

	// Local UI.
	webSrv := web.New(cfg.HTTPAddr, tracker, ctrl, cfg.WWWUser, cfg.WWWPass, logger)
	webSrv.OnEvseConfigChanged = func(allow bool, delay time.Duration) {
		c := store.Load()
		c.AllowBelowMin = allow
		c.LowLimitResumeDelay = delay
		if err := store.Save(c); err != nil {
			logger.Printf("[CONF] persist evse config failed: %v", err)
		}
	}
	webSrv.OnRCMConfigChanged = func(enabled bool) {
		c := store.Load()
		c.RCMEnabled = enabled
		if err := store.Save(c); err != nil {
			logger.Printf("[CONF] persist rcm config failed: %v", err)
		}
	}
	go func() {
		if err := webSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("[WEB] server error: %v", err)
		}
	}()
	defer webSrv.Shutdown(context.Background())
	logger.Printf("[WEB] listening on %s", cfg.HTTPAddr)

	// Pub/sub supervisor.
	var bus *mqtt.Adapter
	if cfg.MQTTEnabled && cfg.MQTTHost != "" {
		conn := mqtt.NewConn(mqtt.Options{
			Broker:    brokerURL,
			ClientID:  deviceID,
			Username:  cfg.MQTTUser,
			Password:  cfg.MQTTPass,
			WillTopic: mqtt.NewTopics(deviceID).State,
		}, logger)
		bus = mqtt.NewAdapter(conn, ctrl, deviceID, logger)
		bus.SetFailsafeConfig(cfg.MQTTFailsafeEnabled, cfg.MQTTFailsafeTimeout)
		bus.OnFailsafeCommand(func(enabled bool, timeout time.Duration) {
			c := store.Load()
			c.MQTTFailsafeEnabled = enabled
			c.MQTTFailsafeTimeout = timeout
			if err := store.Save(c); err != nil {
				logger.Printf("[CONF] persist failsafe config failed: %v", err)
			}
		})
		bus.OnRCMConfigChanged(func(enabled bool) {
			c := store.Load()
			c.RCMEnabled = enabled
			if err := store.Save(c); err != nil {
				logger.Printf("[CONF] persist rcm config failed: %v", err)
			}
		})
		if err := conn.Start(bus.HandleConnect, bus.HandleMessage); err != nil {
			logger.Printf("[MQTT] %v", err)
		}
		defer bus.Close()
		connectedProbe := conn
		go func() {
			for range time.Tick(time.Second) {
				tracker.SetMQTTConnected(connectedProbe.IsConnected())
			}
		}()
	}

	// OCPP back office.
	var backOffice *ocpp.Client
	if cfg.OCPPEnabled && cfg.OCPPHost != "" {
		backOffice = ocpp.NewClient(ocpp.Config{
			Enabled:           true,
			Host:              cfg.OCPPHost,
			Port:              cfg.OCPPPort,
			URL:               cfg.OCPPURL,
			UseTLS:            cfg.OCPPUseTLS,
			AuthKey:           cfg.OCPPAuthKey,
			HeartbeatInterval: cfg.OCPPHeartbeatInterval,
			ReconnectInterval: cfg.OCPPReconnectInterval,
			ConnTimeout:       cfg.OCPPConnTimeout,
		}, ctrl, logger)
		backOffice.Start()
		defer backOffice.Stop()
	}

	logger.Printf("[EVSE] started: device=%s maxCurrent=%.0fA rcm=%t mqtt=%t ocpp=%t",
		deviceID, cfg.MaxCurrent, cfg.RCMEnabled, cfg.MQTTEnabled, cfg.OCPPEnabled)

	ticker := time.NewTicker(controlInterval)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = runLoop(ctrl, guard, tracker, bus, backOffice, meter.StaticReader{}, ticker.C, sigCh, logger)

	// Shutdown: leave the line safe before releasing the hardware, and
	// mark the exit clean so the boot guard does not count it.
	ctrl.StopCharging()
	if perr := pilotDev.Stop(); perr != nil {
		logger.Printf("[PILOT] shutdown: %v", perr)
	}
	guard.MarkClean()
	return err
}

// publishEvery controls how often observable state goes to the supervisors.
const publishEvery = time.Second

func runLoop(ctrl *controller.Controller, guard *bootguard.Guard, tracker *status.Tracker,
	bus *mqtt.Adapter, backOffice *ocpp.Client, ct meter.Reader,
	tick <-chan time.Time, sig <-chan os.Signal, logger *log.Logger) error {

	// From here on an exit without MarkClean counts as a crash.
	if err := guard.Clear(); err != nil {
		logger.Printf("[BOOT] %v", err)
	}

	lastPublish := time.Time{}
	for {
		select {
		case s := <-sig:
			logger.Printf("[EVSE] received %v, shutting down", s)
			return nil

		case now := <-tick:
			if r, err := ct.Read(); err == nil {
				ctrl.UpdateActualCurrent(r)
			}
			ctrl.Loop()
			guard.Loop(now)

			snap := ctrl.Snapshot()
			tracker.Update(snap)
			tracker.SetBootLoop(guard.High())

			if now.Sub(lastPublish) >= publishEvery {
				lastPublish = now
				if bus != nil {
					bus.PublishState()
				}
				if backOffice != nil {
					backOffice.UpdateStatus(snap)
					tracker.SetOCPPConnected(backOffice.IsConnected())
				}
			}
		}
	}
}

// deriveDeviceID builds a stable device id from the hostname when none is
// configured.
func deriveDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "EVSE-UNNAMED"
	}
	host = strings.ToUpper(strings.Split(host, ".")[0])
	return "EVSE-" + host
}
