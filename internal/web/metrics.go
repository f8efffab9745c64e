package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NOELV70/EVSE-SyncCharge/internal/controller"
)

// metricsHandler builds a dedicated registry of gauges reading straight from
// the status tracker.
func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string, value func(controller.Snapshot) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "evse",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return value(s.tracker.Snapshot().Controller)
		})
	}
	boolVal := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	reg.MustRegister(
		gauge("charge_state", "Charge state (0=ready, 1=charging).", func(c controller.Snapshot) float64 {
			return float64(c.ChargeState)
		}),
		gauge("vehicle_state", "J1772 vehicle state (0=A .. 5=F).", func(c controller.Snapshot) float64 {
			return float64(c.VehicleState)
		}),
		gauge("current_limit_amps", "Active current limit.", func(c controller.Snapshot) float64 {
			return c.CurrentLimit
		}),
		gauge("pilot_duty_percent", "Pilot PWM duty cycle.", func(c controller.Snapshot) float64 {
			return c.PilotDuty
		}),
		gauge("current_l1_amps", "Measured phase 1 current.", func(c controller.Snapshot) float64 {
			return c.ActualCurrent.L1
		}),
		gauge("current_l2_amps", "Measured phase 2 current.", func(c controller.Snapshot) float64 {
			return c.ActualCurrent.L2
		}),
		gauge("current_l3_amps", "Measured phase 3 current.", func(c controller.Snapshot) float64 {
			return c.ActualCurrent.L3
		}),
		gauge("error_lockout", "Fail-safe lockout latched.", func(c controller.Snapshot) float64 {
			return boolVal(c.ErrorLockout)
		}),
		gauge("rcm_fault", "RCM fault latched.", func(c controller.Snapshot) float64 {
			return boolVal(c.RCMTripped)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "evse",
			Name:      "uptime_seconds",
			Help:      "Daemon uptime.",
		}, func() float64 {
			return s.tracker.Snapshot().Uptime().Seconds()
		}),
	)

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
