// Package web serves the local UI: a status page, a JSON status document,
// the normalised command surface and Prometheus metrics. Every command maps
// 1:1 to a charge-controller operation; human-originated start and current
// commands also signal ThrottleAlive.
package web

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/NOELV70/EVSE-SyncCharge/internal/pilot"
	"github.com/NOELV70/EVSE-SyncCharge/internal/status"
)

// Charger is the slice of the charge controller the UI drives.
type Charger interface {
	StartCharging()
	StopCharging()
	PauseCharging()
	SetCurrentLimit(amps float64)
	SetAllowBelowMinCharging(allow bool)
	SetLowLimitResumeDelay(d time.Duration)
	SetRCMEnabled(enabled bool)
	SignalThrottleAlive()
	EnableCurrentTest(enable bool)
	SetCurrentTest(amps float64)
}

// Server serves the local UI over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	evse       Charger
	logger     *log.Logger

	user string
	pass string

	// OnEvseConfigChanged fires after a /config/evse command so the new
	// values can be persisted.
	OnEvseConfigChanged func(allowBelowMin bool, resumeDelay time.Duration)
	// OnRCMConfigChanged fires after a /config/rcm command.
	OnRCMConfigChanged func(enabled bool)
}

// New creates a Server reading state from tracker and driving evse. user and
// pass guard the mutating routes; empty user disables authentication. A nil
// logger uses the default logger.
func New(addr string, tracker *status.Tracker, evse Charger, user, pass string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{tracker: tracker, evse: evse, logger: logger, user: user, pass: pass}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/status.json", s.handleJSON).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/cmd", s.auth(s.handleCmd)).Methods(http.MethodPost)
	r.HandleFunc("/current", s.auth(s.handleCurrent)).Methods(http.MethodPost)
	r.HandleFunc("/config/evse", s.auth(s.handleConfigEvse)).Methods(http.MethodPost)
	r.HandleFunc("/config/rcm", s.auth(s.handleConfigRcm)).Methods(http.MethodPost)
	r.HandleFunc("/test", s.auth(s.handleTest)).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.user != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.user || pass != s.pass {
				w.Header().Set("WWW-Authenticate", `Basic realm="evse"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(formatJSON(snap))
}

func (s *Server) handleCmd(w http.ResponseWriter, r *http.Request) {
	switch r.FormValue("do") {
	case "start":
		s.evse.StartCharging()
		s.evse.SignalThrottleAlive()
	case "stop":
		s.evse.StopCharging()
	case "pause":
		s.evse.PauseCharging()
	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	amps, err := strconv.ParseFloat(r.FormValue("amps"), 64)
	if err != nil {
		http.Error(w, "bad amps value", http.StatusBadRequest)
		return
	}
	s.evse.SetCurrentLimit(amps)
	s.evse.SignalThrottleAlive()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfigEvse(w http.ResponseWriter, r *http.Request) {
	allow := r.FormValue("allowlow") == "1"
	s.evse.SetAllowBelowMinCharging(allow)

	delay := s.tracker.Snapshot().Controller.LowLimitResumeDelay
	if v := r.FormValue("lldelay"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			http.Error(w, "bad lldelay value", http.StatusBadRequest)
			return
		}
		delay = time.Duration(ms) * time.Millisecond
		s.evse.SetLowLimitResumeDelay(delay)
	}

	if s.OnEvseConfigChanged != nil {
		s.OnEvseConfigChanged(allow, delay)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfigRcm(w http.ResponseWriter, r *http.Request) {
	enabled := r.FormValue("rcmen") == "1"
	s.evse.SetRCMEnabled(enabled)
	if s.OnRCMConfigChanged != nil {
		s.OnRCMConfigChanged(enabled)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	switch act := r.FormValue("act"); act {
	case "enable":
		s.evse.EnableCurrentTest(true)
	case "disable":
		s.evse.EnableCurrentTest(false)
	case "duty":
		duty, err := strconv.ParseFloat(r.FormValue("val"), 64)
		if err != nil || duty < 0 || duty > 100 {
			http.Error(w, "bad duty value", http.StatusBadRequest)
			return
		}
		s.evse.EnableCurrentTest(true)
		s.evse.SetCurrentTest(pilot.DutyToAmps(duty))
	default:
		http.Error(w, "unknown test action", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
