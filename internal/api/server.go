// Package api provides the host-side HTTP surface for the device daemon:
// liveness, a JSON status snapshot, Prometheus metrics, and a manual
// safety-shutdown trigger for operators. Grounded on Tutu's
// internal/api.Server — chi router, RequestID/RealIP/Recoverer middleware,
// writeJSON helper — adapted from an LLM-inference API to this device's
// status surface, whose only write route is the safety-shutdown trigger.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ccgarces/esp32-light-and-pump/internal/control"
	"github.com/ccgarces/esp32-light-and-pump/internal/netsupervisor"
)

// NetState is the narrow netsupervisor.Supervisor surface the status
// endpoint reads.
type NetState interface {
	State() netsupervisor.State
	StableSince() time.Time
}

// CloudState reports whether the cloud session is currently up.
type CloudState interface {
	Up() bool
}

// CommissioningState reports whether the local channel is currently open.
type CommissioningState interface {
	Active() bool
}

// ControlState is the control.Pipeline surface the status endpoint reads.
type ControlState interface {
	Snapshot() control.Snapshot
}

// Shutdowner is the watchdog.Watchdog surface the manual trigger drives.
type Shutdowner interface {
	Trip(reason string) error
}

// Server is the device daemon's HTTP API.
type Server struct {
	net           NetState
	cloud         CloudState
	commissioning CommissioningState
	pipeline      ControlState
	shutdown      Shutdowner
}

// NewServer builds a Server. Any dependency may be nil: a nil net source
// omits the net fields, a nil cloud, commissioning or pipeline source leaves
// its fields at false/0, and a nil shutdown leaves /safety-shutdown
// unmounted.
func NewServer(net NetState, cloud CloudState, commissioning CommissioningState, pipeline ControlState, shutdown Shutdowner) *Server {
	return &Server{net: net, cloud: cloud, commissioning: commissioning, pipeline: pipeline, shutdown: shutdown}
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	if s.shutdown != nil {
		r.Post("/safety-shutdown", s.handleSafetyShutdown)
	}

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	NetState            string  `json:"net_state,omitempty"`
	NetStableSeconds    float64 `json:"net_stable_seconds,omitempty"`
	CloudSessionUp      bool    `json:"cloud_session_up"`
	LocalChannelActive  bool    `json:"local_channel_active"`
	LightPct            int     `json:"light_pct"`
	PumpPct             int     `json:"pump_pct"`
	ActuatorUpdatedUnix int64   `json:"actuator_updated_unix,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}

	if s.net != nil {
		resp.NetState = s.net.State().String()
		if since := s.net.StableSince(); !since.IsZero() {
			resp.NetStableSeconds = time.Since(since).Seconds()
		}
	}
	if s.cloud != nil {
		resp.CloudSessionUp = s.cloud.Up()
	}
	if s.commissioning != nil {
		resp.LocalChannelActive = s.commissioning.Active()
	}
	if s.pipeline != nil {
		snap := s.pipeline.Snapshot()
		resp.LightPct = snap.LightPct
		resp.PumpPct = snap.PumpPct
		if !snap.UpdatedAt.IsZero() {
			resp.ActuatorUpdatedUnix = snap.UpdatedAt.Unix()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type safetyShutdownRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSafetyShutdown(w http.ResponseWriter, r *http.Request) {
	var req safetyShutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if err := s.shutdown.Trip(req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutdown triggered"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}
