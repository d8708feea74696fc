package telemetry

import (
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

// GRPCService is the service name reported through grpc.health.v1.
const GRPCService = "powermon.Telemetry"

type StateSource interface {
	State() model.ConnectionState
}

type breakerSource interface {
	BreakerState() string
	LastErrorAge() time.Duration
}

type healthHandler struct {
	conn     StateSource
	sched    *Scheduler
	recorder breakerSource
	stale    time.Duration
}

// NewHealthHandler serves /healthz. recorder may be nil; a nil
// *recorder.Recorder reports itself as disabled.
func NewHealthHandler(conn StateSource, sched *Scheduler, recorder breakerSource) http.Handler {
	stale := 3 * sched.opts.Period
	return &healthHandler{conn: conn, sched: sched, recorder: recorder, stale: stale}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Status          string  `json:"status"`
		Connection      string  `json:"connection"`
		Paused          bool    `json:"paused"`
		LastReadingAgeS float64 `json:"last_reading_age_sec"`
		Recorder        string  `json:"recorder,omitempty"`
		LastWriteErrorS float64 `json:"last_write_error_age_sec,omitempty"`
	}
	state := h.conn.State()
	age := h.sched.LastReadingAge()
	st := status{
		Connection:      state.String(),
		Paused:          h.sched.Paused(),
		LastReadingAgeS: age.Seconds(),
	}
	if h.recorder != nil {
		st.Recorder = h.recorder.BreakerState()
		st.LastWriteErrorS = h.recorder.LastErrorAge().Seconds()
	}

	sensorOK := age >= 0 && age < h.stale
	switch {
	case state == model.StateReady && sensorOK:
		st.Status = "ok"
	case state == model.StateReady || sensorOK:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// Handler /readyz: 200 solo quando la sessione MQTT è Ready.
type readyHandler struct {
	conn StateSource
}

func NewReadyHandler(conn StateSource) http.Handler {
	return &readyHandler{conn: conn}
}

func (h *readyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	ready := h.conn.State() == model.StateReady
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	type resp struct {
		Ready bool `json:"ready"`
	}
	_ = json.NewEncoder(w).Encode(resp{Ready: ready})
}

// NewGRPCHealth returns a health server starting as NOT_SERVING.
func NewGRPCHealth() *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus(GRPCService, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// SetGRPCReadiness mirrors a connection transition into hs.
func SetGRPCReadiness(hs *health.Server, to model.ConnectionState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if to == model.StateReady {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(GRPCService, status)
	hs.SetServingStatus("", status)
}
