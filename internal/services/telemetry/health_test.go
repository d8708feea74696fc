package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/powermon/internal/model"
	"github.com/LeonardoBeccarini/powermon/internal/recorder"
)

type fixedState model.ConnectionState

func (s fixedState) State() model.ConnectionState { return model.ConnectionState(s) }

func TestHealthHandler(t *testing.T) {
	conn := newFakeConn()
	s := NewScheduler(&scriptedReader{}, conn, testTopics, Options{Period: time.Second})

	get := func(h http.Handler) (int, map[string]interface{}) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var body map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return rec.Code, body
	}

	_, body := get(NewHealthHandler(fixedState(model.StateError), s, nil))
	if body["status"] != "down" {
		t.Errorf("status = %v, want down", body["status"])
	}

	s.Cycle(context.Background())
	_, body = get(NewHealthHandler(fixedState(model.StateReady), s, nil))
	if body["status"] != "ok" || body["connection"] != "ready" {
		t.Errorf("body = %v, want ok/ready", body)
	}

	var disabled *recorder.Recorder
	_, body = get(NewHealthHandler(fixedState(model.StateReady), s, disabled))
	if body["recorder"] != "disabled" || body["status"] != "ok" {
		t.Errorf("body = %v, want ok with recorder disabled", body)
	}
	if _, ok := body["last_write_error_age_sec"]; ok {
		t.Errorf("body = %v, want no write error age for a disabled recorder", body)
	}

	code, body := get(NewReadyHandler(fixedState(model.StateBrokerConnecting)))
	if code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Errorf("readyz = %d %v, want 503 not ready", code, body)
	}
	code, _ = get(NewReadyHandler(fixedState(model.StateReady)))
	if code != http.StatusOK {
		t.Errorf("readyz = %d, want 200", code)
	}
}

func TestGRPCHealth(t *testing.T) {
	hs := NewGRPCHealth()
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: GRPCService})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %v, want NOT_SERVING", got)
	}
	SetGRPCReadiness(hs, model.StateReady)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", got)
	}
	SetGRPCReadiness(hs, model.StateDisconnected)
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING", got)
	}
}
