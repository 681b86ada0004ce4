package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func registerCritical(healthy bool) {
	RegisterComponent(ComponentDevice, healthy, "")
	RegisterComponent(ComponentStore, true, "")
	RegisterComponent(ComponentController, true, "")
}

func TestRegisterComponent(t *testing.T) {
	resetHealth()

	RegisterComponent(ComponentDevice, true, "connected")

	comp, ok := healthChecker.components[ComponentDevice]
	if !ok {
		t.Fatal("component not registered")
	}
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "connected" {
		t.Errorf("expected message 'connected', got '%s'", comp.Message)
	}
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name   string
		setup  func()
		status string
	}{
		{
			name:   "all healthy",
			setup:  func() { registerCritical(true) },
			status: "healthy",
		},
		{
			name:   "critical component down",
			setup:  func() { registerCritical(false) },
			status: "unhealthy",
		},
		{
			name: "reporter down only degrades",
			setup: func() {
				registerCritical(true)
				RegisterComponent(ComponentReporter, false, "nightscout unreachable")
			},
			status: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			tt.setup()

			health := GetHealth()
			if health.Status != tt.status {
				t.Errorf("expected status '%s', got '%s'", tt.status, health.Status)
			}
		})
	}
}

func TestGetHealth_ComponentMessage(t *testing.T) {
	resetHealth()
	SetVersion("1.0.0")
	RegisterComponent(ComponentReporter, false, "nightscout unreachable")

	health := GetHealth()
	if health.Components[ComponentReporter] != "unhealthy: nightscout unreachable" {
		t.Errorf("unexpected reporter status: %s", health.Components[ComponentReporter])
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth()
	RegisterComponent(ComponentDevice, true, "")

	readiness := GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%s'", readiness.Status)
	}
	if readiness.Message == "" {
		t.Error("expected message explaining why not ready")
	}

	registerCritical(true)
	if readiness := GetReadiness(); readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}
}

func TestSetCritical(t *testing.T) {
	resetHealth()
	SetCritical(ComponentDevice)
	RegisterComponent(ComponentDevice, true, "")

	if readiness := GetReadiness(); readiness.Status != "ready" {
		t.Errorf("expected status 'ready', got '%s'", readiness.Status)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealth()
	registerCritical(false)

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "unhealthy" {
		t.Errorf("expected unhealthy status, got %s", health.Status)
	}
}

func TestReadyHandler(t *testing.T) {
	resetHealth()
	registerCritical(true)

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealth()

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["status"] != "alive" {
		t.Errorf("expected status 'alive', got '%s'", response["status"])
	}
}
