package e2e

import (
	"net/http"
	"testing"
)

func TestHealth_ReportsServices(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	services, ok := body["services"].(map[string]interface{})
	if !ok {
		t.Fatalf("services missing or not an object: %v", body["services"])
	}
	for _, name := range []string{"redis", "store", "detector", "worker"} {
		if _, ok := services[name]; !ok {
			t.Errorf("services.%s missing", name)
		}
	}
	if services["redis"] != true {
		t.Errorf("services.redis = %v, want true", services["redis"])
	}
}

func TestUnknownRoute(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/jobs/1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}
