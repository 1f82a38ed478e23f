package openapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestSpecCoversActionSurface(t *testing.T) {
	doc := Spec()

	wantPaths := []string{
		"/v1/actions/start-continuous-writes",
		"/v1/actions/stop-continuous-writes",
		"/v1/actions/clear-continuous-writes",
		"/v1/actions/show-continuous-writes",
		"/v1/actions/run-sql",
		"/v1/actions/test-tls",
		"/v1/relations",
	}
	for _, p := range wantPaths {
		if doc.Paths.Find(p) == nil {
			t.Errorf("spec missing path %s", p)
		}
	}

	if doc.Components.SecuritySchemes["apiKey"] == nil {
		t.Error("spec missing apiKey security scheme")
	}
	if doc.Components.SecuritySchemes["bearerAuth"] == nil {
		t.Error("spec missing bearerAuth security scheme")
	}
}

func TestServeSpec(t *testing.T) {
	req := httptest.NewRequest("GET", "/openapi.json", nil)
	rr := httptest.NewRecorder()
	ServeSpec(rr, req)

	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if decoded["openapi"] != "3.1.0" {
		t.Errorf("openapi version = %v", decoded["openapi"])
	}
}
