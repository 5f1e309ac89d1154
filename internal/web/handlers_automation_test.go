package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"tuya-go-home/internal/automation"
)

func newAutomationServer(t *testing.T) *Server {
	t.Helper()
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(t, WithAutomation(mgr, nil))
	return s
}

func TestAutomationCRUD(t *testing.T) {
	s := newAutomationServer(t)

	// Create
	body := `{"name":"Night Fan","description":"d","lua_code":"tuya.log(\"hi\")","enabled":false}`
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/automations", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}
	var created automation.Script
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID != "night_fan" {
		t.Errorf("id = %q", created.ID)
	}

	// List
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/automations", nil))
	var list []automation.Script
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("list count = %d, want 1", len(list))
	}

	// Get
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/automations/night_fan", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	// Update
	body = `{"name":"Night Fan","lua_code":"tuya.log(\"v2\")","enabled":true}`
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/automations/night_fan", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d: %s", rec.Code, rec.Body.String())
	}
	var updated automation.Script
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if !updated.Meta.Enabled || !strings.Contains(updated.LuaCode, "v2") {
		t.Errorf("updated = %+v", updated)
	}

	// Toggle off
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/automations/night_fan/toggle", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: status = %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Meta.Enabled {
		t.Error("toggle did not disable the script")
	}

	// Delete
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/automations/night_fan", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/automations/night_fan", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestAutomationCreateRequiresName(t *testing.T) {
	s := newAutomationServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/automations", strings.NewReader(`{"lua_code":"x=1"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAutomationListWithoutManager(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/automations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}
