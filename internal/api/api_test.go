package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/locus/internal/health"
	"github.com/MrWong99/locus/internal/observe"
	"github.com/MrWong99/locus/internal/registry"
	"github.com/MrWong99/locus/internal/registry/registrytest"
	"github.com/MrWong99/locus/internal/service"
)

var testKeys = Keyring{
	service.RoleDesigner: "design-key",
	service.RolePlayer:   "player-key",
	service.RoleSensor:   "sensor-key",
	service.RoleActuator: "actuator-key",
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: unexpected error: %v", err)
	}
	return m
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	m := newTestMetrics(t)
	store := registry.NewRetrying(registry.NewMemStore(), registrytest.FastPolicy())
	svc := service.New(store, service.WithMetrics(m))
	if cfg.Keys == nil {
		cfg.Keys = testKeys
	}
	cfg.Metrics = m
	srv := httptest.NewServer(NewRouter(svc, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string, q url.Values) (int, string) {
	t.Helper()
	u := srv.URL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		t.Fatalf("GET %s: unexpected error: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: unexpected error: %v", err)
	}
	return resp.StatusCode, string(b)
}

func TestPing(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	code, body := get(t, srv, "/ping", nil)
	if code != http.StatusOK || body != "pong" {
		t.Errorf("GET /ping = %d %q", code, body)
	}
}

func TestOperations_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})

	code, body := get(t, srv, "/create_location", url.Values{
		"api_key": {"design-key"}, "name": {"L1"}, "type": {"INDOOR"},
	})
	if code != http.StatusOK || !strings.HasPrefix(body, "Location created successfully,") {
		t.Fatalf("create_location = %d %q", code, body)
	}
	loc := strings.TrimPrefix(body, "Location created successfully,")

	code, body = get(t, srv, "/create_item", url.Values{
		"api_key": {"design-key"}, "location_id": {loc}, "name": {"I1"}, "type": {"counter"},
		"coordinates": {"0,0,0"}, "attributes": {"count=3"},
	})
	if code != http.StatusOK {
		t.Fatalf("create_item = %d %q", code, body)
	}
	item := strings.TrimPrefix(body, "Item created successfully,")

	code, body = get(t, srv, "/update_attribute", url.Values{
		"api_key": {"sensor-key"}, "item_id": {item}, "attribute": {"count+=2"},
	})
	if code != http.StatusOK || body != "5" {
		t.Errorf("update_attribute = %d %q, want 200 \"5\"", code, body)
	}

	code, body = get(t, srv, "/get_attribute", url.Values{
		"api_key": {"actuator-key"}, "item_id": {item}, "attribute": {"count"},
	})
	if code != http.StatusOK || body != "5" {
		t.Errorf("get_attribute = %d %q, want 200 \"5\"", code, body)
	}

	code, body = get(t, srv, "/get_item", url.Values{"api_key": {"player-key"}, "item_id": {item}})
	want := item + `,"I1",PUBLIC_DOMAIN,counter,0.0,0.0,0.0,count=5` + "\n"
	if code != http.StatusOK || body != want {
		t.Errorf("get_item = %d %q, want %q", code, body, want)
	}
}

func TestOperations_StatusCodes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	get(t, srv, "/create_location", url.Values{"api_key": {"design-key"}, "name": {"Taken"}, "type": {"INDOOR"}})

	tests := []struct {
		name     string
		path     string
		q        url.Values
		wantCode int
		wantBody string
	}{
		{"missing key", "/list_tags", nil, http.StatusUnauthorized, "Invalid API key"},
		{"wrong role", "/list_tags", url.Values{"api_key": {"player-key"}}, http.StatusUnauthorized, "Invalid API key"},
		{"unknown key", "/list_tags", url.Values{"api_key": {"nope"}}, http.StatusUnauthorized, "Invalid API key"},
		{"validation", "/create_tag", url.Values{"api_key": {"design-key"}, "name": {"a b"}}, http.StatusBadRequest, "name can't contain spaces"},
		{"conflict", "/create_location", url.Values{"api_key": {"design-key"}, "name": {"Taken"}, "type": {"INDOOR"}}, http.StatusBadRequest, "Name already taken"},
		{"not found", "/get_item", url.Values{"api_key": {"design-key"}, "item_id": {"x"}}, http.StatusBadRequest, "Invalid item_id (item does not exist)"},
		{"empty list", "/list_tags", url.Values{"api_key": {"design-key"}}, http.StatusOK, "NO_TAGS"},
		{"unknown route", "/teleport", nil, http.StatusNotFound, "Not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := get(t, srv, tt.path, tt.q)
			if code != tt.wantCode || body != tt.wantBody {
				t.Errorf("GET %s = %d %q, want %d %q", tt.path, code, body, tt.wantCode, tt.wantBody)
			}
		})
	}
}

func TestRateLimit_ExemptsPing(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{RateLimits: []RateLimit{{Requests: 2, Window: time.Hour}}})
	q := url.Values{"api_key": {"design-key"}}

	for i := range 2 {
		if code, body := get(t, srv, "/list_tags", q); code != http.StatusOK {
			t.Fatalf("request %d = %d %q", i, code, body)
		}
	}
	if code, _ := get(t, srv, "/list_tags", q); code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", code)
	}
	if code, _ := get(t, srv, "/ping", nil); code != http.StatusOK {
		t.Errorf("/ping after limit = %d, want 200", code)
	}
}

func TestCORS_AllowsAnyOrigin(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: unexpected error: %v", err)
	}
	req.Header.Set("Origin", "https://game.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	h := health.New(health.WithCheck("store", func(context.Context) error { return nil }))
	srv := newTestServer(t, Config{Health: h})

	for _, p := range []string{"/healthz", "/readyz"} {
		if code, body := get(t, srv, p, nil); code != http.StatusOK {
			t.Errorf("GET %s = %d %q", p, code, body)
		}
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind service.Kind
		want int
	}{
		{service.KindNone, http.StatusOK},
		{service.KindAuthorization, http.StatusUnauthorized},
		{service.KindValidation, http.StatusBadRequest},
		{service.KindNotFound, http.StatusBadRequest},
		{service.KindConflict, http.StatusBadRequest},
		{service.KindStoreTimeout, http.StatusInternalServerError},
		{service.KindStore, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestKeyring_Resolve(t *testing.T) {
	t.Parallel()

	shared := Keyring{
		service.RoleDesigner: "",
		service.RoleSensor:   "same",
		service.RoleActuator: "same",
	}
	tests := []struct {
		name string
		keys Keyring
		key  string
		op   service.Operation
		want service.Role
	}{
		{"designer", testKeys, "design-key", service.OpCreateItem, service.RoleDesigner},
		{"sensor", testKeys, "sensor-key", service.OpUpdateAttribute, service.RoleSensor},
		{"unknown", testKeys, "other", service.OpGetItem, service.RoleNone},
		{"empty key", shared, "", service.OpGetItem, service.RoleNone},
		{"shared prefers allowed role", shared, "same", service.OpGetAttribute, service.RoleActuator},
		{"shared falls back to first match", shared, "same", service.OpCreateItem, service.RoleSensor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.keys.Resolve(tt.key, tt.op); got != tt.want {
				t.Errorf("Resolve(%q, %s) = %q, want %q", tt.key, tt.op, got, tt.want)
			}
		})
	}
}

func TestKeys_Swap(t *testing.T) {
	t.Parallel()

	keys := NewKeys(Keyring{service.RoleDesigner: "old"})
	srv := newTestServer(t, Config{Keys: keys})

	status := func(key string) int {
		code, _ := get(t, srv, "/list_locations", url.Values{"api_key": {key}})
		return code
	}

	if got := status("old"); got != http.StatusOK {
		t.Fatalf("old key before swap: status %d, want 200", got)
	}
	keys.Swap(Keyring{service.RoleDesigner: "new"})
	if got := status("old"); got != http.StatusUnauthorized {
		t.Errorf("old key after swap: status %d, want 401", got)
	}
	if got := status("new"); got != http.StatusOK {
		t.Errorf("new key after swap: status %d, want 200", got)
	}
}

func TestKeys_NilDeniesAll(t *testing.T) {
	t.Parallel()

	var keys *Keys
	if got := keys.Resolve("design-key", service.OpListTags); got != service.RoleNone {
		t.Errorf("Resolve on nil Keys = %v, want RoleNone", got)
	}

	srv := newTestServer(t, Config{Keys: keys})
	code, body := get(t, srv, "/list_tags", url.Values{"api_key": {"design-key"}})
	if code != http.StatusUnauthorized || body != "Invalid API key" {
		t.Errorf("GET /list_tags = %d %q, want 401 %q", code, body, "Invalid API key")
	}
}
