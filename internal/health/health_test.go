package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

func ok(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: unexpected error: %v", rec.Body.String(), err)
	}
	return v
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := New(WithVersion("1.2.3"), WithCheck("store", failing("down")))
	h.now = func() time.Time { return clock.Add(90 * time.Second) }
	h.started = clock

	rec := serve(h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200 even with failing checks", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	got := decode[Liveness](t, rec)
	want := Liveness{Status: "ok", Version: "1.2.3", Uptime: "1m30s"}
	if got != want {
		t.Errorf("body = %+v, want %+v", got, want)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       []Option
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checks",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{},
		},
		{
			name:       "all pass",
			opts:       []Option{WithCheck("store", ok), WithCheck("breaker", ok)},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"store": "", "breaker": ""},
		},
		{
			name:       "one fails",
			opts:       []Option{WithCheck("store", ok), WithCheck("breaker", failing("store breaker is open"))},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "", "breaker": "store breaker is open"},
		},
		{
			name:       "all fail",
			opts:       []Option{WithCheck("store", failing("connection refused")), WithCheck("breaker", failing("open"))},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"store": "connection refused", "breaker": "open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(New(tt.opts...), "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("GET /readyz = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode[Readiness](t, rec)
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.wantChecks) {
				t.Fatalf("checks = %v, want %d entries", body.Checks, len(tt.wantChecks))
			}
			for name, wantErr := range tt.wantChecks {
				res, found := body.Checks[name]
				if !found {
					t.Errorf("check %q missing", name)
					continue
				}
				if res.Error != wantErr {
					t.Errorf("check %q error = %q, want %q", name, res.Error, wantErr)
				}
				wantStatus := "ok"
				if wantErr != "" {
					wantStatus = "fail"
				}
				if res.Status != wantStatus {
					t.Errorf("check %q status = %q, want %q", name, res.Status, wantStatus)
				}
			}
		})
	}
}

func TestReadyz_HungCheckTimesOut(t *testing.T) {
	t.Parallel()

	hung := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h := New(WithCheck("store", hung), WithCheck("breaker", ok), WithTimeout(20*time.Millisecond))

	start := time.Now()
	rec := serve(h, "/readyz")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("readyz took %v with a 20ms check timeout", elapsed)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz = %d, want 503", rec.Code)
	}
	body := decode[Readiness](t, rec)
	if got := body.Checks["store"].Error; got != context.DeadlineExceeded.Error() {
		t.Errorf("store error = %q, want %q", got, context.DeadlineExceeded.Error())
	}
	if body.Checks["breaker"].Status != "ok" {
		t.Errorf("breaker = %+v, want ok", body.Checks["breaker"])
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	t.Parallel()

	h := New(WithCheck("store", func(ctx context.Context) error { return ctx.Err() }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Readyz with cancelled request = %d, want 503", rec.Code)
	}
}
