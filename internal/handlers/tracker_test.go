package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crimelink/internal/capture"
	"crimelink/internal/models"
	"crimelink/internal/uploader"
)

type mockTracker struct {
	state    capture.State
	startErr error
}

func (m *mockTracker) Start(context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.state = capture.Tracking
	return nil
}

func (m *mockTracker) Stop(context.Context) error {
	m.state = capture.Stopped
	return nil
}

func (m *mockTracker) Status(context.Context) (capture.State, error) { return m.state, nil }

type mockQueue struct{ n int }

func (m *mockQueue) Count(context.Context) (int, error) { return m.n, nil }

type mockDrainer struct {
	uploaded int
	err      error
}

func (m *mockDrainer) Drain(context.Context) (int, error) { return m.uploaded, m.err }

type mockDeliverer struct {
	got [][]models.Fix
	err error
}

func (m *mockDeliverer) Deliver(_ context.Context, fixes []models.Fix) error {
	m.got = append(m.got, fixes)
	return m.err
}

type fixture struct {
	tracker   *mockTracker
	queue     *mockQueue
	drainer   *mockDrainer
	deliverer *mockDeliverer
	mux       *http.ServeMux
}

func newFixture() *fixture {
	f := &fixture{
		tracker:   &mockTracker{state: capture.Stopped},
		queue:     &mockQueue{},
		drainer:   &mockDrainer{},
		deliverer: &mockDeliverer{},
		mux:       http.NewServeMux(),
	}
	NewTrackerHandler(f.tracker, f.queue, f.drainer, f.deliverer, nil).Routes(f.mux)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestHandleFixes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		deliverErr error
		wantStatus int
		wantFixes  int
	}{
		{"single fix", http.MethodPost, `{"latitude":6.9,"longitude":79.8,"accuracy":5}`, nil, http.StatusAccepted, 1},
		{"array", http.MethodPost, `[{"latitude":6.9,"longitude":79.8},{"latitude":7,"longitude":80}]`, nil, http.StatusAccepted, 2},
		{"malformed", http.MethodPost, `{"latitude":`, nil, http.StatusBadRequest, 0},
		{"empty", http.MethodPost, ``, nil, http.StatusBadRequest, 0},
		{"delivery fails", http.MethodPost, `{"latitude":6.9,"longitude":79.8}`, errors.New("boom"), http.StatusInternalServerError, 1},
		{"wrong method", http.MethodGet, ``, nil, http.StatusMethodNotAllowed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.deliverer.err = tt.deliverErr

			rec := f.do(tt.method, "/api/fixes", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d; want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
			delivered := 0
			for _, batch := range f.deliverer.got {
				delivered += len(batch)
			}
			if delivered != tt.wantFixes {
				t.Errorf("delivered %d fixes; want %d", delivered, tt.wantFixes)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	f := newFixture()
	f.tracker.state = capture.Tracking
	f.queue.n = 4

	rec := f.do(http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	got := decode[statusResponse](t, rec)
	if got.State != capture.Tracking || got.Queued != 4 {
		t.Errorf("response = %+v", got)
	}
}

func TestHandleFlush(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"drained", nil, http.StatusOK},
		{"sink unreachable", &uploader.UploadError{BatchID: "b", Records: 3, Err: errors.New("503")}, http.StatusBadGateway},
		{"queue broken", fmt.Errorf("store: peek: %w", errors.New("disk I/O error")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.drainer.uploaded, f.drainer.err = 2, tt.err
			f.queue.n = 3

			rec := f.do(http.MethodPost, "/api/flush", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d; want %d", rec.Code, tt.wantStatus)
			}
			got := decode[flushResponse](t, rec)
			if got.Uploaded != 2 || got.Queued != 3 {
				t.Errorf("response = %+v", got)
			}
			if (tt.err != nil) != (got.Error != "") {
				t.Errorf("error field = %q", got.Error)
			}
		})
	}
}

func TestHandleStartStop(t *testing.T) {
	t.Run("start then stop", func(t *testing.T) {
		f := newFixture()

		rec := f.do(http.MethodPost, "/api/tracking/start", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("start status = %d", rec.Code)
		}
		if got := decode[statusResponse](t, rec); got.State != capture.Tracking {
			t.Errorf("state after start = %s", got.State)
		}

		rec = f.do(http.MethodPost, "/api/tracking/stop", "")
		if rec.Code != http.StatusOK || f.tracker.state != capture.Stopped {
			t.Fatalf("stop status = %d, state %s", rec.Code, f.tracker.state)
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		f := newFixture()
		f.tracker.startErr = fmt.Errorf("background %w", capture.ErrPermissionDenied)

		if rec := f.do(http.MethodPost, "/api/tracking/start", ""); rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d; want 403", rec.Code)
		}
	})
}
