package platform

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"crimelink/internal/models"
)

const testTask = "TEST_LOCATION_TASK"

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newLocal(t *testing.T, db *sql.DB) *Local {
	t.Helper()
	l, err := NewLocal(context.Background(), db, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

// recorder collects task events.
type recorder struct {
	mu     sync.Mutex
	events []TaskEvent
	err    error
}

func (r *recorder) handle(_ context.Context, event TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) fixes() []models.Fix {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Fix
	for _, e := range r.events {
		out = append(out, e.Locations...)
	}
	return out
}

func fixAt(offset time.Duration, lat, lon float64) models.Fix {
	return models.Fix{Timestamp: t0.Add(offset), Latitude: lat, Longitude: lon}
}

func TestRegistrySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	first := newLocal(t, openDB(t, path))
	first.Define(testTask, (&recorder{}).handle)
	if err := first.StartLocationUpdates(ctx, testTask, Options{Accuracy: AccuracyHigh, TimeInterval: 15 * time.Second}); err != nil {
		t.Fatalf("StartLocationUpdates: %v", err)
	}

	// A revived process sees the registration before defining anything.
	second := newLocal(t, openDB(t, path))
	started, err := second.HasStartedLocationUpdates(ctx, testTask)
	if err != nil {
		t.Fatalf("HasStartedLocationUpdates: %v", err)
	}
	if !started {
		t.Fatal("registration lost across reopen")
	}

	regs, err := second.Registrations(ctx)
	if err != nil {
		t.Fatalf("Registrations: %v", err)
	}
	if len(regs) != 1 || regs[0].Options.TimeInterval != 15*time.Second || regs[0].Options.Accuracy != AccuracyHigh {
		t.Fatalf("Registrations() = %+v", regs)
	}

	if err := second.StopLocationUpdates(ctx, testTask); err != nil {
		t.Fatalf("StopLocationUpdates: %v", err)
	}
	if started, _ := first.HasStartedLocationUpdates(ctx, testTask); started {
		t.Fatal("task still registered after stop")
	}
}

func TestStartRequiresDefinedTask(t *testing.T) {
	l := newLocal(t, openDB(t, filepath.Join(t.TempDir(), "p.db")))
	if err := l.StartLocationUpdates(context.Background(), "UNDEFINED", Options{}); err == nil {
		t.Fatal("StartLocationUpdates on an undefined task succeeded")
	}
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("unregistered task receives nothing", func(t *testing.T) {
		l := newLocal(t, openDB(t, filepath.Join(t.TempDir(), "p.db")))
		rec := &recorder{}
		l.Define(testTask, rec.handle)

		if err := l.Deliver(ctx, []models.Fix{fixAt(0, 1, 1)}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		if n := len(rec.fixes()); n != 0 {
			t.Fatalf("received %d fixes; want 0", n)
		}
	})

	t.Run("intervals are applied", func(t *testing.T) {
		l := newLocal(t, openDB(t, filepath.Join(t.TempDir(), "p.db")))
		rec := &recorder{}
		l.Define(testTask, rec.handle)
		if err := l.StartLocationUpdates(ctx, testTask, Options{TimeInterval: 15 * time.Second, DistanceInterval: 15}); err != nil {
			t.Fatal(err)
		}

		deliveries := []models.Fix{
			fixAt(0, 0, 0),
			fixAt(5*time.Second, 0, 0.001),    // too soon
			fixAt(20*time.Second, 0, 0.00005), // too close (~5.6 m)
			fixAt(30*time.Second, 0, 0.001),   // ~111 m, 30 s later
			fixAt(31*time.Second, 95, 0),      // invalid
		}
		for _, f := range deliveries {
			if err := l.Deliver(ctx, []models.Fix{f}); err != nil {
				t.Fatalf("Deliver: %v", err)
			}
		}

		got := rec.fixes()
		if len(got) != 2 {
			t.Fatalf("received %d fixes; want 2: %+v", len(got), got)
		}
		if !got[1].Timestamp.Equal(t0.Add(30 * time.Second)) {
			t.Errorf("second fix at %v; want +30s", got[1].Timestamp)
		}
	})

	t.Run("failing callback keeps registration and redelivers", func(t *testing.T) {
		l := newLocal(t, openDB(t, filepath.Join(t.TempDir(), "p.db")))
		rec := &recorder{err: errors.New("disk full")}
		l.Define(testTask, rec.handle)
		if err := l.StartLocationUpdates(ctx, testTask, Options{TimeInterval: 15 * time.Second}); err != nil {
			t.Fatal(err)
		}

		fix := fixAt(0, 1, 1)
		if err := l.Deliver(ctx, []models.Fix{fix}); err == nil {
			t.Fatal("Deliver did not report the callback error")
		}
		if started, _ := l.HasStartedLocationUpdates(ctx, testTask); !started {
			t.Fatal("failing callback unregistered the task")
		}

		// The failed fix was not recorded as delivered, so a retry passes.
		rec.mu.Lock()
		rec.err = nil
		rec.mu.Unlock()
		if err := l.Deliver(ctx, []models.Fix{fix}); err != nil {
			t.Fatalf("redelivery: %v", err)
		}
		if n := len(rec.fixes()); n != 2 {
			t.Fatalf("callback invoked with %d fixes; want 2", n)
		}
	})

	t.Run("panicking callback is contained", func(t *testing.T) {
		l := newLocal(t, openDB(t, filepath.Join(t.TempDir(), "p.db")))
		l.Define(testTask, func(context.Context, TaskEvent) error { panic("boom") })
		if err := l.StartLocationUpdates(ctx, testTask, Options{}); err != nil {
			t.Fatal(err)
		}

		if err := l.Deliver(ctx, []models.Fix{fixAt(0, 1, 1)}); err == nil {
			t.Fatal("Deliver swallowed the panic without reporting it")
		}
		if started, _ := l.HasStartedLocationUpdates(ctx, testTask); !started {
			t.Fatal("panicking callback unregistered the task")
		}
	})

	t.Run("errors reach the callback", func(t *testing.T) {
		l := newLocal(t, openDB(t, filepath.Join(t.TempDir(), "p.db")))
		rec := &recorder{}
		l.Define(testTask, rec.handle)
		if err := l.StartLocationUpdates(ctx, testTask, Options{}); err != nil {
			t.Fatal(err)
		}

		cause := errors.New("location unavailable")
		if err := l.DeliverError(ctx, cause); err != nil {
			t.Fatalf("DeliverError: %v", err)
		}
		if len(rec.events) != 1 || !errors.Is(rec.events[0].Err, cause) {
			t.Fatalf("events = %+v", rec.events)
		}
	})
}

func TestParsePermissionStatus(t *testing.T) {
	cases := []struct {
		input    string
		expected PermissionStatus
		wantErr  bool
	}{
		{"granted", Granted, false},
		{" Denied ", Denied, false},
		{"", Undetermined, false},
		{"maybe", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParsePermissionStatus(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParsePermissionStatus(%q) error = %v; wantErr %v", tc.input, err, tc.wantErr)
			}
			if got != tc.expected {
				t.Fatalf("ParsePermissionStatus(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}
