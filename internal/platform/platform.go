// Package platform models the device location service the tracker runs on:
// permission prompts, a registry of named background location tasks, and the
// delivery of fixes to whichever task callbacks are registered.
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crimelink/internal/models"
)

// PermissionStatus is the answer to a permission request.
type PermissionStatus string

const (
	Granted      PermissionStatus = "granted"
	Denied       PermissionStatus = "denied"
	Undetermined PermissionStatus = "undetermined"
)

// ParsePermissionStatus accepts the configuration spelling of a status.
func ParsePermissionStatus(s string) (PermissionStatus, error) {
	switch PermissionStatus(strings.ToLower(strings.TrimSpace(s))) {
	case Granted:
		return Granted, nil
	case Denied:
		return Denied, nil
	case Undetermined, "":
		return Undetermined, nil
	}
	return "", fmt.Errorf("platform: unknown permission status %q", s)
}

// Permissions asks the user for location access.
type Permissions interface {
	RequestForeground(ctx context.Context) (PermissionStatus, error)
	RequestBackground(ctx context.Context) (PermissionStatus, error)
}

// Accuracy selects the location service's accuracy mode.
type Accuracy string

const (
	AccuracyBalanced Accuracy = "balanced"
	AccuracyHigh     Accuracy = "high"
)

// Options configures a location task registration.
type Options struct {
	Accuracy Accuracy `json:"accuracy"`
	// TimeInterval is the minimum time between delivered fixes.
	TimeInterval time.Duration `json:"timeInterval"`
	// DistanceInterval is the minimum displacement in meters between
	// delivered fixes.
	DistanceInterval float64 `json:"distanceInterval"`
	// ShowsBackgroundIndicator keeps a user-visible indicator up while the
	// task runs in the background.
	ShowsBackgroundIndicator bool `json:"showsBackgroundLocationIndicator"`
	// PausesUpdatesAutomatically lets the service stop delivering when it
	// decides the device is stationary.
	PausesUpdatesAutomatically bool `json:"pausesUpdatesAutomatically"`
}

// TaskEvent is what a task callback receives: either fixes or an error.
type TaskEvent struct {
	Locations []models.Fix
	Err       error
}

// TaskFunc handles one delivery for a named task.
type TaskFunc func(ctx context.Context, event TaskEvent) error

// TaskManager registers named background location tasks.
type TaskManager interface {
	// Define binds the callback invoked for deliveries to name. Defining
	// does not start updates; it only makes a registered task runnable in
	// this process.
	Define(name string, fn TaskFunc)
	HasStartedLocationUpdates(ctx context.Context, name string) (bool, error)
	StartLocationUpdates(ctx context.Context, name string, opts Options) error
	StopLocationUpdates(ctx context.Context, name string) error
}

// StaticPermissions answers permission requests from fixed configuration.
type StaticPermissions struct {
	Foreground PermissionStatus
	Background PermissionStatus
}

func (p StaticPermissions) RequestForeground(context.Context) (PermissionStatus, error) {
	return p.Foreground, nil
}

func (p StaticPermissions) RequestBackground(context.Context) (PermissionStatus, error) {
	return p.Background, nil
}
