// Package pkg contains the shared domain types of the geoguard location
// trust pipeline: coordinate fixes, monitor statuses, alert types, fraud
// risk levels and audit events. Subpackages depend on these types, never
// on each other's internals.
package pkg

import (
	"fmt"
	"time"
)

// LocationStatus is the monitor's view of the geolocation feed.
// Exactly one status is current at any time.
type LocationStatus string

const (
	StatusIdle                 LocationStatus = "idle"
	StatusOK                   LocationStatus = "ok"
	StatusNoPermission         LocationStatus = "no_permission"
	StatusGPSOff               LocationStatus = "gps_off"
	StatusLowAccuracy          LocationStatus = "low_accuracy"
	StatusTimeout              LocationStatus = "timeout"
	StatusUnavailable          LocationStatus = "unavailable"
	StatusBackgroundRestricted LocationStatus = "background_restricted"
)

// PermissionState is the platform's answer to a capability-permission
// query. It is sourced independently from geolocation error codes so a
// spurious "permission denied" error can be corroborated.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
	PermissionUnknown PermissionState = "unknown"
)

// AlertType identifies a user-facing alert candidate.
type AlertType string

const (
	AlertNoPermission AlertType = "no_permission"
	AlertGPSOff       AlertType = "gps_off"
	AlertLowAccuracy  AlertType = "low_accuracy"
	AlertUnavailable  AlertType = "unavailable"
	AlertTimeout      AlertType = "timeout"
	AlertRestored     AlertType = "restored"
)

// RiskLevel is the fraud analyzer's composite verdict for one fix.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Geolocation provider error codes, mirroring the W3C/platform values.
const (
	ErrCodePermissionDenied    = 1
	ErrCodePositionUnavailable = 2
	ErrCodeTimeout             = 3
)

// Fix is a single geolocation reading. Immutable once produced.
type Fix struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"` // meters, >= 0
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"` // m/s
	Timestamp int64    `json:"timestamp"`       // milliseconds since epoch
}

// Time returns the fix timestamp as a time.Time.
func (f Fix) Time() time.Time {
	return time.UnixMilli(f.Timestamp)
}

// WatchError is an error callback from the geolocation provider.
type WatchError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e WatchError) Error() string {
	return fmt.Sprintf("geolocation error %d: %s", e.Code, e.Message)
}

// AuditEvent is an append-only fraud-signal record handed to the audit
// collaborator. Writes are best-effort and must never block fix
// processing.
type AuditEvent struct {
	Type        string                 `json:"type"`
	RuleCode    string                 `json:"rule_code"`
	Description string                 `json:"description"`
	Severity    string                 `json:"severity"`
	FreightID   string                 `json:"freight_id,omitempty"`
	DriverID    string                 `json:"driver_id"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// HistoryEntry is one immutable row of the driver's location history.
type HistoryEntry struct {
	DriverID    string    `json:"driver_id"`
	FreightID   string    `json:"freight_id,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Accuracy    float64   `json:"accuracy"`
	LowAccuracy bool      `json:"low_accuracy"`
	RecordedAt  time.Time `json:"recorded_at"`
}
