package monitor

import (
	pkg "github.com/rotacerta/geoguard/pkg"
)

// Action is the classifier's recommended handling for a provider error.
type Action string

const (
	ActionShowPermissionButton Action = "show_permission_button"
	ActionRetrySilent          Action = "retry_silent"
	ActionRetryWithMessage     Action = "retry_with_message"
)

// Classification normalizes a raw geolocation error code.
//
// IsDefinitelyOff is only true when the provider reports a state that can
// mean "location is actually unobtainable" (permission denied). A timeout
// is never classified as the GPS being off: timeouts are common and
// transient, and conflating them with "GPS off" is the main source of
// false user alarms.
type Classification struct {
	IsDefinitelyOff bool               `json:"is_definitely_off"`
	Status          pkg.LocationStatus `json:"status"`
	Action          Action             `json:"action"`
}

// Classify maps a provider error code to its normalized classification.
// The table is fixed:
//
//	1 (permission denied)    -> definitely off, NO_PERMISSION, show permission button
//	2 (position unavailable) -> transient, UNAVAILABLE, silent retry
//	3 (timeout)              -> transient, TIMEOUT, silent retry
//	other                    -> transient, UNAVAILABLE, retry with message
func Classify(code int) Classification {
	switch code {
	case pkg.ErrCodePermissionDenied:
		return Classification{
			IsDefinitelyOff: true,
			Status:          pkg.StatusNoPermission,
			Action:          ActionShowPermissionButton,
		}
	case pkg.ErrCodePositionUnavailable:
		return Classification{
			IsDefinitelyOff: false,
			Status:          pkg.StatusUnavailable,
			Action:          ActionRetrySilent,
		}
	case pkg.ErrCodeTimeout:
		return Classification{
			IsDefinitelyOff: false,
			Status:          pkg.StatusTimeout,
			Action:          ActionRetrySilent,
		}
	default:
		return Classification{
			IsDefinitelyOff: false,
			Status:          pkg.StatusUnavailable,
			Action:          ActionRetryWithMessage,
		}
	}
}
