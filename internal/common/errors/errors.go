// Package errors provides the typed error kinds used across the botherd
// fleet coordination core.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeGroupNotFound       = "GROUP_NOT_FOUND"
	CodeGroupExists         = "GROUP_EXISTS"
	CodeInstanceNotFound    = "INSTANCE_NOT_FOUND"
	CodeInstanceExists      = "INSTANCE_EXISTS"
	CodeCapacityExceeded    = "CAPACITY_EXCEEDED"
	CodeGroupNotEmpty       = "GROUP_NOT_EMPTY"
	CodePortUnavailable     = "PORT_UNAVAILABLE"
	CodePortExhausted       = "PORT_EXHAUSTED"
	CodeConfigNotFound      = "CONFIG_NOT_FOUND"
	CodeConfigParseError    = "CONFIG_PARSE_ERROR"
	CodeProcessSpawnFailed  = "PROCESS_SPAWN_FAILED"
	CodeDetectionIncomplete = "DETECTION_INCOMPLETE"
	CodeSnapshotVersion     = "SNAPSHOT_VERSION"
)

// FleetError represents a fleet-management error with a stable code that
// callers can branch on without string matching.
type FleetError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *FleetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *FleetError) Unwrap() error {
	return e.Err
}

// InvalidTransition creates an error for a lifecycle transition that is not
// legal from the instance's current status.
func InvalidTransition(instanceID, from, to string) *FleetError {
	return &FleetError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("instance %q cannot transition from %s to %s", instanceID, from, to),
	}
}

// GroupNotFound creates a lookup-miss error for a group name.
func GroupNotFound(name string) *FleetError {
	return &FleetError{
		Code:    CodeGroupNotFound,
		Message: fmt.Sprintf("group %q not found", name),
	}
}

// GroupExists creates a duplicate-group error.
func GroupExists(name string) *FleetError {
	return &FleetError{
		Code:    CodeGroupExists,
		Message: fmt.Sprintf("group %q already exists", name),
	}
}

// InstanceNotFound creates a lookup-miss error for an instance id.
func InstanceNotFound(group, id string) *FleetError {
	return &FleetError{
		Code:    CodeInstanceNotFound,
		Message: fmt.Sprintf("instance %q not found in group %q", id, group),
	}
}

// InstanceExists creates a duplicate-instance error.
func InstanceExists(group, id string) *FleetError {
	return &FleetError{
		Code:    CodeInstanceExists,
		Message: fmt.Sprintf("instance %q already exists in group %q", id, group),
	}
}

// CapacityExceeded creates an error for a group at its max_instances cap.
func CapacityExceeded(group string, max int) *FleetError {
	return &FleetError{
		Code:    CodeCapacityExceeded,
		Message: fmt.Sprintf("group %q is at capacity (%d instances)", group, max),
	}
}

// GroupNotEmpty creates an error for deleting a group that still has
// instances with live processes.
func GroupNotEmpty(group string, active int) *FleetError {
	return &FleetError{
		Code:    CodeGroupNotEmpty,
		Message: fmt.Sprintf("group %q still has %d active instances", group, active),
	}
}

// PortUnavailable creates an error for a preferred port that was rejected.
func PortUnavailable(port int, reason string) *FleetError {
	return &FleetError{
		Code:    CodePortUnavailable,
		Message: fmt.Sprintf("port %d unavailable: %s", port, reason),
	}
}

// PortExhausted creates an error for a scan range with no free port left.
func PortExhausted(start, end int) *FleetError {
	return &FleetError{
		Code:    CodePortExhausted,
		Message: fmt.Sprintf("no free port in range %d-%d", start, end),
	}
}

// ConfigNotFound creates an error for a missing on-disk configuration artifact.
func ConfigNotFound(path string) *FleetError {
	return &FleetError{
		Code:    CodeConfigNotFound,
		Message: fmt.Sprintf("configuration file %q not found", path),
	}
}

// ConfigParseError creates an error for an unparseable configuration artifact,
// wrapping the parser's error.
func ConfigParseError(path string, err error) *FleetError {
	return &FleetError{
		Code:    CodeConfigParseError,
		Message: fmt.Sprintf("cannot parse configuration file %q", path),
		Err:     err,
	}
}

// ProcessSpawnFailed creates an error for a failed process start, wrapping the
// collaborator's error.
func ProcessSpawnFailed(command string, err error) *FleetError {
	return &FleetError{
		Code:    CodeProcessSpawnFailed,
		Message: fmt.Sprintf("failed to spawn process %q", command),
		Err:     err,
	}
}

// DetectionIncomplete creates an error for a process scan that could not
// enumerate the full process list.
func DetectionIncomplete(err error) *FleetError {
	return &FleetError{
		Code:    CodeDetectionIncomplete,
		Message: "process scan incomplete",
		Err:     err,
	}
}

// SnapshotVersion creates an error for a persisted snapshot whose format
// version this build does not understand.
func SnapshotVersion(version string) *FleetError {
	return &FleetError{
		Code:    CodeSnapshotVersion,
		Message: fmt.Sprintf("unsupported snapshot format version %q", version),
	}
}

// CodeOf returns the fleet error code for an error, or the empty string if the
// error is not a FleetError.
func CodeOf(err error) string {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode checks whether the error carries the given fleet error code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsInvalidTransition checks if the error is a lifecycle-misuse error.
func IsInvalidTransition(err error) bool {
	return HasCode(err, CodeInvalidTransition)
}

// IsNotFound checks if the error is a group or instance lookup miss.
func IsNotFound(err error) bool {
	code := CodeOf(err)
	return code == CodeGroupNotFound || code == CodeInstanceNotFound
}

// IsCapacityExceeded checks if the error is a group-capacity error.
func IsCapacityExceeded(err error) bool {
	return HasCode(err, CodeCapacityExceeded)
}

// IsPortUnavailable checks if the error is a rejected preferred port.
func IsPortUnavailable(err error) bool {
	return HasCode(err, CodePortUnavailable)
}

// IsPortExhausted checks if the error is an exhausted port scan range.
func IsPortExhausted(err error) bool {
	return HasCode(err, CodePortExhausted)
}

// IsConfigNotFound checks if the error is a missing configuration artifact.
func IsConfigNotFound(err error) bool {
	return HasCode(err, CodeConfigNotFound)
}
