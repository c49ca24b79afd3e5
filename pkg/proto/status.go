package proto

import "fmt"

// Status represents a CI's operational state. The integer values are part
// of the snapshot format and must not be reordered.
type Status int

const (
	StatusOffline Status = iota // Not running
	StatusStarting
	StatusReady
	StatusBusy
	StatusError
	StatusShutdown
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "OFFLINE"
	case StatusStarting:
		return "STARTING"
	case StatusReady:
		return "READY"
	case StatusBusy:
		return "BUSY"
	case StatusError:
		return "ERROR"
	case StatusShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return s >= StatusOffline && s <= StatusShutdown
}

// Live reports whether a CI in this status can receive messages.
func (s Status) Live() bool {
	return s == StatusReady || s == StatusBusy
}

// Event represents a lifecycle event driving a status transition.
type Event string

const (
	EventCreated      Event = "CREATED"       // CI instance created
	EventInitializing Event = "INITIALIZING"  // CI starting up
	EventReady        Event = "READY"         // CI ready for work
	EventTaskAssigned Event = "TASK_ASSIGNED" // Task given to CI
	EventTaskComplete Event = "TASK_COMPLETE" // Task finished
	EventError        Event = "ERROR"         // Error occurred
	EventShutdownReq  Event = "SHUTDOWN_REQ"  // Shutdown requested
	EventShutdown     Event = "SHUTDOWN"      // CI shutting down
	EventTerminated   Event = "TERMINATED"    // CI terminated
)

// String returns the string representation of the event.
func (e Event) String() string {
	return string(e)
}

// ValidateEvent validates if a string is a known lifecycle event.
func ValidateEvent(event string) (Event, bool) {
	switch Event(event) {
	case EventCreated, EventInitializing, EventReady, EventTaskAssigned,
		EventTaskComplete, EventError, EventShutdownReq, EventShutdown,
		EventTerminated:
		return Event(event), true
	default:
		return "", false
	}
}
