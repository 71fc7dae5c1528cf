package realtime

import "fmt"

// Status of one subscription. Closed is terminal: a later subscribe for
// the same (table, filter) creates a fresh subscription.
type Status int

const (
	StatusInactive Status = iota
	StatusConnecting
	StatusConnected
	StatusError
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusError:
		return "ERROR"
	case StatusClosed:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

func (s Status) validateTransitionTo(newStatus Status) error {
	// Teardown is allowed from every state.
	if newStatus == StatusClosed && s != StatusClosed {
		return nil
	}

	switch s {
	case StatusInactive:
		if newStatus == StatusConnecting {
			return nil
		}
	case StatusConnecting:
		switch newStatus {
		case StatusConnected, StatusError:
			return nil
		}
	case StatusConnected:
		if newStatus == StatusError {
			return nil
		}
	case StatusError:
		if newStatus == StatusConnecting {
			return nil
		}
	}

	return fmt.Errorf("invalid status transition from %v to %v", s, newStatus)
}
