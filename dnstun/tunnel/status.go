package tunnel

// Status describes the lifecycle state of the worker as seen by outside
// observers.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusReconnectingNetworkError
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "STARTING"
	case StatusRunning:
		return "RUNNING"
	case StatusReconnectingNetworkError:
		return "RECONNECTING_NETWORK_ERROR"
	case StatusStopping:
		return "STOPPING"
	case StatusStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// StatusNotifier receives every status transition of the worker. It is called
// from the worker goroutine and must not block.
type StatusNotifier func(Status)
