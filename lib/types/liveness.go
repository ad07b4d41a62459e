package types

import "time"

// Liveness is derived from heartbeat age and never stored.
type Liveness uint8

const (
	Dead Liveness = iota
	Warning
	Online
)

const (
	OnlineWindow  = time.Hour
	WarningWindow = 24 * time.Hour
)

func (l Liveness) String() string {
	switch l {
	case Online:
		return "ONLINE"
	case Warning:
		return "WARNING"
	default:
		return "DEAD"
	}
}

// Classify maps a heartbeat age to a liveness class.
func Classify(age time.Duration) Liveness {
	switch {
	case age < OnlineWindow:
		return Online
	case age < WarningWindow:
		return Warning
	default:
		return Dead
	}
}

// ClassifyAt classifies a heartbeat taken at unix second lastHeartbeat.
func ClassifyAt(lastHeartbeat int64, now time.Time) Liveness {
	return Classify(time.Duration(now.Unix()-lastHeartbeat) * time.Second)
}
