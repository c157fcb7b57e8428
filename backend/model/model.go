package model

import "unicode"

// Settings select the role a process plays in the room.
type Settings struct {
	Username     string
	Hub          bool // accepts inbound connections and rebroadcasts
	AcceptSource bool // plays the URL supplied by the hub
	Standalone   bool // no readiness barrier, pause state is mirrored directly
}

// Room is a point-in-time view of the room, served by the status endpoint.
type Room struct {
	Ready        bool          `json:"ready"`
	Participants []Participant `json:"participants"`
}

type Participant struct {
	Addr          string `json:"addr"`
	Username      string `json:"username,omitempty"`
	Ready         bool   `json:"ready"`
	LatencyMillis int64  `json:"latency_ms"`
}

// ValidUsername reports whether name consists of letters and digits only.
func ValidUsername(name string) bool {
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			return false
		}
	}
	return true
}
