package models

// PeerState is the protocol position of one remote connection.
type PeerState int

const (
	StateAwaitingHandshake PeerState = iota
	StateAwaitingBitfield
	// serving side
	StateAwaitingInterest
	StateUnchoked
	StateChoked
	StateRemoteNotInterested
	// downloading side
	StateInterested
	StateRequesting
	StateAwaitingInterestRecheck
	StateNotInterested
	// transient, while a DOWNLOADED announcement is processed
	StatePeerAnnouncedCompletion
)

var peerStateNames = [...]string{
	StateAwaitingHandshake:       "awaiting-handshake",
	StateAwaitingBitfield:        "awaiting-bitfield",
	StateAwaitingInterest:        "awaiting-interest",
	StateUnchoked:                "unchoked",
	StateChoked:                  "choked",
	StateRemoteNotInterested:     "remote-not-interested",
	StateInterested:              "interested",
	StateRequesting:              "requesting",
	StateAwaitingInterestRecheck: "awaiting-interest-recheck",
	StateNotInterested:           "not-interested",
	StatePeerAnnouncedCompletion: "peer-announced-completion",
}

func (s PeerState) String() string {
	if s < 0 || int(s) >= len(peerStateNames) {
		return "unknown"
	}
	return peerStateNames[s]
}

// Role is fixed per connection: the side that dialed downloads, the side that accepted serves.
type Role int

const (
	RoleUnknown Role = iota
	RoleActive
	RolePassive
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "active"
	case RolePassive:
		return "passive"
	}
	return "unknown"
}
