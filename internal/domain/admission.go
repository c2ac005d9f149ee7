package domain

// ConnType is the kind of session the requester wants. The gate does not
// interpret it beyond echoing it back to the transport layer.
type ConnType string

const (
	ConnPunch ConnType = "punch"
	ConnRelay ConnType = "relay"
	ConnTCP   ConnType = "tcp"
	ConnUDP   ConnType = "udp"
)

// Valid reports whether c is a known connection type.
func (c ConnType) Valid() bool {
	switch c {
	case ConnPunch, ConnRelay, ConnTCP, ConnUDP:
		return true
	}
	return false
}

// AdmissionRequest asks whether a source may reach TargetID. Direct requests
// carry only SourceAddress; relayed requests carry SourceID.
type AdmissionRequest struct {
	SourceID      string   `json:"source_id,omitempty"`
	SourceAddress string   `json:"source_address,omitempty"`
	TargetID      string   `json:"target_id"`
	ConnType      ConnType `json:"conn_type"`
}

// Relayed reports whether the request names its source by id.
func (r AdmissionRequest) Relayed() bool {
	return r.SourceID != ""
}

// Outcome is the terminal result of one admission check.
type Outcome int

const (
	OutcomeAllowed Outcome = iota
	OutcomeDenied
	OutcomeNotFound
	OutcomeUnreachable
)

var outcomeNames = [...]string{"allowed", "denied", "not_found", "unreachable"}

func (o Outcome) String() string {
	if o < OutcomeAllowed || o > OutcomeUnreachable {
		return "unknown"
	}
	return outcomeNames[o]
}

// DenyReason says why a Denied outcome fired. Never sent to the requester.
type DenyReason string

const (
	DenyNone        DenyReason = ""
	DenyBanned      DenyReason = "banned"
	DenyRateLimited DenyReason = "rate_limited"
)

// DeniedSide records which end of the request triggered a ban denial.
type DeniedSide string

const (
	SideNone   DeniedSide = ""
	SideSource DeniedSide = "source"
	SideTarget DeniedSide = "target"
	SideBoth   DeniedSide = "both"
)

// TargetInfo is what the transport layer needs to connect to an allowed target.
type TargetInfo struct {
	ID                string      `json:"id"`
	Address           string      `json:"address"`
	PubkeyFingerprint string      `json:"pubkey_fingerprint"`
	ConnType          ConnType    `json:"conn_type"`
	Health            HealthState `json:"health_state"`
}

// Decision is the gate's answer. Reason and Side are for logs and the admin
// surface only.
type Decision struct {
	Outcome  Outcome
	Target   *TargetInfo
	SourceID string
	Reason   DenyReason
	Side     DeniedSide
}

// Allowed reports whether the connection may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}
