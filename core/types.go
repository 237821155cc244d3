package core

import "time"

// EntityID is an opaque, globally unique identifier for a participant —
// human, AI model, or service. Equality is byte-equality on the string.
type EntityID string

// SecurityLevel controls how a SecureMessage's payload is protected in
// transit. The crypto primitives themselves are out of scope (§1); this
// only records caller intent.
type SecurityLevel int

const (
	SecurityPublic SecurityLevel = iota
	SecurityAuthenticated
	SecurityPrivate
	SecurityEncrypted
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityPublic:
		return "Public"
	case SecurityAuthenticated:
		return "Authenticated"
	case SecurityPrivate:
		return "Private"
	case SecurityEncrypted:
		return "Encrypted"
	default:
		return "Unknown"
	}
}

// Urgency constrains which transports are eligible to carry a message.
type Urgency int

const (
	UrgencyCritical Urgency = iota
	UrgencyRealTime
	UrgencyInteractive
	UrgencyBackground
	UrgencyBatch
)

func (u Urgency) String() string {
	switch u {
	case UrgencyCritical:
		return "Critical"
	case UrgencyRealTime:
		return "RealTime"
	case UrgencyInteractive:
		return "Interactive"
	case UrgencyBackground:
		return "Background"
	case UrgencyBatch:
		return "Batch"
	default:
		return "Unknown"
	}
}

// SecureMessage is the envelope carried end to end across transports.
// MessageID uniquely identifies it for at-least-once delivery tracking;
// Signature is expected to cover the canonical encoding of every other
// field (see Bytes).
type SecureMessage struct {
	MessageID     string
	From          EntityID
	To            EntityID
	Timestamp     time.Time
	SecurityLevel SecurityLevel
	Payload       []byte
	Signature     []byte
	RoutingPath   []EntityID
	Metadata      map[string]string
}

// Bytes returns the canonical encoding used for signing and hashing: every
// field except Signature, length-prefixed, fixed order.
func (m *SecureMessage) Bytes() []byte {
	buf := newFrameWriter()
	buf.writeString(m.MessageID)
	buf.writeString(string(m.From))
	buf.writeString(string(m.To))
	buf.writeUint64(uint64(m.Timestamp.UTC().UnixNano()))
	buf.writeUint64(uint64(m.SecurityLevel))
	buf.writeBytes(m.Payload)
	buf.writeUint64(uint64(len(m.RoutingPath)))
	for _, e := range m.RoutingPath {
		buf.writeString(string(e))
	}
	keys := sortedKeys(m.Metadata)
	buf.writeUint64(uint64(len(keys)))
	for _, k := range keys {
		buf.writeString(k)
		buf.writeString(m.Metadata[k])
	}
	return buf.Bytes()
}

// TransportTarget describes who and under what constraints a message must
// be delivered.
type TransportTarget struct {
	Identifier           EntityID
	Address              string
	PreferredTransports  []TransportType
	RequiredCapabilities map[string]struct{}
	Urgency              Urgency
}

// TransportCapabilities are immutable per transport instance.
type TransportCapabilities struct {
	MaxMessageSize    int
	Reliable          bool
	RealTime          bool
	Broadcast         bool
	Bidirectional     bool
	Encrypted         bool
	NetworkSpanning   bool
	SupportedUrgencies map[Urgency]struct{}
	Features          map[string]struct{}
}

// SupportsUrgency reports whether u is in the capability's urgency set.
func (c TransportCapabilities) SupportsUrgency(u Urgency) bool {
	_, ok := c.SupportedUrgencies[u]
	return ok
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// simple insertion sort — metadata maps are small, avoids importing sort
	// at every call site that only needs deterministic iteration.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
