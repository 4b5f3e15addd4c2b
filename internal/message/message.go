// Package message defines the wire envelope shared by every protocol,
// phase, and rule in the multiplexer. The envelope is intentionally thin:
// beyond id/replyToId/payload-type, payload content is opaque to the core.
package message

import "github.com/google/uuid"

// Payload is the opaque, transport-defined body of a Message. The core only
// ever looks at its "type" discriminator; everything else is passed through
// untouched.
type Payload map[string]interface{}

// Type returns the payload's "type" discriminator, or "" if absent or not a
// string. Every dispatch decision in the protocol/rules layers keys off this.
func (p Payload) Type() string {
	if p == nil {
		return ""
	}
	t, _ := p["type"].(string)
	return t
}

// Message is the envelope exchanged between the core and a transport. IDs
// are 128-bit random strings assigned on send if absent. A Message carrying
// ReplyToID is a reply; every other Message is a request.
type Message struct {
	ID        string  `json:"id"`
	ReplyToID string  `json:"replyToId,omitempty"`
	Payload   Payload `json:"payload"`
}

// NewID returns a fresh random message/client/session id. Shared across the
// core wherever §3 calls for a "random" id (messages, clients, sessions).
func NewID() string {
	return uuid.New().String()
}

// IsReply reports whether m carries a reply correlation id.
func (m *Message) IsReply() bool {
	return m.ReplyToID != ""
}

// EnsureID assigns a fresh id to m if it doesn't already have one. Called by
// Protocol.SendMessage so callers never have to remember to stamp ids.
func (m *Message) EnsureID() {
	if m.ID == "" {
		m.ID = NewID()
	}
}

// Clone returns a shallow copy of m: a fresh envelope pointing at the same
// Payload map. Used by session fan-out (§4.4) so that a per-client rewrite
// of one envelope's fields never cross-contaminates another client's copy;
// rules that need to rewrite payload contents must clone Payload themselves.
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// ClonePayload returns a shallow copy of p — a fresh map with the same
// key/value pairs. Used by rule hooks and cache mutators that need to
// rewrite a payload's top-level fields without mutating the caller's copy.
func ClonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	clone := make(Payload, len(p))
	for k, v := range p {
		clone[k] = v
	}
	return clone
}
