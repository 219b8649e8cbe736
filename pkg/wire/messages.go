// Package wire defines the typed message envelopes exchanged over the
// duplex channel between client and server (spec.md §4.2). Every envelope
// carries an `_id` so the peer can correlate rejections and dedupe.
package wire

import (
	"fmt"

	"github.com/liveframe/liveframe/pkg/lww"
)

// Type discriminates the envelope kinds. The same Type (Sync, Mutate) is
// used in both directions with a different populated shape — see the
// doc comments on each constructor for exactly which fields apply.
type Type string

const (
	TypeSubscribe Type = "SUBSCRIBE"
	TypeSync      Type = "SYNC"
	TypeMutate    Type = "MUTATE"
	TypeReject    Type = "REJECT"
)

// FieldMeta carries a single field's LWW timestamp on the wire.
type FieldMeta struct {
	Timestamp string `json:"timestamp"`
}

// FieldValue is the wire shape of an lww.FieldValue: `{ value, _meta: { timestamp } }`.
type FieldValue struct {
	Value any       `json:"value"`
	Meta  FieldMeta `json:"_meta"`
}

// Payload is the wire shape of an lww.Payload: one FieldValue per field.
type Payload map[string]FieldValue

// ToLWW converts a wire payload into the internal lww.Payload shape.
func (p Payload) ToLWW() lww.Payload {
	out := make(lww.Payload, len(p))
	for field, fv := range p {
		out[field] = lww.FieldValue{Value: fv.Value, Timestamp: fv.Meta.Timestamp}
	}
	return out
}

// PayloadFromLWW converts an internal lww.Payload into its wire shape.
func PayloadFromLWW(p lww.Payload) Payload {
	out := make(Payload, len(p))
	for field, fv := range p {
		out[field] = FieldValue{Value: fv.Value, Meta: FieldMeta{Timestamp: fv.Timestamp}}
	}
	return out
}

// Envelope is the single wire type every message in §4.2 marshals to/from.
// Only the fields relevant to Type are populated; the rest are left zero.
type Envelope struct {
	ID   string `json:"_id"`
	Type Type   `json:"type"`

	// SUBSCRIBE, MUTATE (both directions), and server SYNC bootstrap all
	// name a single resource.
	Resource string `json:"resource,omitempty"`

	// MUTATE only.
	ResourceID string  `json:"resourceId,omitempty"`
	Procedure  string  `json:"procedure,omitempty"`
	Payload    Payload `json:"payload,omitempty"`

	// Client SYNC request only: catch-up since lastSyncedAt, defaulting to
	// every subscribed resource when Resources is empty.
	LastSyncedAt string   `json:"lastSyncedAt,omitempty"`
	Resources    []string `json:"resources,omitempty"`

	// Server SYNC bootstrap only: resourceId -> per-field payload.
	Data map[string]Payload `json:"data,omitempty"`
}

// NewSubscribe builds a client SUBSCRIBE envelope.
func NewSubscribe(id, resource string) Envelope {
	return Envelope{ID: id, Type: TypeSubscribe, Resource: resource}
}

// NewSyncRequest builds a client SYNC (catch-up request) envelope.
// resources may be nil to mean "every subscribed resource".
func NewSyncRequest(id, lastSyncedAt string, resources []string) Envelope {
	return Envelope{ID: id, Type: TypeSync, LastSyncedAt: lastSyncedAt, Resources: resources}
}

// NewSyncBootstrap builds a server SYNC (bootstrap snapshot) envelope for a
// single resource.
func NewSyncBootstrap(id, resource string, data map[string]Payload) Envelope {
	return Envelope{ID: id, Type: TypeSync, Resource: resource, Data: data}
}

// NewMutate builds a MUTATE envelope, valid in both directions. payload
// must not carry an "id" entry — the separate ResourceID field is
// authoritative (spec.md §3); use ValidatePayload to check before sending.
func NewMutate(id, resource, resourceID, procedure string, payload Payload) Envelope {
	return Envelope{ID: id, Type: TypeMutate, Resource: resource, ResourceID: resourceID, Procedure: procedure, Payload: payload}
}

// NewReject builds a server REJECT envelope correlating to the client
// mutation with matching ID.
func NewReject(id, resource string) Envelope {
	return Envelope{ID: id, Type: TypeReject, Resource: resource}
}

// ValidatePayload rejects a MUTATE payload that smuggles an "id" field,
// per spec.md §3: "payload never carries id (the separate resourceId is
// authoritative)".
func ValidatePayload(payload Payload) error {
	if _, ok := payload["id"]; ok {
		return fmt.Errorf("wire: mutation payload must not carry an \"id\" field")
	}
	return nil
}
