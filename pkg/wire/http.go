package wire

// MutateRequest is the JSON body of POST /:resource/:procedure (spec.md
// §6: "body { resourceId?, payload, meta? }"). ResourceID is optional —
// an INSERT without one gets a server-generated id, mirroring MUTATE's
// own optional-on-insert ResourceID over the WebSocket transport.
type MutateRequest struct {
	ResourceID string         `json:"resourceId,omitempty"`
	Payload    Payload        `json:"payload"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// MutateResponse is the JSON response of POST /:resource/:procedure: the
// same envelope shape a WebSocket client would receive, flattened to its
// relevant fields so HTTP callers don't need to know about `_id`/`type`.
type MutateResponse struct {
	ID         string  `json:"id"`
	Accepted   bool    `json:"accepted"`
	ResourceID string  `json:"resourceId,omitempty"`
	Payload    Payload `json:"payload,omitempty"`
}

// NewMutateResponse builds a MutateResponse from the Envelope the session
// manager returns for a mutation (a MUTATE echo on success, a REJECT on
// failure).
func NewMutateResponse(resourceID string, env Envelope) MutateResponse {
	return MutateResponse{
		ID:         env.ID,
		Accepted:   env.Type == TypeMutate,
		ResourceID: resourceID,
		Payload:    env.Payload,
	}
}

// QueryResponse is the JSON response of GET /:resource?<query>: the rows
// queryengine.Executor.Execute resolved, already including any nested
// relations the query requested.
type QueryResponse struct {
	Data []map[string]any `json:"data"`
}
