package queryengine

import (
	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
)

// payloadRow adapts a decoded lww.Payload to queryshape.RowAccessor for
// scalar-field filtering that can't be pushed into storage.Get itself
// (the RelationOne fetch path below uses BatchGet, which takes no
// filter, so a caller-supplied where is applied after the fact).
type payloadRow struct {
	id      string
	payload lww.Payload
}

func (r payloadRow) Field(name string) (any, bool) {
	if name == "id" {
		return r.id, true
	}
	fv, ok := r.payload[name]
	if !ok {
		return nil, false
	}
	return fv.Value, true
}

func (r payloadRow) Relation(string) ([]queryshape.RowAccessor, bool) {
	return nil, false
}

// filterPayloads keeps only the rows matching where.
func filterPayloads(payloads map[string]lww.Payload, where queryshape.Where) (map[string]lww.Payload, error) {
	if where == nil {
		return payloads, nil
	}
	out := make(map[string]lww.Payload, len(payloads))
	for id, p := range payloads {
		matched, err := queryshape.EvaluateWhere(where, payloadRow{id, p})
		if err != nil {
			return nil, err
		}
		if matched {
			out[id] = p
		}
	}
	return out, nil
}
