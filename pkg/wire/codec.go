package wire

import (
	"encoding/json"
	"fmt"
)

// Encode marshals an envelope to its JSON wire form.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", e.Type, err)
	}
	return b, nil
}

// Decode unmarshals a JSON frame into an envelope and checks that Type is
// one this version of the protocol understands, so callers get a clear
// error instead of silently treating an unrecognised message as valid.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode: %w", err)
	}
	switch e.Type {
	case TypeSubscribe, TypeSync, TypeMutate, TypeReject:
	default:
		return Envelope{}, fmt.Errorf("wire: unknown message type %q", e.Type)
	}
	return e, nil
}
