package job

import (
	"encoding/json"
	"fmt"
)

// ContentType is the content type set on every published envelope
const ContentType = "application/json"

// Encode serializes the envelope for the wire
func Encode(e *Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return body, nil
}

// Decode parses a wire body into an envelope. Options are normalized, so a
// missing or non-positive fault tolerance becomes DefaultFaultTolerance.
func Decode(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrSerialization)
	}
	if e.WorkerName == "" {
		return nil, fmt.Errorf("%w: missing worker_name", ErrSerialization)
	}
	e.Options = e.Options.Normalize(DefaultFaultTolerance)
	return &e, nil
}

// EncodePayload turns a caller payload into raw JSON. Raw messages and byte
// slices holding valid JSON pass through unchanged.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrSerialization)
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrSerialization)
		}
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return raw, nil
}
