package relay

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	frameRecord = "record"
	frameWrite  = "write"
	frameAck    = "ack"
	frameError  = "error"
)

type frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Record  json.RawMessage `json:"record,omitempty"`
	Message string          `json:"message,omitempty"`
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// rawRecord embeds a payload in a frame. A payload that is not valid JSON
// is sent as a JSON string so the receiver still sees it as malformed.
func rawRecord(p []byte) json.RawMessage {
	if json.Valid(p) {
		return json.RawMessage(p)
	}
	quoted, _ := json.Marshal(string(p))
	return json.RawMessage(quoted)
}
