package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeRequest parses one inbound frame. A failure here is a protocol
// violation answered in-band; it never tears the connection down.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request frame: %w", err)
	}
	return req, nil
}

// EncodeResponse serializes an outbound frame. Message boundaries are
// the transport's concern (WebSocket messages, NATS replies), so no
// extra length prefix is added here.
func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response frame: %w", err)
	}
	return data, nil
}
