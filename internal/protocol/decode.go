package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decode parses one inbound text frame.
//
// It fails with ErrMalformedFrame when the frame is not a JSON object or has no
// msg discriminant. No other validation is performed.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if strings.TrimSpace(string(msg.Msg)) == "" {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedFrame, ErrMissingKind)
	}
	msg.Raw = append(json.RawMessage(nil), frame...)
	return msg, nil
}
