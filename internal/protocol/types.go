package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the "msg" discriminant carried by every frame.
type Kind string

const (
	KindConnect   Kind = "connect"
	KindConnected Kind = "connected"
	KindFailed    Kind = "failed"
	KindMethod    Kind = "method"
	KindResult    Kind = "result"
	KindSub       Kind = "sub"
	KindNoSub     Kind = "nosub"
	KindAdded     Kind = "added"
	KindUpdated   Kind = "updated"
	KindReady     Kind = "ready"
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
	KindError     Kind = "error"
)

// Version is the protocol version proposed in the connect handshake.
const Version = "1"

// SupportedVersions is the version list sent with connect.
var SupportedVersions = []string{Version}

// Message is one parsed frame. Fields not used by a kind stay zero.
type Message struct {
	Msg        Kind            `json:"msg"`
	ID         string          `json:"id,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	Session    string          `json:"session,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
	Method     string          `json:"method,omitempty"`
	Name       string          `json:"name,omitempty"`
	Params     []any           `json:"params,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *RemoteError    `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`

	// Raw is the complete inbound frame as received.
	Raw json.RawMessage `json:"-"`
}

// RemoteError is the server error payload attached to result and nosub frames.
type RemoteError struct {
	Code      any             `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	ErrorType string          `json:"errorType,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// UnmarshalJSON accepts the usual error object and also a bare string or
// number, which is kept as Code.
func (e *RemoteError) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		type plain RemoteError
		var v plain
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return err
		}
		*e = RemoteError(v)
		return nil
	}
	var code any
	if err := json.Unmarshal(trimmed, &code); err != nil {
		return err
	}
	*e = RemoteError{Code: code}
	return nil
}

func (e RemoteError) String() string {
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return msg
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		if e.Code != nil {
			return fmt.Sprintf("%s [%v]", reason, e.Code)
		}
		return reason
	}
	if e.Code != nil {
		return fmt.Sprintf("error %v", e.Code)
	}
	return "unknown error"
}

// RemoteError returns the error payload carried by the frame, if any.
func (m Message) RemoteError() (RemoteError, bool) {
	if m.Error == nil {
		return RemoteError{}, false
	}
	return *m.Error, true
}

// Connect builds the connect handshake frame.
func Connect() Message {
	return Message{
		Msg:     KindConnect,
		Version: Version,
		Support: append([]string(nil), SupportedVersions...),
	}
}

// Pong builds the keepalive reply. id echoes the ping id when the server sent one.
func Pong(id string) Message {
	return Message{Msg: KindPong, ID: id}
}

// Method builds a remote method call frame.
func Method(id, method string, params []any) Message {
	return Message{Msg: KindMethod, ID: id, Method: method, Params: params}
}

// Sub builds a subscription start frame.
func Sub(id, name string, params []any) Message {
	return Message{Msg: KindSub, ID: id, Name: name, Params: params}
}
