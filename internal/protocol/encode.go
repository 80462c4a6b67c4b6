package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type connectFrame struct {
	Msg     Kind     `json:"msg"`
	Version string   `json:"version"`
	Support []string `json:"support"`
}

type methodFrame struct {
	Msg    Kind   `json:"msg"`
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     string `json:"id"`
}

type subFrame struct {
	Msg    Kind   `json:"msg"`
	Name   string `json:"name"`
	Params []any  `json:"params"`
	ID     string `json:"id"`
}

type pongFrame struct {
	Msg Kind   `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// Encode serializes msg into one JSON text frame.
//
// Outbound kinds use a fixed field order; other kinds marshal generically.
func Encode(msg Message) ([]byte, error) {
	if strings.TrimSpace(string(msg.Msg)) == "" {
		return nil, ErrMissingKind
	}
	switch msg.Msg {
	case KindConnect:
		support := msg.Support
		if support == nil {
			support = []string{}
		}
		return json.Marshal(connectFrame{Msg: msg.Msg, Version: msg.Version, Support: support})
	case KindMethod:
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: method %q", ErrMissingID, msg.Method)
		}
		return json.Marshal(methodFrame{Msg: msg.Msg, Method: msg.Method, Params: nonNil(msg.Params), ID: msg.ID})
	case KindSub:
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: sub %q", ErrMissingID, msg.Name)
		}
		return json.Marshal(subFrame{Msg: msg.Msg, Name: msg.Name, Params: nonNil(msg.Params), ID: msg.ID})
	case KindPong:
		return json.Marshal(pongFrame{Msg: msg.Msg, ID: msg.ID})
	default:
		return json.Marshal(msg)
	}
}

func nonNil(params []any) []any {
	if params == nil {
		return []any{}
	}
	return params
}
