package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buger/jsonparser"
)

// KindInvalid marks an inbound frame that was not a JSON object with a
// string "type" member. The raw text is kept as a JSON string payload.
const KindInvalid = "invalid"

// ChannelEvent is one structured application event exchanged over the
// event channel.
type ChannelEvent struct {
	Kind    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds a ChannelEvent, marshaling payload to JSON.
func NewEvent(kind string, payload any) (ChannelEvent, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return ChannelEvent{}, fmt.Errorf("event kind must not be empty")
	}
	if payload == nil {
		return ChannelEvent{Kind: kind}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return ChannelEvent{Kind: kind, Payload: append(json.RawMessage(nil), raw...)}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ChannelEvent{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return ChannelEvent{Kind: kind, Payload: data}, nil
}

// MarshalFrame encodes the event as a single wire frame.
//
// Object payloads are sent as the object itself with "type" set to Kind.
// Any other payload is nested under "payload".
func (e ChannelEvent) MarshalFrame() ([]byte, error) {
	kind := strings.TrimSpace(e.Kind)
	if kind == "" {
		return nil, fmt.Errorf("event kind must not be empty")
	}
	quotedKind, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}

	payload := bytes.TrimSpace(e.Payload)
	if len(payload) == 0 {
		return []byte(`{"type":` + string(quotedKind) + `}`), nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("event %q payload is not valid JSON", kind)
	}
	if payload[0] == '{' {
		frame, err := jsonparser.Set(append([]byte(nil), payload...), quotedKind, "type")
		if err != nil {
			return nil, fmt.Errorf("set event type: %w", err)
		}
		return frame, nil
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(quotedKind)
	buf.WriteString(`,"payload":`)
	buf.Write(payload)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseFrame decodes one inbound wire frame. It never fails: frames without
// a usable "type" become KindInvalid events carrying the raw text.
func ParseFrame(data []byte) ChannelEvent {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		kind, err := jsonparser.GetString(trimmed, "type")
		if err == nil && strings.TrimSpace(kind) != "" {
			return ChannelEvent{
				Kind:    kind,
				Payload: append(json.RawMessage(nil), trimmed...),
			}
		}
	}
	quoted, _ := json.Marshal(string(data))
	return ChannelEvent{Kind: KindInvalid, Payload: quoted}
}

// Direction says which side produced a logged event.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// ChatLogEntry is one append-only record of an exchanged event.
type ChatLogEntry struct {
	Direction Direction    `json:"direction"`
	Event     ChannelEvent `json:"event"`
	At        time.Time    `json:"at"`
}
