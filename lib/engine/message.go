package engine

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Message is the boundary message shape: at least a channel and data,
// optionally a clientId, and an id assigned on first publish if absent.
// json.RawMessage data plus the Extra bag keep round-trip JSON fidelity
// for non-object payloads and fields this engine doesn't know about.
type Message struct {
	ID       string                 `json:"id"`
	Channel  string                 `json:"channel"`
	Data     json.RawMessage        `json:"data"`
	ClientID string                 `json:"clientId,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// ensureID assigns a UUIDv4 message id if one is not already set.
func (m *Message) ensureID() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
}

// MarshalJSON flattens Extra alongside the named fields so a message
// round-trips through Redis without losing fields the protocol layer
// attached but this engine doesn't know about.
func (m Message) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"id":      m.ID,
		"channel": m.Channel,
	}
	if len(m.Data) > 0 {
		out["data"] = json.RawMessage(m.Data)
	}
	if m.ClientID != "" {
		out["clientId"] = m.ClientID
	}
	for k, v := range m.Extra {
		if _, reserved := out[k]; !reserved {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses a message, keeping unrecognized keys in Extra.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["id"]; ok {
		json.Unmarshal(v, &m.ID)
		delete(raw, "id")
	}
	if v, ok := raw["channel"]; ok {
		json.Unmarshal(v, &m.Channel)
		delete(raw, "channel")
	}
	if v, ok := raw["data"]; ok {
		m.Data = append([]byte(nil), v...)
		delete(raw, "data")
	}
	if v, ok := raw["clientId"]; ok {
		json.Unmarshal(v, &m.ClientID)
		delete(raw, "clientId")
	}
	if len(raw) > 0 {
		m.Extra = make(map[string]interface{}, len(raw))
		for k, v := range raw {
			var val interface{}
			if err := json.Unmarshal(v, &val); err == nil {
				m.Extra[k] = val
			}
		}
	}
	return nil
}
