package protocol

import "encoding/json"

// JSONCodec is the "textual" encoding from spec §4.1: a single JSON object
// carrying every Message field. msg_ids is omitted (or an empty list) when
// there are no ids; limit is omitted (defaulting to 0) when unset.
type JSONCodec struct{}

type jsonMessage struct {
	Cmd    string   `json:"cmd"`
	Src    string   `json:"src"`
	To     string   `json:"to"`
	Body   string   `json:"body"`
	Error  bool     `json:"error"`
	MsgIDs []string `json:"msg_ids,omitempty"`
	Limit  uint16   `json:"limit,omitempty"`
}

// Encode implements Codec.
func (JSONCodec) Encode(m *Message) ([]byte, error) {
	return json.Marshal(jsonMessage{
		Cmd:    m.Cmd,
		Src:    m.Src,
		To:     m.To,
		Body:   string(m.Body),
		Error:  m.Error,
		MsgIDs: m.MsgIDs,
		Limit:  m.Limit,
	})
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (*Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, err
	}
	return &Message{
		Cmd:    jm.Cmd,
		Src:    jm.Src,
		To:     jm.To,
		Body:   []byte(jm.Body),
		Error:  jm.Error,
		MsgIDs: jm.MsgIDs,
		Limit:  jm.Limit,
	}, nil
}
