package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// BinaryCodec is the "binary" encoding from spec §4.1:
//
//	len1(cmd) ‖ cmd ‖ len1(src) ‖ src ‖ len1(to) ‖ to ‖
//	len2(body) ‖ body ‖ errorByte ‖ len2(idsPayload) ‖ idsPayload ‖ limit16
//
// lenN is an N-byte big-endian length; idsPayload is the JSON array encoding
// of msg_ids; errorByte is 0x01/0x00; limit16 is a 2-byte big-endian uint16.
type BinaryCodec struct{}

// Encode implements Codec.
func (BinaryCodec) Encode(m *Message) ([]byte, error) {
	if len(m.Cmd) > 0xFF {
		return nil, fmt.Errorf("protocol: cmd too long for binary codec: %d bytes", len(m.Cmd))
	}
	if len(m.Src) > 0xFF {
		return nil, fmt.Errorf("protocol: src too long for binary codec: %d bytes", len(m.Src))
	}
	if len(m.To) > 0xFF {
		return nil, fmt.Errorf("protocol: to too long for binary codec: %d bytes", len(m.To))
	}
	if len(m.Body) > 0xFFFF {
		return nil, fmt.Errorf("protocol: body too long for binary codec: %d bytes", len(m.Body))
	}

	ids := m.MsgIDs
	if ids == nil {
		ids = []string{}
	}
	idsPayload, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	if len(idsPayload) > 0xFFFF {
		return nil, fmt.Errorf("protocol: msg_ids too long for binary codec: %d bytes", len(idsPayload))
	}

	out := make([]byte, 0, 1+len(m.Cmd)+1+len(m.Src)+1+len(m.To)+2+len(m.Body)+1+2+len(idsPayload)+2)
	out = append(out, byte(len(m.Cmd)))
	out = append(out, m.Cmd...)
	out = append(out, byte(len(m.Src)))
	out = append(out, m.Src...)
	out = append(out, byte(len(m.To)))
	out = append(out, m.To...)
	out = appendUint16(out, uint16(len(m.Body)))
	out = append(out, m.Body...)
	if m.Error {
		out = append(out, 0x01)
	} else {
		out = append(out, 0x00)
	}
	out = appendUint16(out, uint16(len(idsPayload)))
	out = append(out, idsPayload...)
	out = appendUint16(out, m.Limit)
	return out, nil
}

// Decode implements Codec.
func (BinaryCodec) Decode(data []byte) (*Message, error) {
	pos := 0

	cmd, pos, err := readLenPrefixed1(data, pos)
	if err != nil {
		return nil, err
	}
	src, pos, err := readLenPrefixed1(data, pos)
	if err != nil {
		return nil, err
	}
	to, pos, err := readLenPrefixed1(data, pos)
	if err != nil {
		return nil, err
	}
	body, pos, err := readLenPrefixed2(data, pos)
	if err != nil {
		return nil, err
	}

	if pos >= len(data) {
		return nil, fmt.Errorf("protocol: truncated binary message: missing error byte")
	}
	isError := data[pos] == 0x01
	pos++

	idsPayload, pos, err := readLenPrefixed2(data, pos)
	if err != nil {
		return nil, err
	}
	var msgIDs []string
	if len(idsPayload) > 0 {
		if err := json.Unmarshal(idsPayload, &msgIDs); err != nil {
			return nil, fmt.Errorf("protocol: bad msg_ids payload: %w", err)
		}
	}

	if pos+2 > len(data) {
		return nil, fmt.Errorf("protocol: truncated binary message: missing limit")
	}
	limit := binary.BigEndian.Uint16(data[pos : pos+2])

	return &Message{
		Cmd:    string(cmd),
		Src:    string(src),
		To:     string(to),
		Body:   body,
		Error:  isError,
		MsgIDs: msgIDs,
		Limit:  limit,
	}, nil
}

func appendUint16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func readLenPrefixed1(data []byte, pos int) ([]byte, int, error) {
	if pos >= len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated binary message: missing 1-byte length")
	}
	n := int(data[pos])
	pos++
	if pos+n > len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated binary message: field of %d bytes overruns buffer", n)
	}
	return data[pos : pos+n], pos + n, nil
}

func readLenPrefixed2(data []byte, pos int) ([]byte, int, error) {
	if pos+2 > len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated binary message: missing 2-byte length")
	}
	n := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if pos+n > len(data) {
		return nil, 0, fmt.Errorf("protocol: truncated binary message: field of %d bytes overruns buffer", n)
	}
	return data[pos : pos+n], pos + n, nil
}
