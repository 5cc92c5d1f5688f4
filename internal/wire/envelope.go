// Package wire encodes the outbound message envelopes and the WebSocket
// request/response frames using the protobuf wire format.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EnvelopeType identifies how an envelope's content was encrypted.
type EnvelopeType int32

// Envelope types. Values match the Signal server numbering where one exists.
const (
	EnvelopeUnknown    EnvelopeType = 0
	EnvelopeCiphertext EnvelopeType = 1
	EnvelopePreKey     EnvelopeType = 3
	EnvelopeFallback   EnvelopeType = 101
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeCiphertext:
		return "CIPHERTEXT"
	case EnvelopePreKey:
		return "PREKEY_BUNDLE"
	case EnvelopeFallback:
		return "FALLBACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// Envelope carries the ciphertext for a single destination device.
type Envelope struct {
	Type                      EnvelopeType
	SourceDevice              uint32
	Timestamp                 uint64
	Content                   []byte
	DestinationDevice         uint32
	DestinationRegistrationID uint32
}

// Message is one transmission to a recipient, bundling one envelope per device.
type Message struct {
	Destination string
	Timestamp   uint64
	Envelopes   []Envelope
	Urgent      bool
}

const (
	envTypeField        protowire.Number = 1
	envSourceDevField   protowire.Number = 2
	envTimestampField   protowire.Number = 3
	envContentField     protowire.Number = 4
	envDestDevField     protowire.Number = 5
	envDestRegIDField   protowire.Number = 6
	msgDestinationField protowire.Number = 1
	msgTimestampField   protowire.Number = 2
	msgEnvelopesField   protowire.Number = 3
	msgUrgentField      protowire.Number = 4
)

var errTruncated = errors.New("wire: truncated message")

// Marshal encodes the envelope.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendVarint(b, envTypeField, uint64(e.Type))
	b = appendVarint(b, envSourceDevField, uint64(e.SourceDevice))
	b = appendVarint(b, envTimestampField, e.Timestamp)
	b = appendBytes(b, envContentField, e.Content)
	b = appendVarint(b, envDestDevField, uint64(e.DestinationDevice))
	b = appendVarint(b, envDestRegIDField, uint64(e.DestinationRegistrationID))
	return b
}

// Unmarshal decodes an envelope. Unknown fields are skipped.
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == envContentField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Content = append([]byte(nil), v...)
			return n, nil
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case envTypeField:
				e.Type = EnvelopeType(v)
			case envSourceDevField:
				e.SourceDevice = uint32(v)
			case envTimestampField:
				e.Timestamp = v
			case envDestDevField:
				e.DestinationDevice = uint32(v)
			case envDestRegIDField:
				e.DestinationRegistrationID = uint32(v)
			}
			return n, nil
		}
		return -1, nil
	})
}

// Marshal encodes the message with its envelopes embedded.
func (m *Message) Marshal() []byte {
	var b []byte
	b = appendString(b, msgDestinationField, m.Destination)
	b = appendVarint(b, msgTimestampField, m.Timestamp)
	for i := range m.Envelopes {
		b = appendBytes(b, msgEnvelopesField, m.Envelopes[i].Marshal())
	}
	if m.Urgent {
		b = appendVarint(b, msgUrgentField, 1)
	}
	return b
}

// Unmarshal decodes a message.
func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == msgDestinationField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Destination = v
			return n, nil
		case num == msgEnvelopesField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			var env Envelope
			if err := env.Unmarshal(v); err != nil {
				return 0, fmt.Errorf("wire: envelope %d: %w", len(m.Envelopes), err)
			}
			m.Envelopes = append(m.Envelopes, env)
			return n, nil
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case msgTimestampField:
				m.Timestamp = v
			case msgUrgentField:
				m.Urgent = v != 0
			}
			return n, nil
		}
		return -1, nil
	})
}

// DeviceIDs returns the destination device of every envelope, in order.
func (m *Message) DeviceIDs() []int {
	ids := make([]int, len(m.Envelopes))
	for i, env := range m.Envelopes {
		ids[i] = int(env.DestinationDevice)
	}
	return ids
}

// walk iterates the fields of b. fn returns the number of bytes it consumed,
// or -1 to have the field skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("wire: field %d: %w", num, err)
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("wire: skip field %d: %w", num, protowire.ParseError(n))
			}
		}
		if n > len(b) {
			return errTruncated
		}
		b = b[n:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
