package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// WebSocketMessageType discriminates request and response frames.
type WebSocketMessageType int32

const (
	WebSocketUnknown  WebSocketMessageType = 0
	WebSocketRequest  WebSocketMessageType = 1
	WebSocketResponse WebSocketMessageType = 2
)

// Request is a WebSocketRequestMessage.
type Request struct {
	Verb    string
	Path    string
	Body    []byte
	ID      uint64
	Headers []string
}

// Response is a WebSocketResponseMessage.
type Response struct {
	ID      uint64
	Status  uint32
	Message string
	Body    []byte
	Headers []string
}

// WebSocketMessage is the outer frame exchanged on the WebSocket.
type WebSocketMessage struct {
	Type     WebSocketMessageType
	Request  *Request
	Response *Response
}

// Marshal encodes the frame.
func (m *WebSocketMessage) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Type))
	if m.Request != nil {
		b = appendBytes(b, 2, m.Request.marshal())
	}
	if m.Response != nil {
		b = appendBytes(b, 3, m.Response.marshal())
	}
	return b
}

// Unmarshal decodes a frame.
func (m *WebSocketMessage) Unmarshal(b []byte) error {
	*m = WebSocketMessage{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Type = WebSocketMessageType(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Request = new(Request)
			if err := m.Request.unmarshal(v); err != nil {
				return 0, fmt.Errorf("request: %w", err)
			}
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Response = new(Response)
			if err := m.Response.unmarshal(v); err != nil {
				return 0, fmt.Errorf("response: %w", err)
			}
			return n, nil
		}
		return -1, nil
	})
}

func (r *Request) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.Verb)
	b = appendString(b, 2, r.Path)
	if r.Body != nil {
		b = appendBytes(b, 3, r.Body)
	}
	b = appendVarint(b, 4, r.ID)
	for _, h := range r.Headers {
		b = appendString(b, 5, h)
	}
	return b
}

func (r *Request) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType && num == 4 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.ID = v
			return n, nil
		}
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch num {
		case 1:
			r.Verb = string(v)
		case 2:
			r.Path = string(v)
		case 3:
			r.Body = append([]byte(nil), v...)
		case 5:
			r.Headers = append(r.Headers, string(v))
		}
		return n, nil
	})
}

func (r *Response) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, r.ID)
	b = appendVarint(b, 2, uint64(r.Status))
	b = appendString(b, 3, r.Message)
	if r.Body != nil {
		b = appendBytes(b, 4, r.Body)
	}
	for _, h := range r.Headers {
		b = appendString(b, 5, h)
	}
	return b
}

func (r *Response) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case 1:
				r.ID = v
			case 2:
				r.Status = uint32(v)
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return -1, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch num {
		case 3:
			r.Message = string(v)
		case 4:
			r.Body = append([]byte(nil), v...)
		case 5:
			r.Headers = append(r.Headers, string(v))
		}
		return n, nil
	})
}
