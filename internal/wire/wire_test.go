package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessageCarriesEnvelopePerDevice(t *testing.T) {
	msg := &Message{
		Destination: "bob",
		Timestamp:   1700000000000,
		Urgent:      true,
		Envelopes: []Envelope{
			{Type: EnvelopePreKey, SourceDevice: 2, Timestamp: 1700000000000, Content: []byte{1, 2, 3}, DestinationDevice: 1, DestinationRegistrationID: 42},
			{Type: EnvelopeCiphertext, SourceDevice: 2, Timestamp: 1700000000000, Content: []byte{4}, DestinationDevice: 3, DestinationRegistrationID: 7},
		},
	}

	var got Message
	require.NoError(t, got.Unmarshal(msg.Marshal()))
	require.Equal(t, "bob", got.Destination)
	require.True(t, got.Urgent)
	require.Equal(t, []int{1, 3}, got.DeviceIDs())
	require.Equal(t, EnvelopePreKey, got.Envelopes[0].Type)
	require.Equal(t, uint32(42), got.Envelopes[0].DestinationRegistrationID)
	require.Equal(t, []byte{4}, got.Envelopes[1].Content)
}

func TestEnvelopeSkipsUnknownFields(t *testing.T) {
	env := Envelope{Type: EnvelopeCiphertext, Content: []byte("x")}
	b := env.Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	var got Envelope
	require.NoError(t, got.Unmarshal(b))
	require.Equal(t, []byte("x"), got.Content)
}

func TestTruncatedMessage(t *testing.T) {
	msg := &Message{Destination: "bob", Envelopes: []Envelope{{Content: []byte("abcdef")}}}
	b := msg.Marshal()

	var got Message
	require.Error(t, got.Unmarshal(b[:len(b)-2]))
}

func TestWebSocketRequestFrame(t *testing.T) {
	in := &WebSocketMessage{
		Type: WebSocketRequest,
		Request: &Request{
			Verb:    "PUT",
			Path:    "/v1/message",
			Body:    []byte("body"),
			ID:      77,
			Headers: []string{"content-type:application/x-protobuf", "x-correlation-id:abc"},
		},
	}

	var out WebSocketMessage
	require.NoError(t, out.Unmarshal(in.Marshal()))
	require.Equal(t, WebSocketRequest, out.Type)
	require.Nil(t, out.Response)
	require.Equal(t, in.Request, out.Request)
}

func TestWebSocketResponseFrame(t *testing.T) {
	in := &WebSocketMessage{
		Type:     WebSocketResponse,
		Response: &Response{ID: 77, Status: 409, Message: "Conflict", Body: []byte(`{"extraDevices":[3]}`)},
	}

	var out WebSocketMessage
	require.NoError(t, out.Unmarshal(in.Marshal()))
	require.Equal(t, uint64(77), out.Response.ID)
	require.Equal(t, uint32(409), out.Response.Status)
	require.JSONEq(t, `{"extraDevices":[3]}`, string(out.Response.Body))
}
