package server

import (
	"bytes"
	"errors"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	SubprotocolJSON    = "arena.json"
	SubprotocolMsgpack = "arena.msgpack"
)

var errMalformedEnvelope = errors.New("malformed envelope")

// Codec frames envelopes for one connection. The subprotocol negotiated at
// upgrade time picks the implementation.
type Codec interface {
	Name() string
	FrameType() websocket.MessageType
	Encode(msg ServerMessage) ([]byte, error)
	DecodeEnvelope(data []byte) (msgType string, payload []byte, err error)
	DecodePayload(payload []byte, v any) error
}

func codecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return SubprotocolJSON }

func (jsonCodec) FrameType() websocket.MessageType { return websocket.MessageText }

func (jsonCodec) Encode(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) DecodeEnvelope(data []byte) (string, []byte, error) {
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}
	if env.Type == "" {
		return "", nil, errMalformedEnvelope
	}
	return env.Type, env.Payload, nil
}

func (jsonCodec) DecodePayload(payload []byte, v any) error {
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}
	return json.Unmarshal(payload, v)
}

// msgpackCodec reuses the json struct tags so both wire formats share
// field names.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return SubprotocolMsgpack }

func (msgpackCodec) FrameType() websocket.MessageType { return websocket.MessageBinary }

func (msgpackCodec) Encode(msg ServerMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) DecodeEnvelope(data []byte) (string, []byte, error) {
	var env struct {
		Type    string             `json:"type"`
		Payload msgpack.RawMessage `json:"payload"`
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&env); err != nil {
		return "", nil, err
	}
	if env.Type == "" {
		return "", nil, errMalformedEnvelope
	}
	return env.Type, env.Payload, nil
}

func (msgpackCodec) DecodePayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
