package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/rtcomm/internal/proto"
)

// Codec turns events into transport frames and back. Frame payloads are kept
// encoded on the way in; listeners decode them lazily through Unmarshal.
type Codec interface {
	Name() string
	// MessageType is the websocket message type frames are sent as.
	MessageType() int
	EncodeFrame(event string, data any) ([]byte, error)
	DecodeFrame(b []byte) (event string, data []byte, err error)
	Unmarshal(data []byte, v any) error
}

// Codec names accepted in configuration.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

var errNoEvent = errors.New("frame has no event name")

// CodecByName returns the codec registered under name. The empty name is JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSON, nil
	case CodecCBOR:
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSON frames are text messages of the form {"event": ..., "data": ...}.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string     { return CodecJSON }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) EncodeFrame(event string, data any) ([]byte, error) {
	f := proto.Frame{Event: event}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		f.Data = b
	}
	return json.Marshal(f)
}

func (jsonCodec) DecodeFrame(b []byte) (string, []byte, error) {
	var f proto.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return "", nil, errNoEvent
	}
	return f.Event, f.Data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBOR frames are binary messages carrying a two-key map {event, data}.
// Payload structs are encoded through their json tags.
var CBOR Codec = cborCodec{}

type cborCodec struct{}

type cborFrame struct {
	Event string          `cbor:"event"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

func (cborCodec) Name() string     { return CodecCBOR }
func (cborCodec) MessageType() int { return websocket.BinaryMessage }

func (cborCodec) EncodeFrame(event string, data any) ([]byte, error) {
	f := cborFrame{Event: event}
	if data != nil {
		b, err := cbor.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		f.Data = b
	}
	return cbor.Marshal(f)
}

func (cborCodec) DecodeFrame(b []byte) (string, []byte, error) {
	var f cborFrame
	if err := cbor.Unmarshal(b, &f); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return "", nil, errNoEvent
	}
	return f.Event, f.Data, nil
}

func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
