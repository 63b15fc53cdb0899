package dwp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire format names negotiated by the auth frame.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// MaxFrameSize bounds one encoded frame in either direction. A claim
// response carries every leased job with its payload, so this is the
// practical ceiling on count times payload size.
const MaxFrameSize = 8 << 20

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("dwp: frame exceeds size limit")

	// ErrUnknownFormat is returned for a format name no codec serves.
	ErrUnknownFormat = errors.New("dwp: unknown wire format")
)

// Codec serializes frames for one session. The format is fixed once the
// auth frame negotiates it.
type Codec interface {
	Encode(frame *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
	Name() string
	// Binary reports whether frames travel as binary WebSocket messages.
	Binary() bool
}

// ParseCodec returns the codec for a negotiated format name. An empty name
// selects JSON.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// CodecFor returns the codec matching a WebSocket message kind.
func CodecFor(binary bool) Codec {
	if binary {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec carries frames as JSON text messages. It is the format of the
// auth frame and of HTTP RPC.
type JSONCodec struct{}

func (JSONCodec) Encode(frame *Frame) ([]byte, error) {
	return encodeFrame(frame, json.Marshal)
}

func (JSONCodec) Decode(data []byte) (*Frame, error) {
	return decodeFrame(data, json.Unmarshal)
}

func (JSONCodec) Name() string { return CodecNameJSON }
func (JSONCodec) Binary() bool { return false }

// MsgpackCodec carries frames as MessagePack binary messages. Job payloads
// inside Data stay JSON.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(frame *Frame) ([]byte, error) {
	return encodeFrame(frame, msgpack.Marshal)
}

func (MsgpackCodec) Decode(data []byte) (*Frame, error) {
	return decodeFrame(data, msgpack.Unmarshal)
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
func (MsgpackCodec) Binary() bool { return true }

func encodeFrame(frame *Frame, marshal func(any) ([]byte, error)) ([]byte, error) {
	data, err := marshal(frame)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s frame %s is %d bytes", ErrFrameTooLarge, frame.Type, frame.ID, len(data))
	}
	return data, nil
}

func decodeFrame(data []byte, unmarshal func([]byte, any) error) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	var f Frame
	if err := unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, errors.New("dwp: frame has no type")
	}
	return &f, nil
}
