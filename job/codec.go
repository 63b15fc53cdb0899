package job

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes typed payloads to the opaque bytes stored on a job.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// JSONCodec stores payloads as JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return CodecNameJSON }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec stores payloads as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                       { return CodecNameMsgpack }
func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// CodecByName returns the codec registered under name, defaulting to JSON.
func CodecByName(name string) Codec {
	if name == CodecNameMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}
