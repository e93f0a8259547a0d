package grpc

import (
	"encoding/json"
)

// jsonCodec carries the service messages as JSON; they are plain Go structs
// shared with the HTTP API rather than generated protobuf types. Servers
// install it with grpc.ForceServerCodec and clients with grpc.ForceCodec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }
